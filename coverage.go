package histopath

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"math"
	"slices"

	"github.com/maypok86/otter/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var annotationFilesLoadedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "histopath_annotation_files_loaded_total",
	Help: "The total number of annotation files loaded",
})

// A Coverage is the amount of a tile's region of interest covered by
// annotation polygons.
type Coverage struct {
	Area     float64 // In level pixels.
	Fraction float64
}

// An AnnotationIndex answers coverage queries against a set of polygons.
type AnnotationIndex struct {
	polygons []orb.Polygon
	bounds   []orb.Bound
}

// NewAnnotationIndex returns a new AnnotationIndex of annotations' polygons.
func NewAnnotationIndex(annotations *Annotations) *AnnotationIndex {
	x := &AnnotationIndex{
		polygons: annotations.Polygons,
		bounds:   make([]orb.Bound, len(annotations.Polygons)),
	}
	for i, polygon := range annotations.Polygons {
		x.bounds[i] = polygon.Bound()
	}
	return x
}

// Len returns the number of polygons in x.
func (x *AnnotationIndex) Len() int {
	return len(x.polygons)
}

// Coverage returns how much of tileRow's region of interest is covered by
// x's polygons. roi is in level pixels relative to the tile's origin and must
// lie inside the tile. A zero roi is the whole tile.
//
// Where polygons overlap, the overlap is counted once.
func (x *AnnotationIndex) Coverage(tileRow TileRow, roi orb.Bound) (Coverage, error) {
	tileExtentX, tileExtentY := float64(tileRow.TileExtentX), float64(tileRow.TileExtentY)
	if roi == (orb.Bound{}) {
		roi = orb.Bound{Max: orb.Point{tileExtentX, tileExtentY}}
	}
	switch {
	case !(tileRow.Downsample > 0):
		return Coverage{}, fmt.Errorf("downsample %g: %w", tileRow.Downsample, ErrInvalidParameter)
	case roi.Min.X() < 0 || roi.Min.Y() < 0 || roi.Max.X() > tileExtentX || roi.Max.Y() > tileExtentY:
		return Coverage{}, fmt.Errorf("roi out of bounds: %w", ErrInvalidParameter)
	case roi.Max.X() <= roi.Min.X() || roi.Max.Y() <= roi.Min.Y():
		return Coverage{}, fmt.Errorf("empty roi: %w", ErrInvalidParameter)
	}

	// Transform the roi to full resolution slide coordinates, in which the
	// polygons are.
	downsample := tileRow.Downsample
	originX, originY := float64(tileRow.TileX)*downsample, float64(tileRow.TileY)*downsample
	slideROI := orb.Bound{
		Min: orb.Point{originX + roi.Min.X()*downsample, originY + roi.Min.Y()*downsample},
		Max: orb.Point{originX + roi.Max.X()*downsample, originY + roi.Max.Y()*downsample},
	}
	slideROIArea := (slideROI.Max.X() - slideROI.Min.X()) * (slideROI.Max.Y() - slideROI.Min.Y())

	var clippedPolygons []orb.Polygon
	for i, polygon := range x.polygons {
		if !x.bounds[i].Intersects(slideROI) {
			continue
		}
		if clipped := clip.Polygon(slideROI, polygon.Clone()); len(clipped) != 0 {
			clippedPolygons = append(clippedPolygons, clipped)
		}
	}
	area := unionArea(clippedPolygons)

	return Coverage{
		Area:     area / (downsample * downsample),
		Fraction: area / slideROIArea,
	}, nil
}

// unionArea returns the area of the union of polygons. Each polygon's interior
// is given by the even-odd rule.
//
// A horizontal line is swept across the polygons, stopping at every vertex
// and every crossing of edges of different polygons. Between stops the length
// of the line inside the union changes linearly, so each slab's area is its
// height times the length at its middle.
func unionArea(polygons []orb.Polygon) float64 {
	switch len(polygons) {
	case 0:
		return 0
	case 1:
		return math.Abs(planar.Area(polygons[0]))
	}

	edgesByPolygon := make([][]segment, len(polygons))
	var ys []float64
	for i, polygon := range polygons {
		for _, ring := range polygon {
			for j, a := range ring {
				b := ring[(j+1)%len(ring)]
				ys = append(ys, a[1])
				if a[1] != b[1] {
					edgesByPolygon[i] = append(edgesByPolygon[i], segment{a: a, b: b})
				}
			}
		}
	}
	for i, edges := range edgesByPolygon {
		for _, otherEdges := range edgesByPolygon[i+1:] {
			for _, edge := range edges {
				for _, otherEdge := range otherEdges {
					if y, ok := edge.intersectionY(otherEdge); ok {
						ys = append(ys, y)
					}
				}
			}
		}
	}
	slices.Sort(ys)
	ys = slices.Compact(ys)

	area := 0.0
	var intervals [][2]float64
	for i := 1; i < len(ys); i++ {
		y0, y1 := ys[i-1], ys[i]
		y := (y0 + y1) / 2
		intervals = intervals[:0]
		var xs []float64
		for _, edges := range edgesByPolygon {
			xs = xs[:0]
			for _, edge := range edges {
				if (edge.a[1] <= y) != (edge.b[1] <= y) {
					xs = append(xs, edge.a[0]+(y-edge.a[1])*(edge.b[0]-edge.a[0])/(edge.b[1]-edge.a[1]))
				}
			}
			slices.Sort(xs)
			for j := 0; j+1 < len(xs); j += 2 {
				intervals = append(intervals, [2]float64{xs[j], xs[j+1]})
			}
		}
		area += (y1 - y0) * unionLength(intervals)
	}
	return area
}

// unionLength returns the length of the union of intervals. It sorts
// intervals.
func unionLength(intervals [][2]float64) float64 {
	slices.SortFunc(intervals, func(a, b [2]float64) int {
		return cmp.Compare(a[0], b[0])
	})
	length := 0.0
	end := math.Inf(-1)
	for _, interval := range intervals {
		start := max(interval[0], end)
		if interval[1] > start {
			length += interval[1] - start
			end = interval[1]
		}
	}
	return length
}

// A segment is a line segment between two points.
type segment struct {
	a, b orb.Point
}

// intersectionY returns the y coordinate at which s and t cross. Parallel
// segments do not cross.
func (s segment) intersectionY(t segment) (float64, bool) {
	sdx, sdy := s.b[0]-s.a[0], s.b[1]-s.a[1]
	tdx, tdy := t.b[0]-t.a[0], t.b[1]-t.a[1]
	denominator := sdx*tdy - sdy*tdx
	if denominator == 0 {
		return 0, false
	}
	dx, dy := t.a[0]-s.a[0], t.a[1]-s.a[1]
	u := (dx*tdy - dy*tdx) / denominator
	v := (dx*sdy - dy*sdx) / denominator
	if u < 0 || u > 1 || v < 0 || v > 1 {
		return 0, false
	}
	return s.a[1] + u*sdy, true
}

// An AnnotationCache loads and caches annotation indexes by file name.
type AnnotationCache struct {
	fsys  fs.FS
	cache *otter.Cache[string, *AnnotationIndex]
}

// NewAnnotationCache returns a new AnnotationCache that holds at most size
// indexes.
func NewAnnotationCache(fsys fs.FS, size int) (*AnnotationCache, error) {
	if size < 1 {
		return nil, fmt.Errorf("annotation cache size %d: %w", size, ErrInvalidParameter)
	}
	cache, err := otter.New(&otter.Options[string, *AnnotationIndex]{
		MaximumSize: size,
	})
	if err != nil {
		return nil, err
	}
	return &AnnotationCache{
		fsys:  fsys,
		cache: cache,
	}, nil
}

// Get returns the index of the annotation file called name.
func (c *AnnotationCache) Get(ctx context.Context, name string) (*AnnotationIndex, error) {
	return c.cache.Get(ctx, name, otter.LoaderFunc[string, *AnnotationIndex](c.load))
}

func (c *AnnotationCache) load(ctx context.Context, name string) (*AnnotationIndex, error) {
	annotations, err := ParseAnnotationsFile(c.fsys, name)
	if err != nil {
		return nil, err
	}
	annotationFilesLoadedTotal.Inc()
	return NewAnnotationIndex(annotations), nil
}

// An AnnotatedTileRow is a TileRow with its annotation coverage.
type AnnotatedTileRow struct {
	TileRow
	Coverage
}

// MapAnnotations returns the coverage of each of tileRows by the annotation
// file called name.
func (c *AnnotationCache) MapAnnotations(ctx context.Context, tileRows []TileRow, name string, roi orb.Bound) ([]AnnotatedTileRow, error) {
	index, err := c.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	annotatedTileRows := make([]AnnotatedTileRow, len(tileRows))
	for i, tileRow := range tileRows {
		coverage, err := index.Coverage(tileRow, roi)
		if err != nil {
			return nil, err
		}
		annotatedTileRows[i] = AnnotatedTileRow{
			TileRow:  tileRow,
			Coverage: coverage,
		}
	}
	return annotatedTileRows, nil
}
