package histopath

import (
	"fmt"
	"image"
	"iter"
)

// A PartialPolicy determines what happens to tiles that overhang the right or
// bottom edge of the extent.
type PartialPolicy int

const (
	// PartialInclude keeps every origin inside the extent, including those
	// whose tiles overhang the edge. Consumers clip or pad such tiles.
	PartialInclude PartialPolicy = iota
	// PartialDrop keeps only tiles that lie entirely inside the extent.
	PartialDrop
	// PartialShift behaves like PartialDrop but adds one final tile flush
	// with the edge when the last full tile does not reach it.
	PartialShift
)

var partialPolicyNames = map[PartialPolicy]string{
	PartialInclude: "include",
	PartialDrop:    "drop",
	PartialShift:   "shift",
}

func (p PartialPolicy) String() string {
	if name, ok := partialPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PartialPolicy(%d)", int(p))
}

// ParsePartialPolicy parses the name of a PartialPolicy.
func ParsePartialPolicy(s string) (PartialPolicy, error) {
	for p, name := range partialPolicyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrInvalidParameter)
}

type gridOptions struct {
	partialPolicy PartialPolicy
}

// A GridOption sets an option on a grid.
type GridOption func(*gridOptions)

// WithPartialPolicy sets the partial tile policy. The default is
// PartialInclude.
func WithPartialPolicy(partialPolicy PartialPolicy) GridOption {
	return func(o *gridOptions) {
		o.partialPolicy = partialPolicy
	}
}

// A gridAxis is the sequence of tile origins along one axis: n regular origins
// at multiples of stride, optionally followed by a shifted origin.
type gridAxis struct {
	n       int
	stride  int
	shifted int // -1 if there is no shifted origin.
}

func newGridAxis(extent, tile, stride int, partialPolicy PartialPolicy) gridAxis {
	a := gridAxis{
		stride:  stride,
		shifted: -1,
	}
	switch partialPolicy {
	case PartialDrop, PartialShift:
		if extent < tile {
			return a
		}
		a.n = (extent-tile)/stride + 1
		if partialPolicy == PartialShift && (a.n-1)*stride+tile < extent {
			a.shifted = extent - tile
		}
	default:
		a.n = (extent + stride - 1) / stride
	}
	return a
}

func (a gridAxis) len() int {
	if a.shifted >= 0 {
		return a.n + 1
	}
	return a.n
}

func (a gridAxis) origin(i int) int {
	if i == a.n {
		return a.shifted
	}
	return i * a.stride
}

type grid struct {
	extent   Size
	tileSize Size
	x        gridAxis
	y        gridAxis
}

func newGrid(extent, tileSize, stride Size, options ...GridOption) (*grid, error) {
	if extent.W < 0 || extent.H < 0 {
		return nil, fmt.Errorf("extent %dx%d: %w", extent.W, extent.H, ErrInvalidParameter)
	}
	if !tileSize.positive() {
		return nil, fmt.Errorf("tile size %dx%d: %w", tileSize.W, tileSize.H, ErrInvalidParameter)
	}
	if !stride.positive() {
		return nil, fmt.Errorf("stride %dx%d: %w", stride.W, stride.H, ErrInvalidParameter)
	}
	o := gridOptions{}
	for _, option := range options {
		option(&o)
	}
	if _, ok := partialPolicyNames[o.partialPolicy]; !ok {
		return nil, fmt.Errorf("%s: %w", o.partialPolicy, ErrInvalidParameter)
	}
	return &grid{
		extent:   extent,
		tileSize: tileSize,
		x:        newGridAxis(extent.W, tileSize.W, stride.W, o.partialPolicy),
		y:        newGridAxis(extent.H, tileSize.H, stride.H, o.partialPolicy),
	}, nil
}

func (g *grid) coords() iter.Seq[Coord] {
	return func(yield func(Coord) bool) {
		for j := range g.y.len() {
			y := g.y.origin(j)
			for i := range g.x.len() {
				if !yield(Coord{X: g.x.origin(i), Y: y}) {
					return
				}
			}
		}
	}
}

// GridTiles returns the origins of the tiles covering extent, in row-major
// order. The returned sequence is lazy and may be iterated any number of
// times.
func GridTiles(extent, tileSize, stride Size, options ...GridOption) (iter.Seq[Coord], error) {
	g, err := newGrid(extent, tileSize, stride, options...)
	if err != nil {
		return nil, err
	}
	return g.coords(), nil
}

// GridTileRects returns the tiles covering extent clipped to extent, in the
// same order as GridTiles.
func GridTileRects(extent, tileSize, stride Size, options ...GridOption) (iter.Seq[image.Rectangle], error) {
	g, err := newGrid(extent, tileSize, stride, options...)
	if err != nil {
		return nil, err
	}
	bounds := image.Rect(0, 0, extent.W, extent.H)
	return func(yield func(image.Rectangle) bool) {
		for coord := range g.coords() {
			r := image.Rect(coord.X, coord.Y, coord.X+g.tileSize.W, coord.Y+g.tileSize.H)
			if !yield(r.Intersect(bounds)) {
				return
			}
		}
	}, nil
}

// TileCount returns the number of tiles that GridTiles would return.
func TileCount(extent, tileSize, stride Size, options ...GridOption) (int, error) {
	g, err := newGrid(extent, tileSize, stride, options...)
	if err != nil {
		return 0, err
	}
	return g.x.len() * g.y.len(), nil
}

// A TileConfig describes tiling in terms of overlap between adjacent tiles
// rather than stride.
type TileConfig struct {
	TileSize Size
	Overlap  Size
}

// NewTileConfig returns a new TileConfig. Overlap must be non-negative and
// smaller than the tile size.
func NewTileConfig(tileSize, overlap Size) (TileConfig, error) {
	switch {
	case !tileSize.positive():
		return TileConfig{}, fmt.Errorf("tile size %dx%d: %w", tileSize.W, tileSize.H, ErrInvalidParameter)
	case overlap.W < 0 || overlap.H < 0:
		return TileConfig{}, fmt.Errorf("overlap %dx%d: %w", overlap.W, overlap.H, ErrInvalidParameter)
	case overlap.W >= tileSize.W || overlap.H >= tileSize.H:
		return TileConfig{}, fmt.Errorf("overlap %dx%d not smaller than tile size: %w", overlap.W, overlap.H, ErrInvalidParameter)
	}
	return TileConfig{
		TileSize: tileSize,
		Overlap:  overlap,
	}, nil
}

// Stride returns the distance between adjacent tile origins.
func (c TileConfig) Stride() Size {
	return Size{
		W: c.TileSize.W - c.Overlap.W,
		H: c.TileSize.H - c.Overlap.H,
	}
}

// Tiles returns the tiles covering extent.
func (c TileConfig) Tiles(extent Size, options ...GridOption) (iter.Seq[Coord], error) {
	return GridTiles(extent, c.TileSize, c.Stride(), options...)
}
