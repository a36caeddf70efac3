package histopath

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path"
	"slices"
	"strings"
	"unsafe"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	slidesReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histopath_slides_read_total",
		Help: "The total number of slides whose metadata was read",
	})
	slideCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histopath_slide_cache_hits_total",
		Help: "The total number of hits on the slide cache",
	})
	slideCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histopath_slide_cache_misses_total",
		Help: "The total number of misses on the slide cache",
	})
	slideCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histopath_slide_cache_evictions_total",
		Help: "The total number of evictions from the slide cache",
	})
)

// OMETIFFExtensions are the extensions of OME-TIFF files.
var OMETIFFExtensions = []string{
	"ome.tiff",
	"ome.tif",
}

// OpenSlideExtensions are the extensions of the whole-slide image formats
// known to OpenSlide.
var OpenSlideExtensions = []string{
	"svs",
	"tif",
	"dcm",
	"ndpi",
	"vms",
	"vmu",
	"scn",
	"mrxs",
	"tiff",
	"svslide",
	"bif",
	"czi",
}

// FileExtensions are the extensions of all files that a MetadataSource
// accepts.
var FileExtensions = slices.Concat(OpenSlideExtensions, OMETIFFExtensions)

// tiffExtensions are the accepted extensions of files that are TIFF
// containers and can be read without OpenSlide.
var tiffExtensions = []string{
	"svs",
	"tif",
	"ndpi",
	"scn",
	"tiff",
	"svslide",
	"bif",
	"ome.tiff",
	"ome.tif",
}

// A SlideRow is the metadata of a single slide.
type SlideRow struct {
	ID          string  `json:"id" parquet:"id"`
	Path        string  `json:"path" parquet:"path"`
	ExtentX     int64   `json:"extent_x" parquet:"extent_x"`
	ExtentY     int64   `json:"extent_y" parquet:"extent_y"`
	TileExtentX int64   `json:"tile_extent_x" parquet:"tile_extent_x"`
	TileExtentY int64   `json:"tile_extent_y" parquet:"tile_extent_y"`
	StrideX     int64   `json:"stride_x" parquet:"stride_x"`
	StrideY     int64   `json:"stride_y" parquet:"stride_y"`
	MPPX        float64 `json:"mpp_x" parquet:"mpp_x"` // Zero if unknown.
	MPPY        float64 `json:"mpp_y" parquet:"mpp_y"` // Zero if unknown.
	Level       int64   `json:"level" parquet:"level"`
	Downsample  float64 `json:"downsample" parquet:"downsample"`
}

// Extent returns the extent of r's level.
func (r SlideRow) Extent() Size {
	return Size{W: int(r.ExtentX), H: int(r.ExtentY)}
}

// TileExtent returns r's tile extent.
func (r SlideRow) TileExtent() Size {
	return Size{W: int(r.TileExtentX), H: int(r.TileExtentY)}
}

// Stride returns r's stride.
func (r SlideRow) Stride() Size {
	return Size{W: int(r.StrideX), H: int(r.StrideY)}
}

// WithID returns a copy of r with its ID set to the hash of its other
// columns.
func (r SlideRow) WithID() (SlideRow, error) {
	r.ID = ""
	id, err := RowHash(r)
	if err != nil {
		return SlideRow{}, err
	}
	r.ID = id
	return r, nil
}

// A MetadataSource reads one SlideRow per slide.
type MetadataSource struct {
	slideGroup     singleflight.Group
	fsys           fs.FS
	paths          []string
	mpp            float64
	level          int
	tileExtent     Size
	stride         Size
	concurrency    int
	slideCacheSize int
	slideCache     *lru.Cache[string, *Slide]
}

// A MetadataSourceOption sets an option on a MetadataSource.
type MetadataSourceOption func(*MetadataSource)

// NewMetadataSource returns a new MetadataSource with the given options.
// Exactly one of WithMPP and WithLevel must be given.
func NewMetadataSource(options ...MetadataSourceOption) (*MetadataSource, error) {
	s := &MetadataSource{
		level:          -1,
		concurrency:    4,
		slideCacheSize: 64,
	}
	for _, option := range options {
		option(s)
	}

	switch {
	case s.fsys == nil:
		return nil, fmt.Errorf("no filesystem: %w", ErrInvalidParameter)
	case (s.mpp > 0) == (s.level >= 0):
		return nil, fmt.Errorf("exactly one of mpp or level must be given: %w", ErrInvalidParameter)
	case !s.tileExtent.positive():
		return nil, fmt.Errorf("tile extent %dx%d: %w", s.tileExtent.W, s.tileExtent.H, ErrInvalidParameter)
	case !s.stride.positive():
		return nil, fmt.Errorf("stride %dx%d: %w", s.stride.W, s.stride.H, ErrInvalidParameter)
	case s.concurrency < 1:
		return nil, fmt.Errorf("concurrency %d: %w", s.concurrency, ErrInvalidParameter)
	case s.slideCacheSize < 1:
		return nil, fmt.Errorf("slide cache size %d: %w", s.slideCacheSize, ErrInvalidParameter)
	}

	var err error
	s.slideCache, err = lru.NewWithEvict(s.slideCacheSize, func(string, *Slide) {
		slideCacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WithConcurrency sets the maximum number of slides read concurrently.
func WithConcurrency(concurrency int) MetadataSourceOption {
	return func(s *MetadataSource) {
		s.concurrency = concurrency
	}
}

func WithFS(fsys fs.FS) MetadataSourceOption {
	return func(s *MetadataSource) {
		s.fsys = fsys
	}
}

// WithLevel selects slide levels by index.
func WithLevel(level int) MetadataSourceOption {
	return func(s *MetadataSource) {
		s.level = level
	}
}

// WithMPP selects the slide level closest to mpp microns per pixel.
func WithMPP(mpp float64) MetadataSourceOption {
	return func(s *MetadataSource) {
		s.mpp = mpp
	}
}

// WithPaths sets the paths to read. Directories are walked.
func WithPaths(paths ...string) MetadataSourceOption {
	return func(s *MetadataSource) {
		s.paths = append(s.paths, paths...)
	}
}

func WithSlideCacheSize(slideCacheSize int) MetadataSourceOption {
	return func(s *MetadataSource) {
		s.slideCacheSize = slideCacheSize
	}
}

func WithStride(stride Size) MetadataSourceOption {
	return func(s *MetadataSource) {
		s.stride = stride
	}
}

func WithTileExtent(tileExtent Size) MetadataSourceOption {
	return func(s *MetadataSource) {
		s.tileExtent = tileExtent
	}
}

// IsOMETIFF returns whether name has an OME-TIFF extension.
func IsOMETIFF(name string) bool {
	return hasExtension(name, OMETIFFExtensions)
}

// HasSupportedExtension returns whether name has one of FileExtensions.
func HasSupportedExtension(name string) bool {
	return hasExtension(name, FileExtensions)
}

func hasExtension(name string, extensions []string) bool {
	lowerName := strings.ToLower(name)
	for _, extension := range extensions {
		if strings.HasSuffix(lowerName, "."+extension) {
			return true
		}
	}
	return false
}

// Paths returns the paths of the slides that s reads, expanding directories
// and skipping files without a supported extension.
func (s *MetadataSource) Paths() ([]string, error) {
	var paths []string
	for _, p := range s.paths {
		p = path.Clean(p)
		fileInfo, err := fs.Stat(s.fsys, p)
		if err != nil {
			return nil, err
		}
		if !fileInfo.IsDir() {
			if HasSupportedExtension(p) {
				paths = append(paths, p)
			}
			continue
		}
		if err := fs.WalkDir(s.fsys, p, func(p string, dirEntry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !dirEntry.IsDir() && HasSupportedExtension(p) {
				paths = append(paths, p)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// Rows returns one SlideRow for each slide, in the order of Paths.
func (s *MetadataSource) Rows(ctx context.Context) ([]SlideRow, error) {
	paths, err := s.Paths()
	if err != nil {
		return nil, err
	}

	rows := make([]SlideRow, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			row, err := s.row(p)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// EstimateInMemorySize returns an estimate of the number of bytes of the rows
// returned by Rows.
func (s *MetadataSource) EstimateInMemorySize() (int, error) {
	paths, err := s.Paths()
	if err != nil {
		return 0, err
	}
	const idSize = 64 // Hex encoded SHA-256.
	size := (int(unsafe.Sizeof(SlideRow{})) + idSize) * len(paths)
	for _, p := range paths {
		size += len(p)
	}
	return size, nil
}

// row returns the SlideRow of the slide at p.
func (s *MetadataSource) row(p string) (SlideRow, error) {
	slide, err := s.getSlideCached(p)
	if err != nil {
		return SlideRow{}, err
	}

	level := s.level
	if level < 0 {
		level, err = slide.ClosestLevel(s.mpp, s.mpp)
		if err != nil {
			return SlideRow{}, err
		}
	}
	l, err := slide.Level(level)
	if err != nil {
		return SlideRow{}, err
	}
	mppX, mppY, err := slide.LevelResolution(level)
	if err != nil {
		return SlideRow{}, err
	}

	row := SlideRow{
		Path:        p,
		ExtentX:     int64(l.Size.W),
		ExtentY:     int64(l.Size.H),
		TileExtentX: int64(s.tileExtent.W),
		TileExtentY: int64(s.tileExtent.H),
		StrideX:     int64(s.stride.W),
		StrideY:     int64(s.stride.H),
		MPPX:        zeroIfNaN(mppX),
		MPPY:        zeroIfNaN(mppY),
		Level:       int64(level),
		Downsample:  l.Downsample,
	}
	return row.WithID()
}

// getSlide returns the slide at p.
func (s *MetadataSource) getSlide(p string) (*Slide, error) {
	if !hasExtension(p, tiffExtensions) {
		return nil, fmt.Errorf("%s: %w", p, errors.ErrUnsupported)
	}
	slide, err := OpenSlide(s.fsys, p)
	if err != nil {
		return nil, err
	}
	slidesReadTotal.Inc()
	return slide, nil
}

// getSlideCached returns the slide at p, using the cache if possible.
// Concurrent misses for the same path share a single read.
func (s *MetadataSource) getSlideCached(p string) (*Slide, error) {
	if slide, ok := s.slideCache.Get(p); ok {
		slideCacheHits.Inc()
		return slide, nil
	}

	value, err, _ := s.slideGroup.Do(p, func() (any, error) {
		if slide, ok := s.slideCache.Get(p); ok {
			slideCacheHits.Inc()
			return slide, nil
		}

		slideCacheMisses.Inc()

		slide, err := s.getSlide(p)
		if err != nil {
			return nil, err
		}
		s.slideCache.Add(p, slide)
		return slide, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Slide), nil
}

func zeroIfNaN(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return x
}
