package histopath

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"io/fs"

	"github.com/maypok86/otter/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/image/draw"
)

const tileReaderSlideCacheSize = 64

var blocksDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "histopath_blocks_decoded_total",
	Help: "The total number of TIFF tiles and strips decoded",
})

// A blockKey identifies a TIFF tile or strip.
type blockKey struct {
	name  string
	level int
	index int
}

// A TileReader reads the pixels of tiles from the pyramid level that each tile
// row names. Only the TIFF tiles or strips that a tile touches are read, and
// decoded blocks are cached.
//
// Blocks must have 8 bits per sample and be uncompressed or compressed with
// LZW, Deflate, or JPEG.
type TileReader struct {
	fsys                fs.FS
	tileCacheSizeBytes  int
	tileCache           *otter.Cache[blockKey, image.Image]
	slideCache          *otter.Cache[string, *Slide]
	backgroundColor     color.Color
	paddingMode         PaddingMode
	paddingColor        color.Color
	overlayInterpolator draw.Interpolator
}

// A TileReaderOption sets an option on a TileReader.
type TileReaderOption func(*TileReader)

// NewTileReader returns a new TileReader that reads slides from fsys.
func NewTileReader(fsys fs.FS, options ...TileReaderOption) (*TileReader, error) {
	r := &TileReader{
		fsys:                fsys,
		tileCacheSizeBytes:  128 << 20, // 128MB.
		backgroundColor:     color.White,
		paddingMode:         PaddingReflect,
		paddingColor:        color.White,
		overlayInterpolator: draw.NearestNeighbor,
	}
	for _, option := range options {
		option(r)
	}
	if r.tileCacheSizeBytes < 1 {
		return nil, fmt.Errorf("tile cache size %d: %w", r.tileCacheSizeBytes, ErrInvalidParameter)
	}

	var err error
	r.tileCache, err = otter.New(&otter.Options[blockKey, image.Image]{
		MaximumWeight: uint64(r.tileCacheSizeBytes),
		Weigher: func(_ blockKey, img image.Image) uint32 {
			return uint32(4 * img.Bounds().Dx() * img.Bounds().Dy())
		},
	})
	if err != nil {
		return nil, err
	}
	r.slideCache, err = otter.New(&otter.Options[string, *Slide]{
		MaximumSize: tileReaderSlideCacheSize,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// WithBackgroundColor sets the color onto which transparent and missing
// pixels are composited.
func WithBackgroundColor(backgroundColor color.Color) TileReaderOption {
	return func(r *TileReader) {
		r.backgroundColor = backgroundColor
	}
}

// WithOverlayInterpolator sets the interpolator used to resize overlay
// regions to the tile extent.
func WithOverlayInterpolator(overlayInterpolator draw.Interpolator) TileReaderOption {
	return func(r *TileReader) {
		r.overlayInterpolator = overlayInterpolator
	}
}

func WithPaddingColor(paddingColor color.Color) TileReaderOption {
	return func(r *TileReader) {
		r.paddingColor = paddingColor
	}
}

func WithPaddingMode(paddingMode PaddingMode) TileReaderOption {
	return func(r *TileReader) {
		r.paddingMode = paddingMode
	}
}

// WithTileCacheSize sets the maximum size in bytes of decoded blocks to cache.
func WithTileCacheSize(tileCacheSize int) TileReaderOption {
	return func(r *TileReader) {
		r.tileCacheSizeBytes = tileCacheSize
	}
}

// ReadTile returns the pixels of tileRow at tileRow's level. The returned
// image always has the tile's full extent; pixels beyond the level are padded.
func (r *TileReader) ReadTile(ctx context.Context, tileRow TileRow) (*image.RGBA, error) {
	if tileRow.TileExtentX <= 0 || tileRow.TileExtentY <= 0 {
		return nil, fmt.Errorf("%s: tile %dx%d: %w", tileRow.Path, tileRow.TileExtentX, tileRow.TileExtentY, ErrInvalidParameter)
	}

	slide, err := r.getSlideCached(ctx, tileRow.Path)
	if err != nil {
		return nil, err
	}
	level := int(tileRow.Level)
	if _, err := slide.Level(level); err != nil {
		return nil, fmt.Errorf("%s: %w", tileRow.Path, err)
	}

	return r.readRegion(ctx, slide, level, tileRow.Rect())
}

// readRegion returns the pixels of rect at level of slide. Blocks are drawn
// over r's background color.
func (r *TileReader) readRegion(ctx context.Context, slide *Slide, level int, rect image.Rectangle) (*image.RGBA, error) {
	levelSize := slide.levels[level].Size
	levelBounds := image.Rect(0, 0, levelSize.W, levelSize.H)
	srcRect := paddingSourceRect(rect, levelBounds, r.paddingMode)

	src := image.NewRGBA(srcRect)
	draw.Draw(src, srcRect, image.NewUniform(r.backgroundColor), image.Point{}, draw.Src)

	if !srcRect.Empty() {
		ifd := slide.ifds[level]
		blockSize := ifd.blockSize()
		blocksAcross := ifd.blocksAcross()
		for row := srcRect.Min.Y / blockSize.H; row*blockSize.H < srcRect.Max.Y; row++ {
			for column := srcRect.Min.X / blockSize.W; column*blockSize.W < srcRect.Max.X; column++ {
				key := blockKey{
					name:  slide.name,
					level: level,
					index: column + row*blocksAcross,
				}
				switch block, err := r.getBlockCached(ctx, key); {
				case errors.Is(err, otter.ErrNotFound):
					continue
				case err != nil:
					return nil, err
				default:
					blockRect := ifd.blockRect(key.index)
					drawRect := blockRect.Intersect(srcRect)
					draw.Draw(src, drawRect, block, drawRect.Min.Sub(blockRect.Min), draw.Over)
				}
			}
		}
	}

	return extractTile(src, levelBounds, rect, r.paddingMode, r.paddingColor), nil
}

// getBlock returns the decoded block at key. If the block is empty, it returns
// the error otter.ErrNotFound.
func (r *TileReader) getBlock(ctx context.Context, key blockKey) (image.Image, error) {
	slide, err := r.getSlideCached(ctx, key.name)
	if err != nil {
		return nil, err
	}
	ifd := slide.ifds[key.level]

	offset, byteCount, err := ifd.blockLocation(key.index)
	if err != nil {
		return nil, fmt.Errorf("%s: level %d: %w", key.name, key.level, err)
	}
	if byteCount == 0 {
		return nil, otter.ErrNotFound
	}

	file, err := r.fsys.Open(key.name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	readerAt, ok := file.(io.ReaderAt)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key.name, errors.ErrUnsupported)
	}

	compressedData := make([]byte, byteCount)
	switch n, err := readerAt.ReadAt(compressedData, int64(offset)); {
	case n == int(byteCount):
	case err != nil:
		return nil, fmt.Errorf("%s: %w", key.name, err)
	default:
		return nil, fmt.Errorf("%s: %w", key.name, errShortRead)
	}

	blockSize := ifd.blockRect(key.index).Size()
	block, err := ifd.decodeBlock(compressedData, Size{W: blockSize.X, H: blockSize.Y})
	if err != nil {
		return nil, fmt.Errorf("%s: level %d: block %d: %w", key.name, key.level, key.index, err)
	}
	blocksDecodedTotal.Inc()
	return block, nil
}

// getBlockCached returns the decoded block at key using r's cache.
func (r *TileReader) getBlockCached(ctx context.Context, key blockKey) (image.Image, error) {
	return r.tileCache.Get(ctx, key, otter.LoaderFunc[blockKey, image.Image](r.getBlock))
}

// getSlideCached returns the slide called name using r's cache.
func (r *TileReader) getSlideCached(ctx context.Context, name string) (*Slide, error) {
	return r.slideCache.Get(ctx, name, otter.LoaderFunc[string, *Slide](func(ctx context.Context, name string) (*Slide, error) {
		return OpenSlide(r.fsys, name)
	}))
}
