package histopath

import (
	"image"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tileRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "histopath_tile_rows_total",
	Help: "The total number of tile rows generated",
})

// A TileRow is a single tile of a slide.
type TileRow struct {
	SlideID     string  `json:"slide_id" parquet:"slide_id"`
	Path        string  `json:"path" parquet:"path"`
	Level       int64   `json:"level" parquet:"level"`
	Downsample  float64 `json:"downsample" parquet:"downsample"`
	MPPX        float64 `json:"mpp_x" parquet:"mpp_x"`
	MPPY        float64 `json:"mpp_y" parquet:"mpp_y"`
	TileX       int64   `json:"tile_x" parquet:"tile_x"`
	TileY       int64   `json:"tile_y" parquet:"tile_y"`
	TileExtentX int64   `json:"tile_extent_x" parquet:"tile_extent_x"`
	TileExtentY int64   `json:"tile_extent_y" parquet:"tile_extent_y"`
}

// Coord returns the origin of r in level coordinates.
func (r TileRow) Coord() Coord {
	return Coord{X: int(r.TileX), Y: int(r.TileY)}
}

// Rect returns the rectangle covered by r in level coordinates. It may extend
// beyond the slide.
func (r TileRow) Rect() image.Rectangle {
	return image.Rect(int(r.TileX), int(r.TileY), int(r.TileX+r.TileExtentX), int(r.TileY+r.TileExtentY))
}

// TileRows returns the tile rows of slideRow, using slideRow's extent, tile
// extent, and stride.
func TileRows(slideRow SlideRow, options ...GridOption) (iter.Seq[TileRow], error) {
	tiles, err := GridTiles(slideRow.Extent(), slideRow.TileExtent(), slideRow.Stride(), options...)
	if err != nil {
		return nil, err
	}
	return func(yield func(TileRow) bool) {
		for coord := range tiles {
			tileRowsTotal.Inc()
			if !yield(TileRow{
				SlideID:     slideRow.ID,
				Path:        slideRow.Path,
				Level:       slideRow.Level,
				Downsample:  slideRow.Downsample,
				MPPX:        slideRow.MPPX,
				MPPY:        slideRow.MPPY,
				TileX:       int64(coord.X),
				TileY:       int64(coord.Y),
				TileExtentX: slideRow.TileExtentX,
				TileExtentY: slideRow.TileExtentY,
			}) {
				return
			}
		}
	}, nil
}

// FlatMapTileRows returns the tile rows of all slideRows in order.
func FlatMapTileRows(slideRows []SlideRow, options ...GridOption) (iter.Seq[TileRow], error) {
	seqs := make([]iter.Seq[TileRow], 0, len(slideRows))
	for _, slideRow := range slideRows {
		seq, err := TileRows(slideRow, options...)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return func(yield func(TileRow) bool) {
		for _, seq := range seqs {
			for tileRow := range seq {
				if !yield(tileRow) {
					return
				}
			}
		}
	}, nil
}
