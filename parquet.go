package histopath

import (
	"errors"
	"io"
	"iter"

	"github.com/parquet-go/parquet-go"
)

const tileRowBatchSize = 4096

// WriteSlideRows writes slideRows to w in Parquet format.
func WriteSlideRows(w io.Writer, slideRows []SlideRow) error {
	pw := parquet.NewGenericWriter[SlideRow](w)
	if _, err := pw.Write(slideRows); err != nil {
		_ = pw.Close()
		return err
	}
	return pw.Close()
}

// WriteTileRows writes tileRows to w in Parquet format and returns the number
// of rows written. tileRows is consumed in batches so it is never held in
// memory in full.
func WriteTileRows(w io.Writer, tileRows iter.Seq[TileRow]) (int, error) {
	pw := parquet.NewGenericWriter[TileRow](w)
	batch := make([]TileRow, 0, tileRowBatchSize)
	written := 0
	flush := func() error {
		n, err := pw.Write(batch)
		written += n
		batch = batch[:0]
		return err
	}
	for tileRow := range tileRows {
		batch = append(batch, tileRow)
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				_ = pw.Close()
				return written, err
			}
		}
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			_ = pw.Close()
			return written, err
		}
	}
	return written, pw.Close()
}

// ReadSlideRows reads slide rows in Parquet format from the size bytes of r.
func ReadSlideRows(r io.ReaderAt, size int64) ([]SlideRow, error) {
	return readRows[SlideRow](r, size)
}

// ReadTileRows reads tile rows in Parquet format from the size bytes of r.
func ReadTileRows(r io.ReaderAt, size int64) ([]TileRow, error) {
	return readRows[TileRow](r, size)
}

func readRows[T any](r io.ReaderAt, size int64) ([]T, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, err
	}
	pr := parquet.NewGenericReader[T](file)
	defer pr.Close()

	rows := make([]T, pr.NumRows())
	for read := 0; read < len(rows); {
		n, err := pr.Read(rows[read:])
		read += n
		switch {
		case errors.Is(err, io.EOF):
			return rows[:read], nil
		case err != nil:
			return nil, err
		case n == 0:
			return rows[:read], nil
		}
	}
	return rows, nil
}
