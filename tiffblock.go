package histopath

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"slices"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff/lzw"
)

// TIFF field values.
const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionJPEG         = 7
	compressionDeflate      = 8
	compressionDeflateOld   = 32946
	photometricWhiteIsZero  = 0
	predictorHorizontal     = 2
	extraSampleAssociated   = 1
	extraSampleUnassociated = 2
)

var errShortRead = errors.New("short read")

// tiled returns whether ifd's image is stored in tiles.
func (ifd *slideIFD) tiled() bool {
	return ifd.TileWidth > 0 && ifd.TileLength > 0
}

// blockSize returns the size of the blocks, tiles or strips, in which ifd's
// image is stored.
func (ifd *slideIFD) blockSize() Size {
	if ifd.tiled() {
		return Size{W: int(ifd.TileWidth), H: int(ifd.TileLength)}
	}
	rowsPerStrip := ifd.RowsPerStrip
	if rowsPerStrip == 0 || rowsPerStrip > ifd.ImageLength {
		rowsPerStrip = ifd.ImageLength
	}
	return Size{W: int(ifd.ImageWidth), H: int(rowsPerStrip)}
}

// blocksAcross returns the number of blocks in each row of blocks.
func (ifd *slideIFD) blocksAcross() int {
	blockSize := ifd.blockSize()
	return (int(ifd.ImageWidth) + blockSize.W - 1) / blockSize.W
}

// blockRect returns the rectangle covered by the block at index in image
// coordinates. Tiles always have the full tile size, even at the image edge.
// The last strip is truncated to the image.
func (ifd *slideIFD) blockRect(index int) image.Rectangle {
	blockSize := ifd.blockSize()
	blocksAcross := ifd.blocksAcross()
	minX := (index % blocksAcross) * blockSize.W
	minY := (index / blocksAcross) * blockSize.H
	rect := image.Rect(minX, minY, minX+blockSize.W, minY+blockSize.H)
	if !ifd.tiled() {
		rect.Max.Y = min(rect.Max.Y, int(ifd.ImageLength))
	}
	return rect
}

// blockLocation returns the offset and byte count of the block at index.
func (ifd *slideIFD) blockLocation(index int) (uint64, uint64, error) {
	offsets, byteCounts := ifd.StripOffsets, ifd.StripByteCounts
	if ifd.tiled() {
		offsets, byteCounts = ifd.TileOffsets, ifd.TileByteCounts
	}
	if index < 0 || index >= len(offsets) || index >= len(byteCounts) {
		return 0, 0, fmt.Errorf("block %d: missing offset or byte count", index)
	}
	return offsets[index], byteCounts[index], nil
}

// samplesPerPixel returns the number of samples per pixel of ifd's image.
func (ifd *slideIFD) samplesPerPixel() int {
	if ifd.SamplesPerPixel == 0 {
		return 1
	}
	return int(ifd.SamplesPerPixel)
}

// decodeBlock decodes the compressed data of a block of size blockSize. The
// returned image's bounds are (0, 0)-(blockSize.W, blockSize.H).
func (ifd *slideIFD) decodeBlock(compressedData []byte, blockSize Size) (image.Image, error) {
	if ifd.Compression == compressionJPEG {
		return ifd.decodeJPEGBlock(compressedData, blockSize)
	}

	samplesPerPixel := ifd.samplesPerPixel()
	if ifd.PlanarConfiguration > 1 ||
		slices.ContainsFunc(ifd.BitsPerSample, func(bitsPerSample uint64) bool { return bitsPerSample != 8 }) {
		return nil, errors.ErrUnsupported
	}

	stride := blockSize.W * samplesPerPixel
	blockData, err := ifd.decompress(compressedData, stride*blockSize.H)
	if err != nil {
		return nil, err
	}

	if ifd.Predictor == predictorHorizontal {
		for y := range blockSize.H {
			row := blockData[y*stride : (y+1)*stride]
			for i := samplesPerPixel; i < len(row); i++ {
				row[i] += row[i-samplesPerPixel]
			}
		}
	}

	rect := image.Rect(0, 0, blockSize.W, blockSize.H)
	switch samplesPerPixel {
	case 1:
		if ifd.PhotometricInterpretation == photometricWhiteIsZero {
			for i := range blockData {
				blockData[i] = 0xff - blockData[i]
			}
		}
		return &image.Gray{Pix: blockData, Stride: stride, Rect: rect}, nil
	case 3:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(blockData); i, j = i+3, j+4 {
			img.Pix[j+0] = blockData[i+0]
			img.Pix[j+1] = blockData[i+1]
			img.Pix[j+2] = blockData[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	case 4:
		var extraSample uint64
		if len(ifd.ExtraSamples) > 0 {
			extraSample = ifd.ExtraSamples[0]
		}
		switch extraSample {
		case extraSampleAssociated:
			return &image.RGBA{Pix: blockData, Stride: stride, Rect: rect}, nil
		case extraSampleUnassociated:
			return &image.NRGBA{Pix: blockData, Stride: stride, Rect: rect}, nil
		default:
			for i := 3; i < len(blockData); i += 4 {
				blockData[i] = 0xff
			}
			return &image.RGBA{Pix: blockData, Stride: stride, Rect: rect}, nil
		}
	default:
		return nil, fmt.Errorf("%d samples per pixel: %w", samplesPerPixel, errors.ErrUnsupported)
	}
}

// decompress decompresses compressedData into a new slice of n bytes.
func (ifd *slideIFD) decompress(compressedData []byte, n int) ([]byte, error) {
	var r io.Reader
	switch ifd.Compression {
	case 0, compressionNone:
		if len(compressedData) < n {
			return nil, errShortRead
		}
		return slices.Clone(compressedData[:n]), nil
	case compressionLZW:
		lzwReader := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
		defer lzwReader.Close()
		r = lzwReader
	case compressionDeflate, compressionDeflateOld:
		zlibReader, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		defer zlibReader.Close()
		r = zlibReader
	default:
		return nil, fmt.Errorf("compression %d: %w", ifd.Compression, errors.ErrUnsupported)
	}

	blockData := make([]byte, n)
	if _, err := io.ReadFull(r, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}

// decodeJPEGBlock decodes a JPEG compressed block, prefixing the shared
// JPEGTables if ifd has them.
func (ifd *slideIFD) decodeJPEGBlock(compressedData []byte, blockSize Size) (image.Image, error) {
	data := compressedData
	if len(ifd.JPEGTables) > 4 && len(compressedData) > 2 {
		// Drop the tables' EOI marker and the block's SOI marker.
		data = make([]byte, 0, len(ifd.JPEGTables)-2+len(compressedData)-2)
		data = append(data, ifd.JPEGTables[:len(ifd.JPEGTables)-2]...)
		data = append(data, compressedData[2:]...)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if img.Bounds() == image.Rect(0, 0, blockSize.W, blockSize.H) {
		return img, nil
	}
	// Some encoders write JPEG blocks smaller than the block size.
	dst := image.NewRGBA(image.Rect(0, 0, blockSize.W, blockSize.H))
	draw.Draw(dst, img.Bounds().Sub(img.Bounds().Min), img, img.Bounds().Min, draw.Src)
	return dst, nil
}
