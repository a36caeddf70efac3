package histopath

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"slices"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"
	"github.com/klauspost/compress/zlib"
)

// TIFF field types.
const (
	fieldTypeASCII    = 2
	fieldTypeShort    = 3
	fieldTypeLong     = 4
	fieldTypeRational = 5
)

// TIFF tags.
const (
	tagImageWidth                = 256
	tagImageLength               = 257
	tagBitsPerSample             = 258
	tagCompression               = 259
	tagPhotometricInterpretation = 262
	tagImageDescription          = 270
	tagSamplesPerPixel           = 277
	tagXResolution               = 282
	tagYResolution               = 283
	tagResolutionUnit            = 296
	tagTileWidth                 = 322
	tagTileLength                = 323
	tagTileOffsets               = 324
	tagTileByteCounts            = 325
	tagExtraSamples              = 338
)

// A testTIFFEntry is a single IFD entry in a test TIFF file.
type testTIFFEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// A testTIFFIFD is an IFD in a test TIFF file.
type testTIFFIFD []testTIFFEntry

func shortEntry(tag uint16, values ...uint16) testTIFFEntry {
	data := make([]byte, 2*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint16(data[2*i:], value)
	}
	return testTIFFEntry{tag: tag, typ: fieldTypeShort, count: uint32(len(values)), data: data}
}

func longEntry(tag uint16, values ...uint32) testTIFFEntry {
	data := make([]byte, 4*len(values))
	for i, value := range values {
		binary.LittleEndian.PutUint32(data[4*i:], value)
	}
	return testTIFFEntry{tag: tag, typ: fieldTypeLong, count: uint32(len(values)), data: data}
}

func rationalEntry(tag uint16, numerator, denominator uint32) testTIFFEntry {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], numerator)
	binary.LittleEndian.PutUint32(data[4:8], denominator)
	return testTIFFEntry{tag: tag, typ: fieldTypeRational, count: 1, data: data}
}

func asciiEntry(tag uint16, s string) testTIFFEntry {
	data := append([]byte(s), 0)
	return testTIFFEntry{tag: tag, typ: fieldTypeASCII, count: uint32(len(data)), data: data}
}

// levelIFD returns an IFD describing a tiled pyramid level.
func levelIFD(width, length uint32, extra ...testTIFFEntry) testTIFFIFD {
	return append(testTIFFIFD{
		longEntry(tagImageWidth, width),
		longEntry(tagImageLength, length),
		shortEntry(tagTileWidth, 256),
		shortEntry(tagTileLength, 256),
	}, extra...)
}

// A testTIFFData holds the image data of a test TIFF file, which is stored
// between the header and the first IFD.
type testTIFFData struct {
	buf bytes.Buffer
}

// add appends block to d and returns its offset and byte count.
func (d *testTIFFData) add(block []byte) (uint32, uint32) {
	offset := 8 + uint32(d.buf.Len())
	d.buf.Write(block)
	if d.buf.Len()%2 == 1 {
		d.buf.WriteByte(0)
	}
	return offset, uint32(len(block))
}

// buildTestTIFF returns a little-endian classic TIFF file containing ifds and
// no image data.
func buildTestTIFF(ifds ...testTIFFIFD) []byte {
	return buildTestTIFFWithData(&testTIFFData{}, ifds...)
}

// buildTestTIFFWithData returns a little-endian classic TIFF file containing
// data and ifds.
func buildTestTIFFWithData(data *testTIFFData, ifds ...testTIFFIFD) []byte {
	var buf bytes.Buffer
	buf.WriteString("II")
	_ = binary.Write(&buf, binary.LittleEndian, uint16(42))
	_ = binary.Write(&buf, binary.LittleEndian, 8+uint32(data.buf.Len()))
	buf.Write(data.buf.Bytes())

	for i, ifd := range ifds {
		ifd = slices.Clone(ifd)
		slices.SortFunc(ifd, func(a, b testTIFFEntry) int {
			return int(a.tag) - int(b.tag)
		})

		ifdOffset := uint32(buf.Len())
		dataOffset := ifdOffset + 2 + 12*uint32(len(ifd)) + 4
		var extra bytes.Buffer
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(ifd)))
		for _, entry := range ifd {
			_ = binary.Write(&buf, binary.LittleEndian, entry.tag)
			_ = binary.Write(&buf, binary.LittleEndian, entry.typ)
			_ = binary.Write(&buf, binary.LittleEndian, entry.count)
			if len(entry.data) <= 4 {
				value := make([]byte, 4)
				copy(value, entry.data)
				buf.Write(value)
				continue
			}
			_ = binary.Write(&buf, binary.LittleEndian, dataOffset+uint32(extra.Len()))
			extra.Write(entry.data)
			if extra.Len()%2 == 1 {
				extra.WriteByte(0)
			}
		}
		nextIFDOffset := uint32(0)
		if i != len(ifds)-1 {
			nextIFDOffset = dataOffset + uint32(extra.Len())
		}
		_ = binary.Write(&buf, binary.LittleEndian, nextIFDOffset)
		buf.Write(extra.Bytes())
	}

	return buf.Bytes()
}

// testSlideFS returns a filesystem containing a three level slide called
// slide.svs with an Aperio image description.
func testSlideFS() fstest.MapFS {
	description := "Aperio Image Library v12.0.5\r\n4096x2048 [0,0 4096x2048] (256x256) JPEG/RGB Q=70|AppMag = 20|MPP = 0.5|"
	return fstest.MapFS{
		"slide.svs": &fstest.MapFile{Data: buildTestTIFF(
			levelIFD(4096, 2048, asciiEntry(tagImageDescription, description)),
			testTIFFIFD{ // Thumbnail.
				longEntry(tagImageWidth, 512),
				longEntry(tagImageLength, 256),
			},
			levelIFD(1024, 512),
			levelIFD(256, 128),
		)},
	}
}

// tiledImageIFD stores img in data as tiles of tileSize with compression and
// returns an IFD describing it. *image.NRGBA images are stored with an alpha
// sample and their fully transparent tiles are stored as empty. Other images
// are stored as RGB.
func tiledImageIFD(t *testing.T, data *testTIFFData, img image.Image, tileSize int, compression uint16, extra ...testTIFFEntry) testTIFFIFD {
	t.Helper()
	bounds := img.Bounds()
	_, hasAlpha := img.(*image.NRGBA)
	samplesPerPixel := 3
	if hasAlpha {
		samplesPerPixel = 4
	}

	var tileOffsets, tileByteCounts []uint32
	for row := 0; row*tileSize < bounds.Dy(); row++ {
		for column := 0; column*tileSize < bounds.Dx(); column++ {
			tileRect := image.Rect(column*tileSize, row*tileSize, (column+1)*tileSize, (row+1)*tileSize)
			tile := image.NewNRGBA(tileRect)
			for y := tileRect.Min.Y; y < tileRect.Max.Y; y++ {
				for x := tileRect.Min.X; x < tileRect.Max.X; x++ {
					if image.Pt(x, y).In(bounds) {
						tile.Set(x, y, img.At(x, y))
					}
				}
			}
			if hasAlpha && transparent(tile) {
				tileOffsets = append(tileOffsets, 0)
				tileByteCounts = append(tileByteCounts, 0)
				continue
			}
			offset, byteCount := data.add(encodeTestTile(t, tile, samplesPerPixel, compression))
			tileOffsets = append(tileOffsets, offset)
			tileByteCounts = append(tileByteCounts, byteCount)
		}
	}

	bitsPerSample := make([]uint16, samplesPerPixel)
	for i := range bitsPerSample {
		bitsPerSample[i] = 8
	}
	ifd := testTIFFIFD{
		longEntry(tagImageWidth, uint32(bounds.Dx())),
		longEntry(tagImageLength, uint32(bounds.Dy())),
		shortEntry(tagBitsPerSample, bitsPerSample...),
		shortEntry(tagCompression, compression),
		shortEntry(tagPhotometricInterpretation, 2), // RGB.
		shortEntry(tagSamplesPerPixel, uint16(samplesPerPixel)),
		shortEntry(tagTileWidth, uint16(tileSize)),
		shortEntry(tagTileLength, uint16(tileSize)),
		longEntry(tagTileOffsets, tileOffsets...),
		longEntry(tagTileByteCounts, tileByteCounts...),
	}
	if hasAlpha {
		ifd = append(ifd, shortEntry(tagExtraSamples, 2)) // Unassociated alpha.
	}
	return append(ifd, extra...)
}

// encodeTestTile returns the pixels of tile with samplesPerPixel samples,
// compressed with compression.
func encodeTestTile(t *testing.T, tile *image.NRGBA, samplesPerPixel int, compression uint16) []byte {
	t.Helper()
	if compression == compressionJPEG {
		var buf bytes.Buffer
		assert.NoError(t, jpeg.Encode(&buf, tile, &jpeg.Options{Quality: 100}))
		return buf.Bytes()
	}

	pixels := make([]byte, 0, len(tile.Pix)/4*samplesPerPixel)
	for i := 0; i < len(tile.Pix); i += 4 {
		pixels = append(pixels, tile.Pix[i:i+samplesPerPixel]...)
	}

	switch compression {
	case compressionNone:
		return pixels
	case compressionDeflate:
		var buf bytes.Buffer
		zlibWriter := zlib.NewWriter(&buf)
		_, err := zlibWriter.Write(pixels)
		assert.NoError(t, err)
		assert.NoError(t, zlibWriter.Close())
		return buf.Bytes()
	default:
		t.Fatalf("%d: unsupported compression", compression)
		return nil
	}
}

func transparent(img *image.NRGBA) bool {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			return false
		}
	}
	return true
}

func uniformImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, c)
		}
	}
	return img
}

// testGradientColor returns the color of (x, y) in the middle level of the
// slide returned by testPyramidFS.
func testGradientColor(x, y int) color.RGBA {
	return color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff}
}

// testPyramidFS returns a filesystem containing slide.svs, a three level
// slide with pixel data, and mask.tiff, a single level overlay.
//
// The levels of slide.svs have different content, so reading a level cannot
// be confused with scaling another. Level 0 is 512x512 solid red with 0.25µm
// pixels stored with Deflate. Level 1 is a 256x256 gradient given by
// testGradientColor stored uncompressed. Level 2 is 128x128 solid gray stored
// as JPEG. All levels have 128x128 tiles except level 2 which has 64x64
// tiles.
//
// mask.tiff is 64x64 with 1µm pixels and 32x32 tiles. Its left half is opaque
// green, its top right quadrant is transparent, and its bottom right quadrant
// is a checkerboard of opaque red and transparent pixels, starting with red.
func testPyramidFS(t *testing.T) fstest.MapFS {
	t.Helper()

	slideData := &testTIFFData{}
	gradient := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := range 256 {
		for x := range 256 {
			gradient.SetRGBA(x, y, testGradientColor(x, y))
		}
	}
	description := "Aperio Image Library v12.0.5\r\n512x512 [0,0 512x512] (128x128) RGB|AppMag = 40|MPP = 0.25|"
	slide := buildTestTIFFWithData(slideData,
		tiledImageIFD(t, slideData, uniformImage(512, 512, color.RGBA{R: 0xff, A: 0xff}), 128, compressionDeflate,
			asciiEntry(tagImageDescription, description),
		),
		tiledImageIFD(t, slideData, gradient, 128, compressionNone),
		tiledImageIFD(t, slideData, uniformImage(128, 128, color.Gray{Y: 0x80}), 64, compressionJPEG),
	)

	maskData := &testTIFFData{}
	mask := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			switch {
			case x < 32:
				mask.SetNRGBA(x, y, color.NRGBA{G: 0xff, A: 0xff})
			case y >= 32 && (x+y)%2 == 0:
				mask.SetNRGBA(x, y, color.NRGBA{R: 0xff, A: 0xff})
			}
		}
	}
	maskTIFF := buildTestTIFFWithData(maskData,
		tiledImageIFD(t, maskData, mask, 32, compressionDeflate,
			rationalEntry(tagXResolution, 10000, 1),
			rationalEntry(tagYResolution, 10000, 1),
			shortEntry(tagResolutionUnit, 3),
		),
	)

	return fstest.MapFS{
		"slide.svs": &fstest.MapFile{Data: slide},
		"mask.tiff": &fstest.MapFile{Data: maskTIFF},
	}
}
