package histopath

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
)

// A slideIFD is a struct into which github.com/google/tiff can unmarshal the
// IFD of a slide image.
type slideIFD struct {
	ImageWidth                uint64   `tiff:"field,tag=256"`
	ImageLength               uint64   `tiff:"field,tag=257"`
	BitsPerSample             []uint64 `tiff:"field,tag=258"`
	Compression               uint64   `tiff:"field,tag=259"`
	PhotometricInterpretation uint64   `tiff:"field,tag=262"`
	ImageDescription          string   `tiff:"field,tag=270"`
	StripOffsets              []uint64 `tiff:"field,tag=273"`
	SamplesPerPixel           uint64   `tiff:"field,tag=277"`
	RowsPerStrip              uint64   `tiff:"field,tag=278"`
	StripByteCounts           []uint64 `tiff:"field,tag=279"`
	XResolution               *big.Rat `tiff:"field,tag=282"`
	YResolution               *big.Rat `tiff:"field,tag=283"`
	PlanarConfiguration       uint64   `tiff:"field,tag=284"`
	ResolutionUnit            uint64   `tiff:"field,tag=296"`
	Predictor                 uint64   `tiff:"field,tag=317"`
	TileWidth                 uint64   `tiff:"field,tag=322"`
	TileLength                uint64   `tiff:"field,tag=323"`
	TileOffsets               []uint64 `tiff:"field,tag=324"`
	TileByteCounts            []uint64 `tiff:"field,tag=325"`
	ExtraSamples              []uint64 `tiff:"field,tag=338"`
	JPEGTables                []byte   `tiff:"field,tag=347"`
}

// Microns per resolution unit.
var resolutionUnitMicrons = map[uint64]float64{
	2: 25400, // Inch.
	3: 10000, // Centimeter.
}

var physicalSizeUnitMicrons = map[string]float64{
	"":   1,
	"µm": 1,
	"um": 1,
	"nm": 1e-3,
	"mm": 1e3,
}

var (
	aperioMPPRx        = regexp.MustCompile(`\|\s*MPP\s*=\s*([0-9.eE+-]+)`)
	omePhysicalSizeRxs = [2]*regexp.Regexp{
		regexp.MustCompile(`PhysicalSizeX="([^"]+)"`),
		regexp.MustCompile(`PhysicalSizeY="([^"]+)"`),
	}
	omePhysicalSizeUnitRxs = [2]*regexp.Regexp{
		regexp.MustCompile(`PhysicalSizeXUnit="([^"]*)"`),
		regexp.MustCompile(`PhysicalSizeYUnit="([^"]*)"`),
	}
)

// A readAtReadSeeker is the interface that github.com/google/tiff needs to
// parse a file.
type readAtReadSeeker interface {
	io.ReaderAt
	io.ReadSeeker
}

// A Level is one resolution of a slide pyramid.
type Level struct {
	Size       Size
	TileSize   Size // Zero if the level is stored in strips.
	Downsample float64
}

// A Slide is the metadata of a whole-slide image.
type Slide struct {
	name   string
	levels []Level
	ifds   []*slideIFD
	mppX   float64
	mppY   float64
}

// OpenSlide reads the metadata of the slide called name in fsys.
func OpenSlide(fsys fs.FS, name string) (*Slide, error) {
	file, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r, ok := file.(readAtReadSeeker)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, errors.ErrUnsupported)
	}

	tiffTIFF, err := tiff.Parse(r, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	ifds := tiffTIFF.IFDs()
	if len(ifds) == 0 {
		return nil, fmt.Errorf("%s: no IFDs", name)
	}

	s := &Slide{
		name: name,
		mppX: math.NaN(),
		mppY: math.NaN(),
	}

	// The first IFD is the full resolution image. Later tiled IFDs with
	// strictly decreasing widths are reduced resolution levels. Everything
	// else, e.g. thumbnails, labels, and macro images, is ignored.
	var firstIFD *slideIFD
	for i, tiffIFD := range ifds {
		ifd := &slideIFD{}
		if err := tiff.UnmarshalIFD(tiffIFD, ifd); err != nil {
			if i == 0 {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			continue
		}
		if ifd.ImageWidth == 0 || ifd.ImageLength == 0 {
			if i == 0 {
				return nil, fmt.Errorf("%s: missing image dimensions", name)
			}
			continue
		}
		if i == 0 {
			firstIFD = ifd
		}
		tiled := ifd.tiled()
		if i != 0 && (!tiled || int(ifd.ImageWidth) >= s.levels[len(s.levels)-1].Size.W) {
			continue
		}
		level := Level{
			Size: Size{W: int(ifd.ImageWidth), H: int(ifd.ImageLength)},
		}
		if tiled {
			level.TileSize = Size{W: int(ifd.TileWidth), H: int(ifd.TileLength)}
		}
		if i == 0 {
			level.Downsample = 1
		} else {
			level.Downsample = float64(s.levels[0].Size.W) / float64(level.Size.W)
		}
		s.levels = append(s.levels, level)
		s.ifds = append(s.ifds, ifd)
	}

	s.mppX, s.mppY = firstIFD.resolution()

	return s, nil
}

// Name returns s's name.
func (s *Slide) Name() string {
	return s.name
}

// Levels returns s's levels, from full resolution downwards.
func (s *Slide) Levels() []Level {
	levels := make([]Level, len(s.levels))
	copy(levels, s.levels)
	return levels
}

// LevelCount returns the number of levels in s.
func (s *Slide) LevelCount() int {
	return len(s.levels)
}

// Level returns the level with the given index.
func (s *Slide) Level(level int) (Level, error) {
	if level < 0 || len(s.levels) <= level {
		return Level{}, fmt.Errorf("%s: level %d: %w", s.name, level, ErrInvalidParameter)
	}
	return s.levels[level], nil
}

// MPP returns the resolution of s's full resolution level in microns per
// pixel. If s does not declare a resolution then both values are NaN.
func (s *Slide) MPP() (float64, float64) {
	return s.mppX, s.mppY
}

// ClosestLevel returns the index of the level whose resolution is closest to
// the given resolution in microns per pixel.
func (s *Slide) ClosestLevel(mppX, mppY float64) (int, error) {
	if math.IsNaN(s.mppX) || math.IsNaN(s.mppY) {
		return 0, fmt.Errorf("%s: %w", s.name, ErrMissingResolution)
	}
	if !(mppX > 0) || !(mppY > 0) {
		return 0, fmt.Errorf("mpp %gx%g: %w", mppX, mppY, ErrInvalidParameter)
	}
	scaleFactor := (mppX/s.mppX + mppY/s.mppY) / 2
	closest := 0
	for i, level := range s.levels[1:] {
		if math.Abs(level.Downsample-scaleFactor) < math.Abs(s.levels[closest].Downsample-scaleFactor) {
			closest = i + 1
		}
	}
	return closest, nil
}

// LevelResolution returns the resolution of level in microns per pixel.
func (s *Slide) LevelResolution(level int) (float64, float64, error) {
	l, err := s.Level(level)
	if err != nil {
		return 0, 0, err
	}
	return l.Downsample * s.mppX, l.Downsample * s.mppY, nil
}

// AdjustReadCoords returns the full resolution coordinate of coord at level.
func (s *Slide) AdjustReadCoords(coord Coord, level int) (Coord, error) {
	l, err := s.Level(level)
	if err != nil {
		return Coord{}, err
	}
	return Coord{
		X: int(math.Round(float64(coord.X) * l.Downsample)),
		Y: int(math.Round(float64(coord.Y) * l.Downsample)),
	}, nil
}

// resolution returns the resolution declared in ifd, trying the Aperio image
// description, then OME-XML, then the TIFF resolution tags.
func (ifd *slideIFD) resolution() (float64, float64) {
	description := ifd.ImageDescription

	if m := aperioMPPRx.FindStringSubmatch(description); m != nil {
		if mpp, err := strconv.ParseFloat(m[1], 64); err == nil && mpp > 0 {
			return mpp, mpp
		}
	}

	if strings.Contains(description, "<OME") {
		var mpps [2]float64
		for i := range mpps {
			mpps[i] = math.NaN()
			m := omePhysicalSizeRxs[i].FindStringSubmatch(description)
			if m == nil {
				continue
			}
			physicalSize, err := strconv.ParseFloat(m[1], 64)
			if err != nil || physicalSize <= 0 {
				continue
			}
			unit := ""
			if m := omePhysicalSizeUnitRxs[i].FindStringSubmatch(description); m != nil {
				unit = m[1]
			}
			if microns, ok := physicalSizeUnitMicrons[unit]; ok {
				mpps[i] = physicalSize * microns
			}
		}
		if !math.IsNaN(mpps[0]) && !math.IsNaN(mpps[1]) {
			return mpps[0], mpps[1]
		}
	}

	resolutionUnit := ifd.ResolutionUnit
	if resolutionUnit == 0 {
		resolutionUnit = 2
	}
	microns, ok := resolutionUnitMicrons[resolutionUnit]
	if !ok || ifd.XResolution == nil || ifd.YResolution == nil {
		return math.NaN(), math.NaN()
	}
	xResolution, _ := ifd.XResolution.Float64()
	yResolution, _ := ifd.YResolution.Float64()
	if xResolution <= 0 || yResolution <= 0 {
		return math.NaN(), math.NaN()
	}
	return microns / xResolution, microns / yResolution
}
