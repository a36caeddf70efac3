package histopath

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// A PaddingMode determines how pixels outside an image are filled.
type PaddingMode int

const (
	// PaddingReflect mirrors the image about its edge pixels without
	// repeating them.
	PaddingReflect PaddingMode = iota
	// PaddingConstant fills with a constant color.
	PaddingConstant
	// PaddingEdge repeats the edge pixels.
	PaddingEdge
)

var paddingModeNames = map[PaddingMode]string{
	PaddingReflect:  "reflect",
	PaddingConstant: "constant",
	PaddingEdge:     "edge",
}

func (m PaddingMode) String() string {
	if name, ok := paddingModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("PaddingMode(%d)", int(m))
}

// ParsePaddingMode parses the name of a PaddingMode.
func ParsePaddingMode(s string) (PaddingMode, error) {
	for m, name := range paddingModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrInvalidParameter)
}

// ExtractTile returns the pixels of src in r as a new image with bounds
// (0, 0)-(r.Dx(), r.Dy()). Pixels of r outside src's bounds are filled
// according to paddingMode, using fill for PaddingConstant.
func ExtractTile(src image.Image, r image.Rectangle, paddingMode PaddingMode, fill color.Color) *image.RGBA {
	return extractTile(src, src.Bounds(), r, paddingMode, fill)
}

// extractTile is ExtractTile for an image with bounds of which src holds only
// the pixels that r needs, as returned by paddingSourceRect.
func extractTile(src image.Image, bounds, r image.Rectangle, paddingMode PaddingMode, fill color.Color) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))

	inside := r.Intersect(bounds)
	if !inside.Empty() {
		draw.Draw(dst, inside.Sub(r.Min), src, inside.Min, draw.Src)
	}
	if inside == r {
		return dst
	}

	for y := r.Min.Y; y < r.Max.Y; y++ {
		srcY, okY := padIndex(y, bounds.Min.Y, bounds.Max.Y, paddingMode)
		for x := r.Min.X; x < r.Max.X; x++ {
			if image.Pt(x, y).In(inside) {
				continue
			}
			srcX, okX := padIndex(x, bounds.Min.X, bounds.Max.X, paddingMode)
			if okX && okY {
				dst.Set(x-r.Min.X, y-r.Min.Y, src.At(srcX, srcY))
			} else {
				dst.Set(x-r.Min.X, y-r.Min.Y, fill)
			}
		}
	}
	return dst
}

// paddingSourceRect returns the smallest rectangle of bounds that contains
// every pixel that extracting r with paddingMode reads.
func paddingSourceRect(r, bounds image.Rectangle, paddingMode PaddingMode) image.Rectangle {
	minX, maxX, okX := padRange(r.Min.X, r.Max.X, bounds.Min.X, bounds.Max.X, paddingMode)
	minY, maxY, okY := padRange(r.Min.Y, r.Max.Y, bounds.Min.Y, bounds.Max.Y, paddingMode)
	if !okX || !okY {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// padRange returns the minimum and maximum indexes in [lo, hi) that the
// indexes in [from, to) map to under paddingMode.
func padRange(from, to, lo, hi int, paddingMode PaddingMode) (int, int, bool) {
	minIndex, maxIndex, ok := 0, 0, false
	for i := from; i < to; i++ {
		j, jOK := padIndex(i, lo, hi, paddingMode)
		switch {
		case !jOK:
		case !ok:
			minIndex, maxIndex, ok = j, j, true
		default:
			minIndex, maxIndex = min(minIndex, j), max(maxIndex, j)
		}
	}
	return minIndex, maxIndex, ok
}

// padIndex returns the index in [lo, hi) that i maps to under paddingMode. It
// returns false if i has no source pixel.
func padIndex(i, lo, hi int, paddingMode PaddingMode) (int, bool) {
	switch {
	case lo <= i && i < hi:
		return i, true
	case lo >= hi:
		return 0, false
	}
	switch paddingMode {
	case PaddingEdge:
		return min(max(i, lo), hi-1), true
	case PaddingReflect:
		n := hi - lo
		if n == 1 {
			return lo, true
		}
		period := 2 * (n - 1)
		k := (i - lo) % period
		if k < 0 {
			k += period
		}
		if k >= n {
			k = period - k
		}
		return lo + k, true
	default:
		return 0, false
	}
}
