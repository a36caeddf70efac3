package histopath

import (
	"context"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// ReadOverlay returns the pixels of the overlay slide called name, for
// example a segmentation mask, that cover tileRow. The overlay may have a
// different resolution to tileRow's slide. The result is resized to tileRow's
// extent with r's overlay interpolator.
func (r *TileReader) ReadOverlay(ctx context.Context, tileRow TileRow, name string) (*image.RGBA, error) {
	return r.ReadRelativeOverlay(ctx, tileRow, name, image.Rect(0, 0, int(tileRow.TileExtentX), int(tileRow.TileExtentY)))
}

// ReadRelativeOverlay returns the pixels of the overlay slide called name that
// cover roi, where roi is relative to tileRow's origin and in tileRow's level
// coordinates. The result is resized to roi's size.
func (r *TileReader) ReadRelativeOverlay(ctx context.Context, tileRow TileRow, name string, roi image.Rectangle) (*image.RGBA, error) {
	if !(tileRow.MPPX > 0) || !(tileRow.MPPY > 0) {
		return nil, fmt.Errorf("%s: %w", tileRow.Path, ErrMissingResolution)
	}

	region, err := r.ReadOverlayRegion(ctx, name, tileRow.MPPX, tileRow.MPPY, roi.Add(tileRow.Rect().Min))
	if err != nil {
		return nil, err
	}
	if region.Bounds().Size() == roi.Size() {
		return region, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, roi.Dx(), roi.Dy()))
	r.overlayInterpolator.Scale(dst, dst.Bounds(), region, region.Bounds(), draw.Src, nil)
	return dst, nil
}

// ReadOverlayRegion returns the pixels of the overlay slide called name that
// cover roi, where roi is in pixels of size mppX by mppY microns. The region is
// read from the overlay level closest to that resolution and is not resized,
// so its size is roi's size scaled by the ratio of the resolutions.
func (r *TileReader) ReadOverlayRegion(ctx context.Context, name string, mppX, mppY float64, roi image.Rectangle) (*image.RGBA, error) {
	if roi.Empty() {
		return nil, fmt.Errorf("%s: region %v: %w", name, roi, ErrInvalidParameter)
	}

	overlay, err := r.getSlideCached(ctx, name)
	if err != nil {
		return nil, err
	}
	level, err := overlay.ClosestLevel(mppX, mppY)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	overlayMPPX, overlayMPPY, err := overlay.LevelResolution(level)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	factorX := mppX / overlayMPPX
	factorY := mppY / overlayMPPY
	minX := int(math.Round(float64(roi.Min.X) * factorX))
	minY := int(math.Round(float64(roi.Min.Y) * factorY))
	overlayROI := image.Rect(
		minX,
		minY,
		minX+max(int(math.Round(float64(roi.Dx())*factorX)), 1),
		minY+max(int(math.Round(float64(roi.Dy())*factorY)), 1),
	)

	return r.readRegion(ctx, overlay, level, overlayROI)
}
