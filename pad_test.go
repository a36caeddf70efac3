package histopath

import (
	"image"
	"image/color"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestPadIndex(t *testing.T) {
	for _, tc := range []struct {
		i           int
		paddingMode PaddingMode
		expected    int
		expectedOK  bool
	}{
		{i: 2, paddingMode: PaddingConstant, expected: 2, expectedOK: true},
		{i: 4, paddingMode: PaddingConstant},
		{i: -1, paddingMode: PaddingConstant},
		{i: 4, paddingMode: PaddingEdge, expected: 3, expectedOK: true},
		{i: -5, paddingMode: PaddingEdge, expected: 0, expectedOK: true},
		{i: 4, paddingMode: PaddingReflect, expected: 2, expectedOK: true},
		{i: 5, paddingMode: PaddingReflect, expected: 1, expectedOK: true},
		{i: 6, paddingMode: PaddingReflect, expected: 0, expectedOK: true},
		{i: 7, paddingMode: PaddingReflect, expected: 1, expectedOK: true},
		{i: -1, paddingMode: PaddingReflect, expected: 1, expectedOK: true},
		{i: -3, paddingMode: PaddingReflect, expected: 3, expectedOK: true},
	} {
		actual, ok := padIndex(tc.i, 0, 4, tc.paddingMode)
		assert.Equal(t, tc.expectedOK, ok)
		if tc.expectedOK {
			assert.Equal(t, tc.expected, actual)
		}
	}

	actual, ok := padIndex(9, 5, 6, PaddingReflect)
	assert.True(t, ok)
	assert.Equal(t, 5, actual)

	_, ok = padIndex(0, 0, 0, PaddingEdge)
	assert.False(t, ok)
}

func TestExtractTile(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 1))
	copy(src.Pix, []uint8{10, 20, 30, 40})

	for _, tc := range []struct {
		paddingMode PaddingMode
		expected    []uint8
	}{
		{paddingMode: PaddingReflect, expected: []uint8{30, 40, 30, 20, 10}},
		{paddingMode: PaddingEdge, expected: []uint8{30, 40, 40, 40, 40}},
		{paddingMode: PaddingConstant, expected: []uint8{30, 40, 0, 0, 0}},
	} {
		t.Run(tc.paddingMode.String(), func(t *testing.T) {
			tile := ExtractTile(src, image.Rect(2, 0, 7, 1), tc.paddingMode, color.Black)
			assert.Equal(t, image.Rect(0, 0, 5, 1), tile.Bounds())
			actual := make([]uint8, 0, len(tc.expected))
			for x := range 5 {
				c := tile.RGBAAt(x, 0)
				assert.Equal(t, c.R, c.G)
				assert.Equal(t, uint8(0xff), c.A)
				actual = append(actual, c.R)
			}
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestExtractTile_Inside(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	src.SetRGBA(3, 4, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	tile := ExtractTile(src, image.Rect(2, 2, 6, 6), PaddingConstant, color.White)
	assert.Equal(t, image.Rect(0, 0, 4, 4), tile.Bounds())
	assert.Equal(t, color.RGBA{R: 1, G: 2, B: 3, A: 255}, tile.RGBAAt(1, 2))
}

func TestPaddingSourceRect(t *testing.T) {
	bounds := image.Rect(0, 0, 10, 8)
	for _, tc := range []struct {
		name        string
		r           image.Rectangle
		paddingMode PaddingMode
		expected    image.Rectangle
	}{
		{
			name:        "inside",
			r:           image.Rect(2, 3, 5, 6),
			paddingMode: PaddingReflect,
			expected:    image.Rect(2, 3, 5, 6),
		},
		{
			name:        "reflect_past_max",
			r:           image.Rect(8, 6, 12, 10),
			paddingMode: PaddingReflect,
			expected:    image.Rect(7, 5, 10, 8),
		},
		{
			name:        "edge_past_min",
			r:           image.Rect(-4, -4, 2, 2),
			paddingMode: PaddingEdge,
			expected:    image.Rect(0, 0, 2, 2),
		},
		{
			name:        "constant_partial",
			r:           image.Rect(8, 6, 12, 10),
			paddingMode: PaddingConstant,
			expected:    image.Rect(8, 6, 10, 8),
		},
		{
			name:        "constant_outside",
			r:           image.Rect(20, 20, 24, 24),
			paddingMode: PaddingConstant,
			expected:    image.Rectangle{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, paddingSourceRect(tc.r, bounds, tc.paddingMode))
		})
	}
}

func TestParsePaddingMode(t *testing.T) {
	for _, paddingMode := range []PaddingMode{PaddingReflect, PaddingConstant, PaddingEdge} {
		actual, err := ParsePaddingMode(paddingMode.String())
		assert.NoError(t, err)
		assert.Equal(t, paddingMode, actual)
	}
	_, err := ParsePaddingMode("wrap")
	assert.IsError(t, err, ErrInvalidParameter)
}
