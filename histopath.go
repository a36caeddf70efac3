package histopath

import "errors"

var (
	// ErrInvalidParameter is returned when a size, stride, or option is out
	// of range.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrMissingResolution is returned when a slide's resolution is needed
	// but the slide does not declare one.
	ErrMissingResolution = errors.New("missing resolution")
)

// A Coord is a pixel coordinate.
type Coord struct {
	X int
	Y int
}

// A Size is a width and a height.
type Size struct {
	W int
	H int
}

// Square returns a Size with equal width and height.
func Square(n int) Size {
	return Size{W: n, H: n}
}

func (s Size) positive() bool {
	return s.W > 0 && s.H > 0
}
