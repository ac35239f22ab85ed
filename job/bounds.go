package job

import "fmt"

// Extent is the size of a canvas or image in pixels.
type Extent struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Bounds is a rectangular region of the canvas.
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (b Bounds) Extent() Extent {
	return Extent{Width: b.Width, Height: b.Height}
}

func (b Bounds) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Overlaps reports whether the two regions share at least one pixel.
func (b Bounds) Overlaps(o Bounds) bool {
	if b.Empty() || o.Empty() {
		return false
	}
	return b.X < o.X+o.Width && o.X < b.X+b.Width &&
		b.Y < o.Y+o.Height && o.Y < b.Y+b.Height
}

func (b Bounds) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", b.Width, b.Height, b.X, b.Y)
}

// RegionsOverlap compares two optional regions. A nil region covers the whole
// canvas and therefore overlaps everything.
func RegionsOverlap(a, b *Bounds) bool {
	if a == nil || b == nil {
		return true
	}
	return a.Overlaps(*b)
}
