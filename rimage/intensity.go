package rimage

import (
	"image"

	"github.com/lucasb-eyer/go-colorful"
)

// IntensityMap is a dense grid of scalar brightness in [0,1], the photometric
// channel of an RGB-D frame.
type IntensityMap struct {
	width  int
	height int

	data []float64
}

// NewEmptyIntensityMap returns an all-zero intensity map of the given
// dimensions.
func NewEmptyIntensityMap(width, height int) *IntensityMap {
	return &IntensityMap{
		width:  width,
		height: height,
		data:   make([]float64, width*height),
	}
}

// NewIntensityMapFromImage converts a color image to luminance using the CIE
// XYZ Y channel.
func NewIntensityMapFromImage(img image.Image) *IntensityMap {
	bounds := img.Bounds()
	im := NewEmptyIntensityMap(bounds.Dx(), bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c, ok := colorful.MakeColor(img.At(x, y))
			if !ok {
				continue
			}
			_, lum, _ := c.Xyz()
			im.Set(x-bounds.Min.X, y-bounds.Min.Y, lum)
		}
	}
	return im
}

func (im *IntensityMap) Width() int {
	return im.width
}

func (im *IntensityMap) Height() int {
	return im.height
}

// In returns whether (x,y) is inside the map.
func (im *IntensityMap) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < im.width && y < im.height
}

func (im *IntensityMap) Get(p image.Point) float64 {
	return im.data[p.Y*im.width+p.X]
}

func (im *IntensityMap) GetIntensity(x, y int) float64 {
	return im.data[y*im.width+x]
}

func (im *IntensityMap) Set(x, y int, val float64) {
	im.data[y*im.width+x] = val
}

// Gradient approximates the brightness gradient at (x,y) with central
// differences, falling back to one-sided differences along the borders.
func (im *IntensityMap) Gradient(x, y int) (float64, float64) {
	x0, x1 := x-1, x+1
	if x0 < 0 {
		x0 = x
	}
	if x1 >= im.width {
		x1 = x
	}
	y0, y1 := y-1, y+1
	if y0 < 0 {
		y0 = y
	}
	if y1 >= im.height {
		y1 = y
	}
	var gx, gy float64
	if x1 > x0 {
		gx = (im.GetIntensity(x1, y) - im.GetIntensity(x0, y)) / float64(x1-x0)
	}
	if y1 > y0 {
		gy = (im.GetIntensity(x, y1) - im.GetIntensity(x, y0)) / float64(y1-y0)
	}
	return gx, gy
}
