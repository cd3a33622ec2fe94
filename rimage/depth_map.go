// Package rimage defines the depth and intensity rasters consumed by the
// depth-image registration engine, along with the edge-preserving filters
// applied to them.
package rimage

import (
	"image"
	"math"
)

// DepthMap is a dense grid of metric depth values. A sample is invalid when
// it is NaN, zero, or negative; sensors encode holes as zero and smoothing
// encodes them as NaN, both mean "no measurement here".
type DepthMap struct {
	width  int
	height int

	data []float64
}

// NewEmptyDepthMap returns a DepthMap of the given dimensions with every
// sample invalid.
func NewEmptyDepthMap(width, height int) *DepthMap {
	dm := &DepthMap{
		width:  width,
		height: height,
		data:   make([]float64, width*height),
	}
	for i := range dm.data {
		dm.data[i] = math.NaN()
	}
	return dm
}

func (dm *DepthMap) Width() int {
	return dm.width
}

func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the image rectangle covered by the map.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// In returns whether (x,y) is inside the map.
func (dm *DepthMap) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

func (dm *DepthMap) Get(p image.Point) float64 {
	return dm.data[p.Y*dm.width+p.X]
}

func (dm *DepthMap) GetDepth(x, y int) float64 {
	return dm.data[y*dm.width+x]
}

func (dm *DepthMap) Set(x, y int, val float64) {
	dm.data[y*dm.width+x] = val
}

// Valid returns whether (x,y) holds a usable depth measurement.
func (dm *DepthMap) Valid(x, y int) bool {
	if !dm.In(x, y) {
		return false
	}
	d := dm.data[y*dm.width+x]
	return !math.IsNaN(d) && d > 0
}

// ValidCount returns how many samples hold a measurement.
func (dm *DepthMap) ValidCount() int {
	count := 0
	for _, d := range dm.data {
		if !math.IsNaN(d) && d > 0 {
			count++
		}
	}
	return count
}

// Clone returns a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	out := &DepthMap{
		width:  dm.width,
		height: dm.height,
		data:   make([]float64, len(dm.data)),
	}
	copy(out.data, dm.data)
	return out
}
