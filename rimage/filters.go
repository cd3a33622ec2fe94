package rimage

import (
	"image"
	"math"

	"github.com/align3d/registration/utils"
)

// Helper function for convolving matrices together. When used with i, dx := range makeRangeArray(n)
// i is the position within the kernel and dx gives the offset within the depth map.
// if length is even, then the origin is to the right of middle i.e. 4 -> {-2, -1, 0, 1}
func makeRangeArray(length int) []int {
	if length <= 0 {
		return make([]int, 0)
	}
	rangeArray := make([]int, length)
	var span int
	if length%2 == 0 {
		oddArr := makeRangeArray(length - 1)
		span = length / 2
		rangeArray = append([]int{-span}, oddArr...)
	} else {
		span = (length - 1) / 2
		for i := 0; i < span; i++ {
			rangeArray[length-1-i] = span - i
			rangeArray[i] = -span + i
		}
	}
	return rangeArray
}

// GaussianFunction1D takes in a sigma and returns a gaussian function useful for weighing averages or blurring.
func GaussianFunction1D(sigma float64) func(p float64) float64 {
	if sigma <= 0. {
		return func(p float64) float64 {
			return 1.
		}
	}
	return func(p float64) float64 {
		return math.Exp(-0.5*math.Pow(p, 2)/math.Pow(sigma, 2)) / (sigma * math.Sqrt(2.*math.Pi))
	}
}

// BilateralFilter smooths depth while preserving discontinuities. A sample
// contributes according to its distance in the image plane and its distance
// in depth from the center value, so samples across a depth edge get
// negligible weight. Invalid samples are skipped; a window with no valid
// samples yields NaN.
func BilateralFilter(spatialSigma, depthSigma float64) func(p image.Point, dm *DepthMap) float64 {
	spatialFilter := GaussianFunction1D(spatialSigma)
	depthFilter := GaussianFunction1D(depthSigma)
	// k is determined by spatial sigma
	k := utils.MaxInt(3, 1+2*int(3.*spatialSigma))
	xRange, yRange := makeRangeArray(k), makeRangeArray(k)
	filter := func(p image.Point, dm *DepthMap) float64 {
		if !dm.Valid(p.X, p.Y) {
			return math.NaN()
		}
		pDepth := dm.GetDepth(p.X, p.Y)
		newDepth := 0.0
		totalWeight := 0.0
		for _, dx := range xRange {
			for _, dy := range yRange {
				if !dm.Valid(p.X+dx, p.Y+dy) {
					continue
				}
				d := dm.GetDepth(p.X+dx, p.Y+dy)
				weight := spatialFilter(float64(dx)) * spatialFilter(float64(dy))
				weight *= depthFilter(pDepth - d)
				newDepth += d * weight
				totalWeight += weight
			}
		}
		if totalWeight == 0.0 {
			return math.NaN()
		}
		return newDepth / totalWeight
	}
	return filter
}

// ApplyBilateralFilter runs the bilateral filter over every pixel in
// parallel and returns the smoothed map. The input is not modified.
func ApplyBilateralFilter(dm *DepthMap, spatialSigma, depthSigma float64) *DepthMap {
	filter := BilateralFilter(spatialSigma, depthSigma)
	out := NewEmptyDepthMap(dm.Width(), dm.Height())
	utils.ParallelForEachPixel(image.Point{dm.Width(), dm.Height()}, func(x, y int) {
		out.Set(x, y, filter(image.Point{x, y}, dm))
	})
	return out
}
