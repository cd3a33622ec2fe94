package rimage

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/align3d/registration/utils"
)

// PyramidLevel pairs the depth and intensity rasters of one resolution step.
type PyramidLevel struct {
	Depth     *DepthMap
	Intensity *IntensityMap
}

// BuildPyramid produces a coarse-to-fine stack of an RGB-D frame. Level 0 is
// full resolution and each following level halves both dimensions with a 2x2
// box average that ignores invalid depth. Every level's depth is smoothed
// with the bilateral filter; smoothing happens after downsampling so coarse
// levels are not blurred twice.
func BuildPyramid(depth *DepthMap, intensity *IntensityMap, levels int, spatialSigma, depthSigma float64) ([]PyramidLevel, error) {
	if depth == nil {
		return nil, errors.New("cannot build a pyramid without a depth map")
	}
	if intensity != nil && (intensity.Width() != depth.Width() || intensity.Height() != depth.Height()) {
		return nil, errors.Errorf("depth and intensity dimensions don't match Depth(%d,%d) != Intensity(%d,%d)",
			depth.Width(), depth.Height(), intensity.Width(), intensity.Height())
	}
	if levels < 1 {
		levels = 1
	}

	pyramid := make([]PyramidLevel, levels)
	pyramid[0] = PyramidLevel{Depth: depth.Clone(), Intensity: intensity}
	for i := 1; i < levels; i++ {
		if pyramid[i-1].Depth.Width() < 2 || pyramid[i-1].Depth.Height() < 2 {
			pyramid = pyramid[:i]
			break
		}
		pyramid[i] = downsampleLevel(pyramid[i-1])
	}

	// the levels are independent once downsampled, so smooth them all at once
	smoothers := make([]utils.SimpleFunc, len(pyramid))
	for i := range pyramid {
		level := i
		smoothers[level] = func(ctx context.Context) error {
			pyramid[level].Depth = ApplyBilateralFilter(pyramid[level].Depth, spatialSigma, depthSigma)
			return nil
		}
	}
	if err := utils.RunInParallel(context.Background(), smoothers); err != nil {
		return nil, err
	}
	return pyramid, nil
}

func downsampleLevel(fine PyramidLevel) PyramidLevel {
	w := fine.Depth.Width() / 2
	h := fine.Depth.Height() / 2
	depth := NewEmptyDepthMap(w, h)
	var intensity *IntensityMap
	if fine.Intensity != nil {
		intensity = NewEmptyIntensityMap(w, h)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			depthSum, depthCount := 0.0, 0
			intensitySum := 0.0
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					fx, fy := 2*x+dx, 2*y+dy
					if fine.Depth.Valid(fx, fy) {
						depthSum += fine.Depth.GetDepth(fx, fy)
						depthCount++
					}
					if intensity != nil {
						intensitySum += fine.Intensity.GetIntensity(fx, fy)
					}
				}
			}
			if depthCount > 0 {
				depth.Set(x, y, depthSum/float64(depthCount))
			} else {
				depth.Set(x, y, math.NaN())
			}
			if intensity != nil {
				intensity.Set(x, y, intensitySum/4.0)
			}
		}
	}
	return PyramidLevel{Depth: depth, Intensity: intensity}
}
