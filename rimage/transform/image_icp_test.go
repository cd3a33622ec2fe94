package transform

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/align3d/registration/pointcloud"
	"github.com/align3d/registration/rimage"
	"github.com/align3d/registration/spatialmath"
)

// gently curved test surface in the target camera frame
func testSurface(x, y float64) float64 {
	return 2.0 + 0.1*math.Sin(1.5*x) + 0.08*math.Cos(1.3*y)
}

// world brightness tied to the surface, so both views photograph the same
// texture
func testBrightness(x, y float64) float64 {
	return 0.5 + 0.2*math.Sin(2.0*x)*math.Cos(2.0*y)
}

// renderViews produces the depth and intensity a camera at pose offset sees
// of the test surface. The surface lives in the target frame; the rendered
// camera observes it through the inverse of the alignment transform, so
// registering the render onto the identity render recovers exactly that
// transform. Depth per pixel is found by fixed-point iteration on the ray.
func renderView(params *PinholeCameraIntrinsics, alignment *spatialmath.Pose) (*rimage.DepthMap, *rimage.IntensityMap) {
	dm := rimage.NewEmptyDepthMap(params.Width, params.Height)
	im := rimage.NewEmptyIntensityMap(params.Width, params.Height)
	for v := 0; v < params.Height; v++ {
		for u := 0; u < params.Width; u++ {
			z := 2.0
			for k := 0; k < 50; k++ {
				px, py, pz := params.PixelToPoint(float64(u), float64(v), z)
				s := alignment.TransformPoint(r3.Vector{X: px, Y: py, Z: pz})
				z -= s.Z - testSurface(s.X, s.Y)
			}
			px, py, pz := params.PixelToPoint(float64(u), float64(v), z)
			s := alignment.TransformPoint(r3.Vector{X: px, Y: py, Z: pz})
			dm.Set(u, v, pz)
			im.Set(u, v, testBrightness(s.X, s.Y))
		}
	}
	return dm, im
}

func renderPyramid(t *testing.T, params *PinholeCameraIntrinsics, alignment *spatialmath.Pose, levels int) []rimage.PyramidLevel {
	t.Helper()
	dm, im := renderView(params, alignment)
	pyr, err := rimage.BuildPyramid(dm, im, levels, 0.5, 0.1)
	test.That(t, err, test.ShouldBeNil)
	return pyr
}

func TestRegisterDepthMapICPIdentity(t *testing.T) {
	params := testIntrinsics()
	pyr := renderPyramid(t, params, spatialmath.NewZeroPose(), 2)

	result, err := RegisterDepthMapICP(pyr, pyr, params, nil, nil, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, pointcloud.ICPConverged)
	test.That(t, spatialmath.PoseAlmostEqual(result.Pose, spatialmath.NewZeroPose(), 1e-6, 1e-6), test.ShouldBeTrue)
}

func TestRegisterDepthMapICPRecoversTransform(t *testing.T) {
	params := testIntrinsics()
	want := spatialmath.NewPose(
		r3.Vector{X: 0.03, Y: -0.02, Z: 0.05},
		&spatialmath.R4AA{Theta: 0.02, RZ: 1},
	)
	tgt := renderPyramid(t, params, spatialmath.NewZeroPose(), 2)
	src := renderPyramid(t, params, want, 2)

	cfg := pointcloud.DefaultICPConfig()
	cfg.PhotometricRatio = 0

	result, err := RegisterDepthMapICP(src, tgt, params, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, pointcloud.ICPConverged)
	test.That(t, spatialmath.PoseAlmostEqual(result.Pose, want, 5e-3, 5e-3), test.ShouldBeTrue)
	test.That(t, result.Correspondences, test.ShouldBeGreaterThan, 1000)
}

func TestRegisterDepthMapICPPhotometric(t *testing.T) {
	params := testIntrinsics()
	want := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.02, Z: 0.04})
	tgt := renderPyramid(t, params, spatialmath.NewZeroPose(), 2)
	src := renderPyramid(t, params, want, 2)

	cfg := pointcloud.DefaultICPConfig()
	cfg.PhotometricRatio = 0.2

	result, err := RegisterDepthMapICP(src, tgt, params, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, pointcloud.ICPConverged)
	test.That(t, spatialmath.PoseAlmostEqual(result.Pose, want, 5e-3, 5e-3), test.ShouldBeTrue)
}

func TestRegisterDepthMapICPMatchesCloudICP(t *testing.T) {
	// with one pyramid level and no photometric term, the image engine and
	// the point-cloud engine minimize the same objective over the same data
	// and must land on the same transform
	params := testIntrinsics()
	want := spatialmath.NewPoseFromPoint(r3.Vector{Z: 0.05})
	tgtDepth, _ := renderView(params, spatialmath.NewZeroPose())
	srcDepth, _ := renderView(params, want)

	srcPyr, err := rimage.BuildPyramid(srcDepth, nil, 1, 0.5, 0.1)
	test.That(t, err, test.ShouldBeNil)
	tgtPyr, err := rimage.BuildPyramid(tgtDepth, nil, 1, 0.5, 0.1)
	test.That(t, err, test.ShouldBeNil)

	cfg := pointcloud.DefaultICPConfig()
	cfg.PhotometricRatio = 0

	imageResult, err := RegisterDepthMapICP(srcPyr, tgtPyr, params, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, imageResult.Status, test.ShouldEqual, pointcloud.ICPConverged)

	srcCloud, err := DepthMapToPointCloud(srcPyr[0].Depth, nil, params)
	test.That(t, err, test.ShouldBeNil)
	tgtCloud, err := DepthMapToPointCloud(tgtPyr[0].Depth, nil, params)
	test.That(t, err, test.ShouldBeNil)

	cloudResult, err := pointcloud.RegisterICP(srcCloud, pointcloud.NewKDTree(tgtCloud), nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloudResult.Status, test.ShouldEqual, pointcloud.ICPConverged)

	test.That(t, spatialmath.PoseAlmostEqual(imageResult.Pose, cloudResult.Pose, 2e-3, 2e-3), test.ShouldBeTrue)
	test.That(t, spatialmath.PoseAlmostEqual(imageResult.Pose, want, 5e-3, 5e-3), test.ShouldBeTrue)
}

func TestRegisterDepthMapICPRejections(t *testing.T) {
	params := testIntrinsics()
	tgt := renderPyramid(t, params, spatialmath.NewZeroPose(), 1)
	src := renderPyramid(t, params, spatialmath.NewZeroPose(), 1)

	// a guess that shoves the frame sideways pushes part of it out of view
	guess := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.5})
	cfg := pointcloud.DefaultICPConfig()
	cfg.MaxIterations = 1
	cfg.PhotometricRatio = 0

	result, err := RegisterDepthMapICP(src, tgt, params, guess, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Rejected.OutOfBounds, test.ShouldBeGreaterThan, 0)
}

func TestRegisterDepthMapICPEmptyInput(t *testing.T) {
	params := testIntrinsics()
	pyr := renderPyramid(t, params, spatialmath.NewZeroPose(), 1)

	_, err := RegisterDepthMapICP(nil, pyr, params, nil, nil, false)
	test.That(t, err, test.ShouldBeError, pointcloud.ErrEmptyInput)
	_, err = RegisterDepthMapICP(pyr, nil, params, nil, nil, false)
	test.That(t, err, test.ShouldBeError, pointcloud.ErrEmptyInput)

	empty, err := rimage.BuildPyramid(rimage.NewEmptyDepthMap(16, 16), nil, 1, 0.5, 0.1)
	test.That(t, err, test.ShouldBeNil)
	_, err = RegisterDepthMapICP(empty, pyr, params, nil, nil, false)
	test.That(t, err, test.ShouldBeError, pointcloud.ErrEmptyInput)
}

func TestRegisterDepthMapICPKernelCutsAllWeights(t *testing.T) {
	// a Tukey kernel with a tiny scale zeroes the weight of every accepted
	// row once the views are offset, which must end the run as diverged
	// instead of reporting a NaN residual
	params := testIntrinsics()
	tgt := renderPyramid(t, params, spatialmath.NewZeroPose(), 1)
	src := renderPyramid(t, params, spatialmath.NewPoseFromPoint(r3.Vector{Z: 0.05}), 1)

	cfg := pointcloud.DefaultICPConfig()
	cfg.PhotometricRatio = 0
	cfg.Kernel = pointcloud.KernelTukey
	cfg.KernelScale = 1e-9

	result, err := RegisterDepthMapICP(src, tgt, params, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, pointcloud.ICPDiverged)
	test.That(t, result.Reason, test.ShouldBeError, pointcloud.ErrSolverDegenerate)
	test.That(t, math.IsNaN(result.Residual), test.ShouldBeFalse)
}
