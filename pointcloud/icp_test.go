package pointcloud

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/align3d/registration/spatialmath"
)

func TestICPIdentity(t *testing.T) {
	// source identical to target must converge to identity within one
	// iteration, for both metrics
	for _, metric := range []Metric{PointToPoint, PointToPlane} {
		cloud := wavyCloud(400, 51)
		tree := NewKDTree(cloud)
		cfg := DefaultICPConfig()
		cfg.Metric = metric

		result, err := RegisterICP(cloud, tree, nil, cfg, false)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, result.Status, test.ShouldEqual, ICPConverged)
		test.That(t, result.Iterations, test.ShouldEqual, 1)
		test.That(t, result.Residual, test.ShouldAlmostEqual, 0, 1e-12)
		test.That(t, spatialmath.PoseAlmostEqual(result.Pose, spatialmath.NewZeroPose(), 1e-6, 1e-6), test.ShouldBeTrue)
	}
}

func TestICPRecoversKnownTransform(t *testing.T) {
	src := wavyCloud(500, 52)
	want := spatialmath.NewPose(
		r3.Vector{X: 0.08, Y: -0.05, Z: 0.1},
		&spatialmath.R4AA{Theta: 0.1, RX: 0.1, RY: 0.3, RZ: 1},
	)
	tgt := src.Transform(want)
	tree := NewKDTree(tgt)

	cfg := DefaultICPConfig()
	cfg.Metric = PointToPoint
	cfg.MaxIterations = 50

	result, err := RegisterICP(src, tree, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, ICPConverged)
	test.That(t, spatialmath.PoseAlmostEqual(result.Pose, want, 1e-3, 1e-3), test.ShouldBeTrue)
}

func TestICPSquareScenario(t *testing.T) {
	// two identical 4-point squares, one at z=0 and one at z=1, with
	// matching normals: must converge within 3 iterations to a pure
	// translation of (0,0,1)
	src := New()
	tgt := New()
	for _, xy := range [][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}} {
		i := src.Append(r3.Vector{X: xy[0], Y: xy[1], Z: 0})
		src.SetNormal(i, r3.Vector{Z: 1})
		i = tgt.Append(r3.Vector{X: xy[0], Y: xy[1], Z: 1})
		tgt.SetNormal(i, r3.Vector{Z: 1})
	}
	tree := NewKDTree(tgt)

	cfg := DefaultICPConfig()
	cfg.Metric = PointToPoint

	result, err := RegisterICP(src, tree, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, ICPConverged)
	test.That(t, result.Iterations, test.ShouldBeLessThanOrEqualTo, 3)

	pt := result.Pose.Point()
	test.That(t, pt.X, test.ShouldAlmostEqual, 0, 1e-8)
	test.That(t, pt.Y, test.ShouldAlmostEqual, 0, 1e-8)
	test.That(t, pt.Z, test.ShouldAlmostEqual, 1, 1e-8)
	test.That(t, result.Pose.Orientation().Theta, test.ShouldAlmostEqual, 0, 1e-8)
}

func TestICPPointToPlaneFasterOnPlane(t *testing.T) {
	// on a (noisy) planar target, the point-to-plane residual matches the
	// true error mode and must not need more iterations than point-to-point
	r := rand.New(rand.NewSource(53))
	tgt := New()
	for i := 0; i < 600; i++ {
		tgt.Append(r3.Vector{
			X: r.Float64()*4 - 2,
			Y: r.Float64()*4 - 2,
			Z: r.NormFloat64() * 0.01,
		})
	}
	if err := EstimateNormals(tgt, 10, r3.Vector{Z: 100}); err != nil {
		panic(err)
	}
	// source is the same noisy surface shifted away from the plane
	src := tgt.Transform(spatialmath.NewPoseFromPoint(r3.Vector{Z: -0.1}))
	tree := NewKDTree(tgt)

	iterations := make(map[Metric]int)
	for _, metric := range []Metric{PointToPoint, PointToPlane} {
		cfg := DefaultICPConfig()
		cfg.Metric = metric
		cfg.MaxIterations = 100
		result, err := RegisterICP(src, tree, nil, cfg, false)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, result.Status, test.ShouldEqual, ICPConverged)
		test.That(t, result.Pose.Point().Z, test.ShouldAlmostEqual, 0.1, 0.02)
		iterations[metric] = result.Iterations
	}
	test.That(t, iterations[PointToPlane], test.ShouldBeLessThanOrEqualTo, iterations[PointToPoint])
}

func TestICPInitialGuess(t *testing.T) {
	src := wavyCloud(400, 54)
	want := spatialmath.NewPose(
		r3.Vector{X: 0.5, Y: 0.3, Z: -0.4},
		&spatialmath.R4AA{Theta: 0.5, RZ: 1},
	)
	tgt := src.Transform(want)
	tree := NewKDTree(tgt)

	// a displacement this large needs a decent seed; give one close to the
	// true transform
	guess := spatialmath.NewPose(
		r3.Vector{X: 0.45, Y: 0.32, Z: -0.38},
		&spatialmath.R4AA{Theta: 0.48, RZ: 1},
	)
	cfg := DefaultICPConfig()
	cfg.Metric = PointToPoint
	cfg.MaxIterations = 50

	result, err := RegisterICP(src, tree, guess, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, ICPConverged)
	test.That(t, spatialmath.PoseAlmostEqual(result.Pose, want, 5e-3, 5e-3), test.ShouldBeTrue)

	// the caller's guess must not have been mutated
	test.That(t, guess.Point().X, test.ShouldAlmostEqual, 0.45)
}

func TestICPDegenerateInput(t *testing.T) {
	// collinear geometry degenerates the point-to-point solve; the run must
	// terminate as diverged with the last valid transform, not an error
	src := New()
	tgt := New()
	for i := 0; i < 20; i++ {
		src.Append(r3.Vector{X: float64(i) * 0.1})
		tgt.Append(r3.Vector{X: float64(i) * 0.1, Z: 0.5})
	}
	tree := NewKDTree(tgt)
	cfg := DefaultICPConfig()
	cfg.Metric = PointToPoint

	result, err := RegisterICP(src, tree, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, ICPDiverged)
	test.That(t, result.Reason, test.ShouldBeError, ErrSolverDegenerate)
}

func TestICPEmptyInput(t *testing.T) {
	_, err := RegisterICP(New(), NewKDTree(randomCloud(10, 1)), nil, DefaultICPConfig(), false)
	test.That(t, err, test.ShouldBeError, ErrEmptyInput)
	_, err = RegisterICP(randomCloud(10, 1), NewKDTree(New()), nil, DefaultICPConfig(), false)
	test.That(t, err, test.ShouldBeError, ErrEmptyInput)
}

func TestICPInsufficientCorrespondences(t *testing.T) {
	src := New()
	src.Append(r3.Vector{X: 0})
	src.Append(r3.Vector{X: 1})
	tgt := randomCloud(10, 2)
	cfg := DefaultICPConfig()
	cfg.Metric = PointToPoint

	_, err := RegisterICP(src, NewKDTree(tgt), nil, cfg, false)
	test.That(t, err, test.ShouldBeError, ErrInsufficientCorrespondences)
}

func TestICPMaxIterations(t *testing.T) {
	src := wavyCloud(300, 55)
	tgt := src.Transform(spatialmath.NewPoseFromPoint(r3.Vector{Z: 0.2}))
	tree := NewKDTree(tgt)

	cfg := DefaultICPConfig()
	cfg.Metric = PointToPoint
	cfg.MaxIterations = 1

	result, err := RegisterICP(src, tree, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, ICPMaxIterationsReached)
	test.That(t, result.Iterations, test.ShouldEqual, 1)
	// the partial alignment is still returned
	test.That(t, result.Pose.Point().Z, test.ShouldBeGreaterThan, 0.05)
}

func TestICPDownsampledSource(t *testing.T) {
	src := wavyCloud(600, 41)
	want := spatialmath.NewPose(
		r3.Vector{X: 0.02, Y: -0.01, Z: 0.03},
		&spatialmath.R4AA{Theta: 0.03, RZ: 1},
	)
	tree := NewKDTree(src.Transform(want))

	cfg := DefaultICPConfig()
	cfg.DownsampleNth = 3

	result, err := RegisterICP(src, tree, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, ICPConverged)
	test.That(t, spatialmath.PoseAlmostEqual(result.Pose, want, 1e-3, 1e-3), test.ShouldBeTrue)
	// the run works on the reduced cloud and never mutates the input
	test.That(t, result.Correspondences, test.ShouldBeLessThanOrEqualTo, src.Size()/3+1)
	test.That(t, src.Size(), test.ShouldEqual, 600)
}

func TestICPRelativeDistanceThreshold(t *testing.T) {
	// unit square in the target; its bounding sphere has radius sqrt(0.5)
	tgt := New()
	tgt.Append(NewVector(0, 0, 0))
	tgt.Append(NewVector(1, 0, 0))
	tgt.Append(NewVector(0, 1, 0))
	tgt.Append(NewVector(1, 1, 0))
	tree := NewKDTree(tgt)

	src := New()
	for i := 0; i < tgt.Size(); i++ {
		src.Append(tgt.At(i))
	}
	src.Append(NewVector(10, 0, 0)) // outlier far beyond the target extent

	cfg := DefaultICPConfig()
	cfg.Metric = PointToPoint
	cfg.MaxCorrespondenceDistanceRel = 1

	result, err := RegisterICP(src, tree, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Status, test.ShouldEqual, ICPConverged)
	test.That(t, result.Correspondences, test.ShouldEqual, 4)
	test.That(t, result.Rejected.Distance, test.ShouldEqual, 1)
	// resolving the relative threshold leaves the caller's config alone
	test.That(t, cfg.MaxCorrespondenceDistance, test.ShouldEqual, 0.0)

	// an explicit absolute threshold wins over the relative one
	cfg.MaxCorrespondenceDistance = 100
	result, err = RegisterICP(src, tree, nil, cfg, false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Correspondences, test.ShouldEqual, 5)
	test.That(t, result.Rejected.Distance, test.ShouldEqual, 0)
}
