package transform

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"

	"github.com/align3d/registration/pointcloud"
	"github.com/align3d/registration/rimage"
	"github.com/align3d/registration/spatialmath"
	"github.com/align3d/registration/utils"
)

// icpLevel is the per-pyramid-level working set of the depth-image engine.
type icpLevel struct {
	params *PinholeCameraIntrinsics
	source *pointcloud.PointCloud
	target *pointGrid
	// target normals indexed like the grid, zero when degenerate
	normals []r3.Vector
	// photometric channel, nil when either frame lacks intensity
	sourceIntensity []float64
	targetIntensity *rimage.IntensityMap
}

// RegisterDepthMapICP aligns a source RGB-D pyramid onto a target pyramid,
// coarse to fine. Correspondences are projective: each transformed source
// point is projected into the target image and paired with the sample at the
// resulting pixel, so no spatial index is needed. Each pair contributes a
// point-to-plane row, and when both frames carry intensity a photometric row
// mixed in by the configured ratio. Both pyramids must come from the same
// camera described by params at full resolution.
func RegisterDepthMapICP(
	src, tgt []rimage.PyramidLevel,
	params *PinholeCameraIntrinsics,
	guess *spatialmath.Pose,
	cfg *pointcloud.ICPConfig,
	debug bool,
) (*pointcloud.ICPResult, error) {
	if len(src) == 0 || len(tgt) == 0 {
		return nil, pointcloud.ErrEmptyInput
	}
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = pointcloud.DefaultICPConfig()
	}
	if guess == nil {
		guess = spatialmath.NewZeroPose()
	}
	var logger golog.Logger
	if debug {
		logger = golog.NewDebugLogger("image_icp")
	}

	levels := utils.MinInt(len(src), len(tgt))
	if cfg.PyramidLevels > 0 {
		levels = utils.MinInt(levels, cfg.PyramidLevels)
	}

	pose := spatialmath.Compose(spatialmath.NewZeroPose(), guess)
	result := &pointcloud.ICPResult{Pose: pose}
	firstIteration := true

	for level := levels - 1; level >= 0; level-- {
		work, err := buildICPLevel(src[level], tgt[level], params, level)
		if err != nil {
			return nil, err
		}
		if work.source.Size() == 0 || len(work.target.points) == 0 {
			return nil, pointcloud.ErrEmptyInput
		}
		if debug {
			logger.Debugw("starting level", "level", level, "source_points", work.source.Size())
		}

		done, err := runICPLevel(work, pose, cfg, result, &firstIteration, logger)
		if err != nil {
			return nil, err
		}
		pose = result.Pose
		if done {
			return result, nil
		}
	}
	return result, nil
}

func buildICPLevel(src, tgt rimage.PyramidLevel, params *PinholeCameraIntrinsics, level int) (*icpLevel, error) {
	scaled := params.Scale(1 / math.Pow(2, float64(level)))
	source, err := DepthMapToPointCloud(src.Depth, src.Intensity, scaled)
	if err != nil {
		return nil, err
	}
	target := backprojectGrid(tgt.Depth, scaled)
	work := &icpLevel{
		params:  scaled,
		source:  source,
		target:  target,
		normals: structuredNormals(target),
	}
	if src.Intensity != nil && tgt.Intensity != nil {
		work.sourceIntensity = make([]float64, source.Size())
		for i := 0; i < source.Size(); i++ {
			work.sourceIntensity[i] = source.Intensity(i)
		}
		work.targetIntensity = tgt.Intensity
	}
	return work, nil
}

// runICPLevel iterates one pyramid level to convergence. It reports done
// when the whole registration should stop, either because this is the finest
// level or because the run diverged.
func runICPLevel(
	work *icpLevel,
	pose *spatialmath.Pose,
	cfg *pointcloud.ICPConfig,
	result *pointcloud.ICPResult,
	firstIteration *bool,
	logger golog.Logger,
) (bool, error) {
	minCorr := utils.MaxInt(cfg.MinCorrespondences, 3)
	rotTol := utils.DegToRad(cfg.RotationToleranceDeg)
	prevResidual := math.Inf(1)
	divergedCount := 0

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		sys := pointcloud.NewSE3System()
		var rejected pointcloud.RejectStats
		count := 0
		residualSum, weightSum := 0.0, 0.0

		for i := 0; i < work.source.Size(); i++ {
			p := pose.TransformPoint(work.source.At(i))
			row, ok := work.projectRow(i, p, pose, cfg, &rejected)
			if !ok {
				continue
			}
			count++
			geoWeight := row.weight * (1 - photometricRatio(cfg, work))
			sys.AddPointToPlane(p, row.q, row.n, geoWeight)
			residualSum += row.weight * utils.Square(row.residual)
			weightSum += row.weight
			if work.targetIntensity != nil && cfg.PhotometricRatio > 0 {
				jac, photoResidual := work.photometricRow(i, p, row)
				sys.AddResidual(jac, photoResidual, row.weight*cfg.PhotometricRatio)
			}
		}

		result.Correspondences = count
		result.Rejected = rejected
		if count < minCorr {
			if *firstIteration {
				return false, pointcloud.ErrInsufficientCorrespondences
			}
			result.Status = pointcloud.ICPDiverged
			result.Reason = pointcloud.ErrInsufficientCorrespondences
			return true, nil
		}
		*firstIteration = false

		residual := residualSum / weightSum
		if math.IsNaN(residual) {
			// every accepted row was weighted to zero by the robust kernel
			result.Status = pointcloud.ICPDiverged
			result.Reason = pointcloud.ErrSolverDegenerate
			return true, nil
		}
		result.Residual = residual
		result.Iterations++

		inc, err := sys.Solve()
		if err != nil {
			if logger != nil {
				logger.Debugw("solver failed, terminating", "error", err)
			}
			result.Status = pointcloud.ICPDiverged
			result.Reason = err
			return true, nil
		}

		pose = spatialmath.Compose(inc, pose)
		pose.Normalize()
		result.Pose = pose

		dist, ang := inc.Delta()
		if logger != nil {
			logger.Debugw("iteration",
				"iteration", iter,
				"correspondences", count,
				"rejected", rejected.Total(),
				"residual", residual,
				"step_translation", dist,
				"step_rotation", ang,
			)
		}

		improvement := prevResidual - residual
		switch {
		case dist < cfg.TranslationTolerance && ang < rotTol:
			result.Status = pointcloud.ICPConverged
			return false, nil
		case !math.IsInf(prevResidual, 1) && math.Abs(improvement) < cfg.ResidualTolerance:
			result.Status = pointcloud.ICPConverged
			return false, nil
		case !math.IsInf(prevResidual, 1) && prevResidual > 0 && math.Abs(improvement)/prevResidual < cfg.RelativeTolerance:
			result.Status = pointcloud.ICPConverged
			return false, nil
		}

		if improvement < 0 {
			divergedCount++
			if divergedCount > cfg.MaxDivergedIterations {
				result.Status = pointcloud.ICPDiverged
				return true, nil
			}
		} else {
			divergedCount = 0
		}
		prevResidual = residual
	}
	result.Status = pointcloud.ICPMaxIterationsReached
	return false, nil
}

func photometricRatio(cfg *pointcloud.ICPConfig, work *icpLevel) float64 {
	if work.targetIntensity == nil {
		return 0
	}
	return cfg.PhotometricRatio
}

// icpRow is one accepted projective correspondence.
type icpRow struct {
	q        r3.Vector // matched target point
	n        r3.Vector // target normal at the match
	px, py   int       // target pixel of the match
	residual float64
	weight   float64
}

// projectRow finds the target sample a transformed source point lands on and
// applies the rejection cascade.
func (work *icpLevel) projectRow(
	i int,
	p r3.Vector,
	pose *spatialmath.Pose,
	cfg *pointcloud.ICPConfig,
	rejected *pointcloud.RejectStats,
) (icpRow, bool) {
	u, v := work.params.PointToPixel(p.X, p.Y, p.Z)
	px, py := int(math.Round(u)), int(math.Round(v))
	if px < 0 || py < 0 || px >= work.target.width || py >= work.target.height {
		rejected.OutOfBounds++
		return icpRow{}, false
	}
	q, ok := work.target.at(px, py)
	if !ok {
		rejected.Invalid++
		return icpRow{}, false
	}
	if cfg.DepthDiffThreshold > 0 && math.Abs(p.Z-q.Z) > cfg.DepthDiffThreshold {
		rejected.Occluded++
		return icpRow{}, false
	}
	if cfg.MaxCorrespondenceDistance > 0 &&
		p.Sub(q).Norm2() > cfg.MaxCorrespondenceDistance*cfg.MaxCorrespondenceDistance {
		rejected.Distance++
		return icpRow{}, false
	}
	n := work.normals[py*work.target.width+px]
	if n.Norm2() == 0 {
		rejected.Invalid++
		return icpRow{}, false
	}
	if cfg.MaxNormalAngleDeg > 0 {
		if sn, valid := work.source.Normal(i); valid {
			if pose.RotateVector(sn).Dot(n) < math.Cos(utils.DegToRad(cfg.MaxNormalAngleDeg)) {
				rejected.NormalAngle++
				return icpRow{}, false
			}
		}
	}
	residual := p.Sub(q).Dot(n)
	return icpRow{
		q:        q,
		n:        n,
		px:       px,
		py:       py,
		residual: residual,
		weight:   pointcloud.RobustWeight(cfg.Kernel, residual, cfg.KernelScale),
	}, true
}

// photometricRow linearizes the brightness difference between the source
// sample and the target pixel it projects onto. The jacobian chains the
// image gradient through the projection and the rigid increment, rotation
// parameters first to match the point-to-plane rows.
func (work *icpLevel) photometricRow(i int, p r3.Vector, row icpRow) ([6]float64, float64) {
	gx, gy := work.targetIntensity.Gradient(row.px, row.py)
	z := p.Z
	dIdP := r3.Vector{
		X: gx * work.params.Fx / z,
		Y: gy * work.params.Fy / z,
		Z: -(gx*work.params.Fx*p.X + gy*work.params.Fy*p.Y) / (z * z),
	}
	rot := p.Cross(dIdP)
	residual := work.targetIntensity.GetIntensity(row.px, row.py) - work.sourceIntensity[i]
	return [6]float64{rot.X, rot.Y, rot.Z, dIdP.X, dIdP.Y, dIdP.Z}, residual
}
