package pointcloud

import (
	"math"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/stat"

	"github.com/align3d/registration/spatialmath"
	"github.com/align3d/registration/utils"
)

// ICPStatus is the terminal state of a registration run.
type ICPStatus int

const (
	// ICPConverged means the residual or transform increment fell below
	// tolerance.
	ICPConverged ICPStatus = iota
	// ICPMaxIterationsReached means the iteration budget ran out first. The
	// partial alignment is still returned; this is not a failure.
	ICPMaxIterationsReached
	// ICPDiverged means the residual kept increasing or the solver reported
	// degeneracy. The last valid transform is returned.
	ICPDiverged
)

// String implements fmt.Stringer.
func (s ICPStatus) String() string {
	switch s {
	case ICPConverged:
		return "converged"
	case ICPMaxIterationsReached:
		return "max_iterations_reached"
	case ICPDiverged:
		return "diverged"
	}
	return "unknown"
}

// ICPResult is the outcome of a registration run.
type ICPResult struct {
	// Pose maps source coordinates into the target frame.
	Pose *spatialmath.Pose
	// Iterations actually executed.
	Iterations int
	// Residual is the final mean weighted squared error.
	Residual float64
	// Correspondences surviving rejection in the last iteration, with the
	// rejection counts alongside for diagnostics.
	Correspondences int
	Rejected        RejectStats
	Status          ICPStatus
	// Reason carries the error kind that forced early termination when
	// Status is ICPDiverged, nil otherwise.
	Reason error
}

// RegisterICP iteratively aligns the source cloud onto the cloud indexed by
// the target tree, starting from the given initial guess (nil means
// identity). Each iteration recomputes correspondences under the accumulated
// transform, solves for a rigid increment with the configured metric and
// composes it on, until the run converges, diverges, or exhausts its
// iteration budget. The inputs are never mutated; all per-run state is owned
// by this call.
func RegisterICP(src *PointCloud, tgt *KDTree, guess *spatialmath.Pose, cfg *ICPConfig, debug bool) (*ICPResult, error) {
	if src.Size() == 0 || tgt.Size() == 0 {
		return nil, ErrEmptyInput
	}
	if cfg == nil {
		cfg = DefaultICPConfig()
	}
	if guess == nil {
		guess = spatialmath.NewZeroPose()
	}
	var logger golog.Logger
	if debug {
		logger = golog.NewDebugLogger("icp")
	}

	if cfg.DownsampleNth > 1 {
		src = src.Downsample(cfg.DownsampleNth)
	}
	if cfg.MaxCorrespondenceDistance == 0 && cfg.MaxCorrespondenceDistanceRel > 0 {
		// resolve the relative threshold against the target extent; copy so
		// the caller's config is never touched
		_, radius := tgt.Cloud().BoundingSphere()
		resolved := *cfg
		resolved.MaxCorrespondenceDistance = cfg.MaxCorrespondenceDistanceRel * radius
		cfg = &resolved
	}

	minCorr := utils.MaxInt(cfg.MinCorrespondences, 3)
	rotTol := utils.DegToRad(cfg.RotationToleranceDeg)

	// copy so the caller's guess is never touched by Normalize
	pose := spatialmath.Compose(spatialmath.NewZeroPose(), guess)
	result := &ICPResult{Pose: pose}
	prevResidual := math.Inf(1)
	divergedCount := 0

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		corr, err := FindCorrespondences(src, tgt, pose, cfg)
		if err != nil {
			return nil, err
		}
		result.Correspondences = corr.Len()
		result.Rejected = corr.Rejected
		if corr.Len() < minCorr {
			if iter == 1 {
				return nil, ErrInsufficientCorrespondences
			}
			result.Status = ICPDiverged
			result.Reason = ErrInsufficientCorrespondences
			return result, nil
		}

		residual := meanSquaredResidual(corr)
		if math.IsNaN(residual) {
			result.Status = ICPDiverged
			result.Reason = ErrSolverDegenerate
			return result, nil
		}
		result.Residual = residual
		result.Iterations = iter

		var inc *spatialmath.Pose
		switch cfg.Metric {
		case PointToPlane:
			inc, err = SolvePointToPlane(corr, src, tgt.Cloud(), pose)
		case PointToPoint:
			inc, err = SolvePointToPoint(corr, src, tgt.Cloud(), pose)
		}
		if err != nil {
			if debug {
				logger.Debugw("solver failed, terminating", "iteration", iter, "error", err)
			}
			result.Status = ICPDiverged
			result.Reason = err
			return result, nil
		}

		pose = spatialmath.Compose(inc, pose)
		pose.Normalize()
		result.Pose = pose

		dist, ang := inc.Delta()
		if debug {
			logger.Debugw("iteration",
				"iteration", iter,
				"correspondences", corr.Len(),
				"rejected", corr.Rejected.Total(),
				"residual", residual,
				"step_translation", dist,
				"step_rotation", ang,
			)
		}

		improvement := prevResidual - residual
		switch {
		case dist < cfg.TranslationTolerance && ang < rotTol:
			result.Status = ICPConverged
			return result, nil
		case !math.IsInf(prevResidual, 1) && math.Abs(improvement) < cfg.ResidualTolerance:
			result.Status = ICPConverged
			return result, nil
		case !math.IsInf(prevResidual, 1) && prevResidual > 0 && math.Abs(improvement)/prevResidual < cfg.RelativeTolerance:
			result.Status = ICPConverged
			return result, nil
		}

		if improvement < 0 {
			divergedCount++
			if divergedCount > cfg.MaxDivergedIterations {
				result.Status = ICPDiverged
				return result, nil
			}
		} else {
			divergedCount = 0
		}
		prevResidual = residual
	}

	result.Status = ICPMaxIterationsReached
	return result, nil
}

// meanSquaredResidual aggregates one iteration's error as the weighted mean
// of squared residuals.
func meanSquaredResidual(corr *Correspondences) float64 {
	squared := make([]float64, len(corr.Residuals))
	for i, r := range corr.Residuals {
		squared[i] = utils.Square(r)
	}
	return stat.Mean(squared, corr.Weights)
}
