package pointcloud

import (
	"context"
	"math"

	"github.com/align3d/registration/spatialmath"
	"github.com/align3d/registration/utils"
)

// RejectStats counts, by reason, the tentative pairs dropped during
// correspondence search, so every rejection stays attributable.
type RejectStats struct {
	// Distance counts pairs beyond the max correspondence distance.
	Distance int
	// NormalAngle counts pairs whose normals deviate too far.
	NormalAngle int
	// OutOfBounds counts projective lookups landing outside the image.
	OutOfBounds int
	// Occluded counts projective pairs failing the depth-difference check.
	Occluded int
	// Invalid counts pairs involving a point with no valid normal or depth.
	Invalid int
}

// Total returns the total number of rejected pairs.
func (r RejectStats) Total() int {
	return r.Distance + r.NormalAngle + r.OutOfBounds + r.Occluded + r.Invalid
}

func (r *RejectStats) add(other RejectStats) {
	r.Distance += other.Distance
	r.NormalAngle += other.NormalAngle
	r.OutOfBounds += other.OutOfBounds
	r.Occluded += other.Occluded
	r.Invalid += other.Invalid
}

// Correspondences is a set of tentative source/target point pairs with robust
// weights, stored in parallel slices. A set lives for exactly one ICP
// iteration; it is discarded and recomputed once the transform moves.
type Correspondences struct {
	SourceIDs []int
	TargetIDs []int
	// Weights are the robust weights, non-increasing in residual magnitude.
	Weights []float64
	// Residuals are point-to-plane displacements along the target normal when
	// that metric is active, euclidean distances otherwise.
	Residuals []float64
	Rejected  RejectStats
}

// Len returns the number of surviving pairs.
func (c *Correspondences) Len() int {
	return len(c.SourceIDs)
}

func (c *Correspondences) append(srcID, tgtID int, weight, residual float64) {
	c.SourceIDs = append(c.SourceIDs, srcID)
	c.TargetIDs = append(c.TargetIDs, tgtID)
	c.Weights = append(c.Weights, weight)
	c.Residuals = append(c.Residuals, residual)
}

// RobustWeight evaluates the given kernel at a residual magnitude. Weights
// are 1 at zero residual and non-increasing beyond the scale.
func RobustWeight(kernel RobustKernel, residual, scale float64) float64 {
	r := math.Abs(residual)
	switch kernel {
	case KernelHuber:
		if r <= scale {
			return 1
		}
		return scale / r
	case KernelTukey:
		if r >= scale {
			return 0
		}
		h := 1 - (r/scale)*(r/scale)
		return h * h
	case KernelNone:
	}
	return 1
}

// FindCorrespondences pairs every source point, transformed by the current
// pose estimate, with its nearest neighbor in the target index, dropping
// pairs that fail the distance or normal-angle checks. The search is a
// parallel map over source points with per-group result buffers merged in
// group order, so output order is deterministic.
func FindCorrespondences(src *PointCloud, tgt *KDTree, pose *spatialmath.Pose, cfg *ICPConfig) (*Correspondences, error) {
	if src.Size() == 0 || tgt.Size() == 0 {
		return nil, ErrEmptyInput
	}

	maxDistSq := math.MaxFloat64
	if cfg.MaxCorrespondenceDistance > 0 {
		maxDistSq = cfg.MaxCorrespondenceDistance * cfg.MaxCorrespondenceDistance
	}
	minNormalDot := -1.0
	checkNormals := cfg.MaxNormalAngleDeg > 0 && src.HasNormals() && tgt.cloud.HasNormals()
	if checkNormals {
		minNormalDot = math.Cos(utils.DegToRad(cfg.MaxNormalAngleDeg))
	}
	needTargetNormal := cfg.Metric == PointToPlane

	var partials []*Correspondences
	//nolint:errcheck
	utils.GroupWorkParallel(
		context.Background(),
		src.Size(),
		func(numGroups int) {
			partials = make([]*Correspondences, numGroups)
		},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			part := &Correspondences{}
			partials[groupNum] = part
			return func(memberNum, workNum int) {
				i := workNum
				p := pose.TransformPoint(src.At(i))
				tgtID, distSq, err := tgt.Nearest(p)
				if err != nil {
					return
				}
				if distSq > maxDistSq {
					part.Rejected.Distance++
					return
				}
				tn, tnValid := tgt.cloud.Normal(tgtID)
				if needTargetNormal && !tnValid {
					part.Rejected.Invalid++
					return
				}
				if checkNormals {
					sn, snValid := src.Normal(i)
					if !snValid || !tnValid {
						part.Rejected.Invalid++
						return
					}
					if pose.RotateVector(sn).Dot(tn) < minNormalDot {
						part.Rejected.NormalAngle++
						return
					}
				}
				var residual float64
				if cfg.Metric == PointToPlane {
					residual = p.Sub(tgt.cloud.At(tgtID)).Dot(tn)
				} else {
					residual = math.Sqrt(distSq)
				}
				weight := 1.0
				if cfg.Kernel != KernelNone {
					weight = RobustWeight(cfg.Kernel, residual, cfg.KernelScale)
				}
				part.append(i, tgtID, weight, residual)
			}, nil
		},
	)

	// sequential gather keeps pair order stable across runs
	out := &Correspondences{}
	for _, part := range partials {
		out.SourceIDs = append(out.SourceIDs, part.SourceIDs...)
		out.TargetIDs = append(out.TargetIDs, part.TargetIDs...)
		out.Weights = append(out.Weights, part.Weights...)
		out.Residuals = append(out.Residuals, part.Residuals...)
		out.Rejected.add(part.Rejected)
	}
	return out, nil
}
