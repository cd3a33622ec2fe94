package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/align3d/registration/spatialmath"
)

// svdDegeneracyRatio is the ratio of second-largest to largest singular value
// below which the cross-covariance is treated as near-collinear.
const svdDegeneracyRatio = 1e-9

// condLimit is the condition number above which the point-to-plane normal
// equations are refused.
const condLimit = 1e12

// SolvePointToPoint computes the incremental rigid transform minimizing the
// weighted sum of squared distances between paired points, in closed form via
// the SVD of the weighted cross-covariance (Kabsch). Source points are taken
// through the given pose first, so the result composes on top of it. Inputs
// are not mutated.
func SolvePointToPoint(corr *Correspondences, src, tgt *PointCloud, pose *spatialmath.Pose) (*spatialmath.Pose, error) {
	if corr.Len() < 3 {
		return nil, ErrInsufficientCorrespondences
	}

	var weightSum float64
	var srcCentroid, tgtCentroid r3.Vector
	for i := range corr.SourceIDs {
		w := corr.Weights[i]
		weightSum += w
		srcCentroid = srcCentroid.Add(pose.TransformPoint(src.At(corr.SourceIDs[i])).Mul(w))
		tgtCentroid = tgtCentroid.Add(tgt.At(corr.TargetIDs[i]).Mul(w))
	}
	if weightSum < 1e-12 {
		return nil, ErrSolverDegenerate
	}
	srcCentroid = srcCentroid.Mul(1 / weightSum)
	tgtCentroid = tgtCentroid.Mul(1 / weightSum)

	h := mat.NewDense(3, 3, nil)
	for i := range corr.SourceIDs {
		w := corr.Weights[i]
		s := pose.TransformPoint(src.At(corr.SourceIDs[i])).Sub(srcCentroid)
		d := tgt.At(corr.TargetIDs[i]).Sub(tgtCentroid)
		h.Set(0, 0, h.At(0, 0)+w*s.X*d.X)
		h.Set(0, 1, h.At(0, 1)+w*s.X*d.Y)
		h.Set(0, 2, h.At(0, 2)+w*s.X*d.Z)
		h.Set(1, 0, h.At(1, 0)+w*s.Y*d.X)
		h.Set(1, 1, h.At(1, 1)+w*s.Y*d.Y)
		h.Set(1, 2, h.At(1, 2)+w*s.Y*d.Z)
		h.Set(2, 0, h.At(2, 0)+w*s.Z*d.X)
		h.Set(2, 1, h.At(2, 1)+w*s.Z*d.Y)
		h.Set(2, 2, h.At(2, 2)+w*s.Z*d.Z)
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, ErrSolverDegenerate
	}
	values := svd.Values(nil)
	// a vanishing second singular value means the pairs are near-collinear
	// and the rotation about that line is undetermined
	if values[0] < 1e-12 || values[1] <= svdDegeneracyRatio*values[0] {
		return nil, ErrSolverDegenerate
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		// reflection: flip the axis of least variance
		for r := 0; r < 3; r++ {
			v.Set(r, 2, -v.At(r, 2))
		}
		rot.Mul(&v, u.T())
	}

	rm := [9]float64{
		rot.At(0, 0), rot.At(0, 1), rot.At(0, 2),
		rot.At(1, 0), rot.At(1, 1), rot.At(1, 2),
		rot.At(2, 0), rot.At(2, 1), rot.At(2, 2),
	}
	rotated := r3.Vector{
		X: rm[0]*srcCentroid.X + rm[1]*srcCentroid.Y + rm[2]*srcCentroid.Z,
		Y: rm[3]*srcCentroid.X + rm[4]*srcCentroid.Y + rm[5]*srcCentroid.Z,
		Z: rm[6]*srcCentroid.X + rm[7]*srcCentroid.Y + rm[8]*srcCentroid.Z,
	}
	return spatialmath.NewPoseFromRotationMatrix(tgtCentroid.Sub(rotated), rm), nil
}

// SE3System accumulates the 6x6 normal equations of a linearized rigid
// transform solve. Rows are added per correspondence; the solve produces the
// exact rigid increment via the se(3) exponential map. The parameter order is
// rotation (scaled axis) then translation.
type SE3System struct {
	a    *mat.SymDense
	b    *mat.VecDense
	rows int
}

// NewSE3System returns an empty system.
func NewSE3System() *SE3System {
	return &SE3System{
		a: mat.NewSymDense(6, nil),
		b: mat.NewVecDense(6, nil),
	}
}

// Rows returns how many residual rows have been accumulated.
func (sys *SE3System) Rows() int {
	return sys.rows
}

// AddResidual accumulates one scalar residual row with the given jacobian and
// weight.
func (sys *SE3System) AddResidual(jac [6]float64, residual, weight float64) {
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			sys.a.SetSym(i, j, sys.a.At(i, j)+weight*jac[i]*jac[j])
		}
		sys.b.SetVec(i, sys.b.AtVec(i)-weight*residual*jac[i])
	}
	sys.rows++
}

// AddPointToPlane accumulates the row for a point-to-plane pair: source point
// p (already transformed by the current pose), target point q and target unit
// normal n.
func (sys *SE3System) AddPointToPlane(p, q, n r3.Vector, weight float64) {
	residual := p.Sub(q).Dot(n)
	cross := p.Cross(n)
	sys.AddResidual([6]float64{cross.X, cross.Y, cross.Z, n.X, n.Y, n.Z}, residual, weight)
}

// Solve factorizes the normal equations and returns the rigid increment. It
// fails with ErrIllConditioned when the system is rank deficient or its
// condition number is past the limit, instead of producing an unstable
// update.
func (sys *SE3System) Solve() (*spatialmath.Pose, error) {
	var chol mat.Cholesky
	if !chol.Factorize(sys.a) {
		return nil, ErrIllConditioned
	}
	if cond := chol.Cond(); math.IsNaN(cond) || cond > condLimit {
		return nil, ErrIllConditioned
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, sys.b); err != nil {
		return nil, ErrIllConditioned
	}
	so3 := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	xyz := r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}
	return spatialmath.NewPoseFromSE3(xyz, so3), nil
}

// SolvePointToPlane computes the incremental rigid transform minimizing the
// weighted squared displacement of each pair along the target normal,
// linearized around the identity increment. Source points are taken through
// the given pose first, so the result composes on top of it.
func SolvePointToPlane(corr *Correspondences, src, tgt *PointCloud, pose *spatialmath.Pose) (*spatialmath.Pose, error) {
	if corr.Len() < 3 {
		return nil, ErrInsufficientCorrespondences
	}
	sys := NewSE3System()
	for i := range corr.SourceIDs {
		n, valid := tgt.Normal(corr.TargetIDs[i])
		if !valid {
			continue
		}
		p := pose.TransformPoint(src.At(corr.SourceIDs[i]))
		sys.AddPointToPlane(p, tgt.At(corr.TargetIDs[i]), n, corr.Weights[i])
	}
	if sys.Rows() < 3 {
		return nil, ErrInsufficientCorrespondences
	}
	return sys.Solve()
}
