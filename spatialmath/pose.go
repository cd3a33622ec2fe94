// Package spatialmath defines the rigid transforms used to express poses of
// point clouds and cameras, backed by dual quaternions.
package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/align3d/registration/utils"
)

// Pose is a rigid transform in 3D space: a rotation followed by a translation.
// It is represented internally as a dual quaternion, which keeps composition
// cheap and keeps the rotation orthonormal under repeated composition as long
// as Normalize is called to counter floating point drift.
type Pose struct {
	dq dualquat.Number
}

// NewZeroPose returns a pose at the origin with no rotation.
func NewZeroPose() *Pose {
	return &Pose{dq: dualquat.Number{
		Real: quat.Number{Real: 1},
	}}
}

// NewPoseFromPoint returns a pose with the given translation and no rotation.
func NewPoseFromPoint(pt r3.Vector) *Pose {
	return NewPoseFromQuat(pt, quat.Number{Real: 1})
}

// NewPose returns a pose with the given translation and axis-angle orientation.
func NewPose(pt r3.Vector, aa *R4AA) *Pose {
	return NewPoseFromQuat(pt, aa.ToQuat())
}

// NewPoseFromQuat returns a pose with the given translation and rotation quaternion.
func NewPoseFromQuat(pt r3.Vector, q quat.Number) *Pose {
	tq := quat.Number{Imag: pt.X, Jmag: pt.Y, Kmag: pt.Z}
	return &Pose{dq: dualquat.Number{
		Real: q,
		Dual: quat.Scale(0.5, quat.Mul(tq, q)),
	}}
}

// NewPoseFromSE3 returns the exact rigid transform for an se(3) increment given
// as a translation parameter vector and a scaled-axis rotation vector. This is
// the exponential map used to turn the 6-vector of a linearized Gauss-Newton
// step back into a rigid transform; the small-angle branches use series
// expansions to stay stable near zero rotation.
func NewPoseFromSE3(xyz, so3 r3.Vector) *Pose {
	const epsilon = 1e-8

	thetaSq := so3.Norm2()

	var theta, imagFactor, realFactor float64
	if thetaSq < epsilon*epsilon {
		thetaPo4 := thetaSq * thetaSq
		imagFactor = 0.5 - thetaSq/48.0 + thetaPo4/3840.0
		realFactor = 1.0 - thetaSq/8.0 + thetaPo4/384.0
	} else {
		theta = math.Sqrt(thetaSq)
		halfTheta := 0.5 * theta
		imagFactor = math.Sin(halfTheta) / theta
		realFactor = math.Cos(halfTheta)
	}
	q := quat.Number{
		Real: realFactor,
		Imag: imagFactor * so3.X,
		Jmag: imagFactor * so3.Y,
		Kmag: imagFactor * so3.Z,
	}

	// Left Jacobian of SO(3) applied to the translation parameters.
	var a, b float64
	if thetaSq < epsilon {
		a = 0.5 - thetaSq/24.0
		b = 1.0/6.0 - thetaSq/120.0
	} else {
		a = (1 - math.Cos(theta)) / thetaSq
		b = (theta - math.Sin(theta)) / (thetaSq * theta)
	}
	cross := so3.Cross(xyz)
	crossCross := so3.Cross(cross)
	t := xyz.Add(cross.Mul(a)).Add(crossCross.Mul(b))

	return NewPoseFromQuat(t, q)
}

// NewPoseFromRotationMatrix returns a pose with the given translation and a
// row-major 3x3 rotation matrix. The matrix must be orthonormal.
func NewPoseFromRotationMatrix(pt r3.Vector, rm [9]float64) *Pose {
	return NewPoseFromQuat(pt, rotationMatrixToQuat(rm))
}

// Point returns the translation component of the pose.
func (p *Pose) Point() r3.Vector {
	tq := quat.Scale(2, quat.Mul(p.dq.Dual, quat.Conj(p.dq.Real)))
	return r3.Vector{X: tq.Imag, Y: tq.Jmag, Z: tq.Kmag}
}

// Rotation returns the rotation quaternion of the pose.
func (p *Pose) Rotation() quat.Number {
	return p.dq.Real
}

// Orientation returns the rotation of the pose in axis-angle form.
func (p *Pose) Orientation() R4AA {
	return QuatToR4AA(p.dq.Real)
}

// TransformPoint rotates and translates the given point.
func (p *Pose) TransformPoint(v r3.Vector) r3.Vector {
	return quatRotate(p.dq.Real, v).Add(p.Point())
}

// RotateVector applies only the rotation component of the pose, for
// transforming directions such as surface normals.
func (p *Pose) RotateVector(v r3.Vector) r3.Vector {
	return quatRotate(p.dq.Real, v)
}

// Compose returns a pose equivalent to applying b first and then a.
func Compose(a, b *Pose) *Pose {
	return &Pose{dq: dualquat.Mul(a.dq, b.dq)}
}

// PoseInverse returns the pose that undoes p.
func PoseInverse(p *Pose) *Pose {
	return &Pose{dq: dualquat.Number{
		Real: quat.Conj(p.dq.Real),
		Dual: quat.Conj(p.dq.Dual),
	}}
}

// Normalize rescales the pose to a unit dual quaternion, restoring the
// orthonormal-rotation invariant after accumulated floating point drift.
func (p *Pose) Normalize() {
	n := quat.Abs(p.dq.Real)
	if n == 0 {
		return
	}
	p.dq.Real = quat.Scale(1/n, p.dq.Real)
	p.dq.Dual = quat.Scale(1/n, p.dq.Dual)
	// Remove any non-rigid component so Real and Dual stay orthogonal.
	d := quatDot(p.dq.Real, p.dq.Dual)
	p.dq.Dual = quat.Sub(p.dq.Dual, quat.Scale(d, p.dq.Real))
}

// Delta returns the translation distance and rotation angle by which this pose
// differs from the identity. Useful as a magnitude for incremental updates.
func (p *Pose) Delta() (float64, float64) {
	rot := p.Orientation()
	return p.Point().Norm(), rot.ToR3().Norm()
}

// PoseAlmostEqual returns whether two poses are within the given translation
// and angular (radians) tolerances of one another.
func PoseAlmostEqual(a, b *Pose, transEpsilon, angularEpsilon float64) bool {
	diff := Compose(PoseInverse(a), b)
	dist, ang := diff.Delta()
	return utils.Float64AlmostEqual(dist, 0, transEpsilon) && utils.Float64AlmostEqual(ang, 0, angularEpsilon)
}

// Mat4 returns the pose as a 4x4 homogeneous transform matrix.
func (p *Pose) Mat4() mgl64.Mat4 {
	r := p.dq.Real
	q := mgl64.Quat{W: r.Real, V: mgl64.Vec3{r.Imag, r.Jmag, r.Kmag}}
	m := q.Mat4()
	pt := p.Point()
	m.SetCol(3, mgl64.Vec4{pt.X, pt.Y, pt.Z, 1})
	return m
}

// quatRotate computes q * (0, v) * q'.
func quatRotate(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func quatDot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// rotationMatrixToQuat converts a row-major orthonormal 3x3 matrix to a unit
// quaternion using Shepperd's method, branching on the largest diagonal term
// for numerical stability.
func rotationMatrixToQuat(m [9]float64) quat.Number {
	tr := m[0] + m[4] + m[8]
	switch {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		return quat.Number{
			Real: 0.25 * s,
			Imag: (m[7] - m[5]) / s,
			Jmag: (m[2] - m[6]) / s,
			Kmag: (m[3] - m[1]) / s,
		}
	case m[0] > m[4] && m[0] > m[8]:
		s := 2 * math.Sqrt(1+m[0]-m[4]-m[8])
		return quat.Number{
			Real: (m[7] - m[5]) / s,
			Imag: 0.25 * s,
			Jmag: (m[1] + m[3]) / s,
			Kmag: (m[2] + m[6]) / s,
		}
	case m[4] > m[8]:
		s := 2 * math.Sqrt(1+m[4]-m[0]-m[8])
		return quat.Number{
			Real: (m[2] - m[6]) / s,
			Imag: (m[1] + m[3]) / s,
			Jmag: 0.25 * s,
			Kmag: (m[5] + m[7]) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m[8]-m[0]-m[4])
		return quat.Number{
			Real: (m[3] - m[1]) / s,
			Imag: (m[2] + m[6]) / s,
			Jmag: (m[5] + m[7]) / s,
			Kmag: 0.25 * s,
		}
	}
}
