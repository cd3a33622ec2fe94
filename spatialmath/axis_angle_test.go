package spatialmath

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestR4AAR3RoundTrip(t *testing.T) {
	v := r3.Vector{X: 0.3, Y: -0.4, Z: 1.2}
	aa := R3ToR4(v)
	test.That(t, aa.Theta, test.ShouldAlmostEqual, v.Norm())
	axisNorm := aa.RX*aa.RX + aa.RY*aa.RY + aa.RZ*aa.RZ
	test.That(t, axisNorm, test.ShouldAlmostEqual, 1)

	back := aa.ToR3()
	test.That(t, back.X, test.ShouldAlmostEqual, v.X)
	test.That(t, back.Y, test.ShouldAlmostEqual, v.Y)
	test.That(t, back.Z, test.ShouldAlmostEqual, v.Z)
}

func TestR3ToR4Zero(t *testing.T) {
	aa := R3ToR4(r3.Vector{})
	test.That(t, aa.Theta, test.ShouldEqual, 0.0)

	// the zero rotation still carries a usable unit axis
	back := aa.ToR3()
	test.That(t, back.Norm(), test.ShouldEqual, 0.0)
}
