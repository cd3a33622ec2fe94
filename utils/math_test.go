package utils

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestAngleConversions(t *testing.T) {
	test.That(t, DegToRad(180), test.ShouldAlmostEqual, math.Pi)
	test.That(t, RadToDeg(math.Pi/2), test.ShouldAlmostEqual, 90)
	test.That(t, RadToDeg(DegToRad(37.5)), test.ShouldAlmostEqual, 37.5)
}

func TestFloatHelpers(t *testing.T) {
	test.That(t, Square(3), test.ShouldEqual, 9.0)
	test.That(t, Square(-0.5), test.ShouldEqual, 0.25)
	test.That(t, Float64AlmostEqual(1.0, 1.0+1e-9, 1e-6), test.ShouldBeTrue)
	test.That(t, Float64AlmostEqual(1.0, 1.1, 1e-6), test.ShouldBeFalse)
}

func TestIntHelpers(t *testing.T) {
	test.That(t, MaxInt(3, -4), test.ShouldEqual, 3)
	test.That(t, MinInt(3, -4), test.ShouldEqual, -4)
	test.That(t, ClampInt(5, 0, 4), test.ShouldEqual, 4)
	test.That(t, ClampInt(-1, 0, 4), test.ShouldEqual, 0)
	test.That(t, ClampInt(2, 0, 4), test.ShouldEqual, 2)
}
