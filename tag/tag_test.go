package tag

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("tag36h11")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldEqual, Tag36h11)

	f, err = ParseFamily("tagStandard41h12")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldEqual, TagStandard41h12)

	_, err = ParseFamily("tag99h9")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "tag99h9")
}

func TestIndexString(t *testing.T) {
	idx := Index{Family: Tag36h11, ID: 42}
	test.That(t, idx.String(), test.ShouldEqual, "42 (tag36h11)")
}

func TestLocationTransform(t *testing.T) {
	// A marker of side 2 (scale 1) rotated a quarter turn about z and shifted.
	loc := NewLocation(2.0, r3.Vector{Z: math.Pi / 2}, r3.Vector{X: 1, Y: 2, Z: 3})
	test.That(t, loc.Scale(), test.ShouldEqual, 1.0)

	got := loc.Corner(0) // local (-1, 1, 0) -> rotated (-1, -1, 0) -> shifted (0, 1, 3)
	test.That(t, got.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, got.Z, test.ShouldAlmostEqual, 3, 1e-12)

	// The rigid part drops the scale but keeps rotation and translation.
	rigidOrigin := loc.Rigid().TransformPoint(r3.Vector{})
	test.That(t, rigidOrigin, test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
}

func TestLocationScaleHalvesSize(t *testing.T) {
	loc := NewCenteredLocation(0.5)
	test.That(t, loc.Scale(), test.ShouldEqual, 0.25)
	for k := range Corners {
		got := loc.Corner(k)
		test.That(t, got.X, test.ShouldAlmostEqual, Corners[k].X*0.25)
		test.That(t, got.Y, test.ShouldAlmostEqual, Corners[k].Y*0.25)
		test.That(t, got.Z, test.ShouldAlmostEqual, 0)
	}
}

func TestNewLocationFromMatrix(t *testing.T) {
	// Quarter turn about z as an explicit matrix.
	rm := mat.NewDense(3, 3, []float64{
		0, -1, 0,
		1, 0, 0,
		0, 0, 1,
	})
	loc, err := NewLocationFromMatrix(2.0, rm, r3.Vector{X: 1})
	test.That(t, err, test.ShouldBeNil)
	got := loc.TransformPoint(r3.Vector{X: 1})
	test.That(t, got.X, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1, 1e-12)

	_, err = NewLocationFromMatrix(2.0, mat.NewDense(3, 3, []float64{
		2, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}), r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewSimpleObject(t *testing.T) {
	obj := NewSimpleObject("simple", Tag36h11, 7, 1.0)
	test.That(t, obj.Name, test.ShouldEqual, "simple")
	test.That(t, len(obj.Tags), test.ShouldEqual, 1)
	loc, ok := obj.Tags[Index{Family: Tag36h11, ID: 7}]
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, loc.Scale(), test.ShouldEqual, 0.5)
}
