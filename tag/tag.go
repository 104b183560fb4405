// Package tag describes rigid objects as constellations of square fiducial
// markers at known fixed offsets from the object's center.
package tag

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/taglocator/spatialmath"
)

// Family identifies a fiducial marker family by its canonical name.
type Family string

// The marker families understood by common detectors.
const (
	Tag16h5          Family = "tag16h5"
	Tag25h9          Family = "tag25h9"
	Tag36h10         Family = "tag36h10"
	Tag36h11         Family = "tag36h11"
	TagCircle21h7    Family = "tagCircle21h7"
	TagCircle49h12   Family = "tagCircle49h12"
	TagCustom48h12   Family = "tagCustom48h12"
	TagStandard41h12 Family = "tagStandard41h12"
	TagStandard52h13 Family = "tagStandard52h13"
)

// ParseFamily maps a family name to its Family constant.
func ParseFamily(name string) (Family, error) {
	switch f := Family(name); f {
	case Tag16h5, Tag25h9, Tag36h10, Tag36h11, TagCircle21h7,
		TagCircle49h12, TagCustom48h12, TagStandard41h12, TagStandard52h13:
		return f, nil
	default:
		return "", errors.Errorf("unknown marker family %q", name)
	}
}

// Index uniquely identifies one physical marker: its family and integer id.
// No two registered objects may claim the same Index.
type Index struct {
	Family Family
	ID     int
}

func (i Index) String() string {
	return fmt.Sprintf("%d (%s)", i.ID, i.Family)
}

// Corners holds a marker's four corners in its local frame, a unit square
// centered at the origin. The order is fixed and matches the detector's
// corner order.
var Corners = [4]r3.Vector{
	{X: -1, Y: 1},
	{X: 1, Y: 1},
	{X: 1, Y: -1},
	{X: -1, Y: -1},
}

// Location is the similarity transform (isotropic scale, then rotation, then
// translation) mapping a marker's local corner coordinates into the owning
// object's frame. The scale equals half the marker's physical side length.
// A Location is immutable and cheap to copy.
type Location struct {
	scale float64
	rigid *spatialmath.Pose
}

// NewLocation builds a marker location from the marker's physical side
// length, a scaled-axis rotation vector, and a translation.
func NewLocation(size float64, rvec, tvec r3.Vector) Location {
	return Location{scale: size * 0.5, rigid: spatialmath.NewPose(rvec, tvec)}
}

// NewLocationFromMatrix builds a marker location from a 3x3 rotation matrix
// instead of a rotation vector.
func NewLocationFromMatrix(size float64, rm *mat.Dense, tvec r3.Vector) (Location, error) {
	rigid, err := spatialmath.NewPoseFromRotationMatrix(rm, tvec)
	if err != nil {
		return Location{}, err
	}
	return Location{scale: size * 0.5, rigid: rigid}, nil
}

// NewCenteredLocation places a marker of the given side length at the
// object's center with no rotation.
func NewCenteredLocation(size float64) Location {
	return Location{scale: size * 0.5, rigid: spatialmath.NewZeroPose()}
}

// Scale returns half the marker's physical side length.
func (l Location) Scale() float64 {
	return l.scale
}

// Rigid returns the scale-free part of the similarity transform, the
// marker-to-object isometry.
func (l Location) Rigid() *spatialmath.Pose {
	return l.rigid
}

// TransformPoint applies the similarity transform to a marker-local point.
func (l Location) TransformPoint(pt r3.Vector) r3.Vector {
	return l.rigid.TransformPoint(pt.Mul(l.scale))
}

// Corner returns the object-space position of marker corner k.
func (l Location) Corner(k int) r3.Vector {
	return l.TransformPoint(Corners[k])
}

// Object is a named rigid object carrying markers at fixed offsets. Objects
// are built once at startup and never modified afterward; the locator indexes
// into them for the lifetime of the run.
type Object struct {
	Name string
	Tags map[Index]Location
}

// NewObject creates an empty object with the given name.
func NewObject(name string) *Object {
	return &Object{Name: name, Tags: map[Index]Location{}}
}

// NewSimpleObject creates an object carrying a single marker centered at the
// object's origin.
func NewSimpleObject(name string, family Family, id int, size float64) *Object {
	return &Object{
		Name: name,
		Tags: map[Index]Location{
			{Family: family, ID: id}: NewCenteredLocation(size),
		},
	}
}
