package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: a rotation followed by a translation.
type Pose struct {
	r *mat.Dense
	t r3.Vector
}

// NewPose builds a pose from a scaled-axis rotation vector and a translation.
func NewPose(rvec, tvec r3.Vector) *Pose {
	return &Pose{r: ExpMap(rvec), t: tvec}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() *Pose {
	return &Pose{r: eye(3), t: r3.Vector{}}
}

// NewPoseFromRotationMatrix builds a pose from a 3x3 rotation matrix and a
// translation. The matrix must be orthonormal with determinant +1.
func NewPoseFromRotationMatrix(r *mat.Dense, tvec r3.Vector) (*Pose, error) {
	rows, cols := r.Dims()
	if rows != 3 || cols != 3 {
		return nil, errors.Errorf("rotation matrix must be 3x3, got %dx%d", rows, cols)
	}
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	rtr.Sub(&rtr, eye(3))
	if mat.Norm(&rtr, 2) > 1e-6 {
		return nil, errors.New("rotation matrix is not orthonormal")
	}
	if mat.Det(r) < 0 {
		return nil, errors.New("rotation matrix is a reflection (determinant -1)")
	}
	cp := mat.DenseCopyOf(r)
	return &Pose{r: cp, t: tvec}, nil
}

// Rotation returns the pose's rotation matrix. Callers must not modify it.
func (p *Pose) Rotation() *mat.Dense {
	return p.r
}

// Translation returns the pose's translation.
func (p *Pose) Translation() r3.Vector {
	return p.t
}

// RotationVector returns the rotation in scaled-axis form.
func (p *Pose) RotationVector() r3.Vector {
	return LogMap(p.r)
}

// TransformPoint applies the pose to a point: R*pt + t.
func (p *Pose) TransformPoint(pt r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.r.At(0, 0)*pt.X + p.r.At(0, 1)*pt.Y + p.r.At(0, 2)*pt.Z + p.t.X,
		Y: p.r.At(1, 0)*pt.X + p.r.At(1, 1)*pt.Y + p.r.At(1, 2)*pt.Z + p.t.Y,
		Z: p.r.At(2, 0)*pt.X + p.r.At(2, 1)*pt.Y + p.r.At(2, 2)*pt.Z + p.t.Z,
	}
}

// Compose returns the pose equivalent to applying o first and then p, so that
// p.Compose(o).TransformPoint(x) == p.TransformPoint(o.TransformPoint(x)).
func (p *Pose) Compose(o *Pose) *Pose {
	var r mat.Dense
	r.Mul(p.r, o.r)
	return &Pose{r: &r, t: p.TransformPoint(o.t)}
}

// Invert returns the inverse pose: Rᵀ, -Rᵀt.
func (p *Pose) Invert() *Pose {
	rt := mat.DenseCopyOf(p.r.T())
	inv := &Pose{r: rt}
	inv.t = r3.Vector{
		X: -(rt.At(0, 0)*p.t.X + rt.At(0, 1)*p.t.Y + rt.At(0, 2)*p.t.Z),
		Y: -(rt.At(1, 0)*p.t.X + rt.At(1, 1)*p.t.Y + rt.At(1, 2)*p.t.Z),
		Z: -(rt.At(2, 0)*p.t.X + rt.At(2, 1)*p.t.Y + rt.At(2, 2)*p.t.Z),
	}
	return inv
}

// Quaternion returns the rotation as a unit quaternion. The branch on the
// largest of the trace and the diagonal entries keeps the square root well
// away from zero.
func (p *Pose) Quaternion() quat.Number {
	m := p.r
	tr := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q.Real = s / 4
		q.Imag = (m.At(2, 1) - m.At(1, 2)) / s
		q.Jmag = (m.At(0, 2) - m.At(2, 0)) / s
		q.Kmag = (m.At(1, 0) - m.At(0, 1)) / s
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := math.Sqrt(1+m.At(0, 0)-m.At(1, 1)-m.At(2, 2)) * 2
		q.Real = (m.At(2, 1) - m.At(1, 2)) / s
		q.Imag = s / 4
		q.Jmag = (m.At(0, 1) + m.At(1, 0)) / s
		q.Kmag = (m.At(0, 2) + m.At(2, 0)) / s
	case m.At(1, 1) > m.At(2, 2):
		s := math.Sqrt(1+m.At(1, 1)-m.At(0, 0)-m.At(2, 2)) * 2
		q.Real = (m.At(0, 2) - m.At(2, 0)) / s
		q.Imag = (m.At(0, 1) + m.At(1, 0)) / s
		q.Jmag = s / 4
		q.Kmag = (m.At(1, 2) + m.At(2, 1)) / s
	default:
		s := math.Sqrt(1+m.At(2, 2)-m.At(0, 0)-m.At(1, 1)) * 2
		q.Real = (m.At(1, 0) - m.At(0, 1)) / s
		q.Imag = (m.At(0, 2) + m.At(2, 0)) / s
		q.Jmag = (m.At(1, 2) + m.At(2, 1)) / s
		q.Kmag = s / 4
	}
	return q
}

// AlmostEqual reports whether two poses agree within tol, comparing the
// rotation matrices entrywise and the translations componentwise.
func (p *Pose) AlmostEqual(o *Pose, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(p.r.At(i, j)-o.r.At(i, j)) > tol {
				return false
			}
		}
	}
	d := p.t.Sub(o.t)
	return math.Abs(d.X) <= tol && math.Abs(d.Y) <= tol && math.Abs(d.Z) <= tol
}
