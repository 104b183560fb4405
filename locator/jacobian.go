package locator

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/taglocator/spatialmath"
	"github.com/viamrobotics/taglocator/tag"
)

// ProjectionJacobian builds the 8n x 6 Jacobian of the pixel projections of
// all 4n marker corners with respect to the object pose parameters
// [tx ty tz rx ry rz], evaluated at the pose (rvec, tvec). Rows come in
// groups of eight (u then v for each of the four corners) per marker, in the
// order the locations are given.
//
// Per corner p (object space), with homogeneous projection a = K*(R*p + t):
// the translation block is D*K and the rotation block D*K*(d(R*p)/dw), where
// D is the perspective-division Jacobian at a and d(R*p)/dw is the
// closed-form -R*[p]x*Jr(w) with Jr the SO(3) right Jacobian.
func (l *TaggedObjectLocator) ProjectionJacobian(
	locations []tag.Location,
	rvec, tvec r3.Vector,
) (*mat.Dense, error) {
	if len(locations) == 0 {
		return nil, errors.New("no marker locations given")
	}
	k := l.intrinsics.Matrix()
	rot := spatialmath.ExpMap(rvec)

	jac := mat.NewDense(8*len(locations), 6, nil)
	for m, loc := range locations {
		for c := range tag.Corners {
			p := loc.Corner(c)
			a := applyMat(k, applyMat(rot, p).Add(tvec))
			if a.Z <= 0 {
				return nil, errors.Errorf("corner %d of marker %d does not project in front of the camera", c, m)
			}

			invZ := 1 / a.Z
			div := mat.NewDense(2, 3, []float64{
				invZ, 0, -a.X * invZ * invZ,
				0, invZ, -a.Y * invZ * invZ,
			})
			var dk, rotBlock mat.Dense
			dk.Mul(div, k)
			rotBlock.Mul(&dk, spatialmath.RotatedPointJacobian(rvec, p))

			row := 8*m + 2*c
			for col := 0; col < 3; col++ {
				jac.Set(row, col, dk.At(0, col))
				jac.Set(row+1, col, dk.At(1, col))
				jac.Set(row, 3+col, rotBlock.At(0, col))
				jac.Set(row+1, 3+col, rotBlock.At(1, col))
			}
		}
	}
	return jac, nil
}

// PoseCovariance propagates per-axis pixel measurement noise, i.i.d. across
// corners with variances (varX, varY), into a 6x6 pose covariance through the
// generalized least-squares sandwich (JtJ)^-1 (JtYJ) (JtJ)^-1. A singular or
// hopelessly ill-conditioned JtJ (degenerate marker geometry) yields an
// error: the pose uncertainty is undefined there.
func (l *TaggedObjectLocator) PoseCovariance(
	locations []tag.Location,
	rvec, tvec r3.Vector,
	varX, varY float64,
) (*mat.Dense, error) {
	jac, err := l.ProjectionJacobian(locations, rvec, tvec)
	if err != nil {
		return nil, err
	}

	rows, _ := jac.Dims()
	noise := make([]float64, rows)
	for i := range noise {
		if i%2 == 0 {
			noise[i] = varX
		} else {
			noise[i] = varY
		}
	}
	y := mat.NewDiagDense(rows, noise)

	var jtj mat.Dense
	jtj.Mul(jac.T(), jac)
	var jtjInv mat.Dense
	if err := jtjInv.Inverse(&jtj); err != nil {
		return nil, errors.Wrap(err, "pose uncertainty is undefined for this marker geometry")
	}

	var jty, middle, left, cov mat.Dense
	jty.Mul(jac.T(), y)
	middle.Mul(&jty, jac)
	left.Mul(&jtjInv, &middle)
	cov.Mul(&left, &jtjInv)
	return &cov, nil
}

func applyMat(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}
