// Package spatialmath implements the rigid-body math the locator is built on:
// scaled-axis (rotation vector) representations of SO(3), their exponential and
// logarithm maps, the right Jacobian of the exponential map, and rigid poses.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Below smallAngleThresh the trig coefficients of the Rodrigues formula are
// evaluated by series expansion to dodge catastrophic cancellation in
// (1-cos θ)/θ² and (θ-sin θ)/θ³.
const smallAngleThresh = 1e-4

// Skew returns the 3x3 skew-symmetric matrix [v]x such that [v]x * w = v x w.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// ExpMap converts a scaled-axis rotation vector to its 3x3 rotation matrix via
// the Rodrigues formula R = I + A*[w]x + B*[w]x².
func ExpMap(rvec r3.Vector) *mat.Dense {
	theta2 := rvec.Norm2()
	theta := math.Sqrt(theta2)

	var a, b float64
	if theta < smallAngleThresh {
		a = 1 - theta2/6 + theta2*theta2/120
		b = 0.5 - theta2/24 + theta2*theta2/720
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / theta2
	}

	k := Skew(rvec)
	var k2 mat.Dense
	k2.Mul(k, k)

	r := eye(3)
	var ak, bk2 mat.Dense
	ak.Scale(a, k)
	bk2.Scale(b, &k2)
	r.Add(r, &ak)
	r.Add(r, &bk2)
	return r
}

// LogMap converts a rotation matrix back to its scaled-axis vector. The angle
// is recovered from the trace; rotations at or near pi radians take the
// diagonal-based branch since the antisymmetric part vanishes there.
func LogMap(r mat.Matrix) r3.Vector {
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := (tr - 1) / 2
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	theta := math.Acos(cosTheta)

	switch {
	case theta < 1e-12:
		return r3.Vector{}
	case math.Pi-theta < 1e-6:
		// R = 2nn^T - I at theta = pi; take n from the largest diagonal entry.
		xx := math.Max(0, (r.At(0, 0)+1)/2)
		yy := math.Max(0, (r.At(1, 1)+1)/2)
		zz := math.Max(0, (r.At(2, 2)+1)/2)
		var n r3.Vector
		switch {
		case xx >= yy && xx >= zz:
			n.X = math.Sqrt(xx)
			n.Y = r.At(0, 1) / (2 * n.X)
			n.Z = r.At(0, 2) / (2 * n.X)
		case yy >= zz:
			n.Y = math.Sqrt(yy)
			n.X = r.At(1, 0) / (2 * n.Y)
			n.Z = r.At(1, 2) / (2 * n.Y)
		default:
			n.Z = math.Sqrt(zz)
			n.X = r.At(2, 0) / (2 * n.Z)
			n.Y = r.At(2, 1) / (2 * n.Z)
		}
		return n.Mul(theta)
	default:
		scale := theta / (2 * math.Sin(theta))
		return r3.Vector{
			X: scale * (r.At(2, 1) - r.At(1, 2)),
			Y: scale * (r.At(0, 2) - r.At(2, 0)),
			Z: scale * (r.At(1, 0) - r.At(0, 1)),
		}
	}
}

// RightJacobian returns the right Jacobian of the SO(3) exponential map,
// Jr(w) = I - B*[w]x + C*[w]x², which relates an additive perturbation of the
// rotation vector to a local rotation: Exp(w + d) = Exp(w) * Exp(Jr(w) * d).
// It is the identity when the angle is numerically zero.
func RightJacobian(rvec r3.Vector) *mat.Dense {
	theta2 := rvec.Norm2()
	theta := math.Sqrt(theta2)
	if theta < 1e-12 {
		return eye(3)
	}

	var b, c float64
	if theta < smallAngleThresh {
		b = 0.5 - theta2/24 + theta2*theta2/720
		c = 1.0/6 - theta2/120 + theta2*theta2/5040
	} else {
		b = (1 - math.Cos(theta)) / theta2
		c = (theta - math.Sin(theta)) / (theta2 * theta)
	}

	k := Skew(rvec)
	var k2, bk, ck2 mat.Dense
	k2.Mul(k, k)
	bk.Scale(b, k)
	ck2.Scale(c, &k2)

	jr := eye(3)
	jr.Sub(jr, &bk)
	jr.Add(jr, &ck2)
	return jr
}

// RotatedPointJacobian returns the 3x3 derivative of Exp(w)*p with respect to
// the components of w: -Exp(w) * [p]x * Jr(w).
func RotatedPointJacobian(rvec, p r3.Vector) *mat.Dense {
	var out mat.Dense
	out.Mul(ExpMap(rvec), Skew(p))
	out.Mul(&out, RightJacobian(rvec))
	out.Scale(-1, &out)
	return &out
}

// eye creates an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
