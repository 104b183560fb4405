package pnp

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/viamrobotics/taglocator/camera"
	"github.com/viamrobotics/taglocator/spatialmath"
	"github.com/viamrobotics/taglocator/tag"
)

const (
	// minSolvePoints is the smallest correspondence set either solve accepts;
	// fewer points leave the pose underdetermined.
	minSolvePoints = 4
	// rankTol separates a usable homography system from a degenerate one when
	// compared against the largest singular value.
	rankTol = 1e-9
	// collapseTol guards divisions by near-zero norms during decomposition.
	collapseTol = 1e-12
)

type gonumSolver struct{}

// NewGonumSolver returns the pure-Go perspective-n-point solver. The square
// solve decomposes a plane-to-image homography; the general solve refines an
// initial estimate by minimizing reprojection error with an analytic
// gradient. Distortion coefficients are ignored; the solver assumes the
// detector reports corners in undistorted pixel coordinates.
func NewGonumSolver() Solver {
	return &gonumSolver{}
}

func (gonumSolver) SolveSquare(corners [4]r2.Point, halfSide float64, intr *camera.Properties) (Pose, error) {
	if err := intr.CheckValid(); err != nil {
		return Pose{}, err
	}
	if halfSide <= 0 {
		return Pose{}, errors.Errorf("marker half side must be positive, got %v", halfSide)
	}
	plane := make([]r2.Point, len(tag.Corners))
	for i, c := range tag.Corners {
		plane[i] = r2.Point{X: c.X * halfSide, Y: c.Y * halfSide}
	}
	h, err := estimateHomography(plane, corners[:])
	if err != nil {
		return Pose{}, err
	}
	rot, trans, err := decomposePlanarHomography(h, intr.Matrix())
	if err != nil {
		return Pose{}, err
	}
	return Pose{Rotation: spatialmath.LogMap(rot), Translation: trans}, nil
}

func (gonumSolver) Solve(object []r3.Vector, image []r2.Point, intr *camera.Properties, seed *Pose) (Pose, error) {
	if err := intr.CheckValid(); err != nil {
		return Pose{}, err
	}
	if len(object) != len(image) {
		return Pose{}, errors.Errorf("mismatched correspondences: %d object points, %d image points",
			len(object), len(image))
	}
	if len(object) < minSolvePoints {
		return Pose{}, errors.Errorf("need at least %d point pairs, got %d", minSolvePoints, len(object))
	}

	guess := Pose{}
	if seed != nil {
		guess = *seed
	} else {
		var err error
		guess, err = planarGuess(object, image, intr.Matrix())
		if err != nil {
			return Pose{}, errors.Wrap(err, "cannot estimate an initial pose")
		}
	}
	return refinePose(object, image, intr.Matrix(), guess)
}

// estimateHomography computes the 3x3 plane-to-image homography from n >= 4
// correspondences with the normalized direct linear transform. The result is
// defined up to scale.
func estimateHomography(plane, image []r2.Point) (*mat.Dense, error) {
	n := len(plane)
	if n < minSolvePoints || len(image) != n {
		return nil, errors.Errorf("homography needs %d matched pairs, got %d and %d",
			minSolvePoints, n, len(image))
	}
	planeNorm, tPlane, err := normalizePoints(plane)
	if err != nil {
		return nil, errors.Wrap(err, "bad plane points")
	}
	imageNorm, tImage, err := normalizePoints(image)
	if err != nil {
		return nil, errors.Wrap(err, "bad image points")
	}

	a := mat.NewDense(2*n, 9, nil)
	for i := range planeNorm {
		x, y := planeNorm[i].X, planeNorm[i].Y
		u, v := imageNorm[i].X, imageNorm[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y, -v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize the correspondence system")
	}
	vals := svd.Values(nil)
	if vals[7] <= rankTol*math.Max(vals[0], 1) {
		return nil, errors.New("degenerate point configuration")
	}
	var v mat.Dense
	svd.VTo(&v)

	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h.Set(i, j, v.At(3*i+j, 8))
		}
	}

	// Undo the normalization: H = inv(Timage) * Hn * Tplane.
	var tImageInv mat.Dense
	if err := tImageInv.Inverse(tImage); err != nil {
		return nil, errors.Wrap(err, "image normalization is singular")
	}
	var left, out mat.Dense
	left.Mul(&tImageInv, h)
	out.Mul(&left, tPlane)
	return &out, nil
}

// normalizePoints translates a point set to zero mean and scales it so the
// mean distance from the origin is sqrt(2). It returns the transformed points
// and the 3x3 similarity that performs the mapping.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, error) {
	n := float64(len(pts))
	var mean r2.Point
	for _, p := range pts {
		mean = mean.Add(p)
	}
	mean = mean.Mul(1 / n)

	dist := 0.0
	for _, p := range pts {
		dist += p.Sub(mean).Norm()
	}
	dist /= n
	if dist < collapseTol {
		return nil, nil, errors.New("points are coincident")
	}

	scale := math.Sqrt2 / dist
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(mean).Mul(scale)
	}
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mean.X,
		0, scale, -scale * mean.Y,
		0, 0, 1,
	})
	return out, t, nil
}

// decomposePlanarHomography factors H ~ K * [r1 r2 t] into a rotation and a
// translation, fixing the overall sign so the plane sits in front of the
// camera and projecting the rotation estimate onto SO(3).
func decomposePlanarHomography(h, k *mat.Dense) (*mat.Dense, r3.Vector, error) {
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, r3.Vector{}, errors.Wrap(err, "intrinsic matrix is singular")
	}
	var m mat.Dense
	m.Mul(&kInv, h)

	m1 := colVec(&m, 0)
	m2 := colVec(&m, 1)
	m3 := colVec(&m, 2)
	n1, n2 := m1.Norm(), m2.Norm()
	if n1 < collapseTol || n2 < collapseTol {
		return nil, r3.Vector{}, errors.New("homography collapses the marker plane")
	}

	scale := 2 / (n1 + n2)
	r1 := m1.Mul(scale)
	r2v := m2.Mul(scale)
	trans := m3.Mul(scale)
	if trans.Z < 0 {
		r1, r2v, trans = r1.Mul(-1), r2v.Mul(-1), trans.Mul(-1)
	}
	if trans.Z < collapseTol {
		return nil, r3.Vector{}, errors.New("marker plane passes through the camera center")
	}

	r3v := r1.Cross(r2v)
	raw := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	rot, err := nearestRotation(raw)
	if err != nil {
		return nil, r3.Vector{}, err
	}
	return rot, trans, nil
}

// nearestRotation projects a near-orthonormal 3x3 matrix onto the closest
// proper rotation in the Frobenius sense.
func nearestRotation(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize the rotation estimate")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		var flipped mat.Dense
		flipped.Mul(&u, mat.NewDiagDense(3, []float64{1, 1, -1}))
		rot.Mul(&flipped, v.T())
	}
	return &rot, nil
}

// planarGuess bootstraps the iterative solve without a seed. It fits a plane
// through the object points, estimates the homography from plane coordinates
// to the image, and lifts the decomposed plane pose back to the object frame.
// For coplanar points the guess is exact up to noise; otherwise it is a
// starting point good enough for refinement.
func planarGuess(object []r3.Vector, image []r2.Point, k *mat.Dense) (Pose, error) {
	n := len(object)
	var centroid r3.Vector
	for _, p := range object {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(n))

	centered := mat.NewDense(3, n, nil)
	for i, p := range object {
		q := p.Sub(centroid)
		centered.Set(0, i, q.X)
		centered.Set(1, i, q.Y)
		centered.Set(2, i, q.Z)
	}
	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDFull); !ok {
		return Pose{}, errors.New("failed to factorize the object point spread")
	}
	var u mat.Dense
	svd.UTo(&u)
	b1 := colVec(&u, 0)
	b2 := colVec(&u, 1)
	normal := b1.Cross(b2)

	planePts := make([]r2.Point, n)
	for i, p := range object {
		q := p.Sub(centroid)
		planePts[i] = r2.Point{X: q.Dot(b1), Y: q.Dot(b2)}
	}
	h, err := estimateHomography(planePts, image)
	if err != nil {
		return Pose{}, err
	}
	planeRot, planeTrans, err := decomposePlanarHomography(h, k)
	if err != nil {
		return Pose{}, err
	}

	// The decomposition maps plane coordinates to the camera; compose with the
	// plane basis to map object coordinates instead.
	basisT := mat.NewDense(3, 3, []float64{
		b1.X, b1.Y, b1.Z,
		b2.X, b2.Y, b2.Z,
		normal.X, normal.Y, normal.Z,
	})
	var rot mat.Dense
	rot.Mul(planeRot, basisT)
	trans := planeTrans.Sub(matVec(&rot, centroid))
	return Pose{Rotation: spatialmath.LogMap(&rot), Translation: trans}, nil
}

// refinePose minimizes the total squared reprojection error over the six pose
// parameters, supplying the exact gradient 2 * J^T * r to the optimizer.
func refinePose(object []r3.Vector, image []r2.Point, k *mat.Dense, guess Pose) (Pose, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			rot := spatialmath.ExpMap(r3.Vector{X: x[3], Y: x[4], Z: x[5]})
			trans := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
			sum := 0.0
			for i, p := range object {
				proj, ok := projectThrough(k, rot, trans, p)
				if !ok {
					return math.Inf(1)
				}
				d := proj.Sub(image[i])
				sum += d.X*d.X + d.Y*d.Y
			}
			return sum
		},
		Grad: func(grad, x []float64) {
			for i := range grad {
				grad[i] = 0
			}
			rvec := r3.Vector{X: x[3], Y: x[4], Z: x[5]}
			trans := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
			rot := spatialmath.ExpMap(rvec)
			for i, p := range object {
				a := matVec(k, matVec(rot, p).Add(trans))
				if a.Z <= 0 {
					continue
				}
				rx := a.X/a.Z - image[i].X
				ry := a.Y/a.Z - image[i].Y

				var dk, rotBlock mat.Dense
				dk.Mul(perspectiveJacobian(a), k)
				rotBlock.Mul(&dk, spatialmath.RotatedPointJacobian(rvec, p))
				for c := 0; c < 3; c++ {
					grad[c] += 2 * (rx*dk.At(0, c) + ry*dk.At(1, c))
					grad[3+c] += 2 * (rx*rotBlock.At(0, c) + ry*rotBlock.At(1, c))
				}
			}
		},
	}

	x0 := []float64{
		guess.Translation.X, guess.Translation.Y, guess.Translation.Z,
		guess.Rotation.X, guess.Rotation.Y, guess.Rotation.Z,
	}
	result, err := optimize.Minimize(problem, x0, nil, nil)
	if err != nil {
		return Pose{}, errors.Wrap(err, "pose refinement failed")
	}
	if err := result.Status.Err(); err != nil {
		return Pose{}, errors.Wrap(err, "pose refinement did not converge")
	}

	solved := Pose{
		Translation: r3.Vector{X: result.X[0], Y: result.X[1], Z: result.X[2]},
		Rotation:    r3.Vector{X: result.X[3], Y: result.X[4], Z: result.X[5]},
	}
	rot := spatialmath.ExpMap(solved.Rotation)
	for _, p := range object {
		if _, ok := projectThrough(k, rot, solved.Translation, p); !ok {
			return Pose{}, errors.New("refined pose places points behind the camera")
		}
	}
	return solved, nil
}

// perspectiveJacobian returns the 2x3 derivative of (ax/az, ay/az) with
// respect to a, evaluated at the homogeneous projection a.
func perspectiveJacobian(a r3.Vector) *mat.Dense {
	invZ := 1 / a.Z
	return mat.NewDense(2, 3, []float64{
		invZ, 0, -a.X * invZ * invZ,
		0, invZ, -a.Y * invZ * invZ,
	})
}

// projectThrough maps an object-space point through a pose and the intrinsic
// matrix, reporting false when it lands on or behind the focal plane.
func projectThrough(k, rot *mat.Dense, trans, p r3.Vector) (r2.Point, bool) {
	a := matVec(k, matVec(rot, p).Add(trans))
	if a.Z <= 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: a.X / a.Z, Y: a.Y / a.Z}, true
}

func matVec(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func colVec(m *mat.Dense, j int) r3.Vector {
	return r3.Vector{X: m.At(0, j), Y: m.At(1, j), Z: m.At(2, j)}
}
