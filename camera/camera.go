// Package camera models the pinhole camera the locator projects through: its
// resolution, intrinsic matrix, and distortion coefficients, plus the source
// of its frames.
package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// distortionCoefficients is the length of the Brown-Conrady distortion vector
// (k1, k2, p1, p2, k3) consumed by the PnP solvers.
const distortionCoefficients = 5

// Properties holds a camera's resolution, optional field-of-view pair,
// 3x3 intrinsic matrix, and distortion coefficients. A Properties value is
// immutable after construction and safe to share across goroutines.
type Properties struct {
	Width  int
	Height int

	// FOVX and FOVY are the fields of view in radians the intrinsic matrix
	// was derived from. Both are zero when the matrix came from calibration.
	FOVX float64
	FOVY float64

	matrix     *mat.Dense
	distortion []float64
}

// NewFromFOV derives an uncalibrated intrinsic matrix from the resolution and
// the field of view in radians. A zero fovX or fovY means that axis is unset;
// the unset axis is derived from the other assuming square pixels. At least
// one axis must be given.
func NewFromFOV(width, height int, fovX, fovY float64) (*Properties, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid resolution (%d, %d)", width, height)
	}
	var xScaling, yScaling float64
	switch {
	case fovX != 0 && fovY != 0:
		xScaling = math.Tan(fovX * 0.5)
		yScaling = math.Tan(fovY * 0.5)
	case fovX != 0:
		xScaling = math.Tan(fovX * 0.5)
		yScaling = xScaling * float64(height) / float64(width)
	case fovY != 0:
		yScaling = math.Tan(fovY * 0.5)
		xScaling = yScaling * float64(width) / float64(height)
	default:
		return nil, errors.New("field of view must be set on at least one axis")
	}
	if xScaling <= 0 || yScaling <= 0 {
		return nil, errors.Errorf("field of view (%v, %v) is out of range", fovX, fovY)
	}

	halfWidth := float64(width) * 0.5
	halfHeight := float64(height) * 0.5
	uvToImage := mat.NewDense(3, 3, []float64{
		halfWidth, 0, halfWidth,
		0, halfHeight, halfHeight,
		0, 0, 1,
	})
	worldToUV := mat.NewDense(3, 3, []float64{
		1 / xScaling, 0, 0,
		0, 1 / yScaling, 0,
		0, 0, 1,
	})
	var camMat mat.Dense
	camMat.Mul(uvToImage, worldToUV)

	return &Properties{
		Width:      width,
		Height:     height,
		FOVX:       fovX,
		FOVY:       fovY,
		matrix:     &camMat,
		distortion: make([]float64, distortionCoefficients),
	}, nil
}

// NewCalibrated builds camera properties from a calibrated 3x3 intrinsic
// matrix and a 5-element distortion vector. A nil distortion means an
// undistorted lens.
func NewCalibrated(width, height int, intrinsic *mat.Dense, distortion []float64) (*Properties, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid resolution (%d, %d)", width, height)
	}
	rows, cols := intrinsic.Dims()
	if rows != 3 || cols != 3 {
		return nil, errors.Errorf("intrinsic matrix must be 3x3, got %dx%d", rows, cols)
	}
	if distortion == nil {
		distortion = make([]float64, distortionCoefficients)
	}
	if len(distortion) != distortionCoefficients {
		return nil, errors.Errorf("distortion vector must have %d coefficients, got %d",
			distortionCoefficients, len(distortion))
	}
	dist := make([]float64, distortionCoefficients)
	copy(dist, distortion)
	return &Properties{
		Width:      width,
		Height:     height,
		matrix:     mat.DenseCopyOf(intrinsic),
		distortion: dist,
	}, nil
}

// CheckValid checks if the fields of Properties have valid values.
func (p *Properties) CheckValid() error {
	if p == nil {
		return errors.New("camera properties do not exist")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return errors.Errorf("invalid resolution (%d, %d)", p.Width, p.Height)
	}
	if p.matrix == nil {
		return errors.New("intrinsic matrix is not set")
	}
	fx, fy, ppx, ppy := p.Intrinsics()
	if fx <= 0 {
		return errors.Errorf("invalid focal length fx = %v", fx)
	}
	if fy <= 0 {
		return errors.Errorf("invalid focal length fy = %v", fy)
	}
	if ppx < 0 {
		return errors.Errorf("invalid principal point x = %v", ppx)
	}
	if ppy < 0 {
		return errors.Errorf("invalid principal point y = %v", ppy)
	}
	return nil
}

// Matrix returns the 3x3 intrinsic matrix. Callers must not modify it.
func (p *Properties) Matrix() *mat.Dense {
	return p.matrix
}

// Distortion returns the 5-element distortion vector. Callers must not
// modify it.
func (p *Properties) Distortion() []float64 {
	return p.distortion
}

// Intrinsics returns the focal lengths and the principal point read out of
// the intrinsic matrix.
func (p *Properties) Intrinsics() (fx, fy, ppx, ppy float64) {
	return p.matrix.At(0, 0), p.matrix.At(1, 1), p.matrix.At(0, 2), p.matrix.At(1, 2)
}

// ProjectPoint maps a camera-frame point to pixel coordinates. It returns an
// error when the point lies on or behind the camera plane.
func (p *Properties) ProjectPoint(pt r3.Vector) (r2.Point, error) {
	if pt.Z <= 0 {
		return r2.Point{}, errors.Errorf("point (%v, %v, %v) is behind the camera", pt.X, pt.Y, pt.Z)
	}
	ax := p.matrix.At(0, 0)*pt.X + p.matrix.At(0, 1)*pt.Y + p.matrix.At(0, 2)*pt.Z
	ay := p.matrix.At(1, 0)*pt.X + p.matrix.At(1, 1)*pt.Y + p.matrix.At(1, 2)*pt.Z
	az := p.matrix.At(2, 0)*pt.X + p.matrix.At(2, 1)*pt.Y + p.matrix.At(2, 2)*pt.Z
	return r2.Point{X: ax / az, Y: ay / az}, nil
}
