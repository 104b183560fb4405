// Package pnp recovers camera-relative pose from known 3D points and their
// 2D image projections. The Solver interface matches what the locator needs
// from a perspective-n-point backend; NewGonumSolver returns the pure-Go
// reference implementation.
package pnp

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/taglocator/camera"
)

// Pose is a solver result or seed: a scaled-axis rotation vector and a
// translation vector taking object-space points into the camera frame.
type Pose struct {
	Rotation    r3.Vector
	Translation r3.Vector
}

// A Solver computes object-to-camera poses from point correspondences.
//
// SolveSquare is the square-specialized variant: the four image points are
// the corners of one marker of the given half side length, ordered like
// tag.Corners. Solve is the general variant over arbitrary correspondences;
// a non-nil seed warm-starts the iteration. Implementations must be safe for
// repeated use from a single goroutine.
type Solver interface {
	SolveSquare(corners [4]r2.Point, halfSide float64, intr *camera.Properties) (Pose, error)
	Solve(object []r3.Vector, image []r2.Point, intr *camera.Properties, seed *Pose) (Pose, error)
}
