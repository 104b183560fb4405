// Package detector defines the fiducial-marker corner detector the locate
// stage consumes. Detection backends (AprilTag bindings, simulators) live
// behind the Detector interface; this core never decodes markers itself.
package detector

import (
	"context"
	"image"

	"github.com/golang/geo/r2"

	"github.com/viamrobotics/taglocator/tag"
)

// Detection is one decoded marker in one frame. Corner k corresponds to the
// marker-local unit corner tag.Corners[k].
type Detection struct {
	Index tag.Index

	// Hamming is the number of error bits corrected during decoding;
	// DecisionMargin measures how confidently the detector read the payload.
	// Both are carried through untouched for downstream filtering.
	Hamming        int
	DecisionMargin float64

	Center  r2.Point
	Corners [4]r2.Point
}

// A Detector finds markers in a gray-scale or color frame. Implementations
// must be reusable across calls from a single goroutine.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}
