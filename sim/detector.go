package sim

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/viamrobotics/taglocator/detector"
)

// Detector recovers exact detections from simulated frames. It implements
// detector.Detector.
type Detector struct {
	scene *Scene
}

// NewDetector creates a detector for frames rendered from the same scene.
func NewDetector(scene *Scene) *Detector {
	return &Detector{scene: scene}
}

// Detect returns the detections for the scene time stamped on the frame.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]detector.Detection, error) {
	frame, ok := img.(Frame)
	if !ok {
		return nil, errors.Errorf("frame of type %T did not come from the simulated camera", img)
	}
	return d.scene.Detections(frame.Elapsed), nil
}
