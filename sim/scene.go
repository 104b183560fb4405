// Package sim renders synthetic camera frames of tagged objects moving along
// scripted trajectories and recovers exact marker detections from them. It
// closes the capture-detect-locate loop for tests and demos without hardware.
package sim

import (
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viamrobotics/taglocator/camera"
	"github.com/viamrobotics/taglocator/detector"
	"github.com/viamrobotics/taglocator/spatialmath"
	"github.com/viamrobotics/taglocator/tag"
)

// simulatedDecisionMargin is reported on every synthetic detection; real
// detectors compute it from image contrast.
const simulatedDecisionMargin = 60

// PoseFunc is a scripted trajectory: the camera-frame pose of an object at a
// time offset from the start of the simulation.
type PoseFunc func(elapsed time.Duration) *spatialmath.Pose

// Static returns a trajectory that never moves.
func Static(pose *spatialmath.Pose) PoseFunc {
	return func(time.Duration) *spatialmath.Pose { return pose }
}

// Drift returns a trajectory translating at a constant velocity in units per
// second from a starting pose. The rotation stays fixed.
func Drift(start *spatialmath.Pose, velocity r3.Vector) PoseFunc {
	return func(elapsed time.Duration) *spatialmath.Pose {
		offset := velocity.Mul(elapsed.Seconds())
		return spatialmath.NewPose(r3.Vector{}, offset).Compose(start)
	}
}

type sceneObject struct {
	object     *tag.Object
	trajectory PoseFunc
}

// Scene is a camera looking at tagged objects on scripted trajectories.
type Scene struct {
	intrinsics *camera.Properties
	objects    []sceneObject
}

// NewScene creates an empty scene seen through the given camera.
func NewScene(intrinsics *camera.Properties) (*Scene, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return &Scene{intrinsics: intrinsics}, nil
}

// Add puts an object on a trajectory in the scene.
func (s *Scene) Add(obj *tag.Object, trajectory PoseFunc) error {
	if obj == nil || trajectory == nil {
		return errors.New("an object and a trajectory are required")
	}
	s.objects = append(s.objects, sceneObject{object: obj, trajectory: trajectory})
	return nil
}

// Intrinsics returns the scene camera's model.
func (s *Scene) Intrinsics() *camera.Properties {
	return s.intrinsics
}

// Poses returns every object's true camera-frame pose at a time offset,
// keyed by object name.
func (s *Scene) Poses(elapsed time.Duration) map[string]*spatialmath.Pose {
	poses := make(map[string]*spatialmath.Pose, len(s.objects))
	for _, so := range s.objects {
		poses[so.object.Name] = so.trajectory(elapsed)
	}
	return poses
}

// Detections returns the detections an ideal detector would report for the
// frame at a time offset. Markers partly outside the image or behind the
// camera are dropped, the way a real detector loses them.
func (s *Scene) Detections(elapsed time.Duration) []detector.Detection {
	var detections []detector.Detection
	for _, so := range s.objects {
		pose := so.trajectory(elapsed)
		for index, location := range so.object.Tags {
			det, ok := s.projectMarker(index, location, pose)
			if !ok {
				continue
			}
			detections = append(detections, det)
		}
	}
	return detections
}

func (s *Scene) projectMarker(
	index tag.Index,
	location tag.Location,
	pose *spatialmath.Pose,
) (detector.Detection, bool) {
	det := detector.Detection{Index: index, DecisionMargin: simulatedDecisionMargin}
	var center r2.Point
	for k := range tag.Corners {
		pt := pose.TransformPoint(location.Corner(k))
		px, err := s.intrinsics.ProjectPoint(pt)
		if err != nil || !s.inFrame(px) {
			return detector.Detection{}, false
		}
		det.Corners[k] = px
		center = center.Add(px)
	}
	det.Center = center.Mul(0.25)
	return det, true
}

func (s *Scene) inFrame(px r2.Point) bool {
	return px.X >= 0 && px.X < float64(s.intrinsics.Width) &&
		px.Y >= 0 && px.Y < float64(s.intrinsics.Height)
}
