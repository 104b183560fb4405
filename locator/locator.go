// Package locator turns per-frame marker detections into object poses. It
// owns the object registry with its conflict-free tag-to-object mapping, the
// per-object seed slots that warm-start iterative solves, the projection
// Jacobian and covariance math, and the shared result store the pipeline
// publishes through.
package locator

import (
	"fmt"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viamrobotics/taglocator/camera"
	"github.com/viamrobotics/taglocator/detector"
	"github.com/viamrobotics/taglocator/pnp"
	"github.com/viamrobotics/taglocator/spatialmath"
	"github.com/viamrobotics/taglocator/tag"
)

// NoSeed disables seed reuse and seed-slot updates; one-shot solves pass it
// in place of a registry index.
const NoSeed = -1

// ForgetWindow bounds how old a stored seed may be and still warm-start the
// next solve for the same object. A seed aged exactly the window is reused.
const ForgetWindow = time.Second

// Observation pairs a detection with the detected marker's placement on the
// object being solved.
type Observation struct {
	Detection detector.Detection
	Location  tag.Location
}

// ConflictError reports an attempt to register an object claiming a marker
// that an earlier registration already owns.
type ConflictError struct {
	Tag            tag.Index
	ExistingObject string
	NewObject      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tag %s of object %q is already used by object %q",
		e.Tag, e.NewObject, e.ExistingObject)
}

// tagClaim records which registered object owns a marker and where that
// marker sits on it.
type tagClaim struct {
	objectIndex int
	location    tag.Location
}

// seed is the warm-start state left behind by the last successful iterative
// solve of one object.
type seed struct {
	rvec r3.Vector
	tvec r3.Vector
	ts   time.Time
	set  bool
}

// TaggedObjectLocator solves camera-frame poses for registered objects from
// the markers detected on them.
//
// Registration is not safe for concurrent use with the locate calls; add
// every object before the pipeline starts. The locate calls own the seed
// slots and must stay on a single goroutine.
type TaggedObjectLocator struct {
	intrinsics *camera.Properties
	solver     pnp.Solver
	logger     golog.Logger

	registry []*tag.Object
	tagMap   map[tag.Index]tagClaim
	seeds    []seed
}

// NewTaggedObjectLocator creates a locator for the given camera model backed
// by the given solver.
func NewTaggedObjectLocator(
	intrinsics *camera.Properties,
	solver pnp.Solver,
	logger golog.Logger,
) (*TaggedObjectLocator, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if solver == nil {
		return nil, errors.New("solver cannot be nil")
	}
	return &TaggedObjectLocator{
		intrinsics: intrinsics,
		solver:     solver,
		logger:     logger,
		tagMap:     map[tag.Index]tagClaim{},
	}, nil
}

// Add registers an object. Registration is all-or-nothing: when any marker of
// the candidate is already owned, or its name is already taken, nothing is
// mutated and the returned error names the collision. Registry indices are
// stable and never recycled.
func (l *TaggedObjectLocator) Add(obj *tag.Object) error {
	if obj == nil || len(obj.Tags) == 0 {
		return errors.New("object must carry at least one tag")
	}
	for _, existing := range l.registry {
		if existing.Name == obj.Name {
			return errors.Errorf("an object named %q is already registered", obj.Name)
		}
	}
	for idx := range obj.Tags {
		if claim, ok := l.tagMap[idx]; ok {
			return &ConflictError{
				Tag:            idx,
				ExistingObject: l.registry[claim.objectIndex].Name,
				NewObject:      obj.Name,
			}
		}
	}

	objectIndex := len(l.registry)
	l.registry = append(l.registry, obj)
	for idx, loc := range obj.Tags {
		l.tagMap[idx] = tagClaim{objectIndex: objectIndex, location: loc}
	}
	l.seeds = append(l.seeds, seed{})
	return nil
}

// LocateObject solves one object's camera-frame pose from the markers seen on
// it this frame. seedIndex is the object's registry index, or NoSeed for a
// one-shot solve that neither reads nor updates the warm-start slots.
//
// A single observation takes the square fast path: the marker pose is solved
// in closed form and composed with the inverse marker placement; the seed
// slot is left alone. Two or more observations go through the iterative
// solver, warm-started when the stored seed is no older than ForgetWindow,
// and refresh the seed slot on success. A seed from the future (an
// out-of-order timestamp) counts as stale.
func (l *TaggedObjectLocator) LocateObject(
	ts time.Time,
	observations []Observation,
	seedIndex int,
) (*spatialmath.Pose, error) {
	if len(observations) == 0 {
		return nil, errors.New("no observations to solve from")
	}
	if seedIndex != NoSeed && (seedIndex < 0 || seedIndex >= len(l.seeds)) {
		return nil, errors.Errorf("seed index %d is out of range", seedIndex)
	}

	if len(observations) == 1 {
		obs := observations[0]
		solved, err := l.solver.SolveSquare(obs.Detection.Corners, obs.Location.Scale(), l.intrinsics)
		if err != nil {
			return nil, err
		}
		tagToCamera := spatialmath.NewPose(solved.Rotation, solved.Translation)
		return tagToCamera.Compose(obs.Location.Rigid().Invert()), nil
	}

	var warmStart *pnp.Pose
	if seedIndex != NoSeed {
		if s := l.seeds[seedIndex]; s.set {
			if age := ts.Sub(s.ts); age >= 0 && age <= ForgetWindow {
				warmStart = &pnp.Pose{Rotation: s.rvec, Translation: s.tvec}
			}
		}
	}

	object := make([]r3.Vector, 0, 4*len(observations))
	image := make([]r2.Point, 0, 4*len(observations))
	for _, obs := range observations {
		for k := range obs.Detection.Corners {
			object = append(object, obs.Location.Corner(k))
			image = append(image, obs.Detection.Corners[k])
		}
	}
	solved, err := l.solver.Solve(object, image, l.intrinsics, warmStart)
	if err != nil {
		return nil, err
	}
	if seedIndex != NoSeed {
		l.seeds[seedIndex] = seed{rvec: solved.Rotation, tvec: solved.Translation, ts: ts, set: true}
	}
	return spatialmath.NewPose(solved.Rotation, solved.Translation), nil
}

// LocateObjects runs the frame-level solve: detections are grouped by owning
// object, each group is solved against that object's seed slot, and the
// result store is updated once with everything that solved. Detections of
// unregistered markers are dropped; an object whose solve fails is skipped
// with a warning while the rest of the frame proceeds. The store is updated
// and its waiters woken even when nothing was located, so readers observe
// loss of track as a fresh timestamp over an empty map. Returns the number of
// objects located.
func (l *TaggedObjectLocator) LocateObjects(
	ts time.Time,
	detections []detector.Detection,
	results *Results,
) int {
	grouped := make([][]Observation, len(l.registry))
	for _, det := range detections {
		claim, ok := l.tagMap[det.Index]
		if !ok {
			continue
		}
		grouped[claim.objectIndex] = append(grouped[claim.objectIndex], Observation{
			Detection: det,
			Location:  claim.location,
		})
	}

	poses := make(map[string]*spatialmath.Pose, len(l.registry))
	for objectIndex, group := range grouped {
		if len(group) == 0 {
			continue
		}
		name := l.registry[objectIndex].Name
		pose, err := l.LocateObject(ts, group, objectIndex)
		if err != nil {
			l.logger.Warnw("failed to locate object", "object", name, "tags", len(group), "error", err)
			continue
		}
		poses[name] = pose
	}
	results.Update(ts, poses)
	return len(poses)
}
