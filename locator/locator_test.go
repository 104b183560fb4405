package locator_test

import (
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/taglocator/camera"
	"github.com/viamrobotics/taglocator/detector"
	"github.com/viamrobotics/taglocator/locator"
	"github.com/viamrobotics/taglocator/pnp"
	"github.com/viamrobotics/taglocator/spatialmath"
	"github.com/viamrobotics/taglocator/tag"
	"github.com/viamrobotics/taglocator/utils"
)

func testCamera(tb testing.TB) *camera.Properties {
	tb.Helper()
	k := mat.NewDense(3, 3, []float64{
		800, 0, 640,
		0, 800, 360,
		0, 0, 1,
	})
	intr, err := camera.NewCalibrated(1280, 720, k, nil)
	test.That(tb, err, test.ShouldBeNil)
	return intr
}

// projectedDetections synthesizes the exact detections a perfect detector
// would report for obj at the given camera-frame pose.
func projectedDetections(
	tb testing.TB,
	intr *camera.Properties,
	obj *tag.Object,
	pose *spatialmath.Pose,
) []detector.Detection {
	tb.Helper()
	dets := make([]detector.Detection, 0, len(obj.Tags))
	for idx, ml := range obj.Tags {
		det := detector.Detection{Index: idx}
		var sum r2.Point
		for k := range tag.Corners {
			px, err := intr.ProjectPoint(pose.TransformPoint(ml.Corner(k)))
			test.That(tb, err, test.ShouldBeNil)
			det.Corners[k] = px
			sum = sum.Add(px)
		}
		det.Center = sum.Mul(0.25)
		dets = append(dets, det)
	}
	return dets
}

// spySolver stands in for a real solver. It records the seed passed to every
// iterative solve and returns a distinct pose per call, so tests can tell
// which earlier solve produced the seed a later one received.
type spySolver struct {
	calls       int
	squareCalls int
	seeds       []*pnp.Pose
	failOnCall  int // 1-based call number that fails, 0 for never
}

func (s *spySolver) pose() pnp.Pose {
	return pnp.Pose{
		Rotation:    r3.Vector{X: 0.001 * float64(s.calls)},
		Translation: r3.Vector{Z: 2 + 0.01*float64(s.calls)},
	}
}

func (s *spySolver) SolveSquare([4]r2.Point, float64, *camera.Properties) (pnp.Pose, error) {
	s.calls++
	s.squareCalls++
	if s.failOnCall == s.calls {
		return pnp.Pose{}, errors.New("induced solver failure")
	}
	return s.pose(), nil
}

func (s *spySolver) Solve(_ []r3.Vector, _ []r2.Point, _ *camera.Properties, seed *pnp.Pose) (pnp.Pose, error) {
	s.calls++
	if seed == nil {
		s.seeds = append(s.seeds, nil)
	} else {
		cp := *seed
		s.seeds = append(s.seeds, &cp)
	}
	if s.failOnCall == s.calls {
		return pnp.Pose{}, errors.New("induced solver failure")
	}
	return s.pose(), nil
}

// twoMarkerObservations builds observations for every marker of obj with
// placeholder pixels; only useful against the spy solver.
func twoMarkerObservations(obj *tag.Object) []locator.Observation {
	obs := make([]locator.Observation, 0, len(obj.Tags))
	for idx, ml := range obj.Tags {
		obs = append(obs, locator.Observation{
			Detection: detector.Detection{
				Index:   idx,
				Corners: [4]r2.Point{{X: 1, Y: 2}, {X: 2, Y: 2}, {X: 2, Y: 1}, {X: 1, Y: 1}},
			},
			Location: ml,
		})
	}
	return obs
}

func TestAddConflicts(t *testing.T) {
	loc, err := locator.NewTaggedObjectLocator(testCamera(t), &spySolver{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	a := tag.NewObject("pallet-a")
	a.Tags[tag.Index{Family: tag.Tag36h11, ID: 1}] = tag.NewCenteredLocation(0.1)
	a.Tags[tag.Index{Family: tag.Tag36h11, ID: 2}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{X: 0.3})
	test.That(t, loc.Add(a), test.ShouldBeNil)

	b := tag.NewObject("pallet-b")
	b.Tags[tag.Index{Family: tag.Tag36h11, ID: 2}] = tag.NewCenteredLocation(0.1)
	b.Tags[tag.Index{Family: tag.Tag36h11, ID: 3}] = tag.NewCenteredLocation(0.1)
	err = loc.Add(b)
	test.That(t, err, test.ShouldNotBeNil)
	var conflict *locator.ConflictError
	test.That(t, errors.As(err, &conflict), test.ShouldBeTrue)
	test.That(t, conflict.Tag, test.ShouldResemble, tag.Index{Family: tag.Tag36h11, ID: 2})
	test.That(t, conflict.ExistingObject, test.ShouldEqual, "pallet-a")
	test.That(t, conflict.NewObject, test.ShouldEqual, "pallet-b")

	// the failed registration must not leave any of b's markers claimed
	test.That(t, loc.Add(tag.NewSimpleObject("pallet-c", tag.Tag36h11, 3, 0.1)), test.ShouldBeNil)

	// duplicate names are rejected without claiming the new marker
	err = loc.Add(tag.NewSimpleObject("pallet-a", tag.Tag36h11, 9, 0.1))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pallet-a")
	test.That(t, loc.Add(tag.NewSimpleObject("pallet-e", tag.Tag36h11, 9, 0.1)), test.ShouldBeNil)

	test.That(t, loc.Add(nil), test.ShouldNotBeNil)
	test.That(t, loc.Add(tag.NewObject("bare")), test.ShouldNotBeNil)
}

func TestLocateSingleMarker(t *testing.T) {
	intr, err := camera.NewFromFOV(1920, 1080, 0, utils.DegToRad(50))
	test.That(t, err, test.ShouldBeNil)
	loc, err := locator.NewTaggedObjectLocator(intr, pnp.NewGonumSolver(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	idx := tag.Index{Family: tag.Tag36h11, ID: 0}
	obj := tag.NewSimpleObject("box", tag.Tag36h11, 0, 1.0)
	test.That(t, loc.Add(obj), test.ShouldBeNil)

	// A 1 m marker dead ahead spanning 20 px around the image center sits at
	// z = fy/20 with no rotation.
	det := detector.Detection{
		Index:  idx,
		Center: r2.Point{X: 960, Y: 540},
		Corners: [4]r2.Point{
			{X: 950, Y: 550},
			{X: 970, Y: 550},
			{X: 970, Y: 530},
			{X: 950, Y: 530},
		},
	}
	obs := []locator.Observation{{Detection: det, Location: obj.Tags[idx]}}
	pose, err := loc.LocateObject(time.Unix(20, 0), obs, 0)
	test.That(t, err, test.ShouldBeNil)

	tv := pose.Translation()
	test.That(t, tv.X, test.ShouldAlmostEqual, 0, 1e-4)
	test.That(t, tv.Y, test.ShouldAlmostEqual, 0, 1e-4)
	test.That(t, tv.Z, test.ShouldAlmostEqual, 57.902, 0.01)
	rv := pose.RotationVector()
	test.That(t, rv.X, test.ShouldAlmostEqual, 0, 1e-4)
	test.That(t, rv.Y, test.ShouldAlmostEqual, 0, 1e-4)
	test.That(t, rv.Z, test.ShouldAlmostEqual, 0, 1e-4)
}

func TestLocateSingleOffsetMarker(t *testing.T) {
	intr := testCamera(t)
	loc, err := locator.NewTaggedObjectLocator(intr, pnp.NewGonumSolver(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	// The marker sits away from the object center, so the solved marker pose
	// must be pulled back through the inverse placement.
	idx := tag.Index{Family: tag.Tag36h11, ID: 7}
	obj := tag.NewObject("shelf")
	obj.Tags[idx] = tag.NewLocation(0.1, r3.Vector{Z: 0.2}, r3.Vector{X: 0.3, Y: -0.1})
	test.That(t, loc.Add(obj), test.ShouldBeNil)

	truth := spatialmath.NewPose(
		r3.Vector{X: 0.1, Y: 0.2, Z: -0.1},
		r3.Vector{X: 0.05, Y: -0.02, Z: 2.2},
	)
	dets := projectedDetections(t, intr, obj, truth)
	obs := []locator.Observation{{Detection: dets[0], Location: obj.Tags[idx]}}
	pose, err := loc.LocateObject(time.Unix(20, 0), obs, locator.NoSeed)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.AlmostEqual(truth, 1e-4), test.ShouldBeTrue)
}

func TestMultiMarkerMatchesSingle(t *testing.T) {
	intr := testCamera(t)
	loc, err := locator.NewTaggedObjectLocator(intr, pnp.NewGonumSolver(), golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	obj := tag.NewObject("rig")
	obj.Tags[tag.Index{Family: tag.Tag36h11, ID: 5}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{X: -0.2})
	obj.Tags[tag.Index{Family: tag.Tag36h11, ID: 6}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{X: 0.2})
	test.That(t, loc.Add(obj), test.ShouldBeNil)

	truth := spatialmath.NewPose(
		r3.Vector{X: 0.05, Y: -0.1, Z: 0.15},
		r3.Vector{X: 0.1, Y: -0.05, Z: 2},
	)
	dets := projectedDetections(t, intr, obj, truth)
	both := make([]locator.Observation, len(dets))
	for i, det := range dets {
		both[i] = locator.Observation{Detection: det, Location: obj.Tags[det.Index]}
	}

	multi, err := loc.LocateObject(time.Unix(20, 0), both, 0)
	test.That(t, err, test.ShouldBeNil)
	single, err := loc.LocateObject(time.Unix(20, 0), both[:1], locator.NoSeed)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, multi.AlmostEqual(truth, 1e-4), test.ShouldBeTrue)
	test.That(t, single.AlmostEqual(truth, 1e-4), test.ShouldBeTrue)
	test.That(t, multi.AlmostEqual(single, 1e-4), test.ShouldBeTrue)
}

func TestSeedReuseWindow(t *testing.T) {
	spy := &spySolver{}
	loc, err := locator.NewTaggedObjectLocator(testCamera(t), spy, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	obj := tag.NewObject("crate")
	obj.Tags[tag.Index{Family: tag.Tag36h11, ID: 1}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{X: -0.2})
	obj.Tags[tag.Index{Family: tag.Tag36h11, ID: 2}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{X: 0.2})
	test.That(t, loc.Add(obj), test.ShouldBeNil)
	obs := twoMarkerObservations(obj)
	base := time.Unix(100, 0)

	// call 1: nothing cached yet, solve cold
	pose, err := loc.LocateObject(base, obs, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.seeds[0], test.ShouldBeNil)
	test.That(t, pose.RotationVector().X, test.ShouldAlmostEqual, 0.001)

	// call 2: exactly at the window boundary the seed is still warm
	_, err = loc.LocateObject(base.Add(time.Second), obs, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.seeds[1], test.ShouldNotBeNil)
	test.That(t, spy.seeds[1].Rotation.X, test.ShouldAlmostEqual, 0.001)

	// call 3: one millisecond past the window the seed is forgotten
	_, err = loc.LocateObject(base.Add(2*time.Second+time.Millisecond), obs, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.seeds[2], test.ShouldBeNil)

	// call 4: an out-of-order timestamp counts as stale, not as an error
	_, err = loc.LocateObject(base, obs, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.seeds[3], test.ShouldBeNil)

	// call 5: one-shot solves never warm up
	_, err = loc.LocateObject(base.Add(500*time.Millisecond), obs, locator.NoSeed)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.seeds[4], test.ShouldBeNil)

	// call 6: and they never touched the slot, which still holds call 4
	_, err = loc.LocateObject(base.Add(700*time.Millisecond), obs, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.seeds[5], test.ShouldNotBeNil)
	test.That(t, spy.seeds[5].Rotation.X, test.ShouldAlmostEqual, 0.004)

	// call 7: the square fast path bypasses the iterative solver entirely
	_, err = loc.LocateObject(base.Add(800*time.Millisecond), obs[:1], 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.squareCalls, test.ShouldEqual, 1)
	test.That(t, len(spy.seeds), test.ShouldEqual, 6)

	// call 8: the slot still holds call 6, proving the fast path wrote nothing
	_, err = loc.LocateObject(base.Add(900*time.Millisecond), obs, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spy.seeds[6], test.ShouldNotBeNil)
	test.That(t, spy.seeds[6].Rotation.X, test.ShouldAlmostEqual, 0.006)

	// a bogus registry index is rejected up front
	_, err = loc.LocateObject(base, obs, 5)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = loc.LocateObject(base, nil, 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLocateObjectsSkipsFailedObject(t *testing.T) {
	spy := &spySolver{failOnCall: 1}
	logger, logs := golog.NewObservedTestLogger(t)
	loc, err := locator.NewTaggedObjectLocator(testCamera(t), spy, logger)
	test.That(t, err, test.ShouldBeNil)

	a := tag.NewObject("a")
	a.Tags[tag.Index{Family: tag.Tag36h11, ID: 1}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{X: -0.2})
	a.Tags[tag.Index{Family: tag.Tag36h11, ID: 2}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{X: 0.2})
	test.That(t, loc.Add(a), test.ShouldBeNil)
	b := tag.NewObject("b")
	b.Tags[tag.Index{Family: tag.Tag36h11, ID: 3}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{Y: -0.2})
	b.Tags[tag.Index{Family: tag.Tag36h11, ID: 4}] = tag.NewLocation(0.1, r3.Vector{}, r3.Vector{Y: 0.2})
	test.That(t, loc.Add(b), test.ShouldBeNil)

	var dets []detector.Detection
	for _, o := range []*tag.Object{a, b} {
		for _, ob := range twoMarkerObservations(o) {
			dets = append(dets, ob.Detection)
		}
	}
	// an unregistered marker in the frame is silently dropped
	dets = append(dets, detector.Detection{Index: tag.Index{Family: tag.Tag16h5, ID: 99}})

	results := locator.NewResults()
	ts := time.Unix(50, 0)
	n := loc.LocateObjects(ts, dets, results)
	test.That(t, n, test.ShouldEqual, 1)

	gotTS, poses := results.Snapshot()
	test.That(t, gotTS.Equal(ts), test.ShouldBeTrue)
	test.That(t, len(poses), test.ShouldEqual, 1)
	test.That(t, poses["b"], test.ShouldNotBeNil)
	test.That(t, logs.FilterMessageSnippet("failed to locate object").Len(), test.ShouldEqual, 1)

	// an empty frame still publishes a fresh timestamp over an empty map
	ts2 := ts.Add(33 * time.Millisecond)
	n = loc.LocateObjects(ts2, nil, results)
	test.That(t, n, test.ShouldEqual, 0)
	gotTS, poses = results.Snapshot()
	test.That(t, gotTS.Equal(ts2), test.ShouldBeTrue)
	test.That(t, poses, test.ShouldBeEmpty)
}
