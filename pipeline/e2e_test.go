package pipeline_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/viamrobotics/taglocator/camera"
	"github.com/viamrobotics/taglocator/locator"
	"github.com/viamrobotics/taglocator/pipeline"
	"github.com/viamrobotics/taglocator/pnp"
	"github.com/viamrobotics/taglocator/server"
	"github.com/viamrobotics/taglocator/sim"
	"github.com/viamrobotics/taglocator/spatialmath"
	"github.com/viamrobotics/taglocator/tag"
	"github.com/viamrobotics/taglocator/utils"
)

func readWirePacket(t *testing.T, r *bufio.Reader) server.ObjectLocationPacket {
	t.Helper()
	line, err := r.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	var pkt server.ObjectLocationPacket
	test.That(t, json.Unmarshal([]byte(line), &pkt), test.ShouldBeNil)
	return pkt
}

// TestEndToEndSimulation runs the whole service against a synthetic scene:
// simulated camera frames flow through detection and pose solving out to a
// TCP subscriber, which must see the scene's true pose on the wire.
func TestEndToEndSimulation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	intr, err := camera.NewFromFOV(1280, 720, utils.DegToRad(70), utils.DegToRad(50))
	test.That(t, err, test.ShouldBeNil)
	scene, err := sim.NewScene(intr)
	test.That(t, err, test.ShouldBeNil)

	obj := tag.NewObject("cart")
	obj.Tags[tag.Index{Family: tag.Tag36h11, ID: 3}] = tag.NewLocation(0.12, r3.Vector{}, r3.Vector{X: -0.2})
	obj.Tags[tag.Index{Family: tag.Tag36h11, ID: 4}] = tag.NewLocation(0.12, r3.Vector{}, r3.Vector{X: 0.2})
	truth := spatialmath.NewPose(r3.Vector{X: 0.1}, r3.Vector{X: 0.05, Y: -0.1, Z: 2.5})
	test.That(t, scene.Add(obj, sim.Static(truth)), test.ShouldBeNil)

	loc, err := locator.NewTaggedObjectLocator(intr, pnp.NewGonumSolver(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loc.Add(obj), test.ShouldBeNil)
	results := locator.NewResults()

	srv, err := server.New("127.0.0.1:0", results, logger)
	test.That(t, err, test.ShouldBeNil)

	// subscribe before the first frame so no update slips past
	conn, err := net.Dial("tcp", srv.Address().String())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conn.SetDeadline(time.Now().Add(10*time.Second)), test.ShouldBeNil)
	reader := bufio.NewReader(conn)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, srv.ActiveSessions(), test.ShouldEqual, 1)
	})

	cam, err := sim.NewCamera(scene, 120, nil)
	test.That(t, err, test.ShouldBeNil)
	pipe, err := pipeline.New(cam, sim.NewDetector(scene), loc, results, nil, logger)
	test.That(t, err, test.ShouldBeNil)

	pkt := readWirePacket(t, reader)
	test.That(t, pkt.Name, test.ShouldEqual, "cart")
	wantQ := truth.Quaternion()
	test.That(t, pkt.Transform.RQ[0], test.ShouldAlmostEqual, wantQ.Imag, 1e-3)
	test.That(t, pkt.Transform.RQ[1], test.ShouldAlmostEqual, wantQ.Jmag, 1e-3)
	test.That(t, pkt.Transform.RQ[2], test.ShouldAlmostEqual, wantQ.Kmag, 1e-3)
	test.That(t, pkt.Transform.RQ[3], test.ShouldAlmostEqual, wantQ.Real, 1e-3)
	test.That(t, pkt.Transform.T[0], test.ShouldAlmostEqual, 0.05, 1e-3)
	test.That(t, pkt.Transform.T[1], test.ShouldAlmostEqual, -0.1, 1e-3)
	test.That(t, pkt.Transform.T[2], test.ShouldAlmostEqual, 2.5, 1e-3)

	// the next frame reuses the last solution as its seed and must agree
	second := readWirePacket(t, reader)
	test.That(t, second.Name, test.ShouldEqual, "cart")
	test.That(t, second.Time, test.ShouldBeGreaterThanOrEqualTo, pkt.Time)
	test.That(t, second.Transform.T[2], test.ShouldAlmostEqual, 2.5, 1e-3)

	test.That(t, conn.Close(), test.ShouldBeNil)
	test.That(t, pipe.Close(context.Background()), test.ShouldBeNil)
	test.That(t, srv.Close(), test.ShouldBeNil)

	stats := pipe.Stats()
	test.That(t, stats.FramesProcessed, test.ShouldBeGreaterThanOrEqualTo, int64(2))
	test.That(t, stats.ObjectsLocated, test.ShouldBeGreaterThanOrEqualTo, int64(2))
}
