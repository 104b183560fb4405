package sim

import (
	"context"
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Frame is a rendered simulation frame stamped with the scene time it
// depicts. The simulated detector reads the stamp back to recover exact
// detections for the frame.
type Frame struct {
	image.Image
	Elapsed time.Duration
}

// Camera renders scene frames at a fixed rate. It implements
// camera.FrameSource.
type Camera struct {
	scene   *Scene
	clock   clock.Clock
	limiter *rate.Limiter
	start   time.Time
}

// NewCamera creates a frame source rendering the scene at the given frame
// rate. A nil clk uses the wall clock.
func NewCamera(scene *Scene, fps float64, clk clock.Clock) (*Camera, error) {
	if scene == nil {
		return nil, errors.New("a scene is required")
	}
	if fps <= 0 {
		return nil, errors.Errorf("frame rate must be positive, got %v", fps)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Camera{
		scene:   scene,
		clock:   clk,
		limiter: rate.NewLimiter(rate.Limit(fps), 1),
		start:   clk.Now(),
	}, nil
}

// NextFrame renders the frame for the current scene time, pacing callers to
// the configured frame rate.
func (c *Camera) NextFrame(ctx context.Context) (image.Image, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.render(c.clock.Now().Sub(c.start)), nil
}

// Close implements camera.FrameSource; there is no device to release.
func (c *Camera) Close(ctx context.Context) error {
	return nil
}

// render draws each visible marker as a light quad with a dark center dot on
// a dark background.
func (c *Camera) render(elapsed time.Duration) Frame {
	intr := c.scene.Intrinsics()
	dc := gg.NewContext(intr.Width, intr.Height)
	dc.SetRGB(0.06, 0.06, 0.08)
	dc.Clear()
	for _, det := range c.scene.Detections(elapsed) {
		dc.MoveTo(det.Corners[0].X, det.Corners[0].Y)
		for k := 1; k < len(det.Corners); k++ {
			dc.LineTo(det.Corners[k].X, det.Corners[k].Y)
		}
		dc.ClosePath()
		dc.SetRGB(0.92, 0.92, 0.92)
		dc.Fill()
		dc.DrawPoint(det.Center.X, det.Center.Y, 2)
		dc.SetRGB(0.1, 0.1, 0.1)
		dc.Fill()
	}
	return Frame{Image: dc.Image(), Elapsed: elapsed}
}
