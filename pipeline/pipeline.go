// Package pipeline runs the capture and locate workers over one camera: the
// capture worker blocks on the frame source and stamps frames into a
// single-slot buffer, the locate worker parks until a frame lands, runs the
// detector, and solves object poses into the shared result store.
package pipeline

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/taglocator/camera"
	"github.com/viamrobotics/taglocator/detector"
	"github.com/viamrobotics/taglocator/locator"
	"github.com/viamrobotics/taglocator/utils"
)

// frameBuffer is the single-slot handoff between the capture and locate
// workers. A write overwrites whatever is there, so the locate worker always
// sees the latest frame; put reports whether an unconsumed frame was thrown
// away.
type frameBuffer struct {
	mu     sync.Mutex
	img    image.Image
	ts     time.Time
	unread bool
}

func (b *frameBuffer) put(img image.Image, ts time.Time) (overwrote bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	overwrote = b.unread
	b.img, b.ts, b.unread = img, ts, true
	return overwrote
}

func (b *frameBuffer) take() (image.Image, time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.img == nil {
		return nil, time.Time{}, false
	}
	b.unread = false
	return b.img, b.ts, true
}

// Stats is a snapshot of the pipeline's frame counters.
type Stats struct {
	FramesCaptured  int64
	FramesDropped   int64
	FramesProcessed int64
	ObjectsLocated  int64
}

// Pipeline owns the capture and locate workers. It borrows the frame source;
// closing the pipeline stops the workers but leaves the source to its owner.
type Pipeline struct {
	source   camera.FrameSource
	detector detector.Detector
	locator  *locator.TaggedObjectLocator
	results  *locator.Results
	clock    clock.Clock
	logger   golog.Logger

	buffer     frameBuffer
	frameReady chan struct{}

	killOnce sync.Once
	fatalErr atomic.Error
	done     chan struct{}
	workers  utils.StoppableWorkers

	captured  atomic.Int64
	dropped   atomic.Int64
	processed atomic.Int64
	located   atomic.Int64
}

// New validates the collaborators and starts the workers immediately. A nil
// clk falls back to the wall clock.
func New(
	source camera.FrameSource,
	det detector.Detector,
	loc *locator.TaggedObjectLocator,
	results *locator.Results,
	clk clock.Clock,
	logger golog.Logger,
) (*Pipeline, error) {
	if source == nil {
		return nil, errors.New("frame source cannot be nil")
	}
	if det == nil {
		return nil, errors.New("detector cannot be nil")
	}
	if loc == nil {
		return nil, errors.New("locator cannot be nil")
	}
	if results == nil {
		return nil, errors.New("result store cannot be nil")
	}
	if clk == nil {
		clk = clock.New()
	}

	p := &Pipeline{
		source:     source,
		detector:   det,
		locator:    loc,
		results:    results,
		clock:      clk,
		logger:     logger,
		frameReady: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	p.workers = utils.NewStoppableWorkers(p.captureLoop, p.locateLoop)
	return p, nil
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := p.source.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Errorw("camera read failed; stopping pipeline", "error", err)
			p.kill(errors.Wrap(err, "camera read failed"))
			return
		}
		if p.buffer.put(frame, p.clock.Now()) {
			p.dropped.Inc()
		}
		p.captured.Inc()
		select {
		case p.frameReady <- struct{}{}:
		default: // the locate worker already has a wake pending
		}
	}
}

func (p *Pipeline) locateLoop(ctx context.Context) {
	var lastProcessed time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.frameReady:
		}

		frame, ts, ok := p.buffer.take()
		if !ok || !ts.After(lastProcessed) {
			// spurious wake, or a frame this worker already handled
			continue
		}
		lastProcessed = ts

		dets, err := p.detector.Detect(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warnw("marker detection failed", "error", err)
			continue
		}
		n := p.locator.LocateObjects(ts, dets, p.results)
		p.processed.Inc()
		p.located.Add(int64(n))
	}
}

// kill records the first fatal error and tears the workers down without
// blocking the worker that called it.
func (p *Pipeline) kill(err error) {
	p.killOnce.Do(func() {
		if err != nil {
			p.fatalErr.Store(err)
		}
		goutils.PanicCapturingGo(func() {
			p.workers.Stop()
			close(p.done)
		})
	})
}

// Done is closed once every worker has exited, whether from Close or from a
// fatal camera error.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Close stops the workers, waits for them to exit, and returns the error that
// killed the pipeline early, if any.
func (p *Pipeline) Close(ctx context.Context) error {
	p.kill(nil)
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.fatalErr.Load()
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesCaptured:  p.captured.Load(),
		FramesDropped:   p.dropped.Load(),
		FramesProcessed: p.processed.Load(),
		ObjectsLocated:  p.located.Load(),
	}
}
