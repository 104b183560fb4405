package camera

import (
	"context"
	"image"
)

// A FrameSource produces frames from a camera device in capture order.
// NextFrame blocks until a frame is available, the device fails, or the
// context is canceled. Implementations are used from a single goroutine.
type FrameSource interface {
	NextFrame(ctx context.Context) (image.Image, error)
	Close(ctx context.Context) error
}
