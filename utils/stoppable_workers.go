// Package utils holds small shared helpers used across the locator packages.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a group of goroutines sharing one cancelable context. New
// workers may be added at any time before Stop; Stop cancels the context and then
// waits for every worker to return.
type StoppableWorkers interface {
	AddWorkers(...func(context.Context))
	Stop()
	Context() context.Context
}

// The implementation contains a sync.WaitGroup, so it is handed out only through
// the interface to keep it from being copied.
type stoppableWorkers struct {
	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
	workers    sync.WaitGroup
}

// NewStoppableWorkers starts the given functions in separate goroutines and
// returns the group managing them.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	sw := &stoppableWorkers{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	sw.AddWorkers(funcs...)
	return sw
}

// AddWorkers starts a goroutine per function. Calling it after Stop is a no-op:
// the group is already drained and no new work may begin.
func (sw *stoppableWorkers) AddWorkers(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancelCtx.Err() != nil {
		return
	}

	sw.workers.Add(len(funcs))
	for _, f := range funcs {
		worker := f
		goutils.PanicCapturingGo(func() {
			defer sw.workers.Done()
			worker(sw.cancelCtx)
		})
	}
}

// Stop cancels the shared context and blocks until all workers have returned.
// It is safe to call more than once.
func (sw *stoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelFunc()
	sw.workers.Wait()
}

// Context returns the context the workers watch. It is canceled by Stop.
func (sw *stoppableWorkers) Context() context.Context {
	return sw.cancelCtx
}
