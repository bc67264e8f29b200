package odb

import (
	"context"
	"sync"

	"github.com/gogpu/basalt/gpu"
)

// Barrier is the two-party handoff point between the worker and the
// renderer. The renderer signals once it no longer needs the previous
// handoff; the worker waits before swapping buffers.
type Barrier struct {
	once sync.Once
	ch   chan struct{}
}

// NewBarrier returns an unsignalled barrier.
func NewBarrier() *Barrier { return &Barrier{ch: make(chan struct{})} }

// Signal releases the waiter. Extra calls are no-ops.
func (b *Barrier) Signal() { b.once.Do(func() { close(b.ch) }) }

// Done is closed once the barrier is signalled.
func (b *Barrier) Done() <-chan struct{} { return b.ch }

// Wait blocks until Signal or until ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handoff is a prepared frame passed from the worker to the renderer.
type Handoff struct {
	VertexBuffer gpu.BufferID
	VertexCount  uint32

	// Images are the backing images in tex order.
	Images []gpu.ImageID

	Barrier *Barrier
}
