// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"sync"

	"github.com/usbarmory/vmdevices/eventloop"
)

// RingState is the lifecycle state of a RingBufferController.
type RingState int

const (
	RingStopped RingState = iota
	RingRunning
	RingStopping
)

// TransferDescriptorHandler processes one dequeued TD. It is handed its own
// EventFd to signal once it has finished processing, which drives the next
// dequeue attempt — this is what makes the pipeline cooperative rather than
// free-running: the handler, not the controller, decides when the next TD
// may be dequeued.
type TransferDescriptorHandler func(td *TransferDescriptor, fd *eventloop.EventFd)

// RingBufferController drives a RingBuffer from event-loop wakeups,
// dequeuing and dispatching at most one TD per wake, in strict FIFO order.
type RingBufferController struct {
	mu sync.Mutex

	ring    *RingBuffer
	fd      *eventloop.EventFd
	handler TransferDescriptorHandler
	state   RingState
	token   eventloop.Token

	stopCbs []func()
}

// NewRingBufferController creates a controller over ring, with handler
// invoked for each dequeued TD. The controller is Stopped until Start is
// called.
func NewRingBufferController(ring *RingBuffer, handler TransferDescriptorHandler) (*RingBufferController, error) {
	fd, err := eventloop.NewEventFd()
	if err != nil {
		return nil, err
	}

	return &RingBufferController{
		ring:    ring,
		fd:      fd,
		handler: handler,
		state:   RingStopped,
	}, nil
}

// Ring returns the underlying ring buffer, for doorbell-driven dequeue
// pointer resets (Set TR Dequeue Pointer command).
func (c *RingBufferController) Ring() *RingBuffer {
	return c.ring
}

// State returns the controller's current lifecycle state.
func (c *RingBufferController) State() RingState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Register wires the controller's event-fd into loop; it must be called
// once, before Start.
func (c *RingBufferController) Register(loop *eventloop.Loop) error {
	token, err := loop.Add(c.fd.Fd(), c)
	if err != nil {
		return err
	}

	c.token = token

	return nil
}

// Start transitions Stopped -> Running and kicks off the first dequeue
// attempt by signalling the controller's own event-fd (a doorbell ring
// does the same thing once Running).
func (c *RingBufferController) Start() {
	c.mu.Lock()
	c.state = RingRunning
	c.mu.Unlock()

	c.fd.Signal()
}

// Doorbell rings the doorbell for this controller, prompting one dequeue
// attempt on the next event loop wake. A Stopped ring restarts, matching a
// guest that rings a doorbell after its ring last drained empty; a Stopping
// ring is left alone so a pending Stop still takes effect.
func (c *RingBufferController) Doorbell() {
	c.mu.Lock()
	if c.state == RingStopped {
		c.state = RingRunning
	}
	signal := c.state == RingRunning
	c.mu.Unlock()

	if signal {
		c.fd.Signal()
	}
}

// Stop queues cb and transitions Running -> Stopping. cb fires once the
// controller has actually drained to Stopped on a subsequent event loop
// tick — it is not safe to assume the ring is idle immediately after Stop
// returns.
func (c *RingBufferController) Stop(cb func()) {
	c.mu.Lock()
	if c.state == RingRunning {
		c.state = RingStopping
	}
	c.stopCbs = append(c.stopCbs, cb)
	c.mu.Unlock()

	c.fd.Signal()
}

// HandleEvent implements eventloop.Handler. It is invoked on the event loop
// goroutine only.
func (c *RingBufferController) HandleEvent() {
	c.fd.Drain()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == RingStopped {
		// A Stop issued while the ring was already parked still has its
		// callbacks released here.
		c.transitionToStopped()
		return
	}

	td, ok := c.ring.DequeueTransferDescriptor()

	c.mu.Lock()
	stopping := c.state == RingStopping
	c.mu.Unlock()

	if stopping || !ok {
		c.transitionToStopped()
		return
	}

	c.handler(td, c.fd)
}

func (c *RingBufferController) transitionToStopped() {
	c.mu.Lock()
	c.state = RingStopped
	cbs := c.stopCbs
	c.stopCbs = nil
	c.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Unregister releases the controller's event loop registration. Safe to
// call from any goroutine; the loop will stop delivering events to this
// controller on its next wake.
func (c *RingBufferController) Unregister() {
	c.token.Release()
}
