// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"errors"

	"github.com/usbarmory/vmdevices/guestmem"
)

// ErrEventRingUninitialized is returned by AddEvent before ERSTBA/ERSTSZ
// have both been set by the guest.
var ErrEventRingUninitialized = errors.New("xhci: event ring uninitialized")

// ErrEventRingFull is returned by AddEvent when the ring has only one free
// TRB slot remaining. Per the documented deviation in the design notes,
// callers log and drop the event rather than emit a dedicated "ring full"
// event.
var ErrEventRingFull = errors.New("xhci: event ring full")

type erstEntry struct {
	base uint64
	size uint32
}

// EventRing is the segmented circular buffer the controller uses to report
// events (command completions, transfer events, port status changes) back
// to the guest driver. It is owned exclusively by the Interrupter and only
// ever touched from the event loop goroutine.
type EventRing struct {
	mem *guestmem.Memory

	erstBase uint64
	erstSize uint16

	segments []erstEntry
	curSeg   int
	remaining uint32

	enqueuePtr uint64
	dequeuePtr uint64

	producerCycle bool
}

// NewEventRing creates an uninitialized event ring over mem.
func NewEventRing(mem *guestmem.Memory) *EventRing {
	return &EventRing{mem: mem, producerCycle: true}
}

// Initialized reports whether both ERSTBA and ERSTSZ have been set to
// nonzero values and the segment table has been loaded.
func (e *EventRing) Initialized() bool {
	return e.erstBase != 0 && e.erstSize != 0 && len(e.segments) > 0
}

// SetSegmentTableSize records ERSTSZ. Writing it does not initialize the
// ring: only SetSegmentTableBase runs tryInit, so ERSTSZ has to be written
// before ERSTBA for the ring to come up.
func (e *EventRing) SetSegmentTableSize(size uint16) {
	e.erstSize = size
}

// SetSegmentTableBase records ERSTBA and attempts to load the segment
// table and reset enqueue/dequeue state, matching "ERSTBA write; triggers
// ring init if both size and base are valid".
func (e *EventRing) SetSegmentTableBase(base uint64) error {
	e.erstBase = base
	return e.tryInit()
}

func (e *EventRing) tryInit() error {
	if e.erstBase == 0 || e.erstSize == 0 || e.mem == nil {
		return nil
	}

	segs := make([]erstEntry, 0, e.erstSize)

	for i := uint16(0); i < e.erstSize; i++ {
		off := e.erstBase + uint64(i)*16

		base, err := e.mem.ReadUint64(off)
		if err != nil {
			return err
		}

		sizeField, err := e.mem.ReadUint32(off + 8)
		if err != nil {
			return err
		}

		segs = append(segs, erstEntry{base: base, size: sizeField & 0xffff})
	}

	e.segments = segs
	e.curSeg = 0
	e.producerCycle = true

	if len(segs) > 0 {
		e.enqueuePtr = segs[0].base
		e.remaining = segs[0].size
	}

	return nil
}

// SetDequeuePointer records the driver-owned dequeue pointer (from an ERDP
// write).
func (e *EventRing) SetDequeuePointer(gpa uint64) {
	e.dequeuePtr = gpa &^ 0xf
}

// DequeuePointer returns the driver-owned dequeue pointer.
func (e *EventRing) DequeuePointer() uint64 {
	return e.dequeuePtr
}

// EnqueuePointer returns the producer's current write position.
func (e *EventRing) EnqueuePointer() uint64 {
	return e.enqueuePtr
}

// IsFull reports whether the next write position (the following slot of the
// current segment, or the start of the next segment when only one slot
// remains in the current one) equals the driver's dequeue pointer — i.e.
// writing one more event would make enqueue catch up to dequeue, which the
// xHCI spec reserves as "ring full" rather than "ring empty" (the two are
// otherwise indistinguishable).
func (e *EventRing) IsFull() bool {
	if !e.Initialized() {
		return false
	}

	next := e.peekNextEnqueue()

	return next == e.dequeuePtr
}

// peekNextEnqueue computes where the enqueue pointer would land after one
// more AddEvent, without mutating state.
func (e *EventRing) peekNextEnqueue() uint64 {
	if e.remaining > 1 {
		return e.enqueuePtr + TrbSize
	}

	nextSeg := (e.curSeg + 1) % len(e.segments)

	return e.segments[nextSeg].base
}

// AddEvent writes ev to the enqueue pointer, stamped with the producer
// cycle bit, and advances the ring, wrapping segments and toggling the
// producer cycle bit on wrap across the last segment.
func (e *EventRing) AddEvent(ev Trb) error {
	if !e.Initialized() {
		return ErrEventRingUninitialized
	}

	if e.IsFull() {
		return ErrEventRingFull
	}

	ev.SetCycle(e.producerCycle)

	if err := e.mem.WriteAt(e.enqueuePtr, ev[:]); err != nil {
		return err
	}

	e.enqueuePtr += TrbSize
	e.remaining--

	if e.remaining == 0 {
		wrapped := e.curSeg == len(e.segments)-1

		e.curSeg = (e.curSeg + 1) % len(e.segments)
		e.enqueuePtr = e.segments[e.curSeg].base
		e.remaining = e.segments[e.curSeg].size

		if wrapped {
			e.producerCycle = !e.producerCycle
		}
	}

	return nil
}
