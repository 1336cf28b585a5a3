// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "github.com/usbarmory/vmdevices/guestmem"

// TransferDescriptor is a nonempty ordered sequence of AddressedTrbs whose
// last element has Chain()==false.
type TransferDescriptor struct {
	Trbs []AddressedTrb
}

// RingBuffer is a guest-memory-backed segmented circular buffer shared by
// the command ring and every transfer ring. It never blocks and never
// allocates guest memory; it only walks memory the guest already owns.
type RingBuffer struct {
	mem *guestmem.Memory

	dequeuePtr   uint64
	consumerCycle bool
}

// NewRingBuffer creates a ring buffer reading from mem.
func NewRingBuffer(mem *guestmem.Memory) *RingBuffer {
	return &RingBuffer{mem: mem}
}

// SetDequeuePointer sets the ring's dequeue pointer, e.g. from CRCR or a
// Set TR Dequeue Pointer command.
func (r *RingBuffer) SetDequeuePointer(gpa uint64) {
	r.dequeuePtr = gpa &^ 0xf
}

// DequeuePointer returns the current dequeue pointer.
func (r *RingBuffer) DequeuePointer() uint64 {
	return r.dequeuePtr
}

// SetConsumerCycleState sets the consumer's expected cycle bit.
func (r *RingBuffer) SetConsumerCycleState(cycle bool) {
	r.consumerCycle = cycle
}

// ConsumerCycleState returns the consumer's expected cycle bit.
func (r *RingBuffer) ConsumerCycleState() bool {
	return r.consumerCycle
}

// DequeueTransferDescriptor walks the ring from the current dequeue
// pointer, following Link TRBs, accumulating TRBs into a TransferDescriptor
// until one with Chain()==false is found. It returns (nil, false) if the
// ring is empty (next TRB's cycle bit disagrees with the consumer cycle) or
// if the walk runs out of produced TRBs mid-chain (TD discarded, per the
// ring buffer invariant: a dequeued TD must either complete with chain=0
// or not be returned at all).
func (r *RingBuffer) DequeueTransferDescriptor() (*TransferDescriptor, bool) {
	var td TransferDescriptor

	// bound the walk so a guest-supplied ring of pure self-looping Link
	// TRBs (a malformed or malicious ring) cannot hang the event loop.
	const maxSteps = 1 << 16

	for step := 0; step < maxSteps; step++ {
		var raw [TrbSize]byte

		if err := r.mem.ReadAt(r.dequeuePtr, raw[:]); err != nil {
			return nil, false
		}

		trb := Trb(raw)

		if trb.Cycle() != r.consumerCycle {
			return nil, false
		}

		if trb.TrbType() == TrbTypeLink {
			link := trb.AsLink()
			r.dequeuePtr = link.RingSegmentPointer()

			if trb.ToggleCycle() {
				r.consumerCycle = !r.consumerCycle
			}

			continue
		}

		gpa := r.dequeuePtr
		td.Trbs = append(td.Trbs, AddressedTrb{Trb: trb, GPA: gpa})
		r.dequeuePtr += TrbSize

		if !trb.Chain() {
			return &td, true
		}
	}

	return nil, false
}
