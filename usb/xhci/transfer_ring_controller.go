// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"log"

	"github.com/usbarmory/vmdevices/eventloop"
	"github.com/usbarmory/vmdevices/guestmem"
)

// TransferRingController owns one endpoint's transfer ring, validates each
// dequeued TD before it ever reaches a backend, and turns backend
// completions back into Transfer Events on the owning interrupter.
type TransferRingController struct {
	rbc         *RingBufferController
	mem         *guestmem.Memory
	interrupter *Interrupter
	slotID      uint8
	endpointID  uint8

	// backend returns the currently attached backend for this endpoint's
	// port, or nil if no device is attached. Resolved at dispatch time,
	// not at construction, since the port's device may change across the
	// ring's lifetime.
	backend func() BackendDevice

	// detach is called when a backend reports TransferStatusNoDevice.
	detach func()
}

// NewTransferRingController creates a TRC over a fresh RingBuffer backed by
// mem, for the given slot and endpoint, posting Transfer Events to
// interrupter. backend is consulted fresh on every dispatch.
func NewTransferRingController(mem *guestmem.Memory, interrupter *Interrupter, slotID, endpointID uint8, backend func() BackendDevice, detach func()) (*TransferRingController, error) {
	trc := &TransferRingController{
		mem:         mem,
		interrupter: interrupter,
		slotID:      slotID,
		endpointID:  endpointID,
		backend:     backend,
		detach:      detach,
	}

	ring := NewRingBuffer(mem)

	rbc, err := NewRingBufferController(ring, trc.handle)
	if err != nil {
		return nil, err
	}

	trc.rbc = rbc

	return trc, nil
}

// Controller returns the underlying RingBufferController, for registration
// with an event loop and doorbell/Set-TR-Dequeue-Pointer wiring.
func (trc *TransferRingController) Controller() *RingBufferController {
	return trc.rbc
}

// validateTransferDescriptor returns the guest address of every TRB in td
// that is not legal on a transfer ring or that targets an interrupter this
// controller does not implement. An empty result means td is valid.
func validateTransferDescriptor(td *TransferDescriptor) []uint64 {
	var bad []uint64
	for _, atrb := range td.Trbs {
		if !atrb.Trb.IsLegalOnTransferRing() || atrb.Trb.InterrupterTarget() >= MaxInterrupters {
			bad = append(bad, atrb.GPA)
		}
	}

	return bad
}

func (trc *TransferRingController) handle(td *TransferDescriptor, fd *eventloop.EventFd) {
	if bad := validateTransferDescriptor(td); len(bad) > 0 {
		for _, gpa := range bad {
			trc.interrupter.SendTransferEventTrb(CompletionTrbError, gpa, 0, trc.slotID, trc.endpointID)
		}
		fd.Signal()
		return
	}

	dev := trc.backend()
	if dev == nil {
		var gpa uint64
		if len(td.Trbs) > 0 {
			gpa = td.Trbs[0].GPA
		}
		trc.interrupter.SendTransferEventTrb(CompletionTrbError, gpa, 0, trc.slotID, trc.endpointID)
		fd.Signal()
		return
	}

	xfer := NewXhciTransfer(trc.mem, td, trc.interrupter, trc.slotID, trc.endpointID)
	xfer.SetCallbacks(func() { fd.Signal() }, func() {
		if trc.detach != nil {
			trc.detach()
		}
		fd.Signal()
	})

	if err := dev.SubmitTransfer(xfer); err != nil {
		log.Printf("xhci: transfer ring: slot %d ep %d: submit: %v", trc.slotID, trc.endpointID, err)

		var gpa uint64
		if len(td.Trbs) > 0 {
			gpa = td.Trbs[0].GPA
		}
		trc.interrupter.SendTransferEventTrb(CompletionTrbError, gpa, 0, trc.slotID, trc.endpointID)
		fd.Signal()
	}
}
