// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"log"
	"sync"
)

// Interrupter owns an EventRing and the guest-visible registers that
// observe it (USBSTS, IMAN, ERDP, ERSTSZ, ERSTBA), and is the sole path by
// which this controller raises the guest's legacy INTx interrupt.
type Interrupter struct {
	mu sync.Mutex

	ring *EventRing

	enabled          bool
	pending          bool
	eventHandlerBusy bool

	moderationInterval uint16
	moderationCounter  uint16

	// assertIRQ raises (true) or deasserts (false) the PCI function's
	// legacy INTx line; wired by the owning xHCI controller to the PCI
	// root complex's IRQ-assert callback. MSI/MSI-X signaling is an
	// explicit non-goal for this function.
	assertIRQ func(bool)

	// regs, set by the owning controller after register construction,
	// lets the interrupter reflect USBSTS/IMAN/ERDP bits without a
	// import cycle back into the register map package.
	setUSBSTSEINT func()
	setIMANIP     func()
	setERDPEHB    func()
	clearERDPEHB  func()
}

// NewInterrupter creates an interrupter over ring. assertIRQ is invoked
// with true to assert and false to deassert the controller's legacy
// interrupt line.
func NewInterrupter(ring *EventRing, assertIRQ func(bool)) *Interrupter {
	return &Interrupter{ring: ring, assertIRQ: assertIRQ}
}

// BindRegisterHooks wires the interrupter's side effects on the guest's
// USBSTS/IMAN/ERDP registers. Must be called once during controller
// construction, before any guest traffic is served.
func (it *Interrupter) BindRegisterHooks(setUSBSTSEINT, setIMANIP, setERDPEHB, clearERDPEHB func()) {
	it.setUSBSTSEINT = setUSBSTSEINT
	it.setIMANIP = setIMANIP
	it.setERDPEHB = setERDPEHB
	it.clearERDPEHB = clearERDPEHB
}

// SetEnabled reflects the combination of USBCMD.RS and IMAN.IE into the
// interrupter's enabled flag.
func (it *Interrupter) SetEnabled(enabled bool) {
	it.mu.Lock()
	it.enabled = enabled
	it.mu.Unlock()

	it.InterruptIfNeeded()
}

// SetModeration records IMOD's interval and counter fields. Per the
// documented deviation, this is stored for guest readback only and does
// not coalesce interrupts.
func (it *Interrupter) SetModeration(interval, counter uint16) {
	it.mu.Lock()
	it.moderationInterval = interval
	it.moderationCounter = counter
	it.mu.Unlock()
}

// Moderation returns the stored IMOD fields.
func (it *Interrupter) Moderation() (interval, counter uint16) {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.moderationInterval, it.moderationCounter
}

// Ring returns the underlying event ring, e.g. for ERSTBA/ERSTSZ register
// callbacks to reach.
func (it *Interrupter) Ring() *EventRing {
	return it.ring
}

func (it *Interrupter) postEvent(ev Trb) {
	if err := it.ring.AddEvent(ev); err != nil {
		// RingUninitialized and RingFull are both documented,
		// non-fatal deviations: log and drop.
		log.Printf("xhci: interrupter: dropping event, %v", err)
		return
	}

	it.mu.Lock()
	it.pending = true
	it.mu.Unlock()

	it.InterruptIfNeeded()
}

// SendPortStatusChangeTrb posts a Port Status Change Event for the given
// 1-based root hub port id.
func (it *Interrupter) SendPortStatusChangeTrb(portID uint8) {
	it.postEvent(BuildPortStatusChangeEvent(portID))
}

// SendCommandCompletionTrb posts a Command Completion Event echoing the
// originating command TRB's guest address.
func (it *Interrupter) SendCommandCompletionTrb(code uint8, slotID uint8, trbGPA uint64) {
	it.postEvent(BuildCommandCompletionEvent(trbGPA, code, slotID))
}

// SendTransferEventTrb posts a Transfer Event.
func (it *Interrupter) SendTransferEventTrb(code uint8, trbPointer uint64, length uint32, slotID, endpointID uint8) {
	it.postEvent(BuildTransferEvent(trbPointer, length, code, slotID, endpointID))
}

// InterruptIfNeeded asserts the controller's interrupt line exactly when
// enabled, pending, and not already waiting on the guest to service a
// prior interrupt (event_handler_busy).
func (it *Interrupter) InterruptIfNeeded() {
	it.mu.Lock()

	if !(it.enabled && it.pending && !it.eventHandlerBusy) {
		it.mu.Unlock()
		return
	}

	it.eventHandlerBusy = true
	it.pending = false

	it.mu.Unlock()

	if it.setUSBSTSEINT != nil {
		it.setUSBSTSEINT()
	}
	if it.setIMANIP != nil {
		it.setIMANIP()
	}
	if it.setERDPEHB != nil {
		it.setERDPEHB()
	}

	if it.assertIRQ != nil {
		it.assertIRQ(true)
	}
}

// OnERDPWrite updates the driver-owned dequeue pointer and handles the
// event_handler_busy write-1-to-clear semantics triggered by a guest write
// to ERDP.
func (it *Interrupter) OnERDPWrite(newDequeue uint64, ehbWritten bool) {
	it.ring.SetDequeuePointer(newDequeue)

	it.mu.Lock()

	if it.ring.DequeuePointer() == it.ring.EnqueuePointer() {
		it.pending = false
	}

	if ehbWritten {
		it.eventHandlerBusy = false

		if it.clearERDPEHB != nil {
			it.clearERDPEHB()
		}
	}

	it.mu.Unlock()

	it.InterruptIfNeeded()
}

// EventHandlerBusy reports the current event_handler_busy state, primarily
// for tests asserting the "never set while ERDP==enqueue" invariant.
func (it *Interrupter) EventHandlerBusy() bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	return it.eventHandlerBusy
}
