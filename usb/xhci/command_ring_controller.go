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
	"github.com/usbarmory/vmdevices/guestmem"
)

// slotEntry tracks a command ring controller's live bookkeeping for one
// device slot: the slot itself plus the root hub port it was last addressed
// against, resolved lazily since a slot's port is only known once the
// driver's Address Device Command supplies it.
type slotEntry struct {
	slot *DeviceSlot
	port uint8
}

// CommandRingController drives the command ring, dispatching each dequeued
// command TRB to the handler table below and posting a Command Completion
// Event once the command (synchronous or, for Stop Endpoint/Disable
// Slot/Reset Device, asynchronous) finishes.
type CommandRingController struct {
	mu sync.Mutex

	mem         *guestmem.Memory
	contexts    *DeviceContexts
	interrupter *Interrupter
	loop        *eventloop.Loop
	dcbaap      func() uint64
	portBackend func(port uint8) BackendDevice

	slots [MaxSlots + 1]*slotEntry

	rbc *RingBufferController
}

// NewCommandRingController creates a command ring controller backed by mem,
// posting Command Completion Events to interrupter, registering new
// endpoints' rings with loop, and resolving a slot's backend device through
// portBackend once the slot has been addressed to a root hub port.
func NewCommandRingController(mem *guestmem.Memory, interrupter *Interrupter, loop *eventloop.Loop, dcbaap func() uint64, portBackend func(port uint8) BackendDevice) (*CommandRingController, error) {
	crc := &CommandRingController{
		mem:         mem,
		contexts:    NewDeviceContexts(mem),
		interrupter: interrupter,
		loop:        loop,
		dcbaap:      dcbaap,
		portBackend: portBackend,
	}

	ring := NewRingBuffer(mem)

	rbc, err := NewRingBufferController(ring, crc.handle)
	if err != nil {
		return nil, err
	}

	crc.rbc = rbc

	return crc, nil
}

// Controller returns the underlying RingBufferController, for registration
// with an event loop and CRCR register wiring.
func (crc *CommandRingController) Controller() *RingBufferController {
	return crc.rbc
}

// Slot returns the device slot for id, or nil if it is not enabled.
func (crc *CommandRingController) Slot(id uint8) *DeviceSlot {
	crc.mu.Lock()
	defer crc.mu.Unlock()

	if id == 0 || int(id) >= len(crc.slots) || crc.slots[id] == nil {
		return nil
	}

	return crc.slots[id].slot
}

func (crc *CommandRingController) allocateSlot() *slotEntry {
	crc.mu.Lock()
	defer crc.mu.Unlock()

	for id := uint8(1); id <= MaxSlots; id++ {
		if crc.slots[id] == nil {
			entry := &slotEntry{}
			crc.slots[id] = entry

			backend := func() BackendDevice {
				crc.mu.Lock()
				port := entry.port
				crc.mu.Unlock()

				return crc.portBackend(port)
			}

			entry.slot = NewDeviceSlot(id, crc.mem, crc.contexts, crc.interrupter, crc.loop, crc.dcbaap, backend)

			return entry
		}
	}

	return nil
}

func (crc *CommandRingController) freeSlot(id uint8) {
	crc.mu.Lock()
	if int(id) < len(crc.slots) {
		crc.slots[id] = nil
	}
	crc.mu.Unlock()
}

func (crc *CommandRingController) setPort(id, port uint8) {
	crc.mu.Lock()
	if int(id) < len(crc.slots) && crc.slots[id] != nil {
		crc.slots[id].port = port
	}
	crc.mu.Unlock()
}

func (crc *CommandRingController) complete(code, slotID uint8, gpa uint64) {
	crc.interrupter.SendCommandCompletionTrb(code, slotID, gpa)
}

func (crc *CommandRingController) handle(td *TransferDescriptor, fd *eventloop.EventFd) {
	if len(td.Trbs) == 0 {
		fd.Signal()
		return
	}

	atrb := td.Trbs[0]
	trb := atrb.Trb
	gpa := atrb.GPA
	slotID := trb.SlotID()

	switch trb.TrbType() {
	case TrbTypeEnableSlotCommand:
		entry := crc.allocateSlot()
		if entry == nil {
			crc.complete(CompletionNoSlotsAvailableError, 0, gpa)
		} else {
			crc.complete(CompletionSuccess, entry.slot.ID(), gpa)
		}
		fd.Signal()

	case TrbTypeDisableSlotCommand:
		slot := crc.Slot(slotID)
		if slot == nil {
			crc.complete(CompletionSlotNotEnabledError, slotID, gpa)
			fd.Signal()
			return
		}

		slot.DisableSlot(func(code uint8) {
			crc.freeSlot(slotID)
			crc.complete(code, slotID, gpa)
			fd.Signal()
		})

	case TrbTypeAddressDeviceCommand:
		slot := crc.Slot(slotID)
		if slot == nil {
			crc.complete(CompletionSlotNotEnabledError, slotID, gpa)
			fd.Signal()
			return
		}

		v := trb.AsAddressDeviceCommand()

		if sc, err := crc.contexts.ReadInputSlotContext(v.InputContextPointer()); err == nil {
			crc.setPort(slotID, sc.RootHubPortNum)
		}

		code := slot.AddressDevice(v.InputContextPointer(), v.BSR())
		crc.complete(code, slotID, gpa)
		fd.Signal()

	case TrbTypeConfigureEndpointCommand:
		slot := crc.Slot(slotID)
		if slot == nil {
			crc.complete(CompletionSlotNotEnabledError, slotID, gpa)
			fd.Signal()
			return
		}

		v := trb.AsConfigureEndpointCommand()
		code := slot.ConfigureEndpoint(v.InputContextPointer(), v.DC())
		crc.complete(code, slotID, gpa)
		fd.Signal()

	case TrbTypeEvaluateContextCommand:
		slot := crc.Slot(slotID)
		if slot == nil {
			crc.complete(CompletionSlotNotEnabledError, slotID, gpa)
			fd.Signal()
			return
		}

		v := trb.AsEvaluateContextCommand()
		code := slot.EvaluateContext(v.InputContextPointer())
		crc.complete(code, slotID, gpa)
		fd.Signal()

	case TrbTypeStopEndpointCommand:
		slot := crc.Slot(slotID)
		if slot == nil {
			crc.complete(CompletionSlotNotEnabledError, slotID, gpa)
			fd.Signal()
			return
		}

		dci := trb.AsEndpointCommand().EndpointID()
		slot.StopEndpoint(dci, func(code uint8) {
			crc.complete(code, slotID, gpa)
			fd.Signal()
		})

	case TrbTypeResetEndpointCommand:
		slot := crc.Slot(slotID)
		if slot == nil {
			crc.complete(CompletionSlotNotEnabledError, slotID, gpa)
			fd.Signal()
			return
		}

		dci := trb.AsEndpointCommand().EndpointID()
		code := slot.ResetEndpoint(dci)
		crc.complete(code, slotID, gpa)
		fd.Signal()

	case TrbTypeSetTRDequeuePointerCmd:
		slot := crc.Slot(slotID)
		if slot == nil {
			crc.complete(CompletionSlotNotEnabledError, slotID, gpa)
			fd.Signal()
			return
		}

		v := trb.AsSetTRDequeuePointerCommand()
		code := slot.SetTRDequeuePointer(v.EndpointID(), v.DequeuePtr(), v.DequeueCycleState())
		crc.complete(code, slotID, gpa)
		fd.Signal()

	case TrbTypeResetDeviceCommand:
		slot := crc.Slot(slotID)
		if slot == nil {
			crc.complete(CompletionSlotNotEnabledError, slotID, gpa)
			fd.Signal()
			return
		}

		slot.ResetDevice(func(code uint8) {
			crc.complete(code, slotID, gpa)
			fd.Signal()
		})

	case TrbTypeNoopCommand:
		crc.complete(CompletionSuccess, slotID, gpa)
		fd.Signal()

	default:
		crc.complete(CompletionTrbError, slotID, gpa)
		fd.Signal()
	}
}
