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

// DeviceSlot is one enabled xHCI device slot: its guest-visible Slot and
// Endpoint Contexts, plus the (up to 31) live TransferRingControllers
// backing its endpoints. Endpoints are addressed by their Device Context
// Index (DCI = 2*epnum + dir for epnum>0, 1 for the default control
// endpoint); index 0 is unused, matching the guest-memory layout.
type DeviceSlot struct {
	mu sync.Mutex

	id       uint8
	mem      *guestmem.Memory
	contexts *DeviceContexts
	interrupter *Interrupter
	loop     *eventloop.Loop

	dcbaap  func() uint64
	backend func() BackendDevice

	trcs [MaxEndpoints + 1]*TransferRingController
}

// NewDeviceSlot allocates slot id, wired to contexts for guest-memory
// context access, interrupter for transfer/command events, loop for ring
// registration, dcbaap for resolving the current Device Context Base
// Address Array Pointer register value, and backend for resolving this
// slot's attached BackendDevice at dispatch time.
func NewDeviceSlot(id uint8, mem *guestmem.Memory, contexts *DeviceContexts, interrupter *Interrupter, loop *eventloop.Loop, dcbaap func() uint64, backend func() BackendDevice) *DeviceSlot {
	return &DeviceSlot{
		id:          id,
		mem:         mem,
		contexts:    contexts,
		interrupter: interrupter,
		loop:        loop,
		dcbaap:      dcbaap,
		backend:     backend,
	}
}

// ID returns the slot's 1-based xHCI slot id.
func (s *DeviceSlot) ID() uint8 {
	return s.id
}

func (s *DeviceSlot) detachEndpoint(dci int) func() {
	return func() {
		// A NoDevice completion has already skipped event posting;
		// nothing further to do here beyond letting the ring idle.
		// The port layer is responsible for tearing the slot down on
		// disconnect.
		_ = dci
	}
}

func (s *DeviceSlot) ensureTRC(dci int) (*TransferRingController, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trcs[dci] != nil {
		return s.trcs[dci], nil
	}

	epID := uint8(dci)

	trc, err := NewTransferRingController(s.mem, s.interrupter, s.id, epID, s.backend, s.detachEndpoint(dci))
	if err != nil {
		return nil, err
	}

	if err := trc.Controller().Register(s.loop); err != nil {
		return nil, err
	}

	s.trcs[dci] = trc

	return trc, nil
}

// AddressDevice implements the Address Device Command: copies the Input
// Context's Slot Context and EP0 Endpoint Context into the slot's Device
// Context, starts the EP0 transfer ring, and (unless bsr is set) assigns the
// USB device address on the backend. Returns the command's completion code.
func (s *DeviceSlot) AddressDevice(inputCtx uint64, bsr bool) uint8 {
	dcbaap := s.dcbaap()

	slotCtx, err := s.contexts.ReadInputSlotContext(inputCtx)
	if err != nil {
		return CompletionTrbError
	}

	ep0, err := s.contexts.ReadInputEndpointContext(inputCtx, 1)
	if err != nil {
		return CompletionTrbError
	}

	trc, err := s.ensureTRC(1)
	if err != nil {
		return CompletionResourceError
	}

	trc.Controller().Ring().SetDequeuePointer(ep0.TRDequeuePtr)
	trc.Controller().Ring().SetConsumerCycleState(ep0.DCS)

	ep0.EpState = EndpointStateRunning
	if err := s.contexts.WriteEndpointContext(dcbaap, s.id, 1, ep0); err != nil {
		return CompletionTrbError
	}

	if bsr {
		slotCtx.SlotState = SlotStateDefault
	} else {
		slotCtx.SlotState = SlotStateAddressed
		slotCtx.USBDeviceAddress = s.id

		if dev := s.backend(); dev != nil {
			if err := dev.SetAddress(s.id); err != nil {
				return CompletionTransactionError
			}
		}
	}

	if err := s.contexts.WriteSlotContext(dcbaap, s.id, slotCtx); err != nil {
		return CompletionTrbError
	}

	trc.Controller().Start()

	return CompletionSuccess
}

// ConfigureEndpoint implements the Configure Endpoint Command: walks the
// Input Control Context's drop/add bitmaps (DCI 2..31) and starts or stops
// the corresponding TransferRingControllers. deconfigure implements DC=1,
// which tears down every endpoint but EP0 and returns the slot to Addressed.
func (s *DeviceSlot) ConfigureEndpoint(inputCtx uint64, deconfigure bool) uint8 {
	dcbaap := s.dcbaap()

	if deconfigure {
		s.stopAllExceptEP0(func() {})

		slotCtx, err := s.contexts.ReadSlotContext(dcbaap, s.id)
		if err != nil {
			return CompletionTrbError
		}
		slotCtx.SlotState = SlotStateAddressed
		if err := s.contexts.WriteSlotContext(dcbaap, s.id, slotCtx); err != nil {
			return CompletionTrbError
		}

		return CompletionSuccess
	}

	ctrl, err := s.contexts.ReadInputControlContext(inputCtx)
	if err != nil {
		return CompletionTrbError
	}

	for dci := 2; dci <= MaxEndpoints; dci++ {
		bit := uint32(1) << uint(dci)

		if ctrl.DropContextFlags&bit != 0 {
			s.mu.Lock()
			trc := s.trcs[dci]
			s.trcs[dci] = nil
			s.mu.Unlock()

			if trc != nil {
				trc.Controller().Stop(func() { trc.Controller().Unregister() })
			}
		}

		if ctrl.AddContextFlags&bit != 0 {
			ep, err := s.contexts.ReadInputEndpointContext(inputCtx, dci)
			if err != nil {
				return CompletionTrbError
			}

			trc, err := s.ensureTRC(dci)
			if err != nil {
				return CompletionResourceError
			}

			trc.Controller().Ring().SetDequeuePointer(ep.TRDequeuePtr)
			trc.Controller().Ring().SetConsumerCycleState(ep.DCS)

			ep.EpState = EndpointStateRunning
			if err := s.contexts.WriteEndpointContext(dcbaap, s.id, dci, ep); err != nil {
				return CompletionTrbError
			}

			trc.Controller().Start()
		}
	}

	slotCtx, err := s.contexts.ReadSlotContext(dcbaap, s.id)
	if err != nil {
		return CompletionTrbError
	}
	slotCtx.SlotState = SlotStateConfigured
	if err := s.contexts.WriteSlotContext(dcbaap, s.id, slotCtx); err != nil {
		return CompletionTrbError
	}

	return CompletionSuccess
}

// EvaluateContext implements the Evaluate Context Command: updates context
// fields in place without touching any transfer ring's running state.
func (s *DeviceSlot) EvaluateContext(inputCtx uint64) uint8 {
	dcbaap := s.dcbaap()

	ctrl, err := s.contexts.ReadInputControlContext(inputCtx)
	if err != nil {
		return CompletionTrbError
	}

	if ctrl.AddContextFlags&1 != 0 {
		slotCtx, err := s.contexts.ReadInputSlotContext(inputCtx)
		if err != nil {
			return CompletionTrbError
		}

		cur, err := s.contexts.ReadSlotContext(dcbaap, s.id)
		if err != nil {
			return CompletionTrbError
		}
		cur.ContextEntries = slotCtx.ContextEntries
		if err := s.contexts.WriteSlotContext(dcbaap, s.id, cur); err != nil {
			return CompletionTrbError
		}
	}

	if ctrl.AddContextFlags&2 != 0 {
		ep0In, err := s.contexts.ReadInputEndpointContext(inputCtx, 1)
		if err != nil {
			return CompletionTrbError
		}

		cur, err := s.contexts.ReadEndpointContext(dcbaap, s.id, 1)
		if err != nil {
			return CompletionTrbError
		}
		cur.MaxPacketSize = ep0In.MaxPacketSize
		if err := s.contexts.WriteEndpointContext(dcbaap, s.id, 1, cur); err != nil {
			return CompletionTrbError
		}
	}

	return CompletionSuccess
}

// StopEndpoint implements the Stop Endpoint Command for the given Device
// Context Index, invoking cb with the completion code once the ring has
// actually drained to Stopped.
func (s *DeviceSlot) StopEndpoint(dci uint8, cb func(code uint8)) {
	s.mu.Lock()
	trc := s.trcs[dci]
	s.mu.Unlock()

	if trc == nil {
		cb(CompletionSlotNotEnabledError)
		return
	}

	dcbaap := s.dcbaap()

	trc.Controller().Stop(func() {
		ep, err := s.contexts.ReadEndpointContext(dcbaap, s.id, int(dci))
		if err == nil {
			ep.EpState = EndpointStateStopped
			s.contexts.WriteEndpointContext(dcbaap, s.id, int(dci), ep)
		}

		cb(CompletionSuccess)
	})
}

// ResetEndpoint implements the Reset Endpoint Command: a Halted endpoint is
// returned to Stopped, ready for a Set TR Dequeue Pointer Command to
// resynchronize the ring; an endpoint in any other state is left as it is.
// Both cases complete with Success.
func (s *DeviceSlot) ResetEndpoint(dci uint8) uint8 {
	dcbaap := s.dcbaap()

	ep, err := s.contexts.ReadEndpointContext(dcbaap, s.id, int(dci))
	if err != nil {
		return CompletionTrbError
	}

	if ep.EpState != EndpointStateHalted {
		return CompletionSuccess
	}

	ep.EpState = EndpointStateStopped
	if err := s.contexts.WriteEndpointContext(dcbaap, s.id, int(dci), ep); err != nil {
		return CompletionTrbError
	}

	return CompletionSuccess
}

// SetTRDequeuePointer implements the Set TR Dequeue Pointer Command. Per the
// corrected semantics, this is only legal while the endpoint is Stopped or
// Error; a Running endpoint must be stopped first.
func (s *DeviceSlot) SetTRDequeuePointer(dci uint8, ptr uint64, dcs bool) uint8 {
	dcbaap := s.dcbaap()

	ep, err := s.contexts.ReadEndpointContext(dcbaap, s.id, int(dci))
	if err != nil {
		return CompletionTrbError
	}

	if ep.EpState != EndpointStateStopped && ep.EpState != EndpointStateError {
		return CompletionContextStateError
	}

	s.mu.Lock()
	trc := s.trcs[dci]
	s.mu.Unlock()

	if trc != nil {
		trc.Controller().Ring().SetDequeuePointer(ptr)
		trc.Controller().Ring().SetConsumerCycleState(dcs)
	}

	ep.TRDequeuePtr = ptr
	ep.DCS = dcs
	if err := s.contexts.WriteEndpointContext(dcbaap, s.id, int(dci), ep); err != nil {
		return CompletionTrbError
	}

	return CompletionSuccess
}

// Doorbell rings the doorbell for the given Device Context Index, prompting
// one dequeue attempt on that endpoint's transfer ring.
func (s *DeviceSlot) Doorbell(dci uint8) {
	s.mu.Lock()
	trc := s.trcs[dci]
	s.mu.Unlock()

	if trc != nil {
		trc.Controller().Doorbell()
	}
}

func (s *DeviceSlot) stopAllExceptEP0(done func()) {
	s.mu.Lock()
	var trcs []*TransferRingController
	for dci := 2; dci <= MaxEndpoints; dci++ {
		if s.trcs[dci] != nil {
			trcs = append(trcs, s.trcs[dci])
			s.trcs[dci] = nil
		}
	}
	s.mu.Unlock()

	if len(trcs) == 0 {
		done()
		return
	}

	ac := newAutoCallback(len(trcs), done)
	for _, trc := range trcs {
		trc := trc
		trc.Controller().Stop(func() {
			trc.Controller().Unregister()
			ac.done()
		})
	}
}

// DisableSlot implements the Disable Slot Command: stops every endpoint
// including EP0, returns the slot context to DisabledOrEnabled, then
// invokes cb once all rings have drained.
func (s *DeviceSlot) DisableSlot(cb func(code uint8)) {
	dcbaap := s.dcbaap()

	s.mu.Lock()
	var trcs []*TransferRingController
	for dci := 1; dci <= MaxEndpoints; dci++ {
		if s.trcs[dci] != nil {
			trcs = append(trcs, s.trcs[dci])
			s.trcs[dci] = nil
		}
	}
	s.mu.Unlock()

	finish := func() {
		slotCtx, err := s.contexts.ReadSlotContext(dcbaap, s.id)
		if err != nil {
			cb(CompletionTrbError)
			return
		}

		slotCtx.SlotState = SlotStateDisabledOrEnabled
		slotCtx.USBDeviceAddress = 0

		if err := s.contexts.WriteSlotContext(dcbaap, s.id, slotCtx); err != nil {
			cb(CompletionTrbError)
			return
		}

		cb(CompletionSuccess)
	}

	if len(trcs) == 0 {
		finish()
		return
	}

	ac := newAutoCallback(len(trcs), finish)
	for _, trc := range trcs {
		trc := trc
		trc.Controller().Stop(func() {
			trc.Controller().Unregister()
			ac.done()
		})
	}
}

// ResetDevice implements the Reset Device Command: stops every endpoint but
// EP0 and returns the slot to Default, keeping the slot itself enabled. A
// slot that is not Addressed or Configured completes with
// ContextStateError and is left as it is.
func (s *DeviceSlot) ResetDevice(cb func(code uint8)) {
	dcbaap := s.dcbaap()

	cur, err := s.contexts.ReadSlotContext(dcbaap, s.id)
	if err != nil {
		cb(CompletionTrbError)
		return
	}
	if cur.SlotState != SlotStateAddressed && cur.SlotState != SlotStateConfigured {
		cb(CompletionContextStateError)
		return
	}

	s.stopAllExceptEP0(func() {
		slotCtx, err := s.contexts.ReadSlotContext(dcbaap, s.id)
		if err != nil {
			cb(CompletionTrbError)
			return
		}

		slotCtx.SlotState = SlotStateDefault
		slotCtx.USBDeviceAddress = 0

		if err := s.contexts.WriteSlotContext(dcbaap, s.id, slotCtx); err != nil {
			cb(CompletionTrbError)
			return
		}

		cb(CompletionSuccess)
	})
}
