// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "github.com/usbarmory/vmdevices/guestmem"

// XhciTransfer bundles everything a backend needs to service one Transfer
// Descriptor and everything the Transfer Ring Controller needs to post the
// matching Transfer Event(s) once the backend calls Complete.
type XhciTransfer struct {
	td          *TransferDescriptor
	buffer      *ScatterGatherBuffer
	interrupter *Interrupter
	slotID      uint8
	endpointID  uint8

	// onComplete is called by Complete after event posting; the TRC sets it
	// to signal the ring's event fd so the next TD is dequeued. May be nil.
	onComplete func()

	// onDetach is invoked instead of event posting when status is
	// TransferStatusNoDevice, per the "detach without emitting an event"
	// rule.
	onDetach func()
}

// NewXhciTransfer builds a transfer for td, to be submitted to a backend on
// the given slot and endpoint.
func NewXhciTransfer(mem *guestmem.Memory, td *TransferDescriptor, interrupter *Interrupter, slotID, endpointID uint8) *XhciTransfer {
	return &XhciTransfer{
		td:          td,
		buffer:      NewScatterGatherBuffer(mem, td),
		interrupter: interrupter,
		slotID:      slotID,
		endpointID:  endpointID,
	}
}

// Buffer returns the transfer's scatter-gather buffer for the backend to
// read from (OUT) or write into (IN).
func (x *XhciTransfer) Buffer() *ScatterGatherBuffer {
	return x.buffer
}

// SlotID returns the owning device slot's id.
func (x *XhciTransfer) SlotID() uint8 {
	return x.slotID
}

// EndpointID returns the target endpoint's Device Context Index.
func (x *XhciTransfer) EndpointID() uint8 {
	return x.endpointID
}

// SetCallbacks wires the TRC's completion and detach hooks. Called once by
// the TRC before SubmitTransfer.
func (x *XhciTransfer) SetCallbacks(onComplete, onDetach func()) {
	x.onComplete = onComplete
	x.onDetach = onDetach
}

// trbCompletionCode maps a backend transfer status plus whether this TRB's
// actual length fell short of its requested length to a Transfer Event
// completion code.
func trbCompletionCode(status int, short bool) uint8 {
	switch status {
	case TransferStatusSuccess:
		if short {
			return CompletionShortPacket
		}
		return CompletionSuccess
	case TransferStatusCancelled:
		return CompletionStopped
	default:
		return CompletionTrbError
	}
}

// Complete is called by the backend, exactly once, when the transfer
// finishes (successfully, with an error, or because the device vanished).
// bytesTransferred is the total number of bytes actually moved across every
// data-bearing TRB in the TD, in TRB order.
//
// A TransferStatusNoDevice status skips event posting entirely and calls
// the onDetach hook instead. The port itself is not disconnected here: it
// keeps its backend until the port layer detaches it.
func (x *XhciTransfer) Complete(status int, bytesTransferred int) {
	if status == TransferStatusNoDevice {
		if x.onDetach != nil {
			x.onDetach()
		}
		return
	}

	if status == TransferStatusCancelled {
		if x.onComplete != nil {
			x.onComplete()
		}
		return
	}

	remaining := bytesTransferred

	for _, atrb := range x.td.Trbs {
		trb := atrb.Trb

		var reqLen uint32
		switch trb.TrbType() {
		case TrbTypeNormal, TrbTypeIsoch:
			reqLen = trb.AsNormal().TrbTransferLength()
		case TrbTypeDataStage:
			reqLen = trb.AsDataStage().TRBTransferLength()
		default:
			// Event Data and other non-data-bearing TRBs in the
			// chain only generate an event if IOC is set, and
			// never consume any of the transfer's byte count. An
			// Event Data TRB's event carries its payload as the
			// TRB pointer and the bytes moved so far in the TD
			// (never more than bytesTransferred) as its length.
			if trb.IOC() {
				if trb.TrbType() == TrbTypeEventData {
					edtla := uint32(bytesTransferred - remaining)
					x.interrupter.SendTransferEventTrb(CompletionSuccess, trb.AsEventData().EventData(), edtla, x.slotID, x.endpointID)
				} else {
					x.interrupter.SendTransferEventTrb(CompletionSuccess, atrb.GPA, 0, x.slotID, x.endpointID)
				}
			}
			continue
		}

		consumed := int(reqLen)
		short := false

		if consumed > remaining {
			consumed = remaining
			short = true
		}
		remaining -= consumed

		if trb.IOC() || (short && status == TransferStatusSuccess) {
			code := trbCompletionCode(status, short)
			residual := reqLen - uint32(consumed)
			x.interrupter.SendTransferEventTrb(code, atrb.GPA, residual, x.slotID, x.endpointID)
		}
	}

	if x.onComplete != nil {
		x.onComplete()
	}
}
