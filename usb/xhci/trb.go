// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xhci implements the core of this module: an xHCI (USB 3.0 host
// controller interface) emulation whose register file lives in an
// mmio.Fabric, whose command and transfer rings are driven entirely from
// guest memory, and whose transfers are forwarded to a backend device (the
// USB host passthrough implementation lives in usb/hostbackend).
//
// The source represents a Trb as 16 raw bytes reinterpreted through unsafe
// casts into ~20 cast-compatible structs. Go has no such type punning, so
// here a Trb is always the raw 16 bytes plus generic accessors for the
// fields common to every variant (cycle, chain, trb type); callers decode a
// specific variant's extra fields with the As* helpers in trb_views.go, which read
// directly out of the same 16 bytes rather than copying into a separate
// representation, preserving an exact raw round trip for event-ring writes.
package xhci

import "encoding/binary"

// TrbSize is the fixed size, in bytes, of every TRB on every ring.
const TrbSize = 16

// Trb is a raw 16-byte Transfer Request Block.
type Trb [TrbSize]byte

// TRB types (6-bit trb_type field, xHCI spec table 6.4.6).
const (
	TrbTypeReserved                 = 0
	TrbTypeNormal                   = 1
	TrbTypeSetupStage               = 2
	TrbTypeDataStage                = 3
	TrbTypeStatusStage              = 4
	TrbTypeIsoch                    = 5
	TrbTypeLink                     = 6
	TrbTypeEventData                = 7
	TrbTypeNoop                     = 8
	TrbTypeEnableSlotCommand        = 9
	TrbTypeDisableSlotCommand       = 10
	TrbTypeAddressDeviceCommand     = 11
	TrbTypeConfigureEndpointCommand = 12
	TrbTypeEvaluateContextCommand   = 13
	TrbTypeResetEndpointCommand     = 14
	TrbTypeStopEndpointCommand      = 15
	TrbTypeSetTRDequeuePointerCmd   = 16
	TrbTypeResetDeviceCommand       = 17
	TrbTypeNoopCommand              = 23
	TrbTypeTransferEvent            = 32
	TrbTypeCommandCompletionEvent   = 33
	TrbTypePortStatusChangeEvent    = 34
)

// Completion codes (xHCI spec table 6.4.5).
const (
	CompletionSuccess               = 1
	CompletionTransactionError      = 4
	CompletionTrbError              = 5
	CompletionStall                 = 6
	CompletionResourceError         = 7
	CompletionNoSlotsAvailableError = 9
	CompletionSlotNotEnabledError   = 11
	CompletionShortPacket           = 13
	CompletionContextStateError     = 19
	CompletionStopped               = 26
)

// Control-DWORD (bytes 12-15) bit positions shared by all variants.
const (
	bitCycle       = 0
	bitToggleCycle = 1 // link TRBs only; aliases ENT on normal TRBs
	bitChain       = 4
	bitIOC         = 5
	bitIDT         = 6
)

func (t *Trb) dword(n int) uint32 {
	return binary.LittleEndian.Uint32(t[n*4 : n*4+4])
}

func (t *Trb) setDword(n int, v uint32) {
	binary.LittleEndian.PutUint32(t[n*4:n*4+4], v)
}

// Cycle returns the TRB's cycle bit.
func (t *Trb) Cycle() bool {
	return t.dword(3)&(1<<bitCycle) != 0
}

// SetCycle sets the TRB's cycle bit.
func (t *Trb) SetCycle(b bool) {
	v := t.dword(3)
	if b {
		v |= 1 << bitCycle
	} else {
		v &^= 1 << bitCycle
	}
	t.setDword(3, v)
}

// ToggleCycle returns the link TRB toggle-cycle bit.
func (t *Trb) ToggleCycle() bool {
	return t.dword(3)&(1<<bitToggleCycle) != 0
}

// Chain returns the chain bit linking this TRB to the next in its TD.
func (t *Trb) Chain() bool {
	return t.dword(3)&(1<<bitChain) != 0
}

// IOC returns the interrupt-on-completion bit.
func (t *Trb) IOC() bool {
	return t.dword(3)&(1<<bitIOC) != 0
}

// IDT returns the immediate-data bit (parameter holds data, not a pointer).
func (t *Trb) IDT() bool {
	return t.dword(3)&(1<<bitIDT) != 0
}

// TrbType returns the 6-bit TRB type field.
func (t *Trb) TrbType() int {
	return int((t.dword(3) >> 10) & 0x3f)
}

// SetTrbType sets the 6-bit TRB type field.
func (t *Trb) SetTrbType(v int) {
	d := t.dword(3)
	d = (d &^ (0x3f << 10)) | (uint32(v&0x3f) << 10)
	t.setDword(3, d)
}

// Parameter returns the 64-bit parameter field (DWORD0:1), used as a guest
// pointer on data-bearing TRBs and as the originating TRB pointer on event
// TRBs.
func (t *Trb) Parameter() uint64 {
	return uint64(t.dword(0)) | uint64(t.dword(1))<<32
}

// SetParameter sets the 64-bit parameter field.
func (t *Trb) SetParameter(v uint64) {
	t.setDword(0, uint32(v))
	t.setDword(1, uint32(v>>32))
}

// Status returns the raw status DWORD (DWORD2), interpreted differently per
// variant (transfer length, completion code + param, etc).
func (t *Trb) Status() uint32 {
	return t.dword(2)
}

// SetStatus sets the raw status DWORD.
func (t *Trb) SetStatus(v uint32) {
	t.setDword(2, v)
}

// Control returns the raw control DWORD (DWORD3).
func (t *Trb) Control() uint32 {
	return t.dword(3)
}

// SetControl sets the raw control DWORD.
func (t *Trb) SetControl(v uint32) {
	t.setDword(3, v)
}

// InterrupterTarget returns the 10-bit interrupter target field, present on
// data-bearing and link TRBs in bits 22:31 of the status DWORD.
func (t *Trb) InterrupterTarget() int {
	return int((t.dword(2) >> 22) & 0x3ff)
}

// SlotID returns the 8-bit slot id field present on command and event TRBs
// (bits 24:31 of the control DWORD).
func (t *Trb) SlotID() uint8 {
	return uint8(t.dword(3) >> 24)
}

// SetSlotID sets the 8-bit slot id field.
func (t *Trb) SetSlotID(id uint8) {
	d := t.dword(3)
	d = (d &^ (0xff << 24)) | (uint32(id) << 24)
	t.setDword(3, d)
}

// AddressedTrb pairs a Trb with the guest-physical address it was read
// from, needed to post command-completion events that echo back the
// originating TRB's address.
type AddressedTrb struct {
	Trb Trb
	GPA uint64
}

// IsLegalOnTransferRing reports whether t's type may legally appear on a
// transfer ring (as opposed to only the command ring).
func (t *Trb) IsLegalOnTransferRing() bool {
	switch t.TrbType() {
	case TrbTypeNormal, TrbTypeSetupStage, TrbTypeDataStage, TrbTypeStatusStage,
		TrbTypeIsoch, TrbTypeLink, TrbTypeEventData, TrbTypeNoop:
		return true
	default:
		return false
	}
}
