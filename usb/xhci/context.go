// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "github.com/usbarmory/vmdevices/guestmem"

// DeviceContextEntrySize is the size, in bytes, of a single Slot Context or
// Endpoint Context entry. A Device Context is 32 such entries: one Slot
// Context followed by 31 Endpoint Contexts (EP0 through EP15 IN/OUT).
const DeviceContextEntrySize = 32

// MaxSlots is the largest device slot id this controller will allocate.
const MaxSlots = 32

// MaxEndpoints is the number of endpoints per device slot, addressed by
// Device Context Index: DCI 1 is the default control endpoint and 2..31 are
// EP1-OUT..EP15-IN in the usual USB "2*epnum + dir" numbering used by the
// xHCI spec. DCI 0 is the slot context and carries no endpoint.
const MaxEndpoints = 31

// SlotContext mirrors the guest-memory Slot Context layout (xHCI spec
// section 6.2.2), decoded from/encoded to its 32-byte wire form.
type SlotContext struct {
	RouteString     uint32
	Speed           uint8
	ContextEntries  uint8
	RootHubPortNum  uint8
	NumPorts        uint8
	USBDeviceAddress uint8
	SlotState       uint8
}

// Slot states (xHCI spec table 60). DisabledOrEnabled shares value 0.
const (
	SlotStateDisabledOrEnabled = 0
	SlotStateDefault           = 1
	SlotStateAddressed         = 2
	SlotStateConfigured        = 3
)

func decodeSlotContext(b []byte) SlotContext {
	dw0 := le32(b[0:4])
	dw1 := le32(b[4:8])
	dw3 := le32(b[12:16])

	return SlotContext{
		RouteString:      dw0 & 0xfffff,
		Speed:            uint8((dw0 >> 20) & 0xf),
		ContextEntries:   uint8((dw0 >> 27) & 0x1f),
		RootHubPortNum:   uint8((dw1 >> 16) & 0xff),
		NumPorts:         uint8((dw1 >> 24) & 0xff),
		USBDeviceAddress: uint8(dw3 & 0xff),
		SlotState:        uint8((dw3 >> 27) & 0x1f),
	}
}

func encodeSlotContext(b []byte, s SlotContext) {
	dw0 := (s.RouteString & 0xfffff) | uint32(s.Speed&0xf)<<20 | uint32(s.ContextEntries&0x1f)<<27
	dw1 := uint32(s.RootHubPortNum)<<16 | uint32(s.NumPorts)<<24
	dw3 := uint32(s.USBDeviceAddress) | uint32(s.SlotState&0x1f)<<27

	putLE32(b[0:4], dw0)
	putLE32(b[4:8], dw1)
	putLE32(b[8:12], 0)
	putLE32(b[12:16], dw3)
}

// EndpointContext mirrors the guest-memory Endpoint Context layout (xHCI
// spec section 6.2.3).
type EndpointContext struct {
	EpState       uint8
	Mult          uint8
	MaxPStreams   uint8
	LSA           bool
	Interval      uint8
	CErr          uint8
	EpType        uint8
	MaxBurstSize  uint8
	MaxPacketSize uint16
	TRDequeuePtr  uint64
	DCS           bool
	AverageTRBLen uint16
}

// Endpoint states (xHCI spec table 62).
const (
	EndpointStateDisabled = 0
	EndpointStateRunning  = 1
	EndpointStateHalted   = 2
	EndpointStateStopped  = 3
	EndpointStateError    = 4
)

// Endpoint types (xHCI spec table 61).
const (
	EpTypeNotValid     = 0
	EpTypeIsochOut     = 1
	EpTypeBulkOut      = 2
	EpTypeInterruptOut = 3
	EpTypeControl      = 4
	EpTypeIsochIn      = 5
	EpTypeBulkIn       = 6
	EpTypeInterruptIn  = 7
)

func decodeEndpointContext(b []byte) EndpointContext {
	dw0 := le32(b[0:4])
	dw1 := le32(b[4:8])
	ptr := le64(b[8:16])
	dw4 := le32(b[16:20])

	return EndpointContext{
		EpState:       uint8(dw0 & 0x7),
		Mult:          uint8((dw0 >> 8) & 0x3),
		MaxPStreams:   uint8((dw0 >> 10) & 0x1f),
		LSA:           dw0&(1<<15) != 0,
		Interval:      uint8((dw0 >> 16) & 0xff),
		CErr:          uint8((dw1 >> 1) & 0x3),
		EpType:        uint8((dw1 >> 3) & 0x7),
		MaxBurstSize:  uint8((dw1 >> 8) & 0xff),
		MaxPacketSize: uint16((dw1 >> 16) & 0xffff),
		TRDequeuePtr:  ptr &^ 0xf,
		DCS:           ptr&0x1 != 0,
		AverageTRBLen: uint16(dw4 & 0xffff),
	}
}

func encodeEndpointContext(b []byte, e EndpointContext) {
	dw0 := uint32(e.EpState&0x7) | uint32(e.Mult&0x3)<<8 | uint32(e.MaxPStreams&0x1f)<<10 | uint32(e.Interval)<<16
	if e.LSA {
		dw0 |= 1 << 15
	}

	dw1 := uint32(e.CErr&0x3)<<1 | uint32(e.EpType&0x7)<<3 | uint32(e.MaxBurstSize)<<8 | uint32(e.MaxPacketSize)<<16

	ptr := e.TRDequeuePtr &^ 0xf
	if e.DCS {
		ptr |= 1
	}

	putLE32(b[0:4], dw0)
	putLE32(b[4:8], dw1)
	putLE64(b[8:16], ptr)
	putLE32(b[16:20], uint32(e.AverageTRBLen))
}

// InputControlContext mirrors the guest-memory Input Control Context
// layout (xHCI spec section 6.2.5.1): DropContextFlags in DWORD0 and
// AddContextFlags in DWORD1. The ConfigurationValue/InterfaceNumber/
// AlternateSetting fields of DWORD7 are not decoded. BSR and DC are not
// part of this struct; they live on the Address Device / Configure
// Endpoint command TRBs, not in the context structure.
type InputControlContext struct {
	DropContextFlags uint32
	AddContextFlags  uint32
}

func decodeInputControlContext(b []byte) InputControlContext {
	return InputControlContext{
		DropContextFlags: le32(b[0:4]),
		AddContextFlags:  le32(b[4:8]),
	}
}

// DeviceContexts provides copy-in/copy-out access to the fixed-size
// bitfield structures the xHCI spec places in guest memory: slot and
// endpoint contexts addressed indirectly through the Device Context Base
// Address Array (DCBAAP).
type DeviceContexts struct {
	mem *guestmem.Memory
}

// NewDeviceContexts wraps mem for context access.
func NewDeviceContexts(mem *guestmem.Memory) *DeviceContexts {
	return &DeviceContexts{mem: mem}
}

// deviceContextAddr resolves slot id to the guest-physical address of its
// Device Context, through the DCBAAP.
func (d *DeviceContexts) deviceContextAddr(dcbaap uint64, slotID uint8) (uint64, error) {
	entry, err := d.mem.ReadUint64(dcbaap + uint64(slotID)*8)
	if err != nil {
		return 0, err
	}

	return entry, nil
}

// ReadSlotContext reads the Slot Context (entry 0) of the device context
// referenced by DCBAAP for the given slot.
func (d *DeviceContexts) ReadSlotContext(dcbaap uint64, slotID uint8) (SlotContext, error) {
	addr, err := d.deviceContextAddr(dcbaap, slotID)
	if err != nil {
		return SlotContext{}, err
	}

	b, err := d.mem.Bytes(addr, DeviceContextEntrySize)
	if err != nil {
		return SlotContext{}, err
	}

	return decodeSlotContext(b), nil
}

// WriteSlotContext writes the Slot Context for the given slot.
func (d *DeviceContexts) WriteSlotContext(dcbaap uint64, slotID uint8, s SlotContext) error {
	addr, err := d.deviceContextAddr(dcbaap, slotID)
	if err != nil {
		return err
	}

	b, err := d.mem.Bytes(addr, DeviceContextEntrySize)
	if err != nil {
		return err
	}

	encodeSlotContext(b, s)

	return nil
}

// ReadEndpointContext reads the Endpoint Context for endpoint index ep
// (1..31) of the given slot's device context.
func (d *DeviceContexts) ReadEndpointContext(dcbaap uint64, slotID uint8, ep int) (EndpointContext, error) {
	addr, err := d.deviceContextAddr(dcbaap, slotID)
	if err != nil {
		return EndpointContext{}, err
	}

	b, err := d.mem.Bytes(addr+uint64(ep)*DeviceContextEntrySize, DeviceContextEntrySize)
	if err != nil {
		return EndpointContext{}, err
	}

	return decodeEndpointContext(b), nil
}

// WriteEndpointContext writes the Endpoint Context for endpoint index ep.
func (d *DeviceContexts) WriteEndpointContext(dcbaap uint64, slotID uint8, ep int, e EndpointContext) error {
	addr, err := d.deviceContextAddr(dcbaap, slotID)
	if err != nil {
		return err
	}

	b, err := d.mem.Bytes(addr+uint64(ep)*DeviceContextEntrySize, DeviceContextEntrySize)
	if err != nil {
		return err
	}

	encodeEndpointContext(b, e)

	return nil
}

// ReadInputControlContext reads the Input Control Context at offset 0 of an
// Input Context.
func (d *DeviceContexts) ReadInputControlContext(inputCtx uint64) (InputControlContext, error) {
	b, err := d.mem.Bytes(inputCtx, DeviceContextEntrySize)
	if err != nil {
		return InputControlContext{}, err
	}

	return decodeInputControlContext(b), nil
}

// ReadInputSlotContext reads the Slot Context embedded in an Input Context
// at offset DeviceContextEntrySize.
func (d *DeviceContexts) ReadInputSlotContext(inputCtx uint64) (SlotContext, error) {
	b, err := d.mem.Bytes(inputCtx+DeviceContextEntrySize, DeviceContextEntrySize)
	if err != nil {
		return SlotContext{}, err
	}

	return decodeSlotContext(b), nil
}

// ReadInputEndpointContext reads the Endpoint Context embedded in an Input
// Context for endpoint index ep (1..31).
func (d *DeviceContexts) ReadInputEndpointContext(inputCtx uint64, ep int) (EndpointContext, error) {
	b, err := d.mem.Bytes(inputCtx+uint64(ep+1)*DeviceContextEntrySize, DeviceContextEntrySize)
	if err != nil {
		return EndpointContext{}, err
	}

	return decodeEndpointContext(b), nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b[0:4])) | uint64(le32(b[4:8]))<<32
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	putLE32(b[0:4], uint32(v))
	putLE32(b[4:8], uint32(v>>32))
}
