// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pci implements the host side of a PCI configuration-space
// indirection mechanism: a Root Complex owning CONFIG_ADDRESS/CONFIG_DATA,
// and a Function type modeling one device's 256-byte configuration header,
// BARs and capability list. It is the mirror image of the teacher's
// soc/intel/pci guest-side driver (pci.Device.Read/Write/BaseAddress):
// that package issues the CONFIG_ADDRESS/CONFIG_DATA cycle from the guest
// side, this one answers it from the host/emulation side.
package pci

import (
	"encoding/binary"
	"sync"

	"github.com/usbarmory/vmdevices/mmio"
)

// ConfigSpaceSize is the legacy (non-extended) PCI configuration header
// size in bytes.
const ConfigSpaceSize = 256

// Header Type 0x0 field offsets.
const (
	offVendorID   = 0x00
	offDeviceID   = 0x02
	offCommand    = 0x04
	offStatus     = 0x06
	offRevisionID = 0x08
	offProgIF     = 0x09
	offSubclass   = 0x0A
	offClassCode  = 0x0B
	offCacheLine  = 0x0C
	offLatency    = 0x0D
	offHeaderType = 0x0E
	offBIST       = 0x0F
	offBar0       = 0x10
	offCapList    = 0x34
	offIntLine    = 0x3C
	offIntPin     = 0x3D
)

const (
	statusCapList = 1 << 4
)

// commandWritableMask covers I/O Space, Memory Space, Bus Master, Parity
// Error Response, SERR# Enable and Interrupt Disable — the bits a real
// guest driver actually toggles; the rest of the Command register is
// hardwired to 0 in this model.
const commandWritableMask = 0x0547

// BAR describes one memory-mapped Base Address Register: its size (must be
// a power of two) and the register fabric it exposes once mapped. SetBAR
// accepts a BAR with a nil Fab: the guest can size and program it, but no
// MMIO access is ever routed to it.
type BAR struct {
	Size uint64
	Fab  *mmio.Fabric

	addr uint64 // guest-physical base once programmed; 0 == unmapped
}

// Addr returns the BAR's currently programmed guest-physical base address,
// or 0 if the guest has not yet assigned one.
func (b *BAR) Addr() uint64 {
	return b.addr
}

// Function is one PCI function's configuration header, BAR set and
// capability list, addressed by a Root Complex through CONFIG_ADDRESS and
// CONFIG_DATA.
type Function struct {
	mu sync.Mutex

	config [ConfigSpaceSize]byte
	bars   [6]*BAR

	capEnd uint8

	irqLine func(level bool)
}

// NewFunction builds a Type 0x0 PCI function header with the given
// identification and classification fields. Capabilities and BARs are
// added afterward with AddCapabilityMSIX and SetBAR.
func NewFunction(vendorID, deviceID uint16, classCode, subclass, progIF uint8) *Function {
	f := &Function{capEnd: 0x40}

	binary.LittleEndian.PutUint16(f.config[offVendorID:], vendorID)
	binary.LittleEndian.PutUint16(f.config[offDeviceID:], deviceID)
	f.config[offClassCode] = classCode
	f.config[offSubclass] = subclass
	f.config[offProgIF] = progIF
	f.config[offHeaderType] = 0x00

	return f
}

// SetBAR installs bar at BAR index idx (0..5) as given; bar.Size is not
// rounded, so it has to be a power of two already for the guest's
// BAR-sizing probe to read back a valid size mask. Memory-mapped, 32-bit,
// non-prefetchable BARs are the only kind this module needs.
func (f *Function) SetBAR(idx int, bar *BAR) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bars[idx] = bar
}

// BAR returns the BAR registered at index idx, or nil.
func (f *Function) BAR(idx int) *BAR {
	f.mu.Lock()
	defer f.mu.Unlock()

	if idx < 0 || idx > 5 {
		return nil
	}

	return f.bars[idx]
}

// SetInterruptPin sets the function's legacy interrupt pin (1=INTA,
// 2=INTB, ...). 0 means the function uses no legacy interrupt.
func (f *Function) SetInterruptPin(pin uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.config[offIntPin] = pin
}

// SetIRQLine wires the function's legacy INTx assertion to cb, called with
// true to assert and false to deassert the line.
func (f *Function) SetIRQLine(cb func(level bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.irqLine = cb
}

// AssertINTx drives the function's legacy interrupt line. Functions in this
// module never use MSI/MSI-X on the guest-visible path, consistent with the
// documented non-goal; the capability structures modeled by
// AddCapabilityMSIX are never unmasked into an actual signaling path.
func (f *Function) AssertINTx(level bool) {
	f.mu.Lock()
	cb := f.irqLine
	f.mu.Unlock()

	if cb != nil {
		cb(level)
	}
}

// ReadConfig32 reads one aligned 32-bit word of configuration space.
func (f *Function) ReadConfig32(off uint8) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	o := int(off) &^ 0x3

	return binary.LittleEndian.Uint32(f.config[o : o+4])
}

// WriteConfig32 writes one aligned 32-bit word of configuration space,
// applying per-field write semantics (read-only fields are silently
// dropped, BAR writes run the sizing/programming protocol, Command is
// masked to its writable bits).
func (f *Function) WriteConfig32(off uint8, val uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o := int(off) &^ 0x3

	switch {
	case o == offCommand&^0x3:
		cur := binary.LittleEndian.Uint16(f.config[offCommand:])
		status := binary.LittleEndian.Uint16(f.config[offStatus:])
		newCmd := (cur &^ commandWritableMask) | (uint16(val) & commandWritableMask)
		binary.LittleEndian.PutUint16(f.config[offCommand:], newCmd)
		binary.LittleEndian.PutUint16(f.config[offStatus:], status)

	case o == 0x0C:
		// CacheLineSize / LatencyTimer / HeaderType(ro) / BIST(ro).
		f.config[offCacheLine] = byte(val)
		f.config[offLatency] = byte(val >> 8)

	case o == 0x3C:
		// InterruptLine is guest-writable; InterruptPin/MinGnt/MaxLat
		// are host-fixed.
		f.config[offIntLine] = byte(val)

	case o >= offBar0 && o <= offBar0+5*4 && (o-offBar0)%4 == 0:
		f.writeBAR((o-offBar0)/4, val)

	default:
		// Vendor/Device/RevisionID/Class/Subclass/ProgIF/capability
		// list contents/Status are all read-only from the guest's
		// perspective in this model.
	}
}

func (f *Function) writeBAR(idx int, val uint32) {
	bar := f.bars[idx]
	off := offBar0 + idx*4

	if bar == nil {
		binary.LittleEndian.PutUint32(f.config[off:], 0)
		return
	}

	if val == 0xFFFFFFFF {
		mask := uint32(^(bar.Size - 1))
		binary.LittleEndian.PutUint32(f.config[off:], mask&^0xf)
		return
	}

	base := uint64(val &^ 0xf)
	bar.addr = base

	binary.LittleEndian.PutUint32(f.config[off:], uint32(base))
}

// AddCapabilityMSIX appends an MSI-X capability structure to the function's
// capability list, pointing its table and PBA at the given BAR index and
// byte offset. Modeled generically per the PCI package's remit to expose
// MSI-X capability structures even though every function in this module
// signals interrupts over legacy INTx.
func (f *Function) AddCapabilityMSIX(tableBAR uint8, tableOffset uint32, pbaBAR uint8, pbaOffset uint32, numVectors uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	const capIDMSIX = 0x11
	const capLen = 12

	off := f.capEnd

	f.config[off] = capIDMSIX
	f.config[off+1] = 0

	msgCtrl := (numVectors - 1) & 0x7ff
	binary.LittleEndian.PutUint16(f.config[off+2:], msgCtrl)
	binary.LittleEndian.PutUint32(f.config[off+4:], tableOffset&^0x7|uint32(tableBAR))
	binary.LittleEndian.PutUint32(f.config[off+8:], pbaOffset&^0x7|uint32(pbaBAR))

	f.linkCapability(off)
	f.capEnd = off + capLen

	f.config[offStatus] |= statusCapList
}

// AddCapability appends a fully pre-encoded capability structure (its
// vendor/length/type header already filled in at data[0:4], per the PCI
// capability list format) to the function's capability list, and returns
// the offset it was placed at. data[1] (the CapNext link byte) is
// overwritten by the linked-list maintenance logic regardless of its input
// value.
func (f *Function) AddCapability(data []byte) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := f.capEnd
	copy(f.config[off:], data)
	f.config[off+1] = 0

	f.linkCapability(off)
	f.capEnd = off + uint8(len(data))

	f.config[offStatus] |= statusCapList

	return off
}

func (f *Function) linkCapability(off uint8) {
	if f.config[offCapList] == 0 {
		f.config[offCapList] = off
		return
	}

	p := f.config[offCapList]
	for f.config[p+1] != 0 {
		p = f.config[p+1]
	}
	f.config[p+1] = off
}
