// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

import (
	"sync"

	"github.com/usbarmory/vmdevices/mmio"
)

// CONFIG_ADDRESS / CONFIG_DATA are the fixed legacy x86 PIO ports used for
// PCI configuration mechanism #1, matching the teacher's guest-side
// constants of the same name in soc/intel/pci.
const (
	ConfigAddress = 0x0CF8
	ConfigData    = 0x0CFC
)

type funcKey struct {
	bus, slot, fn uint8
}

// Root is a PCI Root Complex: it owns every attached Function's
// configuration header, answers the CONFIG_ADDRESS/CONFIG_DATA indirection
// on its PIO fabric, and routes guest MMIO accesses to whichever Function
// currently owns the BAR covering the accessed address.
type Root struct {
	mu        sync.Mutex
	functions map[funcKey]*Function

	pio        *mmio.Fabric
	regAddress *mmio.Register
	regData    *mmio.Register
}

// NewRoot creates an empty root complex with its CONFIG_ADDRESS/CONFIG_DATA
// PIO registers wired up.
func NewRoot() *Root {
	r := &Root{
		functions: make(map[funcKey]*Function),
		pio:       mmio.NewFabric(),
	}

	r.regAddress = mmio.NewRegister("CONFIG_ADDRESS", ConfigAddress, 4, 0, 0xfffffffc, 0).
		OnWrite(r.onConfigAddressWrite)
	r.pio.Register(ConfigAddress, r.regAddress)

	r.regData = mmio.NewRegister("CONFIG_DATA", ConfigData, 4, 0, 0xffffffff, 0).
		OnWrite(r.onConfigDataWrite)
	r.pio.Register(ConfigData, r.regData)

	return r
}

// PIOFabric returns the fabric exposing CONFIG_ADDRESS and CONFIG_DATA, for
// the embedding VMM to map at their fixed port addresses.
func (r *Root) PIOFabric() *mmio.Fabric {
	return r.pio
}

// Attach registers f as the function at the given bus/slot/fn triple.
func (r *Root) Attach(bus, slot, fn uint8, f *Function) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.functions[funcKey{bus, slot, fn}] = f
}

// Function returns the function attached at bus/slot/fn, or nil.
func (r *Root) Function(bus, slot, fn uint8) *Function {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.functions[funcKey{bus, slot, fn}]
}

func (r *Root) lookup(addr uint32) (*Function, uint8, bool) {
	if addr&0x80000000 == 0 {
		return nil, 0, false
	}

	bus := uint8(addr >> 16)
	slot := uint8((addr >> 11) & 0x1f)
	fn := uint8((addr >> 8) & 0x7)
	off := uint8(addr & 0xfc)

	r.mu.Lock()
	f, ok := r.functions[funcKey{bus, slot, fn}]
	r.mu.Unlock()

	return f, off, ok
}

func (r *Root) onConfigAddressWrite(val uint64) uint64 {
	addr := uint32(val) &^ 0x3

	f, off, ok := r.lookup(addr)

	var data uint32
	if ok {
		data = f.ReadConfig32(off)
	} else {
		data = 0xffffffff
	}

	r.regData.Set(uint64(data))

	return uint64(addr)
}

func (r *Root) onConfigDataWrite(val uint64) uint64 {
	addr := uint32(r.regAddress.Get())

	f, off, ok := r.lookup(addr)
	if ok {
		f.WriteConfig32(off, uint32(val))
	}

	return val
}

// DispatchMMIORead services a guest MMIO read at addr by finding the
// Function whose currently-programmed BAR covers [addr, addr+len(buf)) and
// forwarding to its register fabric. It reports false if no BAR claims the
// address, letting the caller fall back to unmapped-space behavior.
func (r *Root) DispatchMMIORead(addr uint64, buf []byte) bool {
	bar := r.findBAR(addr, len(buf))
	if bar == nil {
		return false
	}

	bar.Fab.Read(addr-bar.addr, buf)

	return true
}

// DispatchMMIOWrite services a guest MMIO write the same way DispatchMMIORead
// services a read.
func (r *Root) DispatchMMIOWrite(addr uint64, buf []byte) bool {
	bar := r.findBAR(addr, len(buf))
	if bar == nil {
		return false
	}

	bar.Fab.Write(addr-bar.addr, buf)

	return true
}

func (r *Root) findBAR(addr uint64, length int) *BAR {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.functions {
		f.mu.Lock()
		bars := f.bars
		f.mu.Unlock()

		for _, b := range bars {
			if b == nil || b.Fab == nil || b.addr == 0 {
				continue
			}

			if addr >= b.addr && addr+uint64(length) <= b.addr+b.Size {
				return b
			}
		}
	}

	return nil
}
