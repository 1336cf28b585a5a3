// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmio

import (
	"fmt"
	"sort"
	"sync"
)

// AddressRange is a half-open [Base, Base+Len) range over a 64-bit address
// space. Equality and ordering are defined on Base alone, matching its use
// as a key inside a sorted interval map.
type AddressRange struct {
	Base uint64
	Len  uint64
}

// End returns the exclusive end of the range.
func (a AddressRange) End() uint64 {
	return a.Base + a.Len
}

// Contains reports whether addr falls within the range.
func (a AddressRange) Contains(addr uint64) bool {
	return addr >= a.Base && addr < a.End()
}

func (a AddressRange) overlaps(b AddressRange) bool {
	return a.Base < b.End() && b.Base < a.End()
}

type entry struct {
	rng AddressRange
	reg *Register
}

// Fabric is a sorted interval map from AddressRange to Register, routing a
// guest's byte-granular MMIO reads and writes to the register that claims
// the accessed address.
type Fabric struct {
	mu      sync.RWMutex
	entries []entry // kept sorted by rng.Base
}

// NewFabric creates an empty register fabric.
func NewFabric() *Fabric {
	return &Fabric{}
}

// Register inserts reg at the half-open range [off, off+width). It panics
// if the range overlaps any range already registered in this fabric —
// overlapping registration is a programming error, not a runtime
// condition, and is expected to fail loudly at construction time.
func (f *Fabric) Register(off uint64, reg *Register) {
	rng := AddressRange{Base: off, Len: uint64(reg.Width())}

	f.mu.Lock()
	defer f.mu.Unlock()

	i := sort.Search(len(f.entries), func(i int) bool { return f.entries[i].rng.Base >= rng.Base })

	if i > 0 && f.entries[i-1].rng.overlaps(rng) {
		panic(fmt.Sprintf("mmio: register %q at 0x%x overlaps existing range", reg.Name(), off))
	}
	if i < len(f.entries) && f.entries[i].rng.overlaps(rng) {
		panic(fmt.Sprintf("mmio: register %q at 0x%x overlaps existing range", reg.Name(), off))
	}

	f.entries = append(f.entries, entry{})
	copy(f.entries[i+1:], f.entries[i:])
	f.entries[i] = entry{rng: rng, reg: reg}
}

// find returns the entry whose range contains addr, or nil.
func (f *Fabric) find(addr uint64) *entry {
	i := sort.Search(len(f.entries), func(i int) bool { return f.entries[i].rng.Base > addr })

	if i == 0 {
		return nil
	}

	e := &f.entries[i-1]
	if !e.rng.Contains(addr) {
		return nil
	}

	return e
}

// Read services a guest read of len(buf) bytes starting at addr. Bytes that
// fall outside any registered range are filled with 0xff, matching real
// hardware behavior for unmapped MMIO. A read may span multiple registers;
// each register only ever services the bytes within its own range.
func (f *Fabric) Read(addr uint64, buf []byte) {
	for i := range buf {
		buf[i] = 0xff
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	pos := 0
	for pos < len(buf) {
		e := f.find(addr + uint64(pos))
		if e == nil {
			pos++
			continue
		}

		start := int(addr+uint64(pos)) - int(e.rng.Base)
		n := int(e.rng.End()-addr) - pos
		if n > len(buf)-pos {
			n = len(buf) - pos
		}

		e.reg.readBytes(start, buf[pos:pos+n])
		pos += n
	}
}

// Write services a guest write of buf starting at addr. A single write is
// permitted to span only one register; bytes beyond the first register's
// range are clipped (dropped), matching real PCI BAR access semantics where
// an access is never allowed to straddle independently-decoded registers.
func (f *Fabric) Write(addr uint64, buf []byte) {
	f.mu.RLock()
	e := f.find(addr)
	f.mu.RUnlock()

	if e == nil {
		return
	}

	start := int(addr) - int(e.rng.Base)
	n := int(e.rng.End() - addr)
	if n > len(buf) {
		n = len(buf)
	}

	committed := e.reg.writeBytes(start, buf[:n])

	// the callback must never run with any fabric or register lock held,
	// to allow it to re-enter the fabric (e.g. to update a different
	// register) without deadlocking.
	e.reg.runCallback(committed)
}

// ResetAll restores every registered register to its reset value. No
// write callbacks fire.
func (f *Fabric) ResetAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, e := range f.entries {
		e.reg.resetVal()
	}
}

// Lookup returns the register registered at exactly offset off, if any.
// Useful for device code that needs a handle to a register it just
// registered (e.g. to call SetBits from an unrelated code path).
func (f *Fabric) Lookup(off uint64) *Register {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, e := range f.entries {
		if e.rng.Base == off {
			return e.reg
		}
	}

	return nil
}
