// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mmio implements the byte-granular memory-mapped I/O register
// fabric that every emulated device in this module is built on: a sorted
// interval map of typed Register objects, each with a write mask, a
// write-1-to-clear mask, a reset value and an optional post-write callback.
//
// The design follows the register abstraction used throughout the TamaGo
// runtime (github.com/usbarmory/tamago/internal/reg and .../bits) but moves
// from direct unsafe.Pointer peripheral access to a software model suitable
// for a hypervisor that must arbitrate guest-initiated reads and writes.
package mmio

import (
	"fmt"
	"sync"
)

// WriteCallback is invoked after a register's value has been committed by a
// guest write. It runs without the register lock held, receives the newly
// committed value, and may return a replacement value which becomes the
// register's final committed value.
type WriteCallback func(val uint64) uint64

// Register is a dynamic, guest-writable hardware register.
type Register struct {
	mu sync.Mutex

	name  string
	off   uint64
	width int // byte width: 1, 2, 4 or 8
	reset uint64

	writableMask uint64
	w1cMask      uint64

	val uint64

	cb WriteCallback

	static bool
}

// NewRegister creates a dynamic register of the given byte width at
// relative offset off, with the given reset value, writable mask and
// write-1-to-clear mask. It panics if w1c is not a subset of writable, per
// the register invariant.
func NewRegister(name string, off uint64, width int, reset, writable, w1c uint64) *Register {
	if w1c&^writable != 0 {
		panic(fmt.Sprintf("mmio: register %s: w1c_mask is not a subset of writable_mask", name))
	}

	return &Register{
		name:         name,
		off:          off,
		width:        width,
		reset:        reset,
		writableMask: writable,
		w1cMask:      w1c,
		val:          reset,
	}
}

// NewStaticRegister creates a read-only register with a fixed value; any
// guest write to it is silently dropped.
func NewStaticRegister(name string, off uint64, width int, value uint64) *Register {
	return &Register{
		name:   name,
		off:    off,
		width:  width,
		reset:  value,
		val:    value,
		static: true,
	}
}

// OnWrite installs the post-write callback. It is not safe to call this
// concurrently with guest accesses; callers should install callbacks during
// device construction, before the register is wired into a Fabric that is
// being served.
func (r *Register) OnWrite(cb WriteCallback) *Register {
	r.cb = cb
	return r
}

// Name returns the register's name, for diagnostics.
func (r *Register) Name() string {
	return r.name
}

// Offset returns the register's offset within its Fabric.
func (r *Register) Offset() uint64 {
	return r.off
}

// Width returns the register's byte width.
func (r *Register) Width() int {
	return r.width
}

// Get returns the register's current committed value.
func (r *Register) Get() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.val
}

// Set forcibly assigns the register's value, bypassing write masks. Used by
// controllers that need to reflect internal state into a guest-visible
// register (e.g. PORTSC link-state bits) outside of a guest write.
func (r *Register) Set(val uint64) {
	r.mu.Lock()
	r.val = val
	r.mu.Unlock()
}

// SetBits ORs the given bits into the register's value.
func (r *Register) SetBits(bits uint64) {
	r.mu.Lock()
	r.val |= bits
	r.mu.Unlock()
}

// ClearBits clears the given bits in the register's value.
func (r *Register) ClearBits(bits uint64) {
	r.mu.Lock()
	r.val &^= bits
	r.mu.Unlock()
}

// resetVal restores the register to its reset value. No callback fires.
func (r *Register) resetVal() {
	r.mu.Lock()
	r.val = r.reset
	r.mu.Unlock()
}

// applyByte computes the new value of byte b at relative byte offset k
// against the current register value old, honoring the writable and w1c
// masks for that byte.
func applyByte(old, data byte, wrt, w1c byte) byte {
	clearedFromW1c := (^w1c & data) | (w1c & old &^ data)
	return (old &^ wrt) | (clearedFromW1c & wrt)
}

// writeBytes assembles a new register value from a byte-granular guest
// write covering relative offsets [start, start+len(data)) and commits it,
// returning the pre-callback committed value.
func (r *Register) writeBytes(start int, data []byte) uint64 {
	r.mu.Lock()

	old := r.val

	if r.static {
		r.mu.Unlock()
		return old
	}

	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(old >> (8 * i))
	}

	for i, d := range data {
		k := start + i
		if k >= 8 {
			break
		}

		wrt := byte(r.writableMask >> (8 * k))
		w1c := byte(r.w1cMask >> (8 * k))
		buf[k] = applyByte(buf[k], d, wrt, w1c)
	}

	var newVal uint64
	for i := 0; i < 8; i++ {
		newVal |= uint64(buf[i]) << (8 * i)
	}

	r.val = newVal
	r.mu.Unlock()

	return newVal
}

// runCallback invokes the register's write callback, if any, outside the
// register lock, and commits its return value as the final value.
func (r *Register) runCallback(committed uint64) {
	if r.cb == nil {
		return
	}

	final := r.cb(committed)

	r.mu.Lock()
	r.val = final
	r.mu.Unlock()
}

// readBytes copies the intersection of the register's byte range with
// [start, start+len(dst)) into dst, little-endian.
func (r *Register) readBytes(start int, dst []byte) {
	r.mu.Lock()
	val := r.val
	r.mu.Unlock()

	for i := range dst {
		k := start + i
		if k >= 8 {
			dst[i] = 0xff
			continue
		}

		dst[i] = byte(val >> (8 * k))
	}
}
