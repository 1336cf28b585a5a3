// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package guestmem provides a bounds-checked view over guest physical
// memory, modeled after the TamaGo dma.Region allocator with allocation
// removed: the embedding VMM owns guest physical memory layout, this
// package only exposes typed, bounds-checked access to it.
package guestmem

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfRange is returned when an access falls outside the mapped region.
var ErrOutOfRange = errors.New("guestmem: address out of range")

// Memory represents a flat mapping of guest physical memory backed by a
// single []byte, typically obtained by mmap'ing a VMM-owned file or
// anonymous region. The zero value is not usable; use New.
type Memory struct {
	base uint64
	buf  []byte
}

// New wraps buf as guest physical memory starting at guest-physical address
// base.
func New(base uint64, buf []byte) *Memory {
	return &Memory{base: base, buf: buf}
}

// Base returns the guest-physical address of the first mapped byte.
func (m *Memory) Base() uint64 {
	return m.base
}

// Size returns the number of mapped bytes.
func (m *Memory) Size() int {
	return len(m.buf)
}

// Contains reports whether the half-open range [addr, addr+length) is
// entirely within the mapped region.
func (m *Memory) Contains(addr uint64, length int) bool {
	if length < 0 || addr < m.base {
		return false
	}

	off := addr - m.base
	end := off + uint64(length)

	return end <= uint64(len(m.buf)) && end >= off
}

func (m *Memory) slice(addr uint64, length int) ([]byte, error) {
	if !m.Contains(addr, length) {
		return nil, ErrOutOfRange
	}

	off := addr - m.base

	return m.buf[off : off+uint64(length)], nil
}

// ReadAt copies len(p) bytes starting at guest-physical address addr into p.
func (m *Memory) ReadAt(addr uint64, p []byte) error {
	src, err := m.slice(addr, len(p))
	if err != nil {
		return err
	}

	copy(p, src)

	return nil
}

// WriteAt copies p into guest physical memory starting at addr.
func (m *Memory) WriteAt(addr uint64, p []byte) error {
	dst, err := m.slice(addr, len(p))
	if err != nil {
		return err
	}

	copy(dst, p)

	return nil
}

// ReadUint32 reads a little-endian uint32 at addr.
func (m *Memory) ReadUint32(addr uint64) (uint32, error) {
	b, err := m.slice(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// WriteUint32 writes a little-endian uint32 at addr.
func (m *Memory) WriteUint32(addr uint64, v uint32) error {
	b, err := m.slice(addr, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b, v)

	return nil
}

// ReadUint64 reads a little-endian uint64 at addr.
func (m *Memory) ReadUint64(addr uint64) (uint64, error) {
	b, err := m.slice(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 writes a little-endian uint64 at addr.
func (m *Memory) WriteUint64(addr uint64, v uint64) error {
	b, err := m.slice(addr, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(b, v)

	return nil
}

// Bytes returns a bounds-checked slice of length bytes at addr, aliasing the
// underlying mapping (no copy). Callers that retain the slice across guest
// writes must be aware it is volatile.
func (m *Memory) Bytes(addr uint64, length int) ([]byte, error) {
	return m.slice(addr, length)
}
