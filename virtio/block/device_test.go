// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package block

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/usbarmory/vmdevices/eventloop"
	"github.com/usbarmory/vmdevices/guestmem"
)

func TestSingleReadRequest(t *testing.T) {
	backing, err := os.CreateTemp("", "vmdevices-virtio-blk-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(backing.Name())

	sector0 := make([]byte, sectorSize)
	for i := range sector0 {
		sector0[i] = byte(i)
	}
	if _, err := backing.Write(sector0); err != nil {
		t.Fatal(err)
	}
	backing.Close()

	loop, err := eventloop.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	buf := make([]byte, 8192)
	mem := guestmem.New(0, buf)

	var irqPulses int
	assertIRQ := func(level bool) {
		if level {
			irqPulses++
		}
	}

	d, fn, err := New(mem, backing.Name(), loop, assertIRQ)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	const (
		descTableAddr = 0x100
		availAddr     = 0x200
		usedAddr      = 0x300
		headerAddr    = 0x400
		dataAddr      = 0x500
		statusAddr    = 0x700
	)

	binary.LittleEndian.PutUint32(buf[headerAddr:], reqIn)
	binary.LittleEndian.PutUint32(buf[headerAddr+4:], 0)
	binary.LittleEndian.PutUint64(buf[headerAddr+8:], 0)

	putDesc := func(idx int, addr uint64, length uint32, flags, next uint16) {
		off := descTableAddr + idx*16
		binary.LittleEndian.PutUint64(buf[off:], addr)
		binary.LittleEndian.PutUint32(buf[off+8:], length)
		binary.LittleEndian.PutUint16(buf[off+12:], flags)
		binary.LittleEndian.PutUint16(buf[off+14:], next)
	}

	putDesc(0, headerAddr, 16, descNext, 1)
	putDesc(1, dataAddr, sectorSize, descNext|descWrite, 2)
	putDesc(2, statusAddr, 1, descWrite, 0)

	binary.LittleEndian.PutUint16(buf[availAddr:], 0)    // flags
	binary.LittleEndian.PutUint16(buf[availAddr+2:], 1)  // idx
	binary.LittleEndian.PutUint16(buf[availAddr+4:], 0)  // ring[0] = head 0

	binary.LittleEndian.PutUint16(buf[usedAddr:], 0)
	binary.LittleEndian.PutUint16(buf[usedAddr+2:], 0)

	bar := fn.BAR(0)

	write64 := func(off uint64, val uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], val)
		bar.Fab.Write(off, b[:])
	}
	write16 := func(off uint64, val uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], val)
		bar.Fab.Write(off, b[:])
	}

	write64(barCommonBase+offQueueDesc, descTableAddr)
	write64(barCommonBase+offQueueDriver, availAddr)
	write64(barCommonBase+offQueueDevice, usedAddr)
	write16(barCommonBase+offQueueEnable, 1)

	write16(barNotifyBase, 0)

	d.HandleEvent()

	if got := buf[statusAddr]; got != statusOK {
		t.Fatalf("status = %d, want %d", got, statusOK)
	}

	for i := range sector0 {
		if buf[dataAddr+i] != sector0[i] {
			t.Fatalf("data[%d] = %d, want %d", i, buf[dataAddr+i], sector0[i])
		}
	}

	usedIdx := binary.LittleEndian.Uint16(buf[usedAddr+2:])
	if usedIdx != 1 {
		t.Fatalf("used idx = %d, want 1", usedIdx)
	}

	usedID := binary.LittleEndian.Uint32(buf[usedAddr+4:])
	if usedID != 0 {
		t.Fatalf("used ring[0].id = %d, want 0", usedID)
	}

	if irqPulses != 1 {
		t.Fatalf("irq pulses = %d, want 1", irqPulses)
	}
}
