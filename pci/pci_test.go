// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/vmdevices/mmio"
)

func writePIO(t *testing.T, r *Root, port uint64, val uint32) {
	t.Helper()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	r.PIOFabric().Write(port, buf[:])
}

func readPIO(t *testing.T, r *Root, port uint64) uint32 {
	t.Helper()

	var buf [4]byte
	r.PIOFabric().Read(port, buf[:])

	return binary.LittleEndian.Uint32(buf[:])
}

func configAddr(bus, slot, fn uint8, off uint8) uint32 {
	return 1<<31 | uint32(bus)<<16 | uint32(slot)<<11 | uint32(fn)<<8 | uint32(off)&0xfc
}

func TestConfigSpaceRoundTrip(t *testing.T) {
	r := NewRoot()

	f := NewFunction(VendorUSBArmory, DeviceXHCI, ClassSerialBusController, SubclassUSB, ProgIFXHCI)
	f.SetInterruptPin(1)
	r.Attach(0, 1, 0, f)

	writePIO(t, r, ConfigAddress, configAddr(0, 1, 0, 0x00))
	got := readPIO(t, r, ConfigData)

	wantVendor := uint32(DeviceXHCI)<<16 | uint32(VendorUSBArmory)
	if got != wantVendor {
		t.Fatalf("vendor/device = 0x%08x, want 0x%08x", got, wantVendor)
	}

	writePIO(t, r, ConfigAddress, configAddr(0, 1, 0, 0x08))
	classWord := readPIO(t, r, ConfigData)

	if byte(classWord>>24) != ClassSerialBusController {
		t.Fatalf("class code = 0x%02x, want 0x%02x", byte(classWord>>24), ClassSerialBusController)
	}
	if byte(classWord>>16) != SubclassUSB {
		t.Fatalf("subclass = 0x%02x, want 0x%02x", byte(classWord>>16), SubclassUSB)
	}
	if byte(classWord>>8) != ProgIFXHCI {
		t.Fatalf("prog-if = 0x%02x, want 0x%02x", byte(classWord>>8), ProgIFXHCI)
	}
}

func TestBARSizingAndProgramming(t *testing.T) {
	r := NewRoot()

	f := NewFunction(VendorUSBArmory, DeviceXHCI, ClassSerialBusController, SubclassUSB, ProgIFXHCI)
	bar := &BAR{Size: 64 * 1024, Fab: mmio.NewFabric()}
	f.SetBAR(0, bar)
	r.Attach(0, 1, 0, f)

	writePIO(t, r, ConfigAddress, configAddr(0, 1, 0, offBar0))
	writePIO(t, r, ConfigData, 0xFFFFFFFF)

	writePIO(t, r, ConfigAddress, configAddr(0, 1, 0, offBar0))
	mask := readPIO(t, r, ConfigData)

	wantMask := uint32(^(bar.Size - 1))
	if mask != wantMask {
		t.Fatalf("size mask = 0x%08x, want 0x%08x", mask, wantMask)
	}

	const assignedBase = 0xF0000000

	writePIO(t, r, ConfigAddress, configAddr(0, 1, 0, offBar0))
	writePIO(t, r, ConfigData, assignedBase)

	if bar.Addr() != assignedBase {
		t.Fatalf("bar.Addr() = 0x%x, want 0x%x", bar.Addr(), assignedBase)
	}

	bar.Fab.Register(0x00, mmio.NewStaticRegister("PROBE", 0x00, 4, 0xdeadbeef))

	var out [4]byte
	ok := r.DispatchMMIORead(assignedBase, out[:])
	if !ok {
		t.Fatal("DispatchMMIORead: no BAR claimed the mapped address")
	}
	if got := binary.LittleEndian.Uint32(out[:]); got != 0xdeadbeef {
		t.Fatalf("DispatchMMIORead = 0x%08x, want 0xdeadbeef", got)
	}
}

func TestConfigAddressUnmappedFunctionReadsAllOnes(t *testing.T) {
	r := NewRoot()

	writePIO(t, r, ConfigAddress, configAddr(0, 5, 0, 0x00))
	got := readPIO(t, r, ConfigData)

	if got != 0xffffffff {
		t.Fatalf("unmapped function read = 0x%08x, want 0xffffffff", got)
	}
}
