// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmio

import "testing"

func TestRegisterWriteMasking(t *testing.T) {
	f := NewFabric()
	r := NewRegister("r", 3, 1, 0xf1, 0xff, 0xf0)
	f.Register(3, r)

	f.Write(3, []byte{0xfa})

	buf := make([]byte, 1)
	f.Read(3, buf)

	if buf[0] != 0x0a {
		t.Fatalf("got 0x%02x, want 0x0a", buf[0])
	}

	f.ResetAll()
	f.Read(3, buf)

	if buf[0] != 0xf1 {
		t.Fatalf("got 0x%02x after reset, want 0xf1", buf[0])
	}
}

func TestUnregisteredReadReturnsAllOnes(t *testing.T) {
	f := NewFabric()
	buf := make([]byte, 4)

	f.Read(0x1000, buf)

	for i, b := range buf {
		if b != 0xff {
			t.Fatalf("byte %d = 0x%02x, want 0xff", i, b)
		}
	}
}

func TestOverlappingRegistrationPanics(t *testing.T) {
	f := NewFabric()
	f.Register(0, NewRegister("a", 0, 4, 0, 0xffffffff, 0))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overlapping registration")
		}
	}()

	f.Register(2, NewRegister("b", 2, 4, 0, 0xffffffff, 0))
}

func TestStaticRegisterDropsWrites(t *testing.T) {
	f := NewFabric()
	f.Register(0, NewStaticRegister("s", 0, 4, 0xdeadbeef))

	f.Write(0, []byte{0, 0, 0, 0})

	buf := make([]byte, 4)
	f.Read(0, buf)

	got := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if got != 0xdeadbeef {
		t.Fatalf("got 0x%08x, want 0xdeadbeef", got)
	}
}

func TestWriteCallbackRunsAfterCommitAndCanOverride(t *testing.T) {
	f := NewFabric()
	r := NewRegister("r", 0, 4, 0, 0xffffffff, 0)

	var seen uint64

	r.OnWrite(func(val uint64) uint64 {
		seen = val
		return val | 0x1
	})

	f.Register(0, r)
	f.Write(0, []byte{0x10, 0, 0, 0})

	if seen != 0x10 {
		t.Fatalf("callback saw 0x%x, want 0x10", seen)
	}

	if r.Get() != 0x11 {
		t.Fatalf("final value 0x%x, want 0x11 (callback override)", r.Get())
	}
}

func TestWriteClippedAtRegisterBoundary(t *testing.T) {
	f := NewFabric()
	a := NewRegister("a", 0, 2, 0, 0xffff, 0)
	b := NewRegister("b", 2, 2, 0xbeef, 0xffff, 0)

	f.Register(0, a)
	f.Register(2, b)

	// a 4-byte write starting at a's offset must not touch b.
	f.Write(0, []byte{0x01, 0x02, 0x03, 0x04})

	if a.Get() != 0x0201 {
		t.Fatalf("a = 0x%x, want 0x0201", a.Get())
	}

	if b.Get() != 0xbeef {
		t.Fatalf("b = 0x%x, want untouched 0xbeef", b.Get())
	}
}
