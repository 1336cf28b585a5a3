// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"testing"

	"github.com/usbarmory/vmdevices/guestmem"
)

func newTestEventRing(t *testing.T, segBases []uint64, segSize uint32) (*EventRing, *guestmem.Memory) {
	t.Helper()

	buf := make([]byte, 0x10000)
	mem := guestmem.New(0, buf)

	erst := uint64(0x10)

	for i, base := range segBases {
		off := erst + uint64(i)*16
		if err := mem.WriteUint64(off, base); err != nil {
			t.Fatal(err)
		}
		if err := mem.WriteUint32(off+8, segSize); err != nil {
			t.Fatal(err)
		}
	}

	er := NewEventRing(mem)
	er.SetSegmentTableSize(uint16(len(segBases)))

	if err := er.SetSegmentTableBase(erst); err != nil {
		t.Fatal(err)
	}

	er.SetDequeuePointer(segBases[0])

	return er, mem
}

func trbWithControl(n uint32) Trb {
	var t Trb
	t.SetStatus(n)
	return t
}

func TestEventRingThreeSegmentFillAndWrap(t *testing.T) {
	er, _ := newTestEventRing(t, []uint64{0x100, 0x200, 0x300}, 3)

	for i := uint32(1); i <= 8; i++ {
		if err := er.AddEvent(trbWithControl(i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	if !er.IsFull() {
		t.Fatal("expected ring full after 8th add")
	}

	er.SetDequeuePointer(0x100 + 16)

	if err := er.AddEvent(trbWithControl(9)); err != nil {
		t.Fatalf("9th add should succeed: %v", err)
	}

	er.SetDequeuePointer(0x100)

	if err := er.AddEvent(trbWithControl(10)); err != nil {
		t.Fatalf("10th add should succeed: %v", err)
	}

	var raw [TrbSize]byte
	if err := mustMem(er).ReadAt(0x100, raw[:]); err != nil {
		t.Fatal(err)
	}

	trb := Trb(raw)
	if trb.Cycle() {
		t.Fatal("expected cycle bit flipped to 0 on the wrapped write")
	}
}

func mustMem(er *EventRing) *guestmem.Memory {
	return er.mem
}

func TestEventRingUninitialized(t *testing.T) {
	buf := make([]byte, 0x1000)
	er := NewEventRing(guestmem.New(0, buf))

	if err := er.AddEvent(trbWithControl(1)); err != ErrEventRingUninitialized {
		t.Fatalf("got %v, want ErrEventRingUninitialized", err)
	}
}
