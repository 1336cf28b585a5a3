// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"encoding/binary"
	"testing"

	"github.com/usbarmory/vmdevices/eventloop"
	"github.com/usbarmory/vmdevices/guestmem"
)

// stubBackend is a minimal BackendDevice for exercising the command and
// transfer paths without a real host USB device.
type stubBackend struct {
	addr uint8
}

func (b *stubBackend) GetSpeed() uint8        { return SpeedHigh }
func (b *stubBackend) SetAddress(a uint8) error { b.addr = a; return nil }
func (b *stubBackend) SubmitTransfer(xfer *XhciTransfer) error {
	xfer.Complete(TransferStatusSuccess, 64)
	return nil
}
func (b *stubBackend) Detach() {}

func writeReg32(fab interface{ Write(uint64, []byte) }, off uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	fab.Write(off, b[:])
}

func writeReg64(fab interface{ Write(uint64, []byte) }, off uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	fab.Write(off, b[:])
}

func initEventRing(t *testing.T, c *Controller, erstAddr, seg0 uint64, mem *guestmem.Memory) {
	t.Helper()

	if err := mem.WriteUint64(erstAddr, seg0); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteUint32(erstAddr+8, 16); err != nil {
		t.Fatal(err)
	}

	writeReg32(c.Fabric(), uint64(interrupterBase+rtERSTSZ), 1)
	writeReg64(c.Fabric(), uint64(interrupterBase+rtERSTBA), erstAddr)
}

func readTrbAt(t *testing.T, mem *guestmem.Memory, addr uint64) Trb {
	t.Helper()

	var raw [TrbSize]byte
	if err := mem.ReadAt(addr, raw[:]); err != nil {
		t.Fatal(err)
	}

	return Trb(raw)
}

// TestEnableSlotAddressDeviceAndTransfer walks the driver-facing command
// sequence a guest issues to bring up a device's default control endpoint
// and push one transfer through it: Enable Slot, Address Device, an empty
// doorbell ring, then a completed Normal TRB transfer.
func TestEnableSlotAddressDeviceAndTransfer(t *testing.T) {
	buf := make([]byte, 0x20000)
	mem := guestmem.New(0, buf)

	loop, err := eventloop.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	c, err := NewController(mem, loop, func(bool) {})
	if err != nil {
		t.Fatal(err)
	}

	const (
		erstAddr = 0x4000
		evSeg0   = 0x5000
		cmdRing  = 0x1000
		dcbaa    = 0x3000
		devCtx   = 0x3100
		inputCtx = 0x6000
		epRing   = 0x7000
	)

	initEventRing(t, c, erstAddr, evSeg0, mem)

	backend := &stubBackend{}
	portID, ok := c.Hub().ConnectFirstAvailable(backend)
	if !ok {
		t.Fatal("expected a free root hub port")
	}

	writeReg64(c.Fabric(), offOperational+opDCBAAP, dcbaa)
	if err := mem.WriteUint64(dcbaa+8, devCtx); err != nil {
		t.Fatal(err)
	}

	// CRCR's low 4 bits (RCS/CS/CA) are excluded from the register's
	// writable mask, so the ring cycle state has to be set directly rather
	// than through the bit this write would otherwise carry.
	writeReg64(c.Fabric(), offOperational+opCRCR, cmdRing)
	c.crc.Controller().Ring().SetConsumerCycleState(true)

	var enableSlot Trb
	enableSlot.SetTrbType(TrbTypeEnableSlotCommand)
	enableSlot.SetCycle(true)
	if err := mem.WriteAt(cmdRing, enableSlot[:]); err != nil {
		t.Fatal(err)
	}

	writeReg32(c.Fabric(), offOperational+opUSBCMD, usbcmdRS)

	c.crc.Controller().HandleEvent()

	// The attach above already posted a Port Status Change Event into the
	// first event-ring slot, so the command completions follow it.
	ev := readTrbAt(t, mem, evSeg0+TrbSize)
	if ev.TrbType() != TrbTypeCommandCompletionEvent {
		t.Fatalf("trb type = %d, want CommandCompletionEvent", ev.TrbType())
	}
	cc := ev.AsCommandCompletionEvent()
	if cc.CompletionCode() != CompletionSuccess {
		t.Fatalf("completion code = %d, want Success", cc.CompletionCode())
	}
	if ev.SlotID() != 1 {
		t.Fatalf("slot id = %d, want 1", ev.SlotID())
	}
	if cc.CommandTRBPointer() != cmdRing {
		t.Fatalf("command trb pointer = 0x%x, want 0x%x", cc.CommandTRBPointer(), uint64(cmdRing))
	}

	slotCtxBytes, err := mem.Bytes(inputCtx+DeviceContextEntrySize, DeviceContextEntrySize)
	if err != nil {
		t.Fatal(err)
	}
	encodeSlotContext(slotCtxBytes, SlotContext{RootHubPortNum: portID, ContextEntries: 1, Speed: SpeedHigh})

	ep0Bytes, err := mem.Bytes(inputCtx+2*DeviceContextEntrySize, DeviceContextEntrySize)
	if err != nil {
		t.Fatal(err)
	}
	encodeEndpointContext(ep0Bytes, EndpointContext{TRDequeuePtr: epRing, DCS: true, MaxPacketSize: 64, EpType: EpTypeControl})

	var addrDev Trb
	addrDev.SetTrbType(TrbTypeAddressDeviceCommand)
	addrDev.SetParameter(inputCtx)
	addrDev.SetSlotID(1)
	addrDev.SetCycle(true)
	if err := mem.WriteAt(cmdRing+TrbSize, addrDev[:]); err != nil {
		t.Fatal(err)
	}

	c.crc.Controller().HandleEvent()

	ev = readTrbAt(t, mem, evSeg0+2*TrbSize)
	if ev.TrbType() != TrbTypeCommandCompletionEvent {
		t.Fatalf("trb type = %d, want CommandCompletionEvent", ev.TrbType())
	}
	cc = ev.AsCommandCompletionEvent()
	if cc.CompletionCode() != CompletionSuccess {
		t.Fatalf("address device completion code = %d, want Success", cc.CompletionCode())
	}
	if cc.CommandTRBPointer() != cmdRing+TrbSize {
		t.Fatalf("command trb pointer = 0x%x, want 0x%x", cc.CommandTRBPointer(), uint64(cmdRing+TrbSize))
	}
	if backend.addr != 1 {
		t.Fatalf("backend address = %d, want 1", backend.addr)
	}

	slot := c.Slot(1)
	if slot == nil {
		t.Fatal("expected slot 1 to be enabled")
	}

	trc := slot.trcs[1]
	if trc == nil {
		t.Fatal("expected EP0 transfer ring controller to exist")
	}

	// Ring the doorbell with nothing queued: the ring finds itself empty
	// and parks without posting any event.
	trc.Controller().Doorbell()
	trc.Controller().HandleEvent()

	stale := readTrbAt(t, mem, evSeg0+3*TrbSize)
	if stale.TrbType() == TrbTypeTransferEvent {
		t.Fatal("expected no transfer event for an empty ring")
	}

	var normal Trb
	normal.SetTrbType(TrbTypeNormal)
	normal.SetCycle(true)
	normal.SetStatus(64)
	normal.SetParameter(epRing + 0x100)
	normal.SetControl(normal.Control() | 1<<bitIOC)
	if err := mem.WriteAt(epRing, normal[:]); err != nil {
		t.Fatal(err)
	}

	// Ring the doorbell the way a guest does, through the DB register for
	// slot 1 / EP0 (DCI 1), after the ring has already parked once.
	writeReg32(c.Fabric(), offDoorbells+uint64(1)*doorbellStride, 1)
	trc.Controller().HandleEvent()

	ev = readTrbAt(t, mem, evSeg0+3*TrbSize)
	if ev.TrbType() != TrbTypeTransferEvent {
		t.Fatalf("trb type = %d, want TransferEvent", ev.TrbType())
	}
	tv := ev.AsTransferEvent()
	if tv.CompletionCode() != CompletionSuccess {
		t.Fatalf("transfer completion code = %d, want Success", tv.CompletionCode())
	}
	if tv.TransferLength() != 0 {
		t.Fatalf("residual length = %d, want 0", tv.TransferLength())
	}
	if tv.TRBPointer() != epRing {
		t.Fatalf("trb pointer = 0x%x, want 0x%x", tv.TRBPointer(), uint64(epRing))
	}
	if ev.SlotID() != 1 || tv.EndpointID() != 1 {
		t.Fatalf("slot/endpoint = %d/%d, want 1/1", ev.SlotID(), tv.EndpointID())
	}
}

// TestPortStatusChangeOnAttach covers a backend attaching to an empty root
// hub port: PORTSC latches connect/enable, USBSTS.PCD is raised, and a
// matching Port Status Change Event lands on the event ring.
func TestPortStatusChangeOnAttach(t *testing.T) {
	buf := make([]byte, 0x10000)
	mem := guestmem.New(0, buf)

	loop, err := eventloop.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	c, err := NewController(mem, loop, func(bool) {})
	if err != nil {
		t.Fatal(err)
	}

	const (
		erstAddr = 0x2000
		evSeg0   = 0x3000
	)

	initEventRing(t, c, erstAddr, evSeg0, mem)

	backend := &stubBackend{}
	portID, ok := c.Hub().ConnectFirstAvailable(backend)
	if !ok {
		t.Fatal("expected a free root hub port")
	}

	var portscBytes [4]byte
	c.Fabric().Read(offPortscBase+uint64(portID-1)*portscStride, portscBytes[:])
	portsc := binary.LittleEndian.Uint32(portscBytes[:])

	const want = portscCCS | portscPED | portscCSC | portscPEDC
	if portsc&want != want {
		t.Fatalf("PORTSC = 0x%x, want bits 0x%x set", portsc, uint32(want))
	}

	var usbstsBytes [4]byte
	c.Fabric().Read(offOperational+opUSBSTS, usbstsBytes[:])
	usbsts := binary.LittleEndian.Uint32(usbstsBytes[:])

	if usbsts&usbstsPCD == 0 {
		t.Fatalf("USBSTS = 0x%x, want PCD set", usbsts)
	}

	ev := readTrbAt(t, mem, evSeg0)
	if ev.TrbType() != TrbTypePortStatusChangeEvent {
		t.Fatalf("trb type = %d, want PortStatusChangeEvent", ev.TrbType())
	}
	if ev.AsPortStatusChangeEvent().PortID() != portID {
		t.Fatalf("port id = %d, want %d", ev.AsPortStatusChangeEvent().PortID(), portID)
	}
}

// TestTransferRingRejectsCommandOnlyTrb covers a transfer ring dequeuing a
// TRB type that is only legal on the command ring: the TRC must reject it
// before ever consulting the backend, and post a single TrbError transfer
// event echoing the offending TRB's guest address.
//
// The xHCI spec's own example of an illegal transfer-ring TRB is usually a
// command TRB such as Enable Slot; a Link TRB, despite sometimes being cited
// informally as "illegal" here, is explicitly legal on a transfer ring (it
// is how a ring wraps to its next segment) and IsLegalOnTransferRing
// accepts it accordingly.
func TestTransferRingRejectsCommandOnlyTrb(t *testing.T) {
	buf := make([]byte, 0x10000)
	mem := guestmem.New(0, buf)

	const (
		erstAddr = 0x1000
		evSeg0   = 0x2000
		ringBase = 0x3000
	)

	if err := mem.WriteUint64(erstAddr, evSeg0); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteUint32(erstAddr+8, 16); err != nil {
		t.Fatal(err)
	}

	er := NewEventRing(mem)
	er.SetSegmentTableSize(1)
	if err := er.SetSegmentTableBase(erstAddr); err != nil {
		t.Fatal(err)
	}

	it := NewInterrupter(er, func(bool) {})

	trc, err := NewTransferRingController(mem, it, 1, 1, func() BackendDevice {
		t.Fatal("backend should not be consulted for a rejected TD")
		return nil
	}, func() {})
	if err != nil {
		t.Fatal(err)
	}

	var bad Trb
	bad.SetTrbType(TrbTypeEnableSlotCommand)
	bad.SetCycle(true)
	if err := mem.WriteAt(ringBase, bad[:]); err != nil {
		t.Fatal(err)
	}

	trc.Controller().Ring().SetDequeuePointer(ringBase)
	trc.Controller().Ring().SetConsumerCycleState(true)
	trc.Controller().Start()
	trc.Controller().HandleEvent()

	ev := readTrbAt(t, mem, evSeg0)
	if ev.TrbType() != TrbTypeTransferEvent {
		t.Fatalf("trb type = %d, want TransferEvent", ev.TrbType())
	}

	tv := ev.AsTransferEvent()
	if tv.CompletionCode() != CompletionTrbError {
		t.Fatalf("completion code = %d, want TrbError", tv.CompletionCode())
	}
	if tv.TRBPointer() != ringBase {
		t.Fatalf("trb pointer = 0x%x, want 0x%x", tv.TRBPointer(), uint64(ringBase))
	}
}
