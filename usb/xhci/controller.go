// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"sync"

	"github.com/usbarmory/vmdevices/eventloop"
	"github.com/usbarmory/vmdevices/guestmem"
	"github.com/usbarmory/vmdevices/mmio"
)

// Operational register offsets, relative to offOperational.
const (
	opUSBCMD   = 0x00
	opUSBSTS   = 0x04
	opPAGESIZE = 0x08
	opDNCTRL   = 0x14
	opCRCR     = 0x18
	opDCBAAP   = 0x30
	opCONFIG   = 0x38
)

// Runtime register offsets, relative to interrupterBase (interrupter 0 only
// — MAX_INTERRUPTER is 1 for this controller).
const (
	rtIMAN   = 0x00
	rtIMOD   = 0x04
	rtERSTSZ = 0x08
	rtERSTBA = 0x10
	rtERDP   = 0x18
)

// Controller is a complete emulated xHCI host controller: an MMIO register
// map wired into fab, a root hub, a command ring, and the guest-memory
// contexts backing every device slot. It knows nothing about PCI; the
// owning pci.Function is responsible for deciding where fab's BAR0 is
// mapped and for forwarding legacy INTx assertion.
type Controller struct {
	mu sync.Mutex

	fab *mmio.Fabric
	mem *guestmem.Memory
	loop *eventloop.Loop

	eventRing   *EventRing
	interrupter *Interrupter
	crc         *CommandRingController
	hub         *Hub

	assertIRQ func(bool)

	dcbaap uint64

	regUSBCMD  *mmio.Register
	regUSBSTS  *mmio.Register
	regPortsc  [NumPorts]*mmio.Register
	regIMAN    *mmio.Register
	regERDP    *mmio.Register
}

// NewController builds a complete xHCI controller over mem, registering its
// event loop handlers with loop and raising the function's legacy interrupt
// line through assertIRQ.
func NewController(mem *guestmem.Memory, loop *eventloop.Loop, assertIRQ func(bool)) (*Controller, error) {
	c := &Controller{
		fab:       mmio.NewFabric(),
		mem:       mem,
		loop:      loop,
		assertIRQ: assertIRQ,
	}

	buildCapabilityRegisters(c.fab)
	buildExtendedCapabilities(c.fab)

	c.eventRing = NewEventRing(mem)
	c.interrupter = NewInterrupter(c.eventRing, assertIRQ)

	crc, err := NewCommandRingController(mem, c.interrupter, loop, c.dcbaapValue, c.portBackend)
	if err != nil {
		return nil, err
	}
	c.crc = crc

	if err := c.crc.Controller().Register(loop); err != nil {
		return nil, err
	}

	c.hub = NewHub(NumPorts, c.portRegHook, c.notifyPortChange)

	c.buildOperationalRegisters()
	c.buildDoorbellRegisters()
	c.buildRuntimeRegisters()

	c.interrupter.BindRegisterHooks(
		func() { c.regUSBSTS.SetBits(usbstsEINT) },
		func() { c.regIMAN.SetBits(imanIP) },
		func() { c.regERDP.SetBits(1 << 3) },
		func() { c.regERDP.ClearBits(1 << 3) },
	)

	return c, nil
}

// Fabric returns the controller's MMIO register fabric, for mapping into a
// PCI BAR.
func (c *Controller) Fabric() *mmio.Fabric {
	return c.fab
}

// Hub returns the controller's root hub, for the backend device provider to
// attach and detach devices against.
func (c *Controller) Hub() *Hub {
	return c.hub
}

// Slot returns the device slot for id, or nil if it is not enabled. Exposed
// primarily for tests.
func (c *Controller) Slot(id uint8) *DeviceSlot {
	return c.crc.Slot(id)
}

func (c *Controller) dcbaapValue() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dcbaap
}

func (c *Controller) portBackend(port uint8) BackendDevice {
	return c.hub.Backend(port)
}

func (c *Controller) portRegHook(id uint8) func(connected, enabled bool) {
	return func(connected, enabled bool) {
		reg := c.regPortsc[id-1]
		if reg == nil {
			return
		}

		if connected {
			reg.SetBits(portscCCS | portscCSC)
		} else {
			reg.ClearBits(portscCCS)
			reg.SetBits(portscCSC)
		}

		if enabled {
			reg.SetBits(portscPED | portscPEDC)
		} else {
			reg.ClearBits(portscPED)
			reg.SetBits(portscPEDC)
		}
	}
}

func (c *Controller) notifyPortChange(portID uint8) {
	c.regUSBSTS.SetBits(usbstsPCD)
	c.interrupter.SendPortStatusChangeTrb(portID)
}

func (c *Controller) buildOperationalRegisters() {
	c.regUSBCMD = mmio.NewRegister("USBCMD", offOperational+opUSBCMD, 4, 0, usbcmdRS|usbcmdHCRST, 0).
		OnWrite(c.onUSBCMDWrite)
	c.fab.Register(offOperational+opUSBCMD, c.regUSBCMD)

	c.regUSBSTS = mmio.NewRegister("USBSTS", offOperational+opUSBSTS, 4, usbstsHCH, usbstsEINT|usbstsPCD, usbstsEINT|usbstsPCD)
	c.fab.Register(offOperational+opUSBSTS, c.regUSBSTS)

	c.fab.Register(offOperational+opPAGESIZE, mmio.NewStaticRegister("PAGESIZE", offOperational+opPAGESIZE, 4, 1))

	c.fab.Register(offOperational+opDNCTRL, mmio.NewRegister("DNCTRL", offOperational+opDNCTRL, 4, 0, 0xffff, 0))

	crcr := mmio.NewRegister("CRCR", offOperational+opCRCR, 8, 0, ^uint64(0)&^0xf, 0).
		OnWrite(c.onCRCRWrite)
	c.fab.Register(offOperational+opCRCR, crcr)

	dcbaapReg := mmio.NewRegister("DCBAAP", offOperational+opDCBAAP, 8, 0, ^uint64(0)&^0x1f, 0).
		OnWrite(c.onDCBAAPWrite)
	c.fab.Register(offOperational+opDCBAAP, dcbaapReg)

	c.fab.Register(offOperational+opCONFIG, mmio.NewRegister("CONFIG", offOperational+opCONFIG, 4, 0, 0xff, 0))

	for i := 0; i < NumPorts; i++ {
		id := uint8(i + 1)
		reg := mmio.NewRegister("PORTSC", offPortscBase+uint64(i)*portscStride, 4, portscPP,
			portscPR|portscPED|portscCSC|portscPEDC, portscCSC|portscPEDC).
			OnWrite(c.onPortscWrite(id))
		c.regPortsc[i] = reg
		c.fab.Register(offPortscBase+uint64(i)*portscStride, reg)
	}
}

func (c *Controller) onUSBCMDWrite(val uint64) uint64 {
	running := val&usbcmdRS != 0

	if val&usbcmdHCRST != 0 {
		val &^= usbcmdHCRST
	}

	c.interrupter.SetEnabled(running && c.regIMAN != nil && c.regIMAN.Get()&imanIE != 0)

	if running {
		c.crc.Controller().Start()
	} else {
		c.crc.Controller().Stop(func() {})
	}

	return val
}

func (c *Controller) onCRCRWrite(val uint64) uint64 {
	rcs := val&1 != 0
	ptr := val &^ 0x3f

	c.crc.Controller().Ring().SetDequeuePointer(ptr)
	c.crc.Controller().Ring().SetConsumerCycleState(rcs)

	return val &^ 1
}

func (c *Controller) onDCBAAPWrite(val uint64) uint64 {
	c.mu.Lock()
	c.dcbaap = val &^ 0x3f
	c.mu.Unlock()

	return val
}

func (c *Controller) onPortscWrite(id uint8) mmio.WriteCallback {
	return func(val uint64) uint64 {
		if val&portscPR != 0 {
			// Port reset completes instantly in this model: clear
			// PR, mark enabled.
			val &^= portscPR
			val |= portscPED

			c.mu.Lock()
			reg := c.regPortsc[id-1]
			c.mu.Unlock()

			if reg != nil {
				reg.SetBits(portscPEDC)
			}
		}

		return val
	}
}

func (c *Controller) buildDoorbellRegisters() {
	for i := 0; i <= 8; i++ {
		off := offDoorbells + uint64(i)*doorbellStride
		slot := uint8(i)

		reg := mmio.NewRegister("DB", off, 4, 0, 0xffffffff, 0).
			OnWrite(c.onDoorbellWrite(slot))
		c.fab.Register(off, reg)
	}
}

func (c *Controller) onDoorbellWrite(slot uint8) mmio.WriteCallback {
	return func(val uint64) uint64 {
		target := uint8(val & 0xff)

		if slot == 0 {
			if target == 0 {
				c.crc.Controller().Doorbell()
			}
			return 0
		}

		if s := c.crc.Slot(slot); s != nil {
			s.Doorbell(target)
		}

		return 0
	}
}

func (c *Controller) buildRuntimeRegisters() {
	c.fab.Register(offRuntime, mmio.NewRegister("MFINDEX", offRuntime, 4, 0, 0, 0))

	base := interrupterBase

	c.regIMAN = mmio.NewRegister("IMAN", uint64(base+rtIMAN), 4, 0, imanIE|imanIP, imanIP).
		OnWrite(c.onIMANWrite)
	c.fab.Register(uint64(base+rtIMAN), c.regIMAN)

	imod := mmio.NewRegister("IMOD", uint64(base+rtIMOD), 4, 0, 0xffffffff, 0).
		OnWrite(c.onIMODWrite)
	c.fab.Register(uint64(base+rtIMOD), imod)

	erstsz := mmio.NewRegister("ERSTSZ", uint64(base+rtERSTSZ), 4, 0, 0xffff, 0).
		OnWrite(c.onERSTSZWrite)
	c.fab.Register(uint64(base+rtERSTSZ), erstsz)

	erstba := mmio.NewRegister("ERSTBA", uint64(base+rtERSTBA), 8, 0, ^uint64(0)&^0x3f, 0).
		OnWrite(c.onERSTBAWrite)
	c.fab.Register(uint64(base+rtERSTBA), erstba)

	c.regERDP = mmio.NewRegister("ERDP", uint64(base+rtERDP), 8, 0, ^uint64(0)&^0xf|(1<<3), 1<<3).
		OnWrite(c.onERDPWrite)
	c.fab.Register(uint64(base+rtERDP), c.regERDP)
}

func (c *Controller) onIMANWrite(val uint64) uint64 {
	c.interrupter.SetEnabled(val&imanIE != 0 && c.regUSBCMD != nil && c.regUSBCMD.Get()&usbcmdRS != 0)
	return val
}

func (c *Controller) onIMODWrite(val uint64) uint64 {
	c.interrupter.SetModeration(uint16(val>>16), uint16(val))
	return val
}

func (c *Controller) onERSTSZWrite(val uint64) uint64 {
	c.eventRing.SetSegmentTableSize(uint16(val))
	return val
}

func (c *Controller) onERSTBAWrite(val uint64) uint64 {
	c.eventRing.SetSegmentTableBase(val &^ 0x3f)
	return val
}

func (c *Controller) onERDPWrite(val uint64) uint64 {
	ehb := val&(1<<3) != 0
	c.interrupter.OnERDPWrite(val&^0xf, ehb)
	return val &^ (1 << 3)
}
