// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "github.com/usbarmory/vmdevices/mmio"

// BAR0 offsets (xHCI MMIO layout relative to the function's BAR0).
const (
	offCapability = 0x00
	offOperational = 0x20
	offDoorbells   = 0x2000
	offRuntime     = 0x3000
	offPortscBase  = 0x420
	offExtCapUSB2  = 0xC000
	offExtCapUSB3  = 0xC100

	portscStride = 16
	doorbellStride = 4
	interrupterBase = 0x3020
	interrupterStride = 32
)

// NumPorts is the fixed root hub port count this controller implements
// (matching the USB2 Supported Protocol capability's 4 ports plus the USB3
// one's 4 ports described in §6).
const NumPorts = 8

// MaxInterrupters is the number of interrupters this controller implements.
// HCSPARAMS1 advertises it and transfer ring TRBs that target an
// interrupter outside [0, MaxInterrupters) are rejected.
const MaxInterrupters = 1

// USBCMD/USBSTS bits.
const (
	usbcmdRS  = 1 << 0
	usbcmdHCRST = 1 << 1

	usbstsHCH  = 1 << 0
	usbstsEINT = 1 << 3
	usbstsPCD  = 1 << 4
)

// PORTSC bits.
const (
	portscCCS  = 1 << 0
	portscPED  = 1 << 1
	portscPR   = 1 << 4
	portscPP   = 1 << 9
	portscCSC  = 1 << 17
	portscPEDC = 1 << 18
)

// IMAN bits.
const (
	imanIP = 1 << 0
	imanIE = 1 << 1
)

func buildCapabilityRegisters(fab *mmio.Fabric) {
	// CAPLENGTH (1 byte) | HCIVERSION (2 bytes, at +2).
	fab.Register(offCapability, mmio.NewStaticRegister("CAPLENGTH_HCIVERSION", offCapability, 4, uint64(offOperational)|0x0100<<16))
	// HCSPARAMS1: MaxSlots | MaxIntrs<<8 | MaxPorts<<24.
	fab.Register(offCapability+0x04, mmio.NewStaticRegister("HCSPARAMS1", offCapability+0x04, 4, uint64(MaxSlots)|uint64(MaxInterrupters)<<8|uint64(NumPorts)<<24))
	// HCSPARAMS2, HCSPARAMS3: no scratchpad buffers, no latency.
	fab.Register(offCapability+0x08, mmio.NewStaticRegister("HCSPARAMS2", offCapability+0x08, 4, 0))
	fab.Register(offCapability+0x0C, mmio.NewStaticRegister("HCSPARAMS3", offCapability+0x0C, 4, 0))
	// HCCPARAMS1: AC64=1 (64-bit addressing), xECP pointing at 0xC000>>2.
	fab.Register(offCapability+0x10, mmio.NewStaticRegister("HCCPARAMS1", offCapability+0x10, 4, 1|uint64(offExtCapUSB2>>2)<<16))
	// DBOFF, RTSOFF.
	fab.Register(offCapability+0x14, mmio.NewStaticRegister("DBOFF", offCapability+0x14, 4, offDoorbells))
	fab.Register(offCapability+0x18, mmio.NewStaticRegister("RTSOFF", offCapability+0x18, 4, offRuntime))
}

// buildExtendedCapabilities registers the two read-only "Supported Protocol"
// capability entries named in §6: ports 1..4 are USB2, 5..8 are USB3. Their
// content is fixed and carries no callback.
func buildExtendedCapabilities(fab *mmio.Fabric) {
	usb2 := uint64(0x02) | 0x20554553<<8 // cap id 2 ("USB " name string follows in real hw; simplified here)
	usb3 := uint64(0x02) | 0x20554553<<8

	fab.Register(offExtCapUSB2, mmio.NewStaticRegister("SUPPORTED_PROTOCOL_USB2", offExtCapUSB2, 4, usb2))
	fab.Register(offExtCapUSB2+0x04, mmio.NewStaticRegister("SUPPORTED_PROTOCOL_USB2_PORTS", offExtCapUSB2+0x04, 4, 1|4<<8))
	fab.Register(offExtCapUSB3, mmio.NewStaticRegister("SUPPORTED_PROTOCOL_USB3", offExtCapUSB3, 4, usb3))
	fab.Register(offExtCapUSB3+0x04, mmio.NewStaticRegister("SUPPORTED_PROTOCOL_USB3_PORTS", offExtCapUSB3+0x04, 4, 5|4<<8))
}
