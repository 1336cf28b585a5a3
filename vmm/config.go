// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vmm is the outermost assembly point: it wires the PCI root
// complex, the xHCI controller, the virtio-block device, the legacy PIO
// leaves and the control-plane provider into a single running instance
// against guest memory and an event loop supplied by the embedding
// process. It owns no policy of its own, matching the teacher's pattern of
// board-level init code constructing SoC peripherals from plain
// constructor-parameter structs (see e.g. soc/imx6/usb.USB).
package vmm

import (
	"github.com/google/gousb"

	"github.com/usbarmory/vmdevices/eventloop"
	"github.com/usbarmory/vmdevices/guestmem"
	"github.com/usbarmory/vmdevices/usb/controlplane"
)

// Config carries every externally-supplied dependency an instance needs at
// construction time. There is no file-based configuration format: the
// embedding process (the actual VMM driving vCPU exits) populates this
// struct directly, the way tamago board packages populate their
// peripheral structs.
type Config struct {
	// Memory is the guest physical address space MMIO/DMA accesses are
	// resolved against.
	Memory *guestmem.Memory

	// Loop is the event loop that every device worker (xHCI command
	// ring, virtio-block notify, USB transfer completions) registers
	// against. Callers own its Run/Stop lifecycle.
	Loop *eventloop.Loop

	// AssertXHCIIRQ and AssertVirtioBlockIRQ connect each PCI
	// function's legacy INTx line to the embedding VMM's interrupt
	// controller (e.g. a virtual PIC/IOAPIC). AssertXHCIIRQ is required;
	// AssertVirtioBlockIRQ is required only when BlockDeviceImage is set.
	AssertXHCIIRQ        func(level bool)
	AssertVirtioBlockIRQ func(level bool)

	// BlockDeviceImage is the path to the file backing the virtio-block
	// device. If empty, no virtio-block function is attached.
	BlockDeviceImage string

	// ControlSocketPath is the Unix datagram socket path the
	// control-plane provider listens on for Attach/Detach/List
	// commands. If empty, no control-plane provider is started.
	ControlSocketPath string

	// USBContext is the libusb context host-backed USB devices are
	// opened against. Required if ControlSocketPath is set.
	USBContext *gousb.Context

	// Registry resolves a bus/address pair named in an Attach command
	// to a vendor/product id, for opening the matching host device.
	Registry controlplane.Registry

	// PCIBus and PCISlot place the xHCI and virtio-block functions on
	// the root complex. The xHCI function always occupies function 0
	// of PCISlot; virtio-block (if enabled) occupies PCISlot+1,
	// function 0.
	PCIBus, PCISlot uint8
}
