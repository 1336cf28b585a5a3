// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package vmm

import (
	"fmt"
	"os"
	"time"

	"github.com/usbarmory/vmdevices/legacy/ac97"
	"github.com/usbarmory/vmdevices/legacy/cmos"
	"github.com/usbarmory/vmdevices/legacy/i8042"
	"github.com/usbarmory/vmdevices/legacy/pl030"
	"github.com/usbarmory/vmdevices/legacy/serial"
	"github.com/usbarmory/vmdevices/mmio"
	"github.com/usbarmory/vmdevices/pci"
	"github.com/usbarmory/vmdevices/usb/controlplane"
	"github.com/usbarmory/vmdevices/usb/xhci"
	"github.com/usbarmory/vmdevices/virtio/block"
)

// xhciBARSize is the size of the xHCI function's single MMIO BAR0, per the
// fixed register layout in usb/xhci.
const xhciBARSize = 0x10000

// PIO port assignments for the legacy leaves. The i8042, CMOS and 16550
// ports are their usual PC/AT addresses; the PL030 and AC97 windows are
// placed at free ports of this module's choosing.
const (
	i8042Base    = 0x60
	cmosBase     = 0x70
	pl030Base    = 0x80
	serialBase   = 0x3f8
	ac97NAMBase  = 0x220
	ac97NABMBase = 0x230
)

// VM is one assembled instance: a PCI root complex carrying the xHCI and
// (optionally) virtio-block functions, a PIO fabric carrying the legacy
// leaves, and an optional control-plane provider.
type VM struct {
	Root *pci.Root
	PIO  *mmio.Fabric

	XHCI *xhci.Controller

	Block   *block.Device
	BlockFn *pci.Function

	PL030 *pl030.Device

	Provider *controlplane.Provider
}

// New assembles a VM from cfg. Any device that fails to construct aborts
// assembly and returns an error; callers should treat that as fatal, per
// the module's convention of panicking on construction-time configuration
// errors in cmd/vmdevices while returning plain errors from this package.
func New(cfg Config) (*VM, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("vmm: Config.Memory is required")
	}
	if cfg.Loop == nil {
		return nil, fmt.Errorf("vmm: Config.Loop is required")
	}
	if cfg.AssertXHCIIRQ == nil {
		return nil, fmt.Errorf("vmm: Config.AssertXHCIIRQ is required")
	}

	vm := &VM{
		Root: pci.NewRoot(),
		PIO:  mmio.NewFabric(),
	}

	if err := vm.attachXHCI(cfg); err != nil {
		return nil, err
	}

	if cfg.BlockDeviceImage != "" {
		if err := vm.attachBlock(cfg); err != nil {
			return nil, err
		}
	}

	vm.attachLegacyLeaves()

	if cfg.ControlSocketPath != "" {
		if err := vm.attachControlPlane(cfg); err != nil {
			return nil, err
		}
	}

	return vm, nil
}

func (vm *VM) attachXHCI(cfg Config) error {
	controller, err := xhci.NewController(cfg.Memory, cfg.Loop, cfg.AssertXHCIIRQ)
	if err != nil {
		return fmt.Errorf("vmm: xhci controller: %w", err)
	}

	fn := pci.NewFunction(pci.VendorUSBArmory, pci.DeviceXHCI,
		pci.ClassSerialBusController, pci.SubclassUSB, pci.ProgIFXHCI)
	fn.SetInterruptPin(1)
	fn.SetIRQLine(cfg.AssertXHCIIRQ)
	fn.SetBAR(0, &pci.BAR{Size: xhciBARSize, Fab: controller.Fabric()})

	vm.Root.Attach(cfg.PCIBus, cfg.PCISlot, 0, fn)
	vm.XHCI = controller

	return nil
}

func (vm *VM) attachBlock(cfg Config) error {
	if cfg.AssertVirtioBlockIRQ == nil {
		return fmt.Errorf("vmm: Config.AssertVirtioBlockIRQ is required when BlockDeviceImage is set")
	}

	dev, fn, err := block.New(cfg.Memory, cfg.BlockDeviceImage, cfg.Loop, cfg.AssertVirtioBlockIRQ)
	if err != nil {
		return fmt.Errorf("vmm: virtio-block: %w", err)
	}

	vm.Root.Attach(cfg.PCIBus, cfg.PCISlot+1, 0, fn)
	vm.Block = dev
	vm.BlockFn = fn

	return nil
}

func (vm *VM) attachLegacyLeaves() {
	i8042.Register(vm.PIO, i8042Base)

	cmos.New(time.Now()).Register(vm.PIO, cmosBase)

	vm.PL030 = pl030.New(time.Now())
	vm.PL030.Register(vm.PIO, pl030Base)

	serial.New(os.Stdout).Register(vm.PIO, serialBase)

	ac97.New().Register(vm.PIO, ac97NAMBase, ac97NABMBase)
}

func (vm *VM) attachControlPlane(cfg Config) error {
	if cfg.USBContext == nil {
		return fmt.Errorf("vmm: Config.USBContext is required when ControlSocketPath is set")
	}

	provider, err := controlplane.Listen(cfg.ControlSocketPath, cfg.USBContext, vm.XHCI.Hub(), cfg.Registry)
	if err != nil {
		return fmt.Errorf("vmm: control plane: %w", err)
	}

	vm.Provider = provider

	return nil
}

// Close releases every resource owned by the VM: the control-plane
// listener, the virtio-block backing file, and the xHCI controller's
// attached host devices are all torn down. It does not stop the event
// loop, which the caller owns.
func (vm *VM) Close() error {
	if vm.Provider != nil {
		vm.Provider.Close()
	}

	if vm.Block != nil {
		vm.Block.Close()
	}

	if vm.XHCI != nil {
		hub := vm.XHCI.Hub()
		for id := 1; id <= hub.NumPorts(); id++ {
			if dev := hub.Backend(uint8(id)); dev != nil {
				dev.Detach()
			}
		}
	}

	return nil
}
