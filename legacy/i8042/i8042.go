// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package i8042 emulates just enough of the Intel 8042 keyboard
// controller's PC/AT-compatible PIO interface for a guest BIOS/kernel probe
// to see "controller present, no input pending" and move on: no actual
// keyboard or mouse is modeled.
package i8042

import "github.com/usbarmory/vmdevices/mmio"

// Port offsets, relative to the controller's base (0x60 on a real PC).
const (
	Data   = 0x00
	Status = 0x04
)

// Status register bits.
const (
	statusOutputFull = 1 << 0
	statusInputFull  = 1 << 1
)

// Register installs the controller's two ports into fab at base.
func Register(fab *mmio.Fabric, base uint64) {
	fab.Register(base+Data, mmio.NewRegister("I8042_DATA", base+Data, 1, 0, 0xff, 0))
	fab.Register(base+Status, mmio.NewStaticRegister("I8042_STATUS", base+Status, 1, 0))
}
