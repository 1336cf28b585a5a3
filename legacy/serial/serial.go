// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package serial emulates the transmit side of a 16550A-compatible UART:
// enough for a guest console driver to push characters out and see its
// FIFO always ready, mirrored against the teacher's 16550A guest driver.
// No receive path is modeled, the guest is assumed to be console-output
// only.
package serial

import (
	"io"

	"github.com/usbarmory/vmdevices/mmio"
)

// Register offsets, relative to the UART's base (0x3f8 on a real PC).
const (
	THR = 0x00
	IER = 0x01
	FCR = 0x02
	MCR = 0x04
	LSR = 0x05
)

// LSR bits.
const (
	lsrDR   = 1 << 0
	lsrTHRE = 1 << 5
)

// Device is a write-only 16550A transmitter backed by an io.Writer.
type Device struct {
	out io.Writer
}

// New creates a serial device that writes transmitted bytes to out.
func New(out io.Writer) *Device {
	return &Device{out: out}
}

// Register installs the UART's register window into fab at base.
func (d *Device) Register(fab *mmio.Fabric, base uint64) {
	fab.Register(base+THR, mmio.NewRegister("UART_THR", base+THR, 1, 0, 0xff, 0).
		OnWrite(d.onTHRWrite))
	fab.Register(base+IER, mmio.NewRegister("UART_IER", base+IER, 1, 0, 0xff, 0))
	fab.Register(base+FCR, mmio.NewRegister("UART_FCR", base+FCR, 1, 0, 0xff, 0))
	fab.Register(base+MCR, mmio.NewRegister("UART_MCR", base+MCR, 1, 0, 0xff, 0))
	fab.Register(base+LSR, mmio.NewStaticRegister("UART_LSR", base+LSR, 1, lsrTHRE))
}

func (d *Device) onTHRWrite(val uint64) uint64 {
	if d.out != nil {
		d.out.Write([]byte{byte(val)})
	}

	return val
}
