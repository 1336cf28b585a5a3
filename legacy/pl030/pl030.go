// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pl030 emulates the ARM PrimeCell PL030 real-time clock: a 32-bit
// free-running seconds counter readable through the data register, with a
// load register that lets the guest reset the counter to an arbitrary
// epoch. The match register and its comparator interrupt are modeled but
// never wired to an interrupt line, since no guest this module targets
// depends on RTC alarms.
package pl030

import (
	"time"

	"github.com/usbarmory/vmdevices/mmio"
)

// Register offsets, relative to the RTC's base (0x101e8000 on a PL030-based
// Versatile/RealView platform).
const (
	DR  = 0x00 // data (current counter value)
	MR  = 0x04 // match
	LR  = 0x08 // load
	CR  = 0x0c // control
	IIR = 0x10 // interrupt identification / clear
)

// Device is a PL030-compatible counter, seeded from the host's wall clock
// and adjustable by the guest through the load register.
type Device struct {
	now   func() time.Time
	epoch time.Time // host time instant the counter was last (re)loaded
	base  uint32    // counter value at epoch

	dr *mmio.Register
}

// New creates a PL030 device whose counter starts at now.
func New(now time.Time) *Device {
	return &Device{
		now:   time.Now,
		epoch: now,
		base:  uint32(now.Unix()),
	}
}

// Register installs the RTC's register window into fab at base.
func (d *Device) Register(fab *mmio.Fabric, base uint64) {
	d.dr = mmio.NewRegister("PL030_DR", base+DR, 4, uint64(d.base), 0, 0)
	fab.Register(base+DR, d.dr)

	fab.Register(base+MR, mmio.NewRegister("PL030_MR", base+MR, 4, 0, 0xffffffff, 0))
	fab.Register(base+LR, mmio.NewRegister("PL030_LR", base+LR, 4, uint64(d.base), 0xffffffff, 0).
		OnWrite(d.onLoadWrite))
	fab.Register(base+CR, mmio.NewRegister("PL030_CR", base+CR, 1, 1, 0x01, 0))
	fab.Register(base+IIR, mmio.NewRegister("PL030_IIR", base+IIR, 1, 0, 0x01, 0x01))
}

// onLoadWrite resets the counter's epoch so that reads of DR reflect val
// plus elapsed wall-clock time from this point forward.
func (d *Device) onLoadWrite(val uint64) uint64 {
	d.epoch = d.now()
	d.base = uint32(val)

	d.dr.Set(uint64(d.base))

	return val
}

// Tick refreshes the data register from elapsed wall-clock time; callers
// should invoke it before a guest read of DR is serviced, since the
// register fabric has no read-side hook of its own.
func (d *Device) Tick() {
	elapsed := uint32(d.now().Sub(d.epoch).Seconds())
	d.dr.Set(uint64(d.base + elapsed))
}
