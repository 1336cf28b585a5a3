// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cmos emulates the MC146818-compatible CMOS/RTC index-data port
// pair: 128 bytes of NVRAM addressed indirectly through an index latch,
// seeded once at construction from the host's wall clock.
package cmos

import (
	"time"

	"github.com/usbarmory/vmdevices/mmio"
)

// Port offsets, relative to the device's base (0x70 on a real PC).
const (
	Index = 0x00
	Data  = 0x01
)

// Standard RTC NVRAM offsets for the time-of-day fields.
const (
	regSeconds = 0x00
	regMinutes = 0x02
	regHours   = 0x04
	regWeekday = 0x06
	regDay     = 0x07
	regMonth   = 0x08
	regYear    = 0x09
)

func bcd(v int) byte {
	return byte((v/10)<<4 | (v % 10))
}

// Device is a 128-byte CMOS NVRAM bank behind an index/data port pair.
type Device struct {
	nvram [128]byte
	index *mmio.Register
	data  *mmio.Register
}

// New creates a CMOS device seeded from now.
func New(now time.Time) *Device {
	d := &Device{}

	d.nvram[regSeconds] = bcd(now.Second())
	d.nvram[regMinutes] = bcd(now.Minute())
	d.nvram[regHours] = bcd(now.Hour())
	d.nvram[regWeekday] = bcd(int(now.Weekday()) + 1)
	d.nvram[regDay] = bcd(now.Day())
	d.nvram[regMonth] = bcd(int(now.Month()))
	d.nvram[regYear] = bcd(now.Year() % 100)

	return d
}

// Register installs the index/data port pair into fab at base.
func (d *Device) Register(fab *mmio.Fabric, base uint64) {
	d.data = mmio.NewRegister("CMOS_DATA", base+Data, 1, 0, 0xff, 0).
		OnWrite(d.onDataWrite)
	fab.Register(base+Data, d.data)

	d.index = mmio.NewRegister("CMOS_INDEX", base+Index, 1, 0, 0x7f, 0).
		OnWrite(d.onIndexWrite)
	fab.Register(base+Index, d.index)

	d.data.Set(uint64(d.nvram[0]))
}

func (d *Device) onIndexWrite(val uint64) uint64 {
	d.data.Set(uint64(d.nvram[val&0x7f]))

	return val
}

func (d *Device) onDataWrite(val uint64) uint64 {
	idx := d.index.Get() & 0x7f
	d.nvram[idx] = byte(val)

	return val
}

// Read returns the NVRAM byte at idx, for tests and debugging.
func (d *Device) Read(idx uint8) byte {
	return d.nvram[idx&0x7f]
}
