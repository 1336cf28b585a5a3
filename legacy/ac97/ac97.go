// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ac97 emulates just enough of an Intel ICH AC'97 audio
// controller's two PIO/MMIO windows (native audio mixer, native audio bus
// master) for a guest driver's codec probe to complete cleanly: every
// codec register reads back as absent, and the bus master's global status
// never reports a codec ready. No audio is actually produced or consumed.
package ac97

import "github.com/usbarmory/vmdevices/mmio"

// Native Audio Mixer register offsets (codec space), relative to the
// mixer's base.
const (
	namReset        = 0x00
	namMasterVolume = 0x02
	namPCMVolume    = 0x18
	namExtAudioID   = 0x28
)

// Native Audio Bus Master register offsets, relative to the bus master's
// base.
const (
	nabmGlobalControl = 0x2c
	nabmGlobalStatus  = 0x30
)

// Global Status bits.
const (
	globStaPCR = 1 << 8 // primary codec ready
)

// Device is a codec-absent AC'97 controller.
type Device struct{}

// New creates an AC'97 device with no codec attached.
func New() *Device {
	return &Device{}
}

// Register installs the mixer window at namBase and the bus master window
// at nabmBase into fab.
func (d *Device) Register(fab *mmio.Fabric, namBase, nabmBase uint64) {
	// Every native audio mixer register reads back all-ones: the
	// standard "no codec present" indication a guest driver's probe
	// loop watches for.
	for _, off := range []uint64{namReset, namMasterVolume, namPCMVolume, namExtAudioID} {
		fab.Register(namBase+off, mmio.NewStaticRegister("AC97_NAM", namBase+off, 2, 0xffff))
	}

	fab.Register(nabmBase+nabmGlobalControl,
		mmio.NewRegister("AC97_GLOB_CNT", nabmBase+nabmGlobalControl, 4, 0, 0xffffffff, 0))

	// globStaPCR is never set: the bus master reports no primary codec
	// ready, matching the all-ones mixer space above.
	fab.Register(nabmBase+nabmGlobalStatus,
		mmio.NewStaticRegister("AC97_GLOB_STA", nabmBase+nabmGlobalStatus, 4, 0))
}
