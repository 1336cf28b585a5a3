// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package block

import (
	"encoding/binary"

	"github.com/usbarmory/vmdevices/pci"
)

// VirtIO PCI capability constants, matching the teacher's kvm/virtio/pci.go
// pciCap struct and cfg type constants exactly (this package answers the
// same capability list from the device side).
const (
	pciCapVendor = 0x09
	pciCapLength = 16

	pciCapCommonCfg = 1
	pciCapNotifyCfg = 2
	pciCapISRCfg    = 3
	pciCapDeviceCfg = 4
)

// buildCap encodes one 16-byte VirtIO PCI capability structure:
// cap_vendor, cap_next (patched by pci.Function.AddCapability), cap_len,
// cfg_type, bar, id, padding, bar offset, length.
func buildCap(cfgType, bar uint8, offset, length uint32) []byte {
	buf := make([]byte, pciCapLength)

	buf[0] = pciCapVendor
	buf[2] = pciCapLength
	buf[3] = cfgType
	buf[4] = bar
	binary.LittleEndian.PutUint32(buf[8:12], offset)
	binary.LittleEndian.PutUint32(buf[12:16], length)

	return buf
}

func (d *Device) addCapabilities(fn *pci.Function) {
	fn.AddCapability(buildCap(pciCapCommonCfg, 0, barCommonBase, commonCfgSize))

	notify := buildCap(pciCapNotifyCfg, 0, barNotifyBase, 4)
	notify = append(notify, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(notify[16:20], notifyMultiplier)
	fn.AddCapability(notify)

	fn.AddCapability(buildCap(pciCapISRCfg, 0, barISRBase, 4))
	fn.AddCapability(buildCap(pciCapDeviceCfg, 0, barConfigBase, 8))

	// Modeled generically per the PCI package's capability support; this
	// function never unmasks it, signaling exclusively over legacy INTx.
	fn.AddCapabilityMSIX(0, barConfigBase+0x100, 0, barConfigBase+0x200, 1)
}
