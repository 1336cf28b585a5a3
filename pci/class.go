// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

// Class codes used by functions in this module.
const (
	ClassSerialBusController  = 0x0C
	ClassMassStorageController = 0x01
)

// Subclass codes used by functions in this module.
const (
	SubclassUSB = 0x03
	SubclassSCSI = 0x00
)

// ProgIFXHCI is the USB3 xHCI programming interface.
const ProgIFXHCI = 0x30

// Well-known vendor/device identifiers for the functions this module
// implements.
const (
	VendorUSBArmory = 0x01b73
	DeviceXHCI      = 0x1000

	VendorVirtIO     = 0x1af4
	DeviceVirtIOBlockLegacy = 0x1001
)
