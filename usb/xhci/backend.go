// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

// BackendDevice is the contract a USB backend (the host passthrough
// implementation in usb/hostbackend) must satisfy to be plugged into a
// root hub port. It is the interface the core depends on; it knows nothing
// about libusb or gousb.
type BackendDevice interface {
	// GetSpeed returns the device's reported USB speed (PORTSC speed
	// field encoding).
	GetSpeed() uint8

	// SetAddress assigns host-side USB device address addr, used by the
	// Address Device command when BSR=0.
	SetAddress(addr uint8) error

	// SubmitTransfer dispatches xfer to the backend. The backend must
	// eventually call xfer.Complete, possibly asynchronously and
	// possibly on a different goroutine, but exactly once unless the
	// transfer is validated-and-rejected before ever reaching the
	// backend (in which case the TRC itself posts the TrbError event
	// and never calls SubmitTransfer).
	SubmitTransfer(xfer *XhciTransfer) error

	// Detach releases any host resources associated with the device.
	// Called when the port disconnects; outstanding transfers may still
	// complete afterward.
	Detach()
}

// Port speed values (xHCI spec table 66, PORTSC Port Speed ID).
const (
	SpeedFull  = 1
	SpeedLow   = 2
	SpeedHigh  = 3
	SpeedSuper = 4
)

// Transfer status codes a backend reports to XhciTransfer.Complete.
const (
	TransferStatusSuccess     = iota // completed, full or short
	TransferStatusError              // device-reported error (STALL, babble, ...)
	TransferStatusCancelled          // cancelled by a ring stop
	TransferStatusNoDevice           // the device disappeared mid-transfer
)
