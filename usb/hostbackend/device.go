// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hostbackend implements xhci.BackendDevice by forwarding transfers
// to a real USB device on the host, through google/gousb (a cgo binding
// over libusb-1.0). gousb's endpoint I/O is blocking, so each submitted
// transfer runs on its own goroutine; completion is reported back to the
// xHCI core by calling XhciTransfer.Complete from that goroutine, which is
// safe since the core's only shared mutable state reached from Complete is
// guarded by its own locks or is guest memory (externally synchronized).
package hostbackend

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"

	"github.com/usbarmory/vmdevices/usb/xhci"
)

// Device passes a single host USB device through to one xHCI device slot.
type Device struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	mu        sync.Mutex
	endpoints map[uint8]endpoint

	detached int32 // atomic
}

type endpoint struct {
	out *gousb.OutEndpoint
	in  *gousb.InEndpoint
}

// Open claims configuration 1, interface setting (0, 0) of the device
// identified by vid/pid on ctx, matching the teacher's OpenUSBDevice
// sequence (OpenDeviceWithVIDPID -> Config -> Interface).
func Open(ctx *gousb.Context, vid, pid gousb.ID) (*Device, error) {
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("hostbackend: open %s:%s: %w", vid, pid, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("hostbackend: device %s:%s not found", vid, pid)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("hostbackend: set config: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("hostbackend: claim interface: %w", err)
	}

	return &Device{
		ctx:       ctx,
		dev:       dev,
		cfg:       cfg,
		intf:      intf,
		endpoints: make(map[uint8]endpoint),
	}, nil
}

// VendorProduct returns the device's vendor and product id, as reported by
// its host-side USB device descriptor.
func (d *Device) VendorProduct() (vid, pid gousb.ID) {
	return d.dev.Desc.Vendor, d.dev.Desc.Product
}

// GetSpeed implements xhci.BackendDevice, mapping the device's reported
// libusb speed onto the xHCI PORTSC speed encoding.
func (d *Device) GetSpeed() uint8 {
	switch d.dev.Desc.Speed {
	case gousb.SpeedLow:
		return xhci.SpeedLow
	case gousb.SpeedFull:
		return xhci.SpeedFull
	case gousb.SpeedHigh:
		return xhci.SpeedHigh
	default:
		return xhci.SpeedSuper
	}
}

// SetAddress implements xhci.BackendDevice. The real USB device already has
// a host-assigned address from the host's own enumeration; this module's
// Address Device Command is purely a guest-visible fiction and requires no
// corresponding host action.
func (d *Device) SetAddress(addr uint8) error {
	return nil
}

// dciEndpointAddress derives a gousb endpoint address from an xHCI Device
// Context Index. DCI 1 is the default control endpoint, not representable
// as a gousb bulk/interrupt endpoint — callers must reject it before
// calling this. DCI 2k is EPk-OUT, DCI 2k+1 is EPk-IN.
func dciEndpointAddress(dci uint8) (num uint8, in bool) {
	num = dci / 2
	in = dci%2 == 1
	return num, in
}

func (d *Device) endpointFor(dci uint8, in bool) (endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ep, ok := d.endpoints[dci]; ok {
		return ep, nil
	}

	num, _ := dciEndpointAddress(dci)

	var ep endpoint
	var err error

	if in {
		ep.in, err = d.intf.InEndpoint(int(num))
	} else {
		ep.out, err = d.intf.OutEndpoint(int(num))
	}

	if err != nil {
		return endpoint{}, fmt.Errorf("hostbackend: open endpoint %d (in=%v): %w", num, in, err)
	}

	d.endpoints[dci] = ep

	return ep, nil
}

// SubmitTransfer implements xhci.BackendDevice. Bulk and Interrupt
// endpoints are supported; the default control endpoint and isochronous
// transfers are rejected per the documented non-goal.
func (d *Device) SubmitTransfer(xfer *xhci.XhciTransfer) error {
	if atomic.LoadInt32(&d.detached) != 0 {
		go xfer.Complete(xhci.TransferStatusNoDevice, 0)
		return nil
	}

	dci := xfer.EndpointID()
	if dci < 2 {
		return fmt.Errorf("hostbackend: control/invalid endpoint not supported on DCI %d", dci)
	}

	_, in := dciEndpointAddress(dci)

	ep, err := d.endpointFor(dci, in)
	if err != nil {
		return err
	}

	var ttype gousb.TransferType
	if in {
		ttype = ep.in.Desc.TransferType
	} else {
		ttype = ep.out.Desc.TransferType
	}
	if ttype == gousb.TransferTypeIsochronous {
		return fmt.Errorf("hostbackend: isochronous endpoint not supported on DCI %d", dci)
	}

	if in {
		go d.submitIn(xfer, ep.in)
	} else {
		go d.submitOut(xfer, ep.out)
	}

	return nil
}

func (d *Device) submitOut(xfer *xhci.XhciTransfer, ep *gousb.OutEndpoint) {
	buf := make([]byte, xfer.Buffer().TotalLength())

	n, err := xfer.Buffer().CopyTo(buf)
	if err != nil {
		xfer.Complete(xhci.TransferStatusError, 0)
		return
	}

	written, err := ep.Write(buf[:n])
	xfer.Complete(d.statusFor(err), written)
}

func (d *Device) submitIn(xfer *xhci.XhciTransfer, ep *gousb.InEndpoint) {
	buf := make([]byte, xfer.Buffer().TotalLength())

	ctx := context.Background()

	n, err := ep.ReadContext(ctx, buf)
	if err != nil && n == 0 {
		xfer.Complete(d.statusFor(err), 0)
		return
	}

	copied, cerr := xfer.Buffer().CopyFrom(buf[:n])
	if cerr != nil {
		xfer.Complete(xhci.TransferStatusError, 0)
		return
	}

	xfer.Complete(d.statusFor(err), copied)
}

func (d *Device) statusFor(err error) int {
	if err == nil {
		return xhci.TransferStatusSuccess
	}

	if atomic.LoadInt32(&d.detached) != 0 {
		return xhci.TransferStatusNoDevice
	}

	log.Printf("hostbackend: transfer error: %v", err)

	return xhci.TransferStatusError
}

// Detach implements xhci.BackendDevice: it releases the claimed interface,
// configuration, device handle and blocks further submissions. Outstanding
// transfer goroutines already in flight complete independently and will
// report TransferStatusNoDevice or TransferStatusError for any later I/O.
func (d *Device) Detach() {
	if !atomic.CompareAndSwapInt32(&d.detached, 0, 1) {
		return
	}

	d.intf.Close()
	d.cfg.Close()
	d.dev.Close()
}
