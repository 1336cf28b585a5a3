// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package controlplane

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gousb"

	"github.com/usbarmory/vmdevices/usb/hostbackend"
	"github.com/usbarmory/vmdevices/usb/xhci"
)

// replyTimeout bounds how long a single command's reply write may block.
const replyTimeout = 2000 * time.Millisecond

// Registry resolves a bus/address pair to a vendor/product id pair, letting
// Provider open the matching gousb device without guessing. A real
// deployment backs this with libusb bus enumeration; tests can supply a
// fixed map.
type Registry interface {
	Lookup(bus, addr uint8) (vid, pid gousb.ID, ok bool)
}

// Provider listens on a Unix datagram control socket and attaches or detaches
// host USB devices from a hub's root ports in response to Attach/Detach/List
// commands, matching the wire protocol encoded in this package.
type Provider struct {
	conn     *net.UnixConn
	usbCtx   *gousb.Context
	hub      *xhci.Hub
	registry Registry

	done chan struct{}
}

// Listen creates (replacing any stale socket file) a SOCK_DGRAM Unix socket
// at path and returns a Provider ready to Serve requests against hub.
func Listen(path string, usbCtx *gousb.Context, hub *xhci.Hub, registry Registry) (*Provider, error) {
	_ = os.Remove(path)

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}

	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("controlplane: listen %s: %w", path, err)
	}

	return &Provider{
		conn:     conn,
		usbCtx:   usbCtx,
		hub:      hub,
		registry: registry,
		done:     make(chan struct{}),
	}, nil
}

// Close shuts down the listening socket, unblocking Serve.
func (p *Provider) Close() error {
	close(p.done)
	return p.conn.Close()
}

// Serve reads one datagram at a time from the control socket, handling each
// synchronously on the calling goroutine. It returns when Close is called.
func (p *Provider) Serve() error {
	buf := make([]byte, 512)

	for {
		n, remote, err := p.conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-p.done:
				return nil
			default:
				return fmt.Errorf("controlplane: read: %w", err)
			}
		}

		if remote == nil {
			// Peer sent with no return address bound; nothing to reply to.
			continue
		}

		reply := p.handle(buf[:n])

		if err := p.conn.SetWriteDeadline(time.Now().Add(replyTimeout)); err != nil {
			log.Printf("controlplane: set write deadline: %v", err)
		}
		if _, err := p.conn.WriteToUnix(reply, remote); err != nil {
			log.Printf("controlplane: reply to %s: %v", remote, err)
		}
	}
}

func (p *Provider) handle(buf []byte) []byte {
	cmd, err := DecodeCommand(buf)
	if err != nil {
		log.Printf("controlplane: %v", err)
		return EncodeNoSuchDevice()
	}

	switch m := cmd.(type) {
	case Attach:
		return p.handleAttach(m)
	case Detach:
		return p.handleDetach(m)
	case List:
		return p.handleList(m)
	default:
		return EncodeNoSuchDevice()
	}
}

func (p *Provider) handleAttach(m Attach) []byte {
	if p.registry == nil {
		log.Printf("controlplane: attach %d:%d: no registry configured", m.Bus, m.Addr)
		return EncodeNoAvailablePort()
	}

	vid, pid, ok := p.registry.Lookup(m.Bus, m.Addr)
	if !ok {
		log.Printf("controlplane: attach %d:%d: not found", m.Bus, m.Addr)
		return EncodeNoSuchDevice()
	}

	dev, err := hostbackend.Open(p.usbCtx, vid, pid)
	if err != nil {
		log.Printf("controlplane: attach %d:%d: %v", m.Bus, m.Addr, err)
		return EncodeNoAvailablePort()
	}

	port, ok := p.hub.ConnectFirstAvailable(dev)
	if !ok {
		dev.Detach()
		return EncodeNoAvailablePort()
	}

	return EncodeOk(Ok{Port: port})
}

func (p *Provider) handleDetach(m Detach) []byte {
	port := p.hub.Port(m.Port)
	if port == nil || port.Backend() == nil {
		return EncodeNoSuchDevice()
	}

	port.Disconnect()

	return EncodeOk(Ok{Port: m.Port})
}

func (p *Provider) handleList(m List) []byte {
	port := p.hub.Port(m.Port)
	if port == nil {
		return EncodeNoSuchDevice()
	}

	backend := port.Backend()
	if backend == nil {
		return EncodeNoSuchDevice()
	}

	hd, ok := backend.(*hostbackend.Device)
	if !ok {
		return EncodeNoSuchDevice()
	}

	vid, pid := hd.VendorProduct()

	return EncodeDeviceInfo(DeviceInfo{VID: uint16(vid), PID: uint16(pid)})
}
