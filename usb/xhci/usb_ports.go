// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "sync"

// Port is one root hub port: it holds an optional attached BackendDevice
// and mirrors its connect state into the guest-visible PORTSC bits through
// onStatusChange, supplied by the register map at construction.
type Port struct {
	mu sync.Mutex

	id      uint8 // 1-based
	backend BackendDevice

	// onStatusChange is invoked with the current connect/enable bits
	// whenever they change, letting the register map update PORTSC and
	// set USBSTS.PCD without this package knowing the register layout.
	onStatusChange func(connected, enabled bool)

	// notifyChange posts the port-status-change event once the register
	// side has latched the new PORTSC bits.
	notifyChange func(portID uint8)
}

// NewPort creates a disconnected port with the given 1-based id.
func NewPort(id uint8, onStatusChange func(connected, enabled bool), notifyChange func(portID uint8)) *Port {
	return &Port{id: id, onStatusChange: onStatusChange, notifyChange: notifyChange}
}

// ID returns the port's 1-based root hub port number.
func (p *Port) ID() uint8 {
	return p.id
}

// Backend returns the currently attached device, or nil.
func (p *Port) Backend() BackendDevice {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.backend
}

// Connect attaches dev to the port, raising CCS/CSC (and, since this model
// has no separate reset/enable handshake delay, PED/PEDC alongside it) and
// posting a port-status-change event.
func (p *Port) Connect(dev BackendDevice) {
	p.mu.Lock()
	p.backend = dev
	p.mu.Unlock()

	if p.onStatusChange != nil {
		p.onStatusChange(true, true)
	}
	if p.notifyChange != nil {
		p.notifyChange(p.id)
	}
}

// Disconnect detaches the current device, if any, raising CSC/PEDC and
// posting a port-status-change event. The backend's own Detach is called so
// it can release host resources; outstanding transfers already dispatched
// to it may still complete.
func (p *Port) Disconnect() {
	p.mu.Lock()
	dev := p.backend
	p.backend = nil
	p.mu.Unlock()

	if dev != nil {
		dev.Detach()
	}

	if p.onStatusChange != nil {
		p.onStatusChange(false, false)
	}
	if p.notifyChange != nil {
		p.notifyChange(p.id)
	}
}

// Hub owns a fixed vector of root hub ports.
type Hub struct {
	mu    sync.Mutex
	ports []*Port
}

// NewHub creates a hub with n ports (1-based ids 1..n), each wired to
// portRegHook for PORTSC/USBSTS updates and notifyChange for port-status
// events.
func NewHub(n int, portRegHook func(id uint8) (onStatusChange func(connected, enabled bool)), notifyChange func(portID uint8)) *Hub {
	h := &Hub{}

	for i := 1; i <= n; i++ {
		id := uint8(i)

		var onStatusChange func(connected, enabled bool)
		if portRegHook != nil {
			onStatusChange = portRegHook(id)
		}

		h.ports = append(h.ports, NewPort(id, onStatusChange, notifyChange))
	}

	return h
}

// Port returns the port for the given 1-based id, or nil if out of range.
func (h *Hub) Port(id uint8) *Port {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id == 0 || int(id) > len(h.ports) {
		return nil
	}

	return h.ports[id-1]
}

// NumPorts returns the hub's fixed port count.
func (h *Hub) NumPorts() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.ports)
}

// ConnectFirstAvailable attaches dev to the first disconnected port,
// returning its id, or (0, false) if every port is occupied.
func (h *Hub) ConnectFirstAvailable(dev BackendDevice) (uint8, bool) {
	h.mu.Lock()
	ports := h.ports
	h.mu.Unlock()

	for _, p := range ports {
		if p.Backend() == nil {
			p.Connect(dev)
			return p.ID(), true
		}
	}

	return 0, false
}

// Backend resolves the backend device attached to port id, or nil if the
// port is out of range or empty. This is the function a CommandRingController
// uses to resolve a device slot's backend by root hub port number.
func (h *Hub) Backend(id uint8) BackendDevice {
	p := h.Port(id)
	if p == nil {
		return nil
	}

	return p.Backend()
}
