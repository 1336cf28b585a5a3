// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package controlplane implements the backend device provider: a Unix
// datagram control socket through which the outer VMM attaches and detaches
// host USB devices from the xHCI root hub, and the fixed wire protocol it
// speaks, encoded the way the teacher's kvm/virtio package encodes its own
// on-wire structures: encoding/binary over fixed-size fields, no framing
// library.
package controlplane

import (
	"encoding/binary"
	"fmt"
)

// Command message tags (Command -> Device).
const (
	TagAttach byte = iota
	TagDetach
	TagList
)

// Reply message tags (Device -> Command).
const (
	TagOk byte = iota
	TagNoAvailablePort
	TagDevice
	TagNoSuchDevice
)

// Attach requests that the host USB device at bus/addr be connected to the
// first available root hub port.
type Attach struct {
	Bus  uint8
	Addr uint8
}

// Detach requests that the device on the given port be disconnected.
type Detach struct {
	Port uint8
}

// List requests the vendor/product id of the device on the given port.
type List struct {
	Port uint8
}

// Ok reports the port a device was attached to.
type Ok struct {
	Port uint8
}

// NoAvailablePort reports that every root hub port is occupied.
type NoAvailablePort struct{}

// DeviceInfo reports a port's vendor/product id in response to List.
type DeviceInfo struct {
	VID uint16
	PID uint16
}

// NoSuchDevice reports that the queried port has no device attached.
type NoSuchDevice struct{}

// EncodeAttach, EncodeDetach, EncodeList build Command -> Device messages.
func EncodeAttach(m Attach) []byte { return []byte{TagAttach, m.Bus, m.Addr} }
func EncodeDetach(m Detach) []byte { return []byte{TagDetach, m.Port} }
func EncodeList(m List) []byte     { return []byte{TagList, m.Port} }

// EncodeOk, EncodeNoAvailablePort, EncodeDeviceInfo, EncodeNoSuchDevice build
// Device -> Command replies.
func EncodeOk(m Ok) []byte { return []byte{TagOk, m.Port} }

func EncodeNoAvailablePort() []byte { return []byte{TagNoAvailablePort} }

func EncodeDeviceInfo(m DeviceInfo) []byte {
	buf := make([]byte, 5)
	buf[0] = TagDevice
	binary.LittleEndian.PutUint16(buf[1:3], m.VID)
	binary.LittleEndian.PutUint16(buf[3:5], m.PID)
	return buf
}

func EncodeNoSuchDevice() []byte { return []byte{TagNoSuchDevice} }

// DecodeCommand decodes a Command -> Device message, returning one of
// Attach, Detach or List.
func DecodeCommand(buf []byte) (interface{}, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("controlplane: empty message")
	}

	switch buf[0] {
	case TagAttach:
		if len(buf) < 3 {
			return nil, fmt.Errorf("controlplane: short Attach message")
		}
		return Attach{Bus: buf[1], Addr: buf[2]}, nil

	case TagDetach:
		if len(buf) < 2 {
			return nil, fmt.Errorf("controlplane: short Detach message")
		}
		return Detach{Port: buf[1]}, nil

	case TagList:
		if len(buf) < 2 {
			return nil, fmt.Errorf("controlplane: short List message")
		}
		return List{Port: buf[1]}, nil

	default:
		return nil, fmt.Errorf("controlplane: unknown command tag 0x%02x", buf[0])
	}
}

// DecodeReply decodes a Device -> Command message.
func DecodeReply(buf []byte) (interface{}, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("controlplane: empty message")
	}

	switch buf[0] {
	case TagOk:
		if len(buf) < 2 {
			return nil, fmt.Errorf("controlplane: short Ok message")
		}
		return Ok{Port: buf[1]}, nil

	case TagNoAvailablePort:
		return NoAvailablePort{}, nil

	case TagDevice:
		if len(buf) < 5 {
			return nil, fmt.Errorf("controlplane: short Device message")
		}
		return DeviceInfo{
			VID: binary.LittleEndian.Uint16(buf[1:3]),
			PID: binary.LittleEndian.Uint16(buf[3:5]),
		}, nil

	case TagNoSuchDevice:
		return NoSuchDevice{}, nil

	default:
		return nil, fmt.Errorf("controlplane: unknown reply tag 0x%02x", buf[0])
	}
}
