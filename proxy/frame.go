// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package proxy runs an individual device model in a sandboxed child
// process, communicating with it over a fixed-size framed protocol on a
// Unix datagram socket, mirroring the tagged-message style already used by
// usb/controlplane but for a byte-addressed device rather than a USB hub.
package proxy

import (
	"encoding/binary"
	"fmt"
)

// Command codes carried in a Frame's Cmd field.
const (
	CmdRead     uint32 = 0
	CmdWrite    uint32 = 1
	CmdShutdown uint32 = 2
)

// FrameSize is the fixed wire size of a Frame: cmd(4) + len(4) + offset(8) +
// payload(8).
const FrameSize = 24

// Frame is the 24-byte request/response unit exchanged with a proxied
// device. Payload holds up to 8 bytes of register data, matching the
// module's widest native MMIO access width.
type Frame struct {
	Cmd     uint32
	Len     uint32
	Offset  uint64
	Payload [8]byte
}

// Encode marshals f into its fixed 24-byte wire representation, native byte
// order (both ends of the socket run on the same host).
func (f Frame) Encode() []byte {
	buf := make([]byte, FrameSize)

	binary.NativeEndian.PutUint32(buf[0:4], f.Cmd)
	binary.NativeEndian.PutUint32(buf[4:8], f.Len)
	binary.NativeEndian.PutUint64(buf[8:16], f.Offset)
	copy(buf[16:24], f.Payload[:])

	return buf
}

// DecodeFrame unmarshals a 24-byte wire frame.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) != FrameSize {
		return Frame{}, fmt.Errorf("proxy: frame has %d bytes, want %d", len(buf), FrameSize)
	}

	var f Frame
	f.Cmd = binary.NativeEndian.Uint32(buf[0:4])
	f.Len = binary.NativeEndian.Uint32(buf[4:8])
	f.Offset = binary.NativeEndian.Uint64(buf[8:16])
	copy(f.Payload[:], buf[16:24])

	return f, nil
}
