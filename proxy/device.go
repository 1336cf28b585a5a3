// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package proxy

// Device is the byte-addressed register interface a sandboxed device model
// implements. It is deliberately narrower than mmio.Fabric: a proxied
// device answers single fixed-size accesses, the same granularity the wire
// frame carries.
type Device interface {
	// Read returns up to 8 bytes of register state at offset.
	Read(offset uint64, length uint32) []byte
	// Write commits data (at most 8 bytes) at offset.
	Write(offset uint64, data []byte)
	// Shutdown releases any resources held by the device. Called once,
	// immediately before the child process exits.
	Shutdown()
}
