// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package block

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/vmdevices/guestmem"
)

// Descriptor flag bits, matching the teacher's kvm/virtio.Descriptor flags
// (Next, Write, Indirect), read here from guest memory instead of written
// to it.
const (
	descNext     = 1
	descWrite    = 2
	descIndirect = 4
)

// descriptor is one entry of a split virtqueue's descriptor table, decoded
// from guest memory. Indirect descriptors are not supported, matching the
// scope of a single block request queue.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func readUint16(mem *guestmem.Memory, addr uint64) (uint16, error) {
	b, err := mem.Bytes(addr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func writeUint16(mem *guestmem.Memory, addr uint64, v uint16) error {
	b, err := mem.Bytes(addr, 2)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(b, v)

	return nil
}

func readDescriptor(mem *guestmem.Memory, table uint64, idx uint16) (descriptor, error) {
	buf, err := mem.Bytes(table+uint64(idx)*16, 16)
	if err != nil {
		return descriptor{}, err
	}

	return descriptor{
		addr:  binary.LittleEndian.Uint64(buf[0:8]),
		len:   binary.LittleEndian.Uint32(buf[8:12]),
		flags: binary.LittleEndian.Uint16(buf[12:14]),
		next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// virtqueue is a split virtqueue as described by VIRTIO 1.2 §2.7, read and
// written directly against guest memory at the addresses the driver wrote
// into the common configuration's queue_desc/queue_driver/queue_device
// registers. It holds no copy of ring contents — every access goes through
// mem, matching the rest of this module's guest-memory-is-truth model.
type virtqueue struct {
	mem  *guestmem.Memory
	size uint16

	descTable uint64
	availAddr uint64
	usedAddr  uint64

	lastAvail uint16
}

func (q *virtqueue) availIndex() (uint16, error) {
	return readUint16(q.mem, q.availAddr+2)
}

func (q *virtqueue) availRing(n uint16) (uint16, error) {
	return readUint16(q.mem, q.availAddr+4+uint64(n%q.size)*2)
}

// hasAvailable reports whether the driver has published a buffer this
// device has not yet consumed.
func (q *virtqueue) hasAvailable() (bool, error) {
	idx, err := q.availIndex()
	if err != nil {
		return false, err
	}

	return idx != q.lastAvail, nil
}

// chain follows the Next-linked descriptor chain starting at head.
func (q *virtqueue) chain(head uint16) ([]descriptor, error) {
	var out []descriptor

	idx := head

	for {
		d, err := readDescriptor(q.mem, q.descTable, idx)
		if err != nil {
			return nil, err
		}

		out = append(out, d)

		if d.flags&descNext == 0 {
			break
		}

		idx = d.next

		if len(out) > int(q.size) {
			return nil, fmt.Errorf("virtio-blk: descriptor chain longer than queue size")
		}
	}

	return out, nil
}

// popAvailable consumes the next available descriptor chain, advancing the
// queue's view of the avail ring. The caller must eventually call pushUsed
// with the same head index once the request is serviced.
func (q *virtqueue) popAvailable() (head uint16, chain []descriptor, err error) {
	head, err = q.availRing(q.lastAvail)
	if err != nil {
		return 0, nil, err
	}

	chain, err = q.chain(head)
	if err != nil {
		return 0, nil, err
	}

	q.lastAvail++

	return head, chain, nil
}

// pushUsed publishes head as a completed descriptor chain of the given
// total length in the used ring and bumps the used index.
func (q *virtqueue) pushUsed(head uint16, length uint32) error {
	usedIdx, err := readUint16(q.mem, q.usedAddr+2)
	if err != nil {
		return err
	}

	off := q.usedAddr + 4 + uint64(usedIdx%q.size)*8

	b, err := q.mem.Bytes(off, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b[0:4], uint32(head))
	binary.LittleEndian.PutUint32(b[4:8], length)

	return writeUint16(q.mem, q.usedAddr+2, usedIdx+1)
}
