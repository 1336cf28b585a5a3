// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "github.com/usbarmory/vmdevices/guestmem"

// scatterGatherSegment is one guest-memory span contributed by a single
// Normal/DataStage/Isoch TRB in a TD.
type scatterGatherSegment struct {
	gpa uint64
	len uint32
}

// ScatterGatherBuffer is the union of data-bearing TRB payloads in a TD,
// presented as a single logical buffer for the host passthrough backend to
// copy into or out of.
type ScatterGatherBuffer struct {
	mem      *guestmem.Memory
	segments []scatterGatherSegment
}

// NewScatterGatherBuffer builds a ScatterGatherBuffer from the
// Normal/DataStage/Isoch TRBs in td, in order. Event Data and other
// non-data-bearing TRBs contribute no segment.
func NewScatterGatherBuffer(mem *guestmem.Memory, td *TransferDescriptor) *ScatterGatherBuffer {
	sg := &ScatterGatherBuffer{mem: mem}

	for _, atrb := range td.Trbs {
		trb := atrb.Trb

		switch trb.TrbType() {
		case TrbTypeNormal, TrbTypeIsoch:
			// Isoch TRBs share the Normal TRB's buffer/length layout.
			v := trb.AsNormal()
			sg.segments = append(sg.segments, scatterGatherSegment{gpa: v.DataBuffer(), len: v.TrbTransferLength()})
		case TrbTypeDataStage:
			v := trb.AsDataStage()
			sg.segments = append(sg.segments, scatterGatherSegment{gpa: v.DataBuffer(), len: v.TRBTransferLength()})
		}
	}

	return sg
}

// TotalLength returns the sum of every segment's length.
func (sg *ScatterGatherBuffer) TotalLength() int {
	total := 0
	for _, s := range sg.segments {
		total += int(s.len)
	}

	return total
}

// CopyTo copies guest memory described by sg into dst, stopping when either
// sg or dst is exhausted, returning the number of bytes copied.
func (sg *ScatterGatherBuffer) CopyTo(dst []byte) (int, error) {
	copied := 0

	for _, s := range sg.segments {
		if copied >= len(dst) {
			break
		}

		n := int(s.len)
		if rem := len(dst) - copied; n > rem {
			n = rem
		}

		if err := sg.mem.ReadAt(s.gpa, dst[copied:copied+n]); err != nil {
			return copied, err
		}

		copied += n
	}

	return copied, nil
}

// CopyFrom copies src into the guest memory described by sg, stopping when
// either is exhausted, returning the number of bytes copied (clipped to
// min(len(src), sg's total length) per the Host Passthrough Endpoint's IN
// handling contract).
func (sg *ScatterGatherBuffer) CopyFrom(src []byte) (int, error) {
	copied := 0

	for _, s := range sg.segments {
		if copied >= len(src) {
			break
		}

		n := int(s.len)
		if rem := len(src) - copied; n > rem {
			n = rem
		}

		if err := sg.mem.WriteAt(s.gpa, src[copied:copied+n]); err != nil {
			return copied, err
		}

		copied += n
	}

	return copied, nil
}
