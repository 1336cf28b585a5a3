// https://github.com/usbarmory/vmdevices
//
// Copyright (c) The vmdevices Authors.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

// NormalView exposes the Normal TRB's fields over the same 16 bytes as Trb.
type NormalView struct{ t *Trb }

func (t *Trb) AsNormal() NormalView { return NormalView{t} }

func (v NormalView) DataBuffer() uint64  { return v.t.Parameter() }
func (v NormalView) TrbTransferLength() uint32 { return v.t.Status() & 0x1ffff }
func (v NormalView) TDSize() uint32      { return (v.t.Status() >> 17) & 0x1f }

// SetupStageView exposes the Setup Stage TRB's fields.
type SetupStageView struct{ t *Trb }

func (t *Trb) AsSetupStage() SetupStageView { return SetupStageView{t} }

func (v SetupStageView) RequestType() uint8 { return uint8(v.t.dword(0)) }
func (v SetupStageView) Request() uint8     { return uint8(v.t.dword(0) >> 8) }
func (v SetupStageView) Value() uint16      { return uint16(v.t.dword(0) >> 16) }
func (v SetupStageView) Index() uint16      { return uint16(v.t.dword(1)) }
func (v SetupStageView) Length() uint16     { return uint16(v.t.dword(1) >> 16) }
func (v SetupStageView) TRBTransferLength() uint32 { return v.t.Status() & 0x1ffff }

// TransferType values for the setup stage TRT field (control bits 16:17).
const (
	NoDataStage   = 0
	OutDataStage  = 2
	InDataStage   = 3
)

func (v SetupStageView) TransferType() uint32 { return (v.t.dword(3) >> 16) & 0x3 }

// DataStageView exposes the Data Stage TRB's fields.
type DataStageView struct{ t *Trb }

func (t *Trb) AsDataStage() DataStageView { return DataStageView{t} }

func (v DataStageView) DataBuffer() uint64     { return v.t.Parameter() }
func (v DataStageView) TRBTransferLength() uint32 { return v.t.Status() & 0x1ffff }
func (v DataStageView) Dir() bool              { return v.t.dword(3)&(1<<16) != 0 } // 1 = IN

// LinkView exposes the Link TRB's fields.
type LinkView struct{ t *Trb }

func (t *Trb) AsLink() LinkView { return LinkView{t} }

func (v LinkView) RingSegmentPointer() uint64 { return v.t.Parameter() &^ 0xf }

// EventDataView exposes the Event Data TRB's fields.
type EventDataView struct{ t *Trb }

func (t *Trb) AsEventData() EventDataView { return EventDataView{t} }

func (v EventDataView) EventData() uint64 { return v.t.Parameter() }

// EnableSlotCommandView, etc: most command TRBs other than AddressDevice /
// ConfigureEndpoint / EvaluateContext / SetTRDequeuePointer carry no
// additional fields beyond the generic Trb ones, so no view type is needed
// for them.

// AddressDeviceCommandView exposes the Address Device Command TRB.
type AddressDeviceCommandView struct{ t *Trb }

func (t *Trb) AsAddressDeviceCommand() AddressDeviceCommandView { return AddressDeviceCommandView{t} }

func (v AddressDeviceCommandView) InputContextPointer() uint64 { return v.t.Parameter() &^ 0xf }
func (v AddressDeviceCommandView) BSR() bool                   { return v.t.dword(3)&(1<<9) != 0 }

// ConfigureEndpointCommandView exposes the Configure Endpoint Command TRB.
type ConfigureEndpointCommandView struct{ t *Trb }

func (t *Trb) AsConfigureEndpointCommand() ConfigureEndpointCommandView {
	return ConfigureEndpointCommandView{t}
}

func (v ConfigureEndpointCommandView) InputContextPointer() uint64 { return v.t.Parameter() &^ 0xf }
func (v ConfigureEndpointCommandView) DC() bool                    { return v.t.dword(3)&(1<<9) != 0 }

// EvaluateContextCommandView exposes the Evaluate Context Command TRB.
type EvaluateContextCommandView struct{ t *Trb }

func (t *Trb) AsEvaluateContextCommand() EvaluateContextCommandView {
	return EvaluateContextCommandView{t}
}

func (v EvaluateContextCommandView) InputContextPointer() uint64 { return v.t.Parameter() &^ 0xf }

// ResetDeviceCommandView, DisableSlotCommandView, StopEndpointCommandView,
// ResetEndpointCommandView all share the slot-id-in-control-dword layout
// already exposed by Trb.SlotID.

// EndpointCommandView exposes the endpoint id field of Stop/Reset
// Endpoint Command TRBs (control bits 16:20).
type EndpointCommandView struct{ t *Trb }

func (t *Trb) AsEndpointCommand() EndpointCommandView { return EndpointCommandView{t} }

func (v EndpointCommandView) EndpointID() uint8 { return uint8((v.t.dword(3) >> 16) & 0x1f) }

// SetTRDequeuePointerCommandView exposes the Set TR Dequeue Pointer Command
// TRB.
type SetTRDequeuePointerCommandView struct{ t *Trb }

func (t *Trb) AsSetTRDequeuePointerCommand() SetTRDequeuePointerCommandView {
	return SetTRDequeuePointerCommandView{t}
}

func (v SetTRDequeuePointerCommandView) DequeuePtr() uint64   { return v.t.Parameter() &^ 0xf }
func (v SetTRDequeuePointerCommandView) DequeueCycleState() bool { return v.t.dword(0)&0x1 != 0 }
func (v SetTRDequeuePointerCommandView) EndpointID() uint8       { return uint8((v.t.dword(3) >> 16) & 0x1f) }

// TransferEventView exposes the Transfer Event TRB.
type TransferEventView struct{ t *Trb }

func (t *Trb) AsTransferEvent() TransferEventView { return TransferEventView{t} }

func (v TransferEventView) TRBPointer() uint64  { return v.t.Parameter() }
func (v TransferEventView) TransferLength() uint32 { return v.t.Status() & 0xffffff }
func (v TransferEventView) CompletionCode() uint8  { return uint8(v.t.Status() >> 24) }
func (v TransferEventView) EndpointID() uint8      { return uint8((v.t.dword(3) >> 16) & 0x1f) }

// CommandCompletionEventView exposes the Command Completion Event TRB.
type CommandCompletionEventView struct{ t *Trb }

func (t *Trb) AsCommandCompletionEvent() CommandCompletionEventView {
	return CommandCompletionEventView{t}
}

func (v CommandCompletionEventView) CommandTRBPointer() uint64 { return v.t.Parameter() &^ 0xf }
func (v CommandCompletionEventView) CommandCompletionParameter() uint32 {
	return v.t.Status() & 0xffffff
}
func (v CommandCompletionEventView) CompletionCode() uint8 { return uint8(v.t.Status() >> 24) }

// PortStatusChangeEventView exposes the Port Status Change Event TRB.
type PortStatusChangeEventView struct{ t *Trb }

func (t *Trb) AsPortStatusChangeEvent() PortStatusChangeEventView {
	return PortStatusChangeEventView{t}
}

func (v PortStatusChangeEventView) PortID() uint8 { return uint8(v.t.dword(0) >> 24) }

// BuildTransferEvent constructs a Transfer Event TRB with the given fields.
func BuildTransferEvent(trbPointer uint64, transferLength uint32, completionCode uint8, slotID uint8, endpointID uint8) Trb {
	var t Trb
	t.SetParameter(trbPointer)
	t.SetStatus((transferLength & 0xffffff) | uint32(completionCode)<<24)
	ctrl := uint32(TrbTypeTransferEvent)<<10 | uint32(endpointID&0x1f)<<16 | uint32(slotID)<<24
	t.SetControl(ctrl)
	return t
}

// BuildCommandCompletionEvent constructs a Command Completion Event TRB.
func BuildCommandCompletionEvent(commandTRBPointer uint64, completionCode uint8, slotID uint8) Trb {
	var t Trb
	t.SetParameter(commandTRBPointer &^ 0xf)
	t.SetStatus(uint32(completionCode) << 24)
	ctrl := uint32(TrbTypeCommandCompletionEvent)<<10 | uint32(slotID)<<24
	t.SetControl(ctrl)
	return t
}

// BuildPortStatusChangeEvent constructs a Port Status Change Event TRB.
func BuildPortStatusChangeEvent(portID uint8) Trb {
	var t Trb
	t.setDword(0, uint32(portID)<<24)
	ctrl := uint32(TrbTypePortStatusChangeEvent) << 10
	t.SetControl(ctrl)
	return t
}

// BuildLink constructs a Link TRB pointing at the given segment, with the
// requested toggle-cycle and cycle bits.
func BuildLink(segmentPointer uint64, toggleCycle, cycle bool) Trb {
	var t Trb
	t.SetParameter(segmentPointer &^ 0xf)
	ctrl := uint32(TrbTypeLink) << 10
	if toggleCycle {
		ctrl |= 1 << bitToggleCycle
	}
	if cycle {
		ctrl |= 1 << bitCycle
	}
	t.SetControl(ctrl)
	return t
}
