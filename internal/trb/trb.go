// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package trb defines the 16-byte Transfer Request Block and the constants
// that decorate it: TRB types, completion codes, and the Cycle/Chain/IOC/
// Toggle-Cycle bit layout shared by every ring in the controller.
package trb

// TRB is the fixed 16-byte unit shared by command rings, transfer rings and
// event rings. Parameter is command/transfer specific (a pointer, an
// immediate value, ...); Status carries length/completion-code fields;
// Control carries the type, cycle bit and per-type flag bits.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// Size is the on-the-wire size of a TRB in guest memory.
const Size = 16

// Encode serializes the TRB into its 16-byte little-endian wire layout.
func (t TRB) Encode() [Size]byte {
	var buf [Size]byte
	putLE64(buf[0:8], t.Parameter)
	putLE32(buf[8:12], t.Status)
	putLE32(buf[12:16], t.Control)
	return buf
}

// Decode parses a 16-byte little-endian TRB.
func Decode(buf []byte) TRB {
	return TRB{
		Parameter: le64(buf[0:8]),
		Status:    le32(buf[8:12]),
		Control:   le32(buf[12:16]),
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func le64(b []byte) uint64 {
	return uint64(le32(b[:4])) | uint64(le32(b[4:]))<<32
}

func putLE64(b []byte, v uint64) {
	putLE32(b[:4], uint32(v))
	putLE32(b[4:], uint32(v>>32))
}

// Control field bit positions, common to every TRB type.
const (
	ControlCycleBit  = 1 << 0
	ControlENT       = 1 << 1 // Evaluate Next TRB (link TRBs)
	ControlISP       = 1 << 2 // Interrupt-on-Short-Packet
	ControlChain     = 1 << 4
	ControlIOC       = 1 << 5 // Interrupt On Completion
	ControlIDT       = 1 << 6 // Immediate Data
	ControlBSR       = 1 << 9 // Block Set Address Request (Address Device)
	ControlDC        = 1 << 9 // Deconfigure (Configure Endpoint)
	ControlTC        = 1 << 1 // Toggle Cycle (Link TRB)
	ControlED        = 1 << 2 // Event Data (Transfer Event)
	controlTypeShift = 10
	controlTypeMask  = 0x3f << controlTypeShift
)

// Type extracts the TRB Type field from Control.
func (t TRB) Type() Type {
	return Type((t.Control & controlTypeMask) >> controlTypeShift)
}

// ControlWithType returns a Control word with only the Type field set;
// used when constructing event TRBs to enqueue.
func ControlWithType(typ Type) uint32 {
	return uint32(typ) << controlTypeShift
}

// Cycle reports the Cycle bit of the TRB.
func (t TRB) Cycle() bool {
	return t.Control&ControlCycleBit != 0
}

// Chain reports the Chain bit (transfer TRBs only).
func (t TRB) Chain() bool {
	return t.Control&ControlChain != 0
}

// IOC reports the Interrupt-On-Completion bit.
func (t TRB) IOC() bool {
	return t.Control&ControlIOC != 0
}

// ISP reports the Interrupt-on-Short-Packet bit (transfer TRBs).
func (t TRB) ISP() bool {
	return t.Control&ControlISP != 0
}

// ImmediateData reports the Immediate Data bit (Normal/Setup TRBs).
func (t TRB) ImmediateData() bool {
	return t.Control&ControlIDT != 0
}

// ToggleCycle reports the Toggle Cycle bit (Link TRBs).
func (t TRB) ToggleCycle() bool {
	return t.Control&ControlTC != 0
}

// TransferLength extracts the 17-bit TRB Transfer Length field from
// Status, valid on Normal/Data Stage/Status Stage/Isoch TRBs.
func (t TRB) TransferLength() uint32 {
	return t.Status & 0x1ffff
}

// CompletionCode extracts the completion code from Status, valid on event
// TRBs only.
func (t TRB) CompletionCode() CompletionCode {
	return CompletionCode((t.Status >> 24) & 0xff)
}

// SlotID extracts the Slot ID field carried by command/event TRBs.
func (t TRB) SlotID() uint8 {
	return uint8((t.Control >> 24) & 0xff)
}

// EndpointID extracts the Endpoint ID field carried by transfer-related
// event/command TRBs (1-based: EP0 is 1, direction-qualified EPs are 2..31).
func (t TRB) EndpointID() uint8 {
	return uint8((t.Control >> 16) & 0x1f)
}

// Type enumerates XHCI TRB types (table 6.19 of the XHCI specification;
// only the mandatory subset this controller implements is named).
type Type uint8

const (
	TypeReserved                   Type = 0
	TypeNormal                     Type = 1
	TypeSetupStage                 Type = 2
	TypeDataStage                  Type = 3
	TypeStatusStage                Type = 4
	TypeIsoch                      Type = 5
	TypeLink                       Type = 6
	TypeEventData                  Type = 7
	TypeNoOpTransfer               Type = 8
	TypeEnableSlotCommand          Type = 9
	TypeDisableSlotCommand         Type = 10
	TypeAddressDeviceCommand       Type = 11
	TypeConfigureEndpointCommand   Type = 12
	TypeEvaluateContextCommand     Type = 13
	TypeResetEndpointCommand       Type = 14
	TypeStopEndpointCommand        Type = 15
	TypeSetTRDequeuePointerCommand Type = 16
	TypeResetDeviceCommand         Type = 17
	TypeNoOpCommand                Type = 23
	TypeTransferEvent              Type = 32
	TypeCommandCompletionEvent     Type = 33
	TypePortStatusChangeEvent      Type = 34
	TypeHostControllerEvent        Type = 37
)

// CompletionCode enumerates the XHCI completion codes this controller
// posts on event TRBs.
type CompletionCode uint8

const (
	CompletionInvalid CompletionCode = iota
	CompletionSuccess
	CompletionDataBufferError
	CompletionBabbleDetectedError
	CompletionUSBTransactionError
	CompletionTRBError
	CompletionStallError
	CompletionResourceError
	CompletionBandwidthError
	CompletionNoSlotsAvailableError
	CompletionInvalidStreamTypeError
	CompletionSlotNotEnabledError
	CompletionEndpointNotEnabledError
	CompletionShortPacket
	CompletionRingUnderrun
	CompletionRingOverrun
	CompletionVFEventRingFullError
	CompletionParameterError
	CompletionBandwidthOverrunError
	CompletionContextStateError
	CompletionNoPingResponseError
	CompletionEventRingFullError
	CompletionIncompatibleDeviceError
	CompletionMissedServiceError
	CompletionCommandRingStopped
	CompletionCommandAborted
	CompletionStopped
	CompletionStoppedLengthInvalid
)
