// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import (
	"encoding/binary"

	"github.com/kata-usb/xhcid/internal/regs"
)

// dcbaaEntrySize is the size of one Device Context Base Address Array
// entry: a 64-byte-aligned pointer to that slot's Device Context.
const dcbaaEntrySize = 8

// writeDeviceContextLocked writes sc and ep0's post-command state back
// into the Device Context the DCBAA points at for slot, so a driver
// reading Slot/Endpoint Context state after a command completes (e.g. to
// confirm Slot State or an endpoint's current TR Dequeue Pointer) sees
// accurate values. Must be called with Controller.mu held.
func (c *Controller) writeDeviceContextLocked(slot *Slot, sc SlotContext, ep0 EndpointContext) {
	dcbaap := c.regs.Read64(c.opBase() + regs.DCBAAP)
	if dcbaap == 0 {
		return
	}
	entryAddr := dcbaap + uint64(slot.ID)*dcbaaEntrySize
	var ptrBuf [8]byte
	if err := c.mem.Read(entryAddr, ptrBuf[:]); err != nil {
		c.log.WithError(err).Warn("failed to read DCBAA entry")
		return
	}
	devCtx := binary.LittleEndian.Uint64(ptrBuf[:]) &^ 0x3f
	if devCtx == 0 {
		return
	}

	sc.SlotState = slot.State
	sc.USBDeviceAddress = slot.Address
	if err := c.mem.Write(devCtx, encodeSlotContext(sc)); err != nil {
		c.log.WithError(err).Warn("failed to write slot context")
		return
	}

	ep0.State = EndpointStateRunning
	if ep := slot.Endpoints[1]; ep != nil {
		ep0.DequeuePointer = ep.TR.Pointer()
		ep0.DequeueCycleState = ep.TR.Cycle()
	}
	if err := c.mem.Write(devCtx+ContextSize, encodeEndpointContext(ep0)); err != nil {
		c.log.WithError(err).Warn("failed to write EP0 context")
	}
}

// ContextSize is the on-the-wire size of one Slot Context or Endpoint
// Context entry (32-byte context format, CSZ=0).
const ContextSize = 32

// DeviceContextSize is the Device Context DCBAA entries point at: one Slot
// Context followed by 31 Endpoint Contexts (EP0 through EP30 directional
// pairs collapse to indices 1..31 the same way the spec's endpoint index
// does).
const DeviceContextSize = ContextSize * 32

// InputContextSize is the Input Context an Address Device/Configure
// Endpoint/Evaluate Context command TRB's parameter points at: a 32-byte
// Input Control Context followed by one Device Context's worth of slot +
// endpoint contexts.
const InputContextSize = ContextSize + DeviceContextSize

// SlotContext mirrors the mandatory subset of the XHCI Slot Context.
type SlotContext struct {
	RouteString      uint32
	Speed            uint8
	MTT              bool
	Hub              bool
	ContextEntries   uint8
	MaxExitLatency   uint16
	RootHubPortNum   uint8
	NumberOfPorts    uint8
	InterrupterTarget uint16
	USBDeviceAddress uint8
	SlotState        SlotState
}

func decodeSlotContext(b []byte) SlotContext {
	d0 := binary.LittleEndian.Uint32(b[0:4])
	d1 := binary.LittleEndian.Uint32(b[4:8])
	d2 := binary.LittleEndian.Uint32(b[8:12])
	d3 := binary.LittleEndian.Uint32(b[12:16])
	return SlotContext{
		RouteString:       regs.Get(d0, 0, 0xfffff),
		Speed:             uint8(regs.Get(d0, 20, 0xf)),
		MTT:               regs.IsSet(d0, 25),
		Hub:               regs.IsSet(d0, 26),
		ContextEntries:    uint8(regs.Get(d0, 27, 0x1f)),
		MaxExitLatency:    uint16(regs.Get(d1, 0, 0xffff)),
		RootHubPortNum:    uint8(regs.Get(d1, 16, 0xff)),
		NumberOfPorts:     uint8(regs.Get(d1, 24, 0xff)),
		InterrupterTarget: uint16(regs.Get(d2, 22, 0x3ff)),
		USBDeviceAddress:  uint8(regs.Get(d3, 0, 0xff)),
		SlotState:         SlotState(regs.Get(d3, 27, 0x1f)),
	}
}

func encodeSlotContext(sc SlotContext) []byte {
	buf := make([]byte, ContextSize)
	var d0, d1, d2, d3 uint32
	d0 = regs.SetN(d0, 0, 0xfffff, sc.RouteString)
	d0 = regs.SetN(d0, 20, 0xf, uint32(sc.Speed))
	if sc.MTT {
		d0 = regs.Set(d0, 25)
	}
	if sc.Hub {
		d0 = regs.Set(d0, 26)
	}
	d0 = regs.SetN(d0, 27, 0x1f, uint32(sc.ContextEntries))
	d1 = regs.SetN(d1, 0, 0xffff, uint32(sc.MaxExitLatency))
	d1 = regs.SetN(d1, 16, 0xff, uint32(sc.RootHubPortNum))
	d1 = regs.SetN(d1, 24, 0xff, uint32(sc.NumberOfPorts))
	d2 = regs.SetN(d2, 22, 0x3ff, uint32(sc.InterrupterTarget))
	d3 = regs.SetN(d3, 0, 0xff, uint32(sc.USBDeviceAddress))
	d3 = regs.SetN(d3, 27, 0x1f, uint32(sc.SlotState))
	binary.LittleEndian.PutUint32(buf[0:4], d0)
	binary.LittleEndian.PutUint32(buf[4:8], d1)
	binary.LittleEndian.PutUint32(buf[8:12], d2)
	binary.LittleEndian.PutUint32(buf[12:16], d3)
	return buf
}

// EndpointContext mirrors the mandatory subset of the XHCI Endpoint
// Context.
type EndpointContext struct {
	State             EndpointState
	Interval          uint8
	ErrorCount        uint8
	EPType            EndpointType
	MaxBurstSize      uint8
	MaxPacketSize     uint16
	DequeuePointer    uint64
	DequeueCycleState bool
	AverageTRBLength  uint16
}

func decodeEndpointContext(b []byte) EndpointContext {
	d0 := binary.LittleEndian.Uint32(b[0:4])
	d1 := binary.LittleEndian.Uint32(b[4:8])
	trDeq := binary.LittleEndian.Uint64(b[8:16])
	d4 := binary.LittleEndian.Uint32(b[16:20])
	return EndpointContext{
		State:             EndpointState(regs.Get(d0, 0, 0x7)),
		Interval:          uint8(regs.Get(d0, 16, 0xff)),
		ErrorCount:        uint8(regs.Get(d1, 1, 0x3)),
		EPType:            EndpointType(regs.Get(d1, 3, 0x7)),
		MaxBurstSize:      uint8(regs.Get(d1, 8, 0xff)),
		MaxPacketSize:     uint16(regs.Get(d1, 16, 0xffff)),
		DequeuePointer:    trDeq &^ 0xf,
		DequeueCycleState: trDeq&1 != 0,
		AverageTRBLength:  uint16(regs.Get(d4, 0, 0xffff)),
	}
}

func encodeEndpointContext(ec EndpointContext) []byte {
	buf := make([]byte, ContextSize)
	var d0, d1, d4 uint32
	d0 = regs.SetN(d0, 0, 0x7, uint32(ec.State))
	d0 = regs.SetN(d0, 16, 0xff, uint32(ec.Interval))
	d1 = regs.SetN(d1, 1, 0x3, uint32(ec.ErrorCount))
	d1 = regs.SetN(d1, 3, 0x7, uint32(ec.EPType))
	d1 = regs.SetN(d1, 8, 0xff, uint32(ec.MaxBurstSize))
	d1 = regs.SetN(d1, 16, 0xffff, uint32(ec.MaxPacketSize))
	trDeq := ec.DequeuePointer &^ 0xf
	if ec.DequeueCycleState {
		trDeq |= 1
	}
	d4 = regs.SetN(d4, 0, 0xffff, uint32(ec.AverageTRBLength))
	binary.LittleEndian.PutUint32(buf[0:4], d0)
	binary.LittleEndian.PutUint32(buf[4:8], d1)
	binary.LittleEndian.PutUint64(buf[8:16], trDeq)
	binary.LittleEndian.PutUint32(buf[16:20], d4)
	return buf
}

// InputControlContext carries the Drop/Add Context flag vectors a
// Configure Endpoint or Evaluate Context command TRB parameter points at.
type InputControlContext struct {
	DropFlags uint32 // bit i: drop context i (bits 2..31 valid)
	AddFlags  uint32 // bit i: add/evaluate context i (bits 0..31 valid)
}

func decodeInputControlContext(b []byte) InputControlContext {
	return InputControlContext{
		DropFlags: binary.LittleEndian.Uint32(b[0:4]),
		AddFlags:  binary.LittleEndian.Uint32(b[4:8]),
	}
}
