// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vfiouser implements the vfio-user wire protocol side of the
// device: message framing over a stream socket (with SCM_RIGHTS file
// descriptor passing for DMA_MAP and DEVICE_SET_IRQS), PCI configuration
// space and BAR0 region serving, and MSI-X delivery through pre-armed
// eventfds. It is the only package that knows the VMM is on the other end
// of a socket; everything else in this repository is driven through
// internal/controller's Go API.
package vfiouser

import "encoding/binary"

// headerSize is the fixed size of a vfio-user message header.
const headerSize = 16

// header is the fixed leading structure of every vfio-user message, command
// or reply, matching the public vfio-user protocol's wire layout.
type header struct {
	MsgID   uint16
	Command command
	MsgSize uint32
	Flags   uint32
	ErrorNo uint32
}

func decodeHeader(b []byte) header {
	return header{
		MsgID:   binary.LittleEndian.Uint16(b[0:2]),
		Command: command(binary.LittleEndian.Uint16(b[2:4])),
		MsgSize: binary.LittleEndian.Uint32(b[4:8]),
		Flags:   binary.LittleEndian.Uint32(b[8:12]),
		ErrorNo: binary.LittleEndian.Uint32(b[12:16]),
	}
}

func (h header) encode() [headerSize]byte {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.MsgID)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Command))
	binary.LittleEndian.PutUint32(buf[4:8], h.MsgSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], h.ErrorNo)
	return buf
}

// Flags bits.
const (
	flagTypeReply    = 1 << 0 // 0 = command, 1 = reply
	flagNoReply      = 1 << 2
	flagErrorPresent = 1 << 3
)

// command enumerates the subset of vfio-user commands this device
// implements, per SPEC_FULL.md's vfio-user adapter scope.
type command uint16

const (
	cmdVersion             command = 1
	cmdDMAMap              command = 2
	cmdDMAUnmap            command = 3
	cmdDeviceGetInfo       command = 4
	cmdDeviceGetRegionInfo command = 5
	cmdDeviceGetIRQInfo    command = 7
	cmdDeviceSetIRQs       command = 8
	cmdRegionRead          command = 9
	cmdRegionWrite         command = 10
	cmdDeviceReset         command = 11
)

// Region indices. Only BAR0 and the PCI config space region are served;
// the remaining BAR/ROM indices a real vfio device info enumerates are
// reported with zero size.
const (
	regionIndexBAR0   = 0
	regionIndexConfig = 7
	numRegions        = 8 // matches the conventional VFIO_PCI BAR0..5+ROM+CONFIG count
)

// IRQ indices. Only the MSI-X index is meaningful; this controller has no
// INTx or bare MSI support.
const (
	irqIndexMSIX = 2
	numIRQIndices = 1
)

// deviceInfo is the VFIO_USER_DEVICE_GET_INFO reply payload.
type deviceInfo struct {
	ArgSz      uint32
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
}

const (
	deviceFlagsReset = 1 << 0
	deviceFlagsPCI   = 1 << 4
)

func (d deviceInfo) encode() [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], d.ArgSz)
	binary.LittleEndian.PutUint32(buf[4:8], d.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], d.NumRegions)
	binary.LittleEndian.PutUint32(buf[12:16], d.NumIRQs)
	return buf
}

// regionInfo is both the VFIO_USER_DEVICE_GET_REGION_INFO request (argsz,
// index filled in by the client) and reply (everything filled in by us).
type regionInfo struct {
	ArgSz     uint32
	Index     uint32
	Flags     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

const (
	regionFlagRead  = 1 << 0
	regionFlagWrite = 1 << 1
)

func decodeRegionInfoRequest(b []byte) regionInfo {
	return regionInfo{
		ArgSz: binary.LittleEndian.Uint32(b[0:4]),
		Index: binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (r regionInfo) encode() [32]byte {
	var buf [32]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.ArgSz)
	binary.LittleEndian.PutUint32(buf[4:8], r.Index)
	binary.LittleEndian.PutUint32(buf[8:12], r.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], r.CapOffset)
	binary.LittleEndian.PutUint64(buf[16:24], r.Size)
	binary.LittleEndian.PutUint64(buf[24:32], r.Offset)
	return buf
}

// regionAccess is the fixed header preceding REGION_READ's reply payload
// and REGION_WRITE's request payload; the variable-length data follows.
type regionAccess struct {
	Offset uint64
	Region uint32
	Count  uint32
}

const regionAccessSize = 16

func decodeRegionAccess(b []byte) regionAccess {
	return regionAccess{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Region: binary.LittleEndian.Uint32(b[8:12]),
		Count:  binary.LittleEndian.Uint32(b[12:16]),
	}
}

func (r regionAccess) encode() [regionAccessSize]byte {
	var buf [regionAccessSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], r.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], r.Region)
	binary.LittleEndian.PutUint32(buf[12:16], r.Count)
	return buf
}

// dmaMapRequest is VFIO_USER_DMA_MAP's payload; the mapped fd travels as
// ancillary SCM_RIGHTS data alongside the message.
type dmaMapRequest struct {
	ArgSz  uint32
	Flags  uint32
	Offset uint64
	Addr   uint64
	Size   uint64
}

const dmaMapRequestSize = 32

func decodeDMAMapRequest(b []byte) dmaMapRequest {
	return dmaMapRequest{
		ArgSz:  binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		Addr:   binary.LittleEndian.Uint64(b[16:24]),
		Size:   binary.LittleEndian.Uint64(b[24:32]),
	}
}

const (
	dmaMapFlagRead  = 1 << 0
	dmaMapFlagWrite = 1 << 1
)

// dmaUnmapRequest is VFIO_USER_DMA_UNMAP's payload.
type dmaUnmapRequest struct {
	ArgSz uint32
	Flags uint32
	Addr  uint64
	Size  uint64
}

const dmaUnmapRequestSize = 24

func decodeDMAUnmapRequest(b []byte) dmaUnmapRequest {
	return dmaUnmapRequest{
		ArgSz: binary.LittleEndian.Uint32(b[0:4]),
		Flags: binary.LittleEndian.Uint32(b[4:8]),
		Addr:  binary.LittleEndian.Uint64(b[8:16]),
		Size:  binary.LittleEndian.Uint64(b[16:24]),
	}
}

// irqInfo is the VFIO_USER_DEVICE_GET_IRQ_INFO reply payload.
type irqInfo struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Count uint32
}

const irqInfoFlagEventFD = 1 << 0

func decodeIRQInfoRequest(b []byte) irqInfo {
	return irqInfo{
		ArgSz: binary.LittleEndian.Uint32(b[0:4]),
		Index: binary.LittleEndian.Uint32(b[4:8]),
	}
}

func (i irqInfo) encode() [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], i.ArgSz)
	binary.LittleEndian.PutUint32(buf[4:8], i.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], i.Index)
	binary.LittleEndian.PutUint32(buf[12:16], i.Count)
	return buf
}

// irqSetRequest is VFIO_USER_DEVICE_SET_IRQS's payload; one eventfd per
// signaled vector travels as ancillary SCM_RIGHTS data, in vector order
// starting at Start.
type irqSetRequest struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

const irqSetRequestSize = 20

func decodeIRQSetRequest(b []byte) irqSetRequest {
	return irqSetRequest{
		ArgSz: binary.LittleEndian.Uint32(b[0:4]),
		Flags: binary.LittleEndian.Uint32(b[4:8]),
		Index: binary.LittleEndian.Uint32(b[8:12]),
		Start: binary.LittleEndian.Uint32(b[12:16]),
		Count: binary.LittleEndian.Uint32(b[16:20]),
	}
}

const (
	irqSetDataEventFD  = 1 << 2
	irqSetActionMask   = 1 << 3
	irqSetActionUnmask = 1 << 4
	irqSetActionTrig   = 1 << 5
)

// versionPayload is VFIO_USER_VERSION's request/reply payload: a fixed
// major/minor pair. Real clients append a JSON capabilities object after
// it; this server does not negotiate any optional capability so it
// ignores anything beyond the fixed fields on requests and sends none back.
type versionPayload struct {
	Major uint16
	Minor uint16
}

const versionPayloadSize = 4

const (
	versionMajor = 0
	versionMinor = 0
)

func decodeVersionPayload(b []byte) versionPayload {
	return versionPayload{
		Major: binary.LittleEndian.Uint16(b[0:2]),
		Minor: binary.LittleEndian.Uint16(b[2:4]),
	}
}

func (v versionPayload) encode() [versionPayloadSize]byte {
	var buf [versionPayloadSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], v.Major)
	binary.LittleEndian.PutUint16(buf[2:4], v.Minor)
	return buf
}
