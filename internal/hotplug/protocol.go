// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package hotplug serves the local control socket described in
// SPEC_FULL.md/§4.8: a small length-prefixed request/reply protocol that
// lets an operator (or the companion remote-tui, external to this
// repository) attach, detach, and list host USB devices while the guest
// is running.
package hotplug

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// tag identifies which request or reply variant follows the frame length.
type tag uint8

const (
	tagAttach tag = 1
	tagDetach tag = 2
	tagList   tag = 3
)

// statusOK/statusError lead every reply payload.
const (
	statusOK    = 0
	statusError = 1
)

// maxFrameSize bounds a single request/reply frame; these messages only
// ever carry a device path string or a small device table, so anything
// larger is a malformed client.
const maxFrameSize = 64 * 1024

// readFrame reads one length-prefixed frame: a 4-byte little-endian
// length followed by that many bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, errors.Errorf("hotplug: frame size %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "hotplug: short frame read")
	}
	return buf, nil
}

// writeFrame writes payload length-prefixed.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// attachRequest carries the device path to resolve and attach.
type attachRequest struct {
	DevicePath string
}

func decodeAttachRequest(b []byte) (attachRequest, error) {
	if len(b) < 2 {
		return attachRequest{}, errors.New("hotplug: truncated attach request")
	}
	n := binary.LittleEndian.Uint16(b[0:2])
	if len(b) < 2+int(n) {
		return attachRequest{}, errors.New("hotplug: truncated attach request path")
	}
	return attachRequest{DevicePath: string(b[2 : 2+n])}, nil
}

func encodeAttachRequest(path string) []byte {
	out := make([]byte, 2+len(path))
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(path)))
	copy(out[2:], path)
	return out
}

// detachRequest carries the port number to detach.
type detachRequest struct {
	Port uint32
}

func decodeDetachRequest(b []byte) (detachRequest, error) {
	if len(b) < 4 {
		return detachRequest{}, errors.New("hotplug: truncated detach request")
	}
	return detachRequest{Port: binary.LittleEndian.Uint32(b[0:4])}, nil
}

func encodeDetachRequest(port int) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(port))
	return out
}

// DeviceInfo is one row of a List reply: the port a device occupies, its
// reported vendor/product IDs, and the host path it was resolved from.
type DeviceInfo struct {
	Port       int
	VendorID   uint16
	ProductID  uint16
	DevicePath string
}

func encodeDeviceList(devices []DeviceInfo) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(len(devices)))
	for _, d := range devices {
		entry := make([]byte, 4+2+2+2+len(d.DevicePath))
		binary.LittleEndian.PutUint32(entry[0:4], uint32(d.Port))
		binary.LittleEndian.PutUint16(entry[4:6], d.VendorID)
		binary.LittleEndian.PutUint16(entry[6:8], d.ProductID)
		binary.LittleEndian.PutUint16(entry[8:10], uint16(len(d.DevicePath)))
		copy(entry[10:], d.DevicePath)
		out = append(out, entry...)
	}
	return out
}

func decodeDeviceList(b []byte) ([]DeviceInfo, error) {
	if len(b) < 4 {
		return nil, errors.New("hotplug: truncated list reply")
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]
	devices := make([]DeviceInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 10 {
			return nil, errors.New("hotplug: truncated list entry")
		}
		pathLen := int(binary.LittleEndian.Uint16(b[8:10]))
		if len(b) < 10+pathLen {
			return nil, errors.New("hotplug: truncated list entry path")
		}
		devices = append(devices, DeviceInfo{
			Port:       int(binary.LittleEndian.Uint32(b[0:4])),
			VendorID:   binary.LittleEndian.Uint16(b[4:6]),
			ProductID:  binary.LittleEndian.Uint16(b[6:8]),
			DevicePath: string(b[10 : 10+pathLen]),
		})
		b = b[10+pathLen:]
	}
	return devices, nil
}

func encodeErrorReply(msg string) []byte {
	out := make([]byte, 1+len(msg))
	out[0] = statusError
	copy(out[1:], msg)
	return out
}

func decodeErrorReply(b []byte) string {
	if len(b) < 1 {
		return "unknown error"
	}
	return string(b[1:])
}
