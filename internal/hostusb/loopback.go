// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hostusb

import (
	"context"
	"sync"
)

// Loopback is an in-memory Backend used by controller tests: it has no
// real host device behind it, just scripted descriptor bytes and
// in/out buffers a test can inspect. It exists because the backend set is
// closed for testing purposes (real host device vs. this stub), per the
// capability-interface design note.
type Loopback struct {
	mu sync.Mutex

	DeviceDesc []byte
	ConfigDesc [][]byte
	Vendor     uint16
	Product    uint16
	DevSpeed   Speed
	Path       string

	Configured   uint8
	HaltedEPs    map[uint8]bool
	ControlLog   []SetupPacket
	BulkOut      map[uint8][][]byte
	BulkInQueue  map[uint8][][]byte
	InterruptIn  map[uint8][][]byte
	ResetCount   int
	ClosedCalled bool
}

// NewLoopback returns a Loopback backend with empty queues initialized.
func NewLoopback(path string) *Loopback {
	return &Loopback{
		Path:        path,
		HaltedEPs:   make(map[uint8]bool),
		BulkOut:     make(map[uint8][][]byte),
		BulkInQueue: make(map[uint8][][]byte),
		InterruptIn: make(map[uint8][][]byte),
	}
}

func (l *Loopback) DeviceDescriptor(ctx context.Context) ([]byte, error) {
	return l.DeviceDesc, nil
}

func (l *Loopback) ConfigurationDescriptor(ctx context.Context, index uint8) ([]byte, error) {
	if int(index) >= len(l.ConfigDesc) {
		return nil, errDeviceGone
	}
	return l.ConfigDesc[index], nil
}

func (l *Loopback) SetConfiguration(ctx context.Context, value uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Configured = value
	return nil
}

func (l *Loopback) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ResetCount++
	l.HaltedEPs = make(map[uint8]bool)
	return nil
}

func (l *Loopback) ClearHalt(ctx context.Context, endpoint uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.HaltedEPs, endpoint)
	return nil
}

func (l *Loopback) ControlTransfer(ctx context.Context, setup SetupPacket, buf []byte, dir Direction) (TransferResult, error) {
	l.mu.Lock()
	l.ControlLog = append(l.ControlLog, setup)
	l.mu.Unlock()
	return TransferResult{BytesTransferred: len(buf), Status: StatusOK}, nil
}

func (l *Loopback) BulkTransfer(ctx context.Context, endpoint uint8, buf []byte, dir Direction) (TransferResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.HaltedEPs[endpoint] {
		return TransferResult{Status: StatusStall}, nil
	}
	if dir == DirectionOut {
		cp := append([]byte(nil), buf...)
		l.BulkOut[endpoint] = append(l.BulkOut[endpoint], cp)
		return TransferResult{BytesTransferred: len(buf), Status: StatusOK}, nil
	}
	queue := l.BulkInQueue[endpoint]
	if len(queue) == 0 {
		return TransferResult{Status: StatusTimeout}, nil
	}
	next := queue[0]
	l.BulkInQueue[endpoint] = queue[1:]
	n := copy(buf, next)
	return TransferResult{BytesTransferred: n, Status: StatusOK}, nil
}

func (l *Loopback) InterruptTransfer(ctx context.Context, endpoint uint8, buf []byte, dir Direction) (TransferResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.InterruptIn[endpoint]
	if len(queue) == 0 {
		return TransferResult{Status: StatusTimeout}, nil
	}
	next := queue[0]
	l.InterruptIn[endpoint] = queue[1:]
	n := copy(buf, next)
	return TransferResult{BytesTransferred: n, Status: StatusOK}, nil
}

func (l *Loopback) VendorProduct() (uint16, uint16) { return l.Vendor, l.Product }
func (l *Loopback) Speed() Speed                    { return l.DevSpeed }
func (l *Loopback) HostPath() string                { return l.Path }

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ClosedCalled = true
	return nil
}
