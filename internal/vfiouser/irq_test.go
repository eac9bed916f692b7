// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfiouser

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestEventFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestMSIXRouterRaiseWithoutEnableIsNoop(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, 2)
	r := newMSIXRouter(2, cfg)
	require.NoError(t, r.install(0, []int{newTestEventFD(t)}))

	assert.NoError(t, r.RaiseMSIX(0))
}

func TestMSIXRouterRaiseSignalsEventFD(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, 2)
	msgCtl := make([]byte, 2)
	binary.LittleEndian.PutUint16(msgCtl, msixEnableBit)
	cfg.Write(msixCapOffset+2, msgCtl)

	r := newMSIXRouter(2, cfg)
	fd := newTestEventFD(t)
	require.NoError(t, r.install(1, []int{fd}))

	require.NoError(t, r.RaiseMSIX(1))

	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	require.NoError(t, err)
	require.Equal(t, 8, n)
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(buf[:]))
}

func TestMSIXRouterRaiseUnboundVectorIsNoop(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, 2)
	msgCtl := make([]byte, 2)
	binary.LittleEndian.PutUint16(msgCtl, msixEnableBit)
	cfg.Write(msixCapOffset+2, msgCtl)

	r := newMSIXRouter(2, cfg)
	assert.NoError(t, r.RaiseMSIX(0))
	assert.NoError(t, r.RaiseMSIX(99))
}

func TestMSIXRouterInstallOutOfRangeErrors(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, 2)
	r := newMSIXRouter(2, cfg)
	err := r.install(1, []int{newTestEventFD(t), newTestEventFD(t)})
	assert.Error(t, err)
}
