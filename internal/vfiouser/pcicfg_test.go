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
)

func TestPCIConfigIdentity(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, DefaultNumVectors())

	assert.Equal(t, uint64(1<<16), cfg.BAR0Size())
	assert.Equal(t, DefaultNumVectors(), cfg.NumVectors())

	vendor := cfg.Read(cfgVendorID, 2)
	assert.Equal(t, DefaultVendorID, int(binary.LittleEndian.Uint16(vendor)))

	device := cfg.Read(cfgDeviceID, 2)
	assert.Equal(t, DefaultDeviceID, int(binary.LittleEndian.Uint16(device)))

	class := cfg.Read(cfgClassCode, 3)
	assert.Equal(t, byte(0x30), class[0])
	assert.Equal(t, byte(0x03), class[1])
	assert.Equal(t, byte(0x0c), class[2])
}

func TestPCIConfigReadOutOfRangeIsZero(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, 4)
	out := cfg.Read(configSpaceSize-1, 8)
	require.Len(t, out, 8)
	for _, b := range out {
		assert.Equal(t, byte(0), b)
	}
}

func TestPCIConfigBAR0WritePreservesTypeBits(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, 4)

	probe := make([]byte, 4)
	binary.LittleEndian.PutUint32(probe, 0xffffffff)
	cfg.Write(cfgBAR0, probe)

	got := binary.LittleEndian.Uint32(cfg.Read(cfgBAR0, 4))
	assert.Equal(t, uint32(0x4), got&0xf, "low type bits must survive an all-ones sizing probe")
}

func TestPCIConfigMSIXEnable(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, 4)
	assert.False(t, cfg.MSIXEnabled())

	msgCtl := make([]byte, 2)
	binary.LittleEndian.PutUint16(msgCtl, msixEnableBit)
	cfg.Write(msixCapOffset+2, msgCtl)

	assert.True(t, cfg.MSIXEnabled())

	tableSize := binary.LittleEndian.Uint16(cfg.Read(msixCapOffset+2, 2)) & msixTableSizeMask
	assert.Equal(t, uint16(3), tableSize, "table size field is fixed regardless of the write")
}

func TestPCIConfigWriteReadOnlyFieldsIgnored(t *testing.T) {
	cfg := NewPCIConfig(DefaultVendorID, DefaultDeviceID, 1<<16, 4)
	before := cfg.Read(cfgVendorID, 2)
	cfg.Write(cfgVendorID, []byte{0xaa, 0xbb})
	after := cfg.Read(cfgVendorID, 2)
	assert.Equal(t, before, after)
}
