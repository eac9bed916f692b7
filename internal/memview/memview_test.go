// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package memview

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func tempFD(t *testing.T, size int) int {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "memview-*")
	assert.NoError(t, err)
	assert.NoError(t, f.Truncate(int64(size)))
	t.Cleanup(func() { f.Close() })
	return int(f.Fd())
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	assert := assert.New(t)
	v := New()
	fd := tempFD(t, 4096)

	region, err := v.InstallRegion(0x1000, 4096, fd, 0, unix.PROT_READ|unix.PROT_WRITE)
	assert.NoError(err)
	assert.NotNil(region)

	payload := []byte("hello guest memory")
	assert.NoError(v.Write(0x1000+16, payload))

	out := make([]byte, len(payload))
	assert.NoError(v.Read(0x1000+16, out))
	assert.Equal(payload, out)
}

func TestUnmappedAccessFails(t *testing.T) {
	assert := assert.New(t)
	v := New()

	buf := make([]byte, 4)
	err := v.Read(0xdead0000, buf)
	assert.ErrorIs(err, ErrUnmappedAccess)

	err = v.Write(0xdead0000, buf)
	assert.ErrorIs(err, ErrUnmappedAccess)
}

func TestAccessCrossingRegionBoundaryFails(t *testing.T) {
	assert := assert.New(t)
	v := New()
	fd := tempFD(t, 4096)

	_, err := v.InstallRegion(0x2000, 4096, fd, 0, unix.PROT_READ|unix.PROT_WRITE)
	assert.NoError(err)

	buf := make([]byte, 8)
	err = v.Read(0x2000+4092, buf)
	assert.ErrorIs(err, ErrUnmappedAccess)
}

func TestOverlappingRegionRejected(t *testing.T) {
	assert := assert.New(t)
	v := New()
	fd1 := tempFD(t, 4096)
	fd2 := tempFD(t, 4096)

	_, err := v.InstallRegion(0x3000, 4096, fd1, 0, unix.PROT_READ|unix.PROT_WRITE)
	assert.NoError(err)

	_, err = v.InstallRegion(0x3000+2048, 4096, fd2, 0, unix.PROT_READ|unix.PROT_WRITE)
	assert.ErrorIs(err, ErrOverlap)
}

func TestRemoveRegionReturnsToUnmapped(t *testing.T) {
	assert := assert.New(t)
	v := New()
	fd := tempFD(t, 4096)

	_, err := v.InstallRegion(0x4000, 4096, fd, 0, unix.PROT_READ|unix.PROT_WRITE)
	assert.NoError(err)
	assert.NoError(v.RemoveRegion(0x4000, 4096))

	buf := make([]byte, 4)
	assert.ErrorIs(v.Read(0x4000, buf), ErrUnmappedAccess)
}

func TestScalarRoundTrip(t *testing.T) {
	assert := assert.New(t)
	v := New()
	fd := tempFD(t, 4096)
	_, err := v.InstallRegion(0x5000, 4096, fd, 0, unix.PROT_READ|unix.PROT_WRITE)
	assert.NoError(err)

	assert.NoError(v.Write32(0x5000, 0xdeadbeef))
	got32, err := v.Read32(0x5000)
	assert.NoError(err)
	assert.Equal(uint32(0xdeadbeef), got32)

	assert.NoError(v.Write64(0x5000+8, 0x0102030405060708))
	got64, err := v.Read64(0x5000 + 8)
	assert.NoError(err)
	assert.Equal(uint64(0x0102030405060708), got64)
}
