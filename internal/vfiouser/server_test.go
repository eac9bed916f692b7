// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfiouser

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kata-usb/xhcid/internal/controller"
	"github.com/kata-usb/xhcid/internal/memview"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return logrus.NewEntry(l)
}

// testServer wires an Adapter, a Controller, and a Server together the way
// cmd/xhcid's main does, then starts serving on a socket under t.TempDir().
func testServer(t *testing.T) (sockPath string, mem *memview.View) {
	t.Helper()
	sockPath = filepath.Join(t.TempDir(), "vfio-user.sock")

	mem = memview.New()
	adapter := NewAdapter(DefaultVendorID, DefaultDeviceID)
	ctrl := controller.New(testLogger(), mem, adapter.IRQRaiser())
	srv := adapter.NewServer(testLogger(), sockPath, ctrl, mem)

	go srv.ListenAndServe()
	return sockPath, mem
}

func dialWithRetry(t *testing.T, sockPath string) *net.UnixConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sockPath, Net: "unix"})
		if err == nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("could not dial %s", sockPath)
	return nil
}

func sendRequest(t *testing.T, conn *net.UnixConn, cmd command, payload []byte, fds []int) {
	t.Helper()
	h := header{MsgID: 1, Command: cmd, MsgSize: uint32(len(payload))}
	hb := h.encode()
	out := append(append([]byte{}, hb[:]...), payload...)
	if len(fds) == 0 {
		_, err := conn.Write(out)
		require.NoError(t, err)
		return
	}
	rights := unix.UnixRights(fds...)
	_, _, err := conn.WriteMsgUnix(out, rights, nil)
	require.NoError(t, err)
}

func recvReply(t *testing.T, conn *net.UnixConn) (header, []byte) {
	t.Helper()
	var hdrBuf [headerSize]byte
	_, err := conn.Read(hdrBuf[:])
	require.NoError(t, err)
	h := decodeHeader(hdrBuf[:])
	if h.MsgSize == 0 {
		return h, nil
	}
	buf := make([]byte, h.MsgSize)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	return h, buf
}

func TestServerVersionHandshake(t *testing.T) {
	sockPath, _ := testServer(t)
	conn := dialWithRetry(t, sockPath)
	defer conn.Close()

	v := versionPayload{Major: versionMajor, Minor: versionMinor}
	enc := v.encode()
	sendRequest(t, conn, cmdVersion, enc[:], nil)

	h, payload := recvReply(t, conn)
	assert.Equal(t, uint32(0), h.ErrorNo)
	got := decodeVersionPayload(payload)
	assert.Equal(t, uint16(versionMajor), got.Major)
	assert.Equal(t, uint16(versionMinor), got.Minor)
}

func TestServerDeviceGetInfo(t *testing.T) {
	sockPath, _ := testServer(t)
	conn := dialWithRetry(t, sockPath)
	defer conn.Close()

	sendRequest(t, conn, cmdDeviceGetInfo, nil, nil)
	h, payload := recvReply(t, conn)
	require.Equal(t, uint32(0), h.ErrorNo)
	require.Len(t, payload, 16)
}

func TestServerRegionReadConfigSpace(t *testing.T) {
	sockPath, _ := testServer(t)
	conn := dialWithRetry(t, sockPath)
	defer conn.Close()

	acc := regionAccess{Offset: cfgVendorID, Region: regionIndexConfig, Count: 2}
	accEnc := acc.encode()
	sendRequest(t, conn, cmdRegionRead, accEnc[:], nil)

	h, payload := recvReply(t, conn)
	require.Equal(t, uint32(0), h.ErrorNo)
	require.Len(t, payload, regionAccessSize+2)
	assert.Equal(t, byte(DefaultVendorID&0xff), payload[regionAccessSize])
}

func encodeDMAMapRequest(r dmaMapRequest) []byte {
	out := make([]byte, dmaMapRequestSize)
	binary.LittleEndian.PutUint32(out[0:4], r.ArgSz)
	binary.LittleEndian.PutUint32(out[4:8], r.Flags)
	binary.LittleEndian.PutUint64(out[8:16], r.Offset)
	binary.LittleEndian.PutUint64(out[16:24], r.Addr)
	binary.LittleEndian.PutUint64(out[24:32], r.Size)
	return out
}

func encodeDMAUnmapRequest(r dmaUnmapRequest) []byte {
	out := make([]byte, dmaUnmapRequestSize)
	binary.LittleEndian.PutUint32(out[0:4], r.ArgSz)
	binary.LittleEndian.PutUint32(out[4:8], r.Flags)
	binary.LittleEndian.PutUint64(out[8:16], r.Addr)
	binary.LittleEndian.PutUint64(out[16:24], r.Size)
	return out
}

func TestServerDMAMapAndUnmap(t *testing.T) {
	sockPath, mem := testServer(t)
	conn := dialWithRetry(t, sockPath)
	defer conn.Close()

	f, err := os.CreateTemp(t.TempDir(), "dma")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(4096))

	const guestAddr = 0x200000
	mapReq := dmaMapRequest{ArgSz: dmaMapRequestSize, Flags: dmaMapFlagRead | dmaMapFlagWrite, Offset: 0, Addr: guestAddr, Size: 4096}
	sendRequest(t, conn, cmdDMAMap, encodeDMAMapRequest(mapReq), []int{int(f.Fd())})

	h, _ := recvReply(t, conn)
	require.Equal(t, uint32(0), h.ErrorNo)

	require.NoError(t, mem.Write32(guestAddr, 0xdeadbeef))
	got, err := mem.Read32(guestAddr)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), got)

	unmapReq := dmaUnmapRequest{ArgSz: dmaUnmapRequestSize, Addr: guestAddr, Size: 4096}
	sendRequest(t, conn, cmdDMAUnmap, encodeDMAUnmapRequest(unmapReq), nil)
	h2, _ := recvReply(t, conn)
	require.Equal(t, uint32(0), h2.ErrorNo)

	_, err = mem.Read32(guestAddr)
	assert.Error(t, err)
}

func TestServerDeviceReset(t *testing.T) {
	sockPath, _ := testServer(t)
	conn := dialWithRetry(t, sockPath)
	defer conn.Close()

	sendRequest(t, conn, cmdDeviceReset, nil, nil)
	h, _ := recvReply(t, conn)
	assert.Equal(t, uint32(0), h.ErrorNo)
}
