// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-usb/xhcid/internal/controller"
	"github.com/kata-usb/xhcid/internal/hostusb"
	"github.com/kata-usb/xhcid/internal/memview"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return logrus.NewEntry(l)
}

type fakeIRQ struct{}

func (fakeIRQ) RaiseMSIX(vector int) error { return nil }

// fakeResolver satisfies Resolver without a real libusb context, handing
// back scripted Loopback backends by device path.
type fakeResolver struct {
	backends map[string]*hostusb.Loopback
	onGone   map[string]func()
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{backends: make(map[string]*hostusb.Loopback), onGone: make(map[string]func())}
}

func (f *fakeResolver) Resolve(path string, onGone func()) (hostusb.Backend, error) {
	b, ok := f.backends[path]
	if !ok {
		return nil, assert.AnError
	}
	f.onGone[path] = onGone
	return b, nil
}

func newTestController(t *testing.T) *controller.Controller {
	t.Helper()
	mem := memview.New()
	return controller.New(testLogger(), mem, fakeIRQ{})
}

func dialHotplug(t *testing.T, sockPath string) *Client {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := Dial(sockPath)
		if err == nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("could not dial %s", sockPath)
	return nil
}

func TestServerAttachDetachList(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "hotplug.sock")
	ctrl := newTestController(t)
	resolver := newFakeResolver()
	lb := hostusb.NewLoopback("/dev/bus/usb/001/002")
	lb.Vendor, lb.Product = 0x1234, 0x5678
	resolver.backends[lb.Path] = lb

	srv := NewServer(testLogger(), sockPath, ctrl, resolver)
	go srv.ListenAndServe()

	client := dialHotplug(t, sockPath)
	defer client.Close()

	port, err := client.Attach(lb.Path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 1)

	devices, err := client.List()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, port, devices[0].Port)
	assert.Equal(t, uint16(0x1234), devices[0].VendorID)
	assert.Equal(t, uint16(0x5678), devices[0].ProductID)
	assert.Equal(t, lb.Path, devices[0].DevicePath)

	attached, _, ok := ctrl.PortStatus(port)
	require.True(t, ok)
	assert.True(t, attached)

	require.NoError(t, client.Detach(port))
	assert.True(t, lb.ClosedCalled)

	devices, err = client.List()
	require.NoError(t, err)
	assert.Len(t, devices, 0)

	attached, _, ok = ctrl.PortStatus(port)
	require.True(t, ok)
	assert.False(t, attached)
}

func TestServerAttachUnknownDevicePath(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "hotplug.sock")
	ctrl := newTestController(t)
	resolver := newFakeResolver()

	srv := NewServer(testLogger(), sockPath, ctrl, resolver)
	go srv.ListenAndServe()

	client := dialHotplug(t, sockPath)
	defer client.Close()

	_, err := client.Attach("/dev/bus/usb/999/999")
	assert.Error(t, err)
}

func TestServerDetachUnusedPort(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "hotplug.sock")
	ctrl := newTestController(t)
	resolver := newFakeResolver()

	srv := NewServer(testLogger(), sockPath, ctrl, resolver)
	go srv.ListenAndServe()

	client := dialHotplug(t, sockPath)
	defer client.Close()

	assert.Error(t, client.Detach(1))
}

func TestServerAutoDetachOnDeviceGone(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "hotplug.sock")
	ctrl := newTestController(t)
	resolver := newFakeResolver()
	lb := hostusb.NewLoopback("/dev/bus/usb/001/003")
	resolver.backends[lb.Path] = lb

	srv := NewServer(testLogger(), sockPath, ctrl, resolver)
	go srv.ListenAndServe()

	client := dialHotplug(t, sockPath)
	defer client.Close()

	port, err := client.Attach(lb.Path)
	require.NoError(t, err)

	onGone := resolver.onGone[lb.Path]
	require.NotNil(t, onGone)
	onGone()

	require.Eventually(t, func() bool {
		devices, err := client.List()
		return err == nil && len(devices) == 0
	}, time.Second, 10*time.Millisecond)

	attached, _, ok := ctrl.PortStatus(port)
	require.True(t, ok)
	assert.False(t, attached)
}
