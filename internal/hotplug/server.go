// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-usb/xhcid/internal/controller"
	"github.com/kata-usb/xhcid/internal/hostusb"
)

// attachment is the hotplug server's own record of what it plugged into a
// port; the controller only tracks the backend and speed it needs for the
// XHCI state machine, not the descriptive fields a List reply reports.
type attachment struct {
	id         uuid.UUID
	devicePath string
	vendor     uint16
	product    uint16
	backend    hostusb.Backend
}

// Resolver resolves a host device path into a Backend, as implemented by
// *hostusb.Registry. It is its own interface (rather than taking the
// concrete registry type) so tests can attach loopback backends without a
// real libusb context.
type Resolver interface {
	Resolve(devicePath string, onGone func()) (hostusb.Backend, error)
}

// Server serves the hotplug control socket. Apart from the startup devices
// cmd/xhcid attaches, it is the only writer of port attach/detach state
// outside of the vfio-user register path, and it
// owns resolving device paths into host USB backends through a Resolver.
type Server struct {
	log        *logrus.Entry
	socketPath string
	ctrl       *controller.Controller
	registry   Resolver

	mu       sync.Mutex
	attached map[int]*attachment
}

// NewServer builds a hotplug server that mutates ctrl's port state and
// resolves device paths through registry.
func NewServer(log *logrus.Entry, socketPath string, ctrl *controller.Controller, registry Resolver) *Server {
	return &Server{
		log:        log,
		socketPath: socketPath,
		ctrl:       ctrl,
		registry:   registry,
		attached:   make(map[int]*attachment),
	}
}

// ListenAndServe binds socketPath and serves hotplug clients one at a
// time, sequentially. The listener is private to this method, so it only
// returns when binding or Accept fails. Each accepted connection is served
// to completion before the
// next is accepted, matching "commands are processed serially" from
// SPEC_FULL.md/§4.8.
func (s *Server) ListenAndServe() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "hotplug: remove stale socket %s", s.socketPath)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrapf(err, "hotplug: listen on %s", s.socketPath)
	}
	defer ln.Close()

	s.log.WithField("socket", s.socketPath).Info("hotplug control socket listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "hotplug: accept")
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		if err := s.oneRequest(conn); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.WithError(err).Debug("hotplug client connection ended")
			}
			return
		}
	}
}

func (s *Server) oneRequest(conn net.Conn) error {
	frame, err := readFrame(conn)
	if err != nil {
		return err
	}
	if len(frame) < 1 {
		return errors.New("hotplug: empty request frame")
	}
	t := tag(frame[0])
	body := frame[1:]

	var reply []byte
	switch t {
	case tagAttach:
		reply = s.handleAttach(body)
	case tagDetach:
		reply = s.handleDetach(body)
	case tagList:
		reply = s.handleList()
	default:
		reply = encodeErrorReply("unknown request tag")
	}
	return writeFrame(conn, reply)
}

func (s *Server) handleAttach(body []byte) []byte {
	req, err := decodeAttachRequest(body)
	if err != nil {
		return encodeErrorReply(err.Error())
	}

	port, err := s.firstFreePortLocked()
	if err != nil {
		return encodeErrorReply(err.Error())
	}

	id := uuid.New()
	backend, err := s.registry.Resolve(req.DevicePath, func() { s.autoDetach(port, id) })
	if err != nil {
		return encodeErrorReply(err.Error())
	}

	if err := s.ctrl.AttachDevice(port, backend); err != nil {
		backend.Close()
		return encodeErrorReply(err.Error())
	}

	vendor, product := backend.VendorProduct()
	s.mu.Lock()
	s.attached[port] = &attachment{id: id, devicePath: req.DevicePath, vendor: vendor, product: product, backend: backend}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"port":        port,
		"device_path": req.DevicePath,
		"device_id":   id,
	}).Info("hotplug attach")

	out := make([]byte, 5)
	out[0] = statusOK
	putPort(out[1:], port)
	return out
}

// firstFreePortLocked returns the lowest-numbered port with neither a
// hotplug attachment record nor a controller-visible backend.
func (s *Server) firstFreePortLocked() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := 1; p <= s.ctrl.NumPorts(); p++ {
		if s.attached[p] != nil {
			continue
		}
		if attached, _, ok := s.ctrl.PortStatus(p); ok && !attached {
			return p, nil
		}
	}
	return 0, errors.New("hotplug: no free port available")
}

func (s *Server) handleDetach(body []byte) []byte {
	req, err := decodeDetachRequest(body)
	if err != nil {
		return encodeErrorReply(err.Error())
	}

	s.mu.Lock()
	att, ok := s.attached[int(req.Port)]
	if ok {
		delete(s.attached, int(req.Port))
	}
	s.mu.Unlock()
	if !ok {
		return encodeErrorReply("port was unused")
	}

	if err := s.ctrl.DetachDevice(int(req.Port)); err != nil {
		return encodeErrorReply(err.Error())
	}
	att.backend.Close()

	s.log.WithFields(logrus.Fields{
		"port":      req.Port,
		"device_id": att.id,
	}).Info("hotplug detach")

	return []byte{statusOK}
}

// autoDetach is invoked by the backend registry when a device node
// disappears from the filesystem while still attached; it mirrors
// handleDetach but has no client reply to produce.
func (s *Server) autoDetach(port int, id uuid.UUID) {
	s.mu.Lock()
	att, ok := s.attached[port]
	if !ok || att.id != id {
		s.mu.Unlock()
		return
	}
	delete(s.attached, port)
	s.mu.Unlock()

	if err := s.ctrl.DetachDevice(port); err != nil {
		s.log.WithError(err).WithField("port", port).Warn("auto-detach failed")
		return
	}
	att.backend.Close()
	s.log.WithFields(logrus.Fields{"port": port, "device_id": id}).Info("host device disappeared, auto-detached")
}

func (s *Server) handleList() []byte {
	s.mu.Lock()
	devices := make([]DeviceInfo, 0, len(s.attached))
	for port, att := range s.attached {
		devices = append(devices, DeviceInfo{
			Port:       port,
			VendorID:   att.vendor,
			ProductID:  att.product,
			DevicePath: att.devicePath,
		})
	}
	s.mu.Unlock()

	out := make([]byte, 1)
	out[0] = statusOK
	return append(out, encodeDeviceList(devices)...)
}

func putPort(b []byte, port int) {
	b[0] = byte(port)
	b[1] = byte(port >> 8)
	b[2] = byte(port >> 16)
	b[3] = byte(port >> 24)
}
