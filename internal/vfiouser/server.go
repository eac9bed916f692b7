// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfiouser

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kata-usb/xhcid/internal/controller"
	"github.com/kata-usb/xhcid/internal/memview"
	"github.com/kata-usb/xhcid/internal/regs"
)

// maxMessageSize bounds a single vfio-user message payload; generous
// enough for the Input/Device Context reads this device never routes
// through region messages anyway (those go through DMA, not REGION_*),
// but keeps a malformed Size field from driving an unbounded allocation.
const maxMessageSize = 1 << 20

// Adapter owns the PCI-facing state that must exist before the controller
// does: config space and the MSI-X eventfd router the controller needs as
// its IRQRaiser at construction time. Building it separately from Server
// breaks what would otherwise be a construction cycle (Server wants a
// *controller.Controller, but controller.New wants an IRQRaiser).
type Adapter struct {
	pci *PCIConfig
	irq *msixRouter
}

// NewAdapter builds the PCI configuration space and MSI-X router for a
// device identifying as vendorID:deviceID, sized for one interrupter plus
// one vector per port per SPEC_FULL.md/§4.7.
func NewAdapter(vendorID, deviceID uint16) *Adapter {
	numVectors := DefaultNumVectors()
	pci := NewPCIConfig(vendorID, deviceID, regs.BAR0Size, numVectors)
	return &Adapter{pci: pci, irq: newMSIXRouter(numVectors, pci)}
}

// IRQRaiser exposes the adapter's MSI-X router so callers can wire it into
// controller.New before the first register access arrives.
func (a *Adapter) IRQRaiser() controller.IRQRaiser { return a.irq }

// NewServer builds a vfio-user server in front of ctrl, sharing the same
// guest-memory view ctrl was built with so DMA_MAP/DMA_UNMAP mutate the
// address space the controller's ring and context code reads and writes.
// ctrl must have been constructed with a.IRQRaiser() as its IRQRaiser.
func (a *Adapter) NewServer(log *logrus.Entry, socketPath string, ctrl *controller.Controller, mem *memview.View) *Server {
	return &Server{
		log:        log,
		socketPath: socketPath,
		ctrl:       ctrl,
		mem:        mem,
		pci:        a.pci,
		irq:        a.irq,
	}
}

// Server serves one vfio-user client connection on socketPath: PCI
// configuration space and BAR0 MMIO access, DMA region install/remove, and
// MSI-X eventfd wiring, all dispatched into a controller.Controller. Per
// SPEC_FULL.md/§4.7, it accepts exactly one connection per device socket;
// losing that connection is the defined way to stop serving.
type Server struct {
	log *logrus.Entry

	socketPath string
	ctrl       *controller.Controller
	mem        *memview.View
	pci        *PCIConfig
	irq        *msixRouter
}

// ListenAndServe binds socketPath (removing a stale socket file left over
// from a prior run), accepts exactly one VMM connection, and serves
// vfio-user messages until the connection closes or a protocol error
// occurs. Either of those is a clean, expected shutdown per §4.7: it
// returns nil. Only a failure to bind the socket itself is returned as an
// error.
func (s *Server) ListenAndServe() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "vfiouser: remove stale socket %s", s.socketPath)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return errors.Wrapf(err, "vfiouser: listen on %s", s.socketPath)
	}
	defer ln.Close()

	s.log.WithField("socket", s.socketPath).Info("waiting for vmm connection")
	conn, err := ln.AcceptUnix()
	if err != nil {
		return errors.Wrap(err, "vfiouser: accept")
	}
	defer conn.Close()
	defer s.irq.close()

	s.log.Info("vmm connected")
	for {
		if err := s.oneRequest(conn); err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("vmm disconnected")
			} else {
				s.log.WithError(err).Warn("vfio-user protocol error, closing connection")
			}
			return nil
		}
	}
}

// oneRequest reads one vfio-user message (header, then payload plus any
// SCM_RIGHTS ancillary file descriptors), dispatches it, and writes the
// reply. The read sequencing mirrors the header-then-payload shape a
// vhost-user server uses for the same reason: the payload length only
// becomes known once the header has been parsed.
func (s *Server) oneRequest(conn *net.UnixConn) error {
	var hdrBuf [headerSize]byte
	var oobBuf [64]byte
	n, oobN, _, _, err := conn.ReadMsgUnix(hdrBuf[:], oobBuf[:])
	if err != nil {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	if n < headerSize {
		return errors.New("vfiouser: short header read")
	}
	req := decodeHeader(hdrBuf[:])
	if req.MsgSize > maxMessageSize {
		return errors.Errorf("vfiouser: message size %d exceeds limit", req.MsgSize)
	}

	fds, err := parseFDs(oobBuf[:oobN])
	if err != nil {
		return err
	}

	payload := make([]byte, req.MsgSize)
	if req.MsgSize > 0 {
		pn, poobN, _, _, err := conn.ReadMsgUnix(payload, oobBuf[:])
		if err != nil {
			return err
		}
		if pn < int(req.MsgSize) {
			return errors.Errorf("vfiouser: short payload read, got %d want %d", pn, req.MsgSize)
		}
		more, err := parseFDs(oobBuf[:poobN])
		if err != nil {
			return err
		}
		fds = append(fds, more...)
	}

	replyPayload, errno := s.dispatch(req.Command, payload, fds)
	return s.reply(conn, req, replyPayload, errno)
}

func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "vfiouser: parse control message")
	}
	var fds []int
	for _, scm := range scms {
		f, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, errors.Wrap(err, "vfiouser: parse SCM_RIGHTS")
		}
		fds = append(fds, f...)
	}
	return fds, nil
}

func (s *Server) reply(conn *net.UnixConn, req header, payload []byte, errno uint32) error {
	h := header{
		MsgID:   req.MsgID,
		Command: req.Command,
		MsgSize: uint32(len(payload)),
		Flags:   flagTypeReply,
		ErrorNo: errno,
	}
	if errno != 0 {
		h.Flags |= flagErrorPresent
	}
	hb := h.encode()
	out := make([]byte, 0, len(hb)+len(payload))
	out = append(out, hb[:]...)
	out = append(out, payload...)
	_, err := conn.Write(out)
	return err
}

// dispatch executes one decoded request and returns the reply payload
// (without header) and an errno (0 on success). Guest programming
// mistakes at this layer — an out-of-range region index, an unmapped DMA
// unmap — are reported as errno, never as a torn-down connection; only
// genuinely malformed framing does that (handled by oneRequest's caller).
func (s *Server) dispatch(cmd command, payload []byte, fds []int) (reply []byte, errno uint32) {
	switch cmd {
	case cmdVersion:
		v := versionPayload{Major: versionMajor, Minor: versionMinor}
		enc := v.encode()
		return enc[:], 0

	case cmdDeviceGetInfo:
		info := deviceInfo{
			ArgSz:      16,
			Flags:      deviceFlagsPCI | deviceFlagsReset,
			NumRegions: numRegions,
			NumIRQs:    numIRQIndices,
		}
		enc := info.encode()
		return enc[:], 0

	case cmdDeviceGetRegionInfo:
		if len(payload) < 8 {
			return nil, uint32(syscall.EINVAL)
		}
		req := decodeRegionInfoRequest(payload)
		ri := regionInfo{ArgSz: 32, Index: req.Index}
		switch req.Index {
		case regionIndexBAR0:
			ri.Flags = regionFlagRead | regionFlagWrite
			ri.Size = s.pci.BAR0Size()
		case regionIndexConfig:
			ri.Flags = regionFlagRead | regionFlagWrite
			ri.Size = configSpaceSize
		default:
			ri.Size = 0
		}
		enc := ri.encode()
		return enc[:], 0

	case cmdRegionRead:
		if len(payload) < regionAccessSize {
			return nil, uint32(syscall.EINVAL)
		}
		acc := decodeRegionAccess(payload)
		data, ok := s.readRegion(acc.Region, acc.Offset, int(acc.Count))
		if !ok {
			return nil, uint32(syscall.EINVAL)
		}
		accHdr := acc.encode()
		out := make([]byte, 0, len(accHdr)+len(data))
		out = append(out, accHdr[:]...)
		out = append(out, data...)
		return out, 0

	case cmdRegionWrite:
		if len(payload) < regionAccessSize {
			return nil, uint32(syscall.EINVAL)
		}
		acc := decodeRegionAccess(payload)
		data := payload[regionAccessSize:]
		if len(data) < int(acc.Count) {
			return nil, uint32(syscall.EINVAL)
		}
		if !s.writeRegion(acc.Region, acc.Offset, data[:acc.Count]) {
			return nil, uint32(syscall.EINVAL)
		}
		return nil, 0

	case cmdDMAMap:
		if len(payload) < dmaMapRequestSize || len(fds) != 1 {
			return nil, uint32(syscall.EINVAL)
		}
		req := decodeDMAMapRequest(payload)
		prot := unix.PROT_READ
		if req.Flags&dmaMapFlagWrite != 0 {
			prot |= unix.PROT_WRITE
		}
		if _, err := s.mem.InstallRegion(req.Addr, req.Size, fds[0], int64(req.Offset), prot); err != nil {
			s.log.WithError(err).Warn("DMA_MAP failed")
			return nil, uint32(syscall.EINVAL)
		}
		return nil, 0

	case cmdDMAUnmap:
		if len(payload) < dmaUnmapRequestSize {
			return nil, uint32(syscall.EINVAL)
		}
		req := decodeDMAUnmapRequest(payload)
		if err := s.mem.RemoveRegion(req.Addr, req.Size); err != nil {
			s.log.WithError(err).Warn("DMA_UNMAP failed")
			return nil, uint32(syscall.EINVAL)
		}
		return nil, 0

	case cmdDeviceGetIRQInfo:
		if len(payload) < 8 {
			return nil, uint32(syscall.EINVAL)
		}
		req := decodeIRQInfoRequest(payload)
		info := irqInfo{ArgSz: 16, Index: req.Index}
		if req.Index == irqIndexMSIX {
			info.Flags = irqInfoFlagEventFD
			info.Count = uint32(s.pci.NumVectors())
		}
		enc := info.encode()
		return enc[:], 0

	case cmdDeviceSetIRQs:
		if len(payload) < irqSetRequestSize {
			return nil, uint32(syscall.EINVAL)
		}
		req := decodeIRQSetRequest(payload)
		if req.Index != irqIndexMSIX || req.Flags&irqSetDataEventFD == 0 {
			return nil, 0
		}
		if len(fds) != int(req.Count) {
			return nil, uint32(syscall.EINVAL)
		}
		if err := s.irq.install(int(req.Start), fds); err != nil {
			s.log.WithError(err).Warn("DEVICE_SET_IRQS failed")
			return nil, uint32(syscall.EINVAL)
		}
		return nil, 0

	case cmdDeviceReset:
		s.ctrl.Reset()
		if err := s.mem.Reset(); err != nil {
			s.log.WithError(err).Warn("guest memory reset reported errors")
		}
		return nil, 0

	default:
		s.log.WithField("command", cmd).Warn("unsupported vfio-user command")
		return nil, uint32(syscall.ENOTSUP)
	}
}

func (s *Server) readRegion(region uint32, offset uint64, count int) ([]byte, bool) {
	switch region {
	case regionIndexBAR0:
		return s.ctrl.ReadMMIO(uint32(offset), count), true
	case regionIndexConfig:
		return s.pci.Read(uint32(offset), count), true
	default:
		return nil, false
	}
}

func (s *Server) writeRegion(region uint32, offset uint64, data []byte) bool {
	switch region {
	case regionIndexBAR0:
		s.ctrl.WriteMMIO(uint32(offset), data)
		return true
	case regionIndexConfig:
		s.pci.Write(uint32(offset), data)
		return true
	default:
		return false
	}
}
