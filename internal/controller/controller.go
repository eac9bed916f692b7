// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package controller implements the XHCI register, ring and state-machine
// model: BAR0 MMIO dispatch, the command/event/transfer ring machinery, and
// the port/slot/endpoint lifecycle that relays guest transfer requests to
// real host USB devices through internal/hostusb.
package controller

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-usb/xhcid/internal/hostusb"
	"github.com/kata-usb/xhcid/internal/memview"
	"github.com/kata-usb/xhcid/internal/regs"
	"github.com/kata-usb/xhcid/internal/ring"
)

// Controller owns one emulated XHCI device: its BAR0 register file, guest
// memory view, command/event rings, and the live port/slot/endpoint state.
// Every exported method is safe for concurrent use; see mu for the locking
// discipline documented alongside each field.
type Controller struct {
	log *logrus.Entry

	mem  *memview.View
	regs *regs.File

	clock Clock

	// mu is the coarse state-machine lock: acquired briefly around each
	// register access, command dispatch step, and TRB ring operation.
	// It is never held across a blocking host USB backend call; the
	// event ring's own bookkeeping nests inside it (see events.go).
	mu sync.Mutex

	ports []*Port
	slots []*Slot

	cmdRing        *ring.Cursor
	cmdRingRunning bool
	cmdDoorbell    chan struct{}

	interrupters []*interrupter

	closing bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Controller with MaxPorts root ports and MaxSlots device
// slots, all initially unattached/disabled. irq receives MSI-X assertion
// requests; pass a no-op implementation in tests that don't care about
// interrupt delivery.
func New(log *logrus.Entry, mem *memview.View, irq IRQRaiser) *Controller {
	if irq == nil {
		irq = noopIRQRaiser{}
	}
	c := &Controller{
		log:         log,
		mem:         mem,
		regs:        regs.NewFile(),
		clock:       realClock{},
		cmdDoorbell: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}
	c.ports = make([]*Port, regs.MaxPorts)
	for i := range c.ports {
		c.ports[i] = newPort(i + 1)
	}
	c.slots = make([]*Slot, regs.MaxSlots)
	for i := range c.slots {
		c.slots[i] = newSlot(uint8(i + 1))
	}
	c.interrupters = make([]*interrupter, regs.MaxInterrupters)
	for i := range c.interrupters {
		c.interrupters[i] = newInterrupter(i, ring.NewEventRing(mem), irq)
	}

	c.initCapabilityRegisters()

	c.wg.Add(1)
	go c.runCommandProcessor()

	return c
}

func (c *Controller) initCapabilityRegisters() {
	c.regs.Write8(regs.CAPLENGTH, regs.CapabilityRegsSize)
	c.regs.Write16(regs.HCIVERSION, regs.HCIVersion1_0)

	var hcs1 uint32
	hcs1 = regs.SetN(hcs1, regs.HCSPARAMS1MaxSlotsPos, regs.HCSPARAMS1MaxSlotsMask, regs.MaxSlots)
	hcs1 = regs.SetN(hcs1, regs.HCSPARAMS1MaxIntrsPos, regs.HCSPARAMS1MaxIntrsMask, regs.MaxInterrupters)
	hcs1 = regs.SetN(hcs1, regs.HCSPARAMS1MaxPortsPos, regs.HCSPARAMS1MaxPortsMask, regs.MaxPorts)
	c.regs.Write32(regs.HCSPARAMS1, hcs1)

	var hcc1 uint32
	hcc1 = regs.Set(hcc1, regs.HCCPARAMS1AC64Pos)
	c.regs.Write32(regs.HCCPARAMS1, hcc1)

	c.regs.Write32(regs.DBOFF, c.dbBase())
	c.regs.Write32(regs.RTSOFF, c.rtBase())

	c.regs.Write32(c.opBase()+regs.PAGESIZE, 1) // 4KiB pages, bit 0

	for i := range c.ports {
		off := portscOffset(c.opBase(), i+1)
		var portsc uint32
		portsc = regs.Set(portsc, regs.PORTSCPP)
		c.regs.Write32(off, portsc)
	}
}

// opBase, rtBase, dbBase are the fixed layout chosen for this controller's
// BAR0: operational registers directly follow the 0x20-byte capability
// block, with generous headroom before the runtime and doorbell regions so
// MaxPorts/MaxSlots could grow without relayout.
func (c *Controller) opBase() uint32 { return regs.CapabilityRegsSize }
func (c *Controller) rtBase() uint32 { return 0x2000 }
func (c *Controller) dbBase() uint32 { return 0x3000 }

// Close stops all endpoint workers and the command processor and waits for
// them to exit. It does not touch attached backends; callers detach ports
// first if that's desired.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	close(c.closeCh)
	for _, slot := range c.slots {
		for _, ep := range slot.Endpoints {
			if ep != nil && ep.stopCh != nil {
				close(ep.stopCh)
				ep.stopCh = nil
			}
		}
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// AttachDevice binds a resolved host backend to port (1-based), raising a
// Port Status Change Event the guest driver observes on its next poll or
// interrupt delivery. Returns an error if port is out of range or already
// has a backend attached.
func (c *Controller) AttachDevice(port int, backend hostusb.Backend) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port < 1 || port > len(c.ports) {
		return errors.Errorf("port %d out of range", port)
	}
	p := c.ports[port-1]
	if p.Backend != nil {
		return errors.Errorf("port %d already has a device attached", port)
	}
	c.attachLocked(p, backend)
	return nil
}

// DetachDevice tears down whatever is attached to port, if anything,
// disabling its bound slot (if any) and raising a Port Status Change
// Event. It blocks until any in-flight transfer-worker goroutine for that
// slot has fully drained, so callers can safely close the backend as soon
// as this returns.
func (c *Controller) DetachDevice(port int) error {
	c.mu.Lock()
	if port < 1 || port > len(c.ports) {
		c.mu.Unlock()
		return errors.Errorf("port %d out of range", port)
	}
	p := c.ports[port-1]
	if p.Backend == nil {
		c.mu.Unlock()
		return nil
	}
	done := c.detachLocked(p)
	c.mu.Unlock()

	for _, d := range done {
		<-d
	}
	return nil
}

// PortStatus reports whether port currently has a backend attached and
// its negotiated speed; the hotplug server and cmd/xhcid use it to find a
// free port.
func (c *Controller) PortStatus(port int) (attached bool, speed hostusb.Speed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port < 1 || port > len(c.ports) {
		return false, hostusb.SpeedUnknown, false
	}
	p := c.ports[port-1]
	return p.Backend != nil, p.Speed, true
}

// NumPorts returns the number of emulated root hub ports.
func (c *Controller) NumPorts() int { return len(c.ports) }

// Reset performs the same controller-wide reset as a guest write of
// USBCMD.HCRST: it is the vfio-user adapter's DEVICE_RESET handler, which
// SPEC_FULL.md requires to delegate to this register-layer path rather
// than reimplementing teardown separately.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}
