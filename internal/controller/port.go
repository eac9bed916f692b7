// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import (
	"github.com/kata-usb/xhcid/internal/hostusb"
	"github.com/kata-usb/xhcid/internal/regs"
)

// portResetSettleDelayMillis is the fixed delay this controller waits after
// asserting Port Reset before clearing PR and raising the Port Reset
// Change bit. Real hardware's settle time varies; SPEC_FULL.md resolves
// the open question of what to report here to a fixed 5ms, independent of
// the attached device's actual reset latency.
const portResetSettleDelayMillis = 5

// Port is one root hub port. It owns the PORTSC-visible state and the
// backend handle attached to it, independent of whether a slot has been
// assigned.
type Port struct {
	Number  int // 1-based, matches PORTSC register index
	Backend hostusb.Backend
	Speed   hostusb.Speed
	SlotID  uint8 // 0 until Enable Slot + Address Device bind one
}

func newPort(number int) *Port {
	return &Port{Number: number}
}

func portSpeedValue(s hostusb.Speed) uint32 {
	switch s {
	case hostusb.SpeedFull:
		return regs.PortSpeedFull
	case hostusb.SpeedHigh:
		return regs.PortSpeedHigh
	case hostusb.SpeedSuper:
		return regs.PortSpeedSuper
	default:
		return regs.PortSpeedSuper
	}
}

// portscOffset returns the BAR0 offset of PORTSC for the given 1-based
// port number.
func portscOffset(opBase uint32, portNumber int) uint32 {
	return opBase + regs.PortRegsBase + uint32(portNumber-1)*regs.PortRegsSize + regs.PortSCOffset
}

// attachLocked wires a freshly resolved backend to the port, computes its
// reported speed, and sets CCS/CSC/PP so the driver observes a device
// connect event on the next PORTSC read or Port Status Change Event.
// Callers must hold Controller.mu.
func (c *Controller) attachLocked(p *Port, backend hostusb.Backend) {
	p.Backend = backend
	p.Speed = backend.Speed()

	off := portscOffset(c.opBase(), p.Number)
	cur := c.regs.Read32(off)
	cur = regs.Set(cur, regs.PORTSCCCS)
	cur = regs.Set(cur, regs.PORTSCPP)
	cur = regs.SetN(cur, regs.PORTSCPortSpeedPos, regs.PORTSCPortSpeedMask, portSpeedValue(p.Speed))
	cur = regs.Set(cur, regs.PORTSCCSC)
	c.regs.Write32(off, cur)

	c.raisePortStatusChangeLocked(p.Number)
}

// detachLocked tears down any slot bound to the port and clears CCS,
// raising another Port Status Change Event. Must be called with
// Controller.mu held. It returns the doneCh of every endpoint worker it
// signaled to stop; the caller must wait on each of them (after releasing
// Controller.mu, the same as disableSlot) before treating the backend as
// safe to close, since a worker may still be mid-call into it.
func (c *Controller) detachLocked(p *Port) []chan struct{} {
	var done []chan struct{}
	if p.SlotID != 0 {
		slot := c.slots[p.SlotID-1]
		if slot != nil {
			for _, ep := range slot.Endpoints {
				if ep != nil && ep.doneCh != nil {
					done = append(done, ep.doneCh)
				}
			}
		}
		c.disableSlotLocked(p.SlotID)
	}
	p.Backend = nil
	p.Speed = hostusb.SpeedUnknown

	off := portscOffset(c.opBase(), p.Number)
	cur := c.regs.Read32(off)
	cur = regs.Clear(cur, regs.PORTSCCCS)
	cur = regs.Clear(cur, regs.PORTSCPED)
	cur = regs.Set(cur, regs.PORTSCCSC)
	c.regs.Write32(off, cur)

	c.raisePortStatusChangeLocked(p.Number)
	return done
}

// beginResetLocked sets PR; the actual settle + PED/PRC transition happens
// on a timer goroutine started here so the MMIO write handler never
// blocks.
func (c *Controller) beginResetLocked(p *Port) {
	off := portscOffset(c.opBase(), p.Number)
	cur := c.regs.Read32(off)
	cur = regs.Set(cur, regs.PORTSCPR)
	c.regs.Write32(off, cur)

	go c.finishResetAfterDelay(p.Number)
}

func (c *Controller) finishResetAfterDelay(portNumber int) {
	<-c.clock.After(portResetSettleDelayMillis)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	p := c.ports[portNumber-1]
	if p.Backend == nil {
		return
	}
	off := portscOffset(c.opBase(), portNumber)
	cur := c.regs.Read32(off)
	cur = regs.Clear(cur, regs.PORTSCPR)
	cur = regs.Set(cur, regs.PORTSCPED)
	cur = regs.SetN(cur, regs.PORTSCPLSPos, regs.PORTSCPLSMask, 0) // U0
	cur = regs.Set(cur, regs.PORTSCPRC)
	c.regs.Write32(off, cur)

	c.raisePortStatusChangeLocked(portNumber)
}
