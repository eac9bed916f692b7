// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import (
	"time"

	"github.com/pkg/errors"

	"github.com/kata-usb/xhcid/internal/regs"
	"github.com/kata-usb/xhcid/internal/ring"
	"github.com/kata-usb/xhcid/internal/trb"
)

// IRQRaiser is the narrow interface the vfio-user adapter implements so
// the controller can trigger MSI-X without importing the protocol layer.
// Called with interrupter index 0 in the baseline single-interrupter
// configuration (see SPEC_FULL.md's MaxInterrupters note).
type IRQRaiser interface {
	RaiseMSIX(vector int) error
}

type noopIRQRaiser struct{}

func (noopIRQRaiser) RaiseMSIX(int) error { return nil }

// interrupter owns one Event Ring plus its runtime register state (IMAN,
// ERDP). Only interrupter 0 in this controller is ever driven; the
// remaining MaxInterrupters-1 exist only as register-file placeholders.
type interrupter struct {
	index int
	ring  *ring.EventRing
	irq   IRQRaiser

	// imodTimerArmed/imodPending implement IMOD: once a raise happens,
	// further raises within the moderation interval only set imodPending
	// instead of calling irq.RaiseMSIX again; the armed timer raises once
	// more on expiry if anything arrived meanwhile, then disarms.
	imodTimerArmed bool
	imodPending    bool
}

func newInterrupter(index int, mem *ring.EventRing, irq IRQRaiser) *interrupter {
	return &interrupter{index: index, ring: mem, irq: irq}
}

// postEventLocked enqueues an event TRB and raises MSI-X if IMAN.IE is set.
// Must be called with Controller.mu held; the event ring itself nests
// inside that lock, matching the "command execution and completion
// posting happen under the same critical section" ordering guarantee.
func (c *Controller) postEventLocked(ev trb.TRB) error {
	it := c.interrupters[0]
	erdpOff := c.rtBase() + regs.InterrupterRegsBase + regs.ERDPOffset
	erdp := c.regs.Read64(erdpOff) & regs.ERDPPointerMask

	posted, err := it.ring.Enqueue(ev, erdp)
	if err != nil {
		return errors.Wrap(err, "enqueue event TRB")
	}
	if !posted {
		c.log.Debug("event ring stalled on unconsumed Event Ring Full Error, dropping event")
		return nil
	}
	if it.ring.Stalled() {
		c.log.Warn("event ring full, posted Event Ring Full Error")
	}

	imanOff := c.rtBase() + regs.InterrupterRegsBase + regs.IMANOffset
	iman := c.regs.Read32(imanOff)
	iman = regs.Set(iman, regs.IMANIP)
	c.regs.Write32(imanOff, iman)

	sts := c.regs.Read32(c.opBase() + regs.USBSTS)
	sts = regs.Set(sts, regs.USBSTSEINT)
	c.regs.Write32(c.opBase()+regs.USBSTS, sts)

	if regs.IsSet(iman, regs.IMANIE) {
		c.raiseInterruptLocked(it)
	}
	return nil
}

// imodOffsetLocked returns the BAR0 offset of its IMOD register.
func (c *Controller) imodOffsetLocked(it *interrupter) uint32 {
	return c.rtBase() + regs.InterrupterRegsBase + uint32(it.index)*regs.InterrupterRegsSize + regs.IMODOffset
}

// raiseInterruptLocked asserts MSI-X for it, honoring Interrupt
// Moderation: if a previous raise is still within its moderation
// interval, this call is coalesced into the pending timer firing rather
// than generating a second MSI-X write. Must be called with Controller.mu
// held.
func (c *Controller) raiseInterruptLocked(it *interrupter) {
	if it.imodTimerArmed {
		it.imodPending = true
		return
	}

	if err := it.irq.RaiseMSIX(it.index); err != nil {
		c.log.WithError(err).Warn("failed to raise MSI-X")
	}

	imodi := c.regs.Read32(c.imodOffsetLocked(it)) & regs.IMODIntervalMask
	if imodi == 0 {
		return
	}
	it.imodTimerArmed = true
	go c.runIMODTimer(it, imodi)
}

// runIMODTimer waits out one moderation interval, then raises once more
// if any interrupt was coalesced during the wait, reloading the interval
// from the current IMOD register and repeating until a wait elapses with
// nothing pending. Mirrors finishResetAfterDelay: an untracked delay
// goroutine that checks Controller.closing before touching state.
func (c *Controller) runIMODTimer(it *interrupter, imodi uint32) {
	for {
		interval := time.Duration(imodi) * regs.IMODUnitNanos // nanoseconds
		<-c.clock.After(int(interval / time.Millisecond))

		c.mu.Lock()
		if c.closing {
			it.imodTimerArmed = false
			c.mu.Unlock()
			return
		}
		if !it.imodPending {
			it.imodTimerArmed = false
			c.mu.Unlock()
			return
		}
		it.imodPending = false
		imodi = c.regs.Read32(c.imodOffsetLocked(it)) & regs.IMODIntervalMask
		c.mu.Unlock()

		if err := it.irq.RaiseMSIX(it.index); err != nil {
			c.log.WithError(err).Warn("failed to raise MSI-X")
		}
		if imodi == 0 {
			c.mu.Lock()
			it.imodTimerArmed = false
			c.mu.Unlock()
			return
		}
	}
}

func commandCompletionEvent(completionCode trb.CompletionCode, commandTRBPointer uint64, slotID uint8) trb.TRB {
	var t trb.TRB
	t.Parameter = commandTRBPointer
	t.Status = uint32(completionCode) << 24
	t.Control = trb.ControlWithType(trb.TypeCommandCompletionEvent)
	t.Control |= uint32(slotID) << 24
	return t
}

func portStatusChangeEvent(portNumber int) trb.TRB {
	var t trb.TRB
	t.Parameter = uint64(portNumber) << 24
	t.Control = trb.ControlWithType(trb.TypePortStatusChangeEvent)
	return t
}

func transferEvent(completionCode trb.CompletionCode, trbPointer uint64, transferLength uint32, slotID, epContextIndex uint8, eventData bool) trb.TRB {
	var t trb.TRB
	t.Parameter = trbPointer
	t.Status = transferLength&0x1ffff | uint32(completionCode)<<24
	t.Control = trb.ControlWithType(trb.TypeTransferEvent)
	t.Control |= uint32(slotID) << 24
	t.Control |= uint32(epContextIndex) << 16
	if eventData {
		t.Control |= trb.ControlED
	}
	return t
}

func (c *Controller) raisePortStatusChangeLocked(portNumber int) {
	if err := c.postEventLocked(portStatusChangeEvent(portNumber)); err != nil {
		c.log.WithError(err).Warn("failed to post port status change event")
	}
}
