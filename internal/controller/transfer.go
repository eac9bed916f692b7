// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import (
	"context"
	"time"

	"github.com/kata-usb/xhcid/internal/hostusb"
	"github.com/kata-usb/xhcid/internal/ring"
	"github.com/kata-usb/xhcid/internal/trb"
)

// defaultBackendTimeout bounds every call into the host USB backend so a
// wedged device cannot leak a worker goroutine forever.
const defaultBackendTimeout = 5 * time.Second

// interruptPollIdleDelay is how long an IN interrupt endpoint's worker
// waits between polls of a backend that reported no data, so it doesn't
// spin tight on an idle keyboard/mouse.
const interruptPollIdleDelay = 8 * time.Millisecond

func (c *Controller) newCursorFor(pointer uint64, cycle bool) *ring.Cursor {
	return ring.NewCursor(c.mem, pointer, cycle)
}

// startEndpointWorkerLocked spawns the worker goroutine draining ep's
// transfer ring. Must be called with Controller.mu held.
func (c *Controller) startEndpointWorkerLocked(slot *Slot, ep *Endpoint) {
	ep.stopCh = make(chan struct{})
	ep.doneCh = make(chan struct{})
	c.wg.Add(1)
	go c.runEndpointWorker(slot, ep)
}

// ringEndpointDoorbell wakes the endpoint's worker; called from the MMIO
// dispatch path on a doorbell register write, and must not block.
func (c *Controller) ringEndpointDoorbell(slot *Slot, ep *Endpoint) {
	select {
	case ep.kick() <- struct{}{}:
	default:
	}
}

// kick lazily allocates the wakeup channel; endpoints are constructed
// before their worker goroutine subscribes to it.
func (ep *Endpoint) kick() chan struct{} {
	if ep.kickCh == nil {
		ep.kickCh = make(chan struct{}, 1)
	}
	return ep.kickCh
}

func (c *Controller) runEndpointWorker(slot *Slot, ep *Endpoint) {
	defer c.wg.Done()
	defer close(ep.doneCh)

	kick := ep.kick()
	for {
		select {
		case <-ep.stopCh:
			return
		case <-c.closeCh:
			return
		case <-kick:
		}

		for {
			select {
			case <-ep.stopCh:
				return
			case <-c.closeCh:
				return
			default:
			}
			more, err := c.processOneTransferTRB(slot, ep)
			if err != nil {
				c.log.WithError(err).WithField("endpoint", ep.Index).Error("transfer processing error")
				return
			}
			if !more {
				break
			}
		}

		if ep.Type == EndpointTypeInterruptIn {
			select {
			case <-time.After(interruptPollIdleDelay):
				select {
				case kick <- struct{}{}:
				default:
				}
			case <-ep.stopCh:
				return
			case <-c.closeCh:
				return
			}
		}
	}
}

// processOneTransferTRB dequeues and executes a single Setup/Data/Status/
// Normal TRB chain head from ep's ring. It returns more=true after handling
// a TRB and more=false once the ring is empty, so the caller keeps calling
// it to drain bursts without waiting for another doorbell kick.
func (c *Controller) processOneTransferTRB(slot *Slot, ep *Endpoint) (more bool, err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false, nil
	}
	backend := slot.Backend
	pointer := ep.TR.Pointer()
	t, ok, peekErr := ep.TR.Peek()
	if peekErr != nil {
		c.mu.Unlock()
		return false, peekErr
	}
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	if advErr := ep.TR.Advance(); advErr != nil {
		c.mu.Unlock()
		return false, advErr
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultBackendTimeout)
	defer cancel()

	switch t.Type() {
	case trb.TypeNormal:
		c.executeNormalTransfer(ctx, slot, ep, pointer, t, backend)
	case trb.TypeSetupStage:
		c.executeControlTransfer(ctx, slot, ep, pointer, t, backend)
	case trb.TypeNoOpTransfer:
		c.postTransferCompletion(ep, pointer, trb.CompletionSuccess, 0, t.IOC())
	case trb.TypeEventData:
		c.postEventDataTRB(ep, t)
	default:
		c.log.WithField("trb_type", t.Type()).Warn("unsupported transfer TRB")
		c.postTransferCompletion(ep, pointer, trb.CompletionTRBError, 0, true)
	}

	return true, nil
}

func (c *Controller) executeNormalTransfer(ctx context.Context, slot *Slot, ep *Endpoint, pointer uint64, t trb.TRB, backend hostusb.Backend) {
	length := t.TransferLength()
	buf := make([]byte, length)
	dir := ep.Type.direction()
	if dir == hostusb.DirectionOut && length > 0 {
		if err := c.mem.Read(t.Parameter, buf); err != nil {
			c.postTransferCompletion(ep, pointer, trb.CompletionDataBufferError, 0, true)
			return
		}
	}

	var res hostusb.TransferResult
	var err error
	switch ep.Type {
	case EndpointTypeBulkIn, EndpointTypeBulkOut:
		res, err = backend.BulkTransfer(ctx, ep.HostAddr, buf, dir)
	case EndpointTypeInterruptIn, EndpointTypeInterruptOut:
		res, err = backend.InterruptTransfer(ctx, ep.HostAddr, buf, dir)
	default:
		c.postTransferCompletion(ep, pointer, trb.CompletionTRBError, 0, true)
		return
	}
	if err != nil && res.Status == hostusb.StatusOK {
		res.Status = hostusb.StatusError
	}

	if dir == hostusb.DirectionIn && res.BytesTransferred > 0 {
		if werr := c.mem.Write(t.Parameter, buf[:res.BytesTransferred]); werr != nil {
			c.postTransferCompletion(ep, pointer, trb.CompletionDataBufferError, 0, true)
			return
		}
	}

	code, remaining := completionFromStatus(res.Status, length, uint32(res.BytesTransferred))
	c.postTransferCompletion(ep, pointer, code, remaining, t.IOC() || code != trb.CompletionSuccess)
}

func completionFromStatus(status hostusb.Status, requested, transferred uint32) (trb.CompletionCode, uint32) {
	remaining := requested - transferred
	switch status {
	case hostusb.StatusOK:
		if transferred < requested {
			return trb.CompletionShortPacket, remaining
		}
		return trb.CompletionSuccess, 0
	case hostusb.StatusStall:
		return trb.CompletionStallError, remaining
	case hostusb.StatusBabble:
		return trb.CompletionBabbleDetectedError, remaining
	case hostusb.StatusDeviceGone:
		return trb.CompletionUSBTransactionError, remaining
	case hostusb.StatusCancelled:
		return trb.CompletionStopped, remaining
	case hostusb.StatusTimeout:
		return trb.CompletionUSBTransactionError, remaining
	default:
		return trb.CompletionUSBTransactionError, remaining
	}
}

// executeControlTransfer handles a Setup Stage TRB by synchronously
// chasing the Data Stage (if present) and Status Stage TRBs that follow it
// on the same ring, then issuing one host ControlTransfer call. Real
// drivers always enqueue these three (or two) TRBs back to back before
// ringing the doorbell, so peeking ahead here is safe.
func (c *Controller) executeControlTransfer(ctx context.Context, slot *Slot, ep *Endpoint, setupPointer uint64, setupTRB trb.TRB, backend hostusb.Backend) {
	setup := hostusb.SetupPacket{
		RequestType: uint8(setupTRB.Parameter),
		Request:     uint8(setupTRB.Parameter >> 8),
		Value:       uint16(setupTRB.Parameter >> 16),
		Index:       uint16(setupTRB.Parameter >> 32),
		Length:      uint16(setupTRB.Parameter >> 48),
	}
	dir := hostusb.DirectionOut
	if setup.RequestType&0x80 != 0 {
		dir = hostusb.DirectionIn
	}

	var dataBufPointer uint64
	var dataTRBPointer uint64
	var dataLen uint32
	haveData := false

	c.mu.Lock()
	if dataTRB, ok, err := ep.TR.Peek(); err == nil && ok && dataTRB.Type() == trb.TypeDataStage {
		haveData = true
		dataTRBPointer = ep.TR.Pointer()
		dataBufPointer = dataTRB.Parameter
		dataLen = dataTRB.TransferLength()
		_ = ep.TR.Advance()
	}
	var statusPointer uint64
	haveStatus := false
	if statusTRB, ok, err := ep.TR.Peek(); err == nil && ok && statusTRB.Type() == trb.TypeStatusStage {
		haveStatus = true
		statusPointer = ep.TR.Pointer()
		_ = ep.TR.Advance()
	}
	c.mu.Unlock()

	buf := make([]byte, dataLen)
	if haveData && dir == hostusb.DirectionOut && dataLen > 0 {
		if err := c.mem.Read(dataBufPointer, buf); err != nil {
			c.postTransferCompletion(ep, setupPointer, trb.CompletionDataBufferError, 0, true)
			return
		}
	}

	res, err := backend.ControlTransfer(ctx, setup, buf, dir)
	if err != nil && res.Status == hostusb.StatusOK {
		res.Status = hostusb.StatusError
	}

	if haveData && dir == hostusb.DirectionIn && res.BytesTransferred > 0 {
		if werr := c.mem.Write(dataBufPointer, buf[:res.BytesTransferred]); werr != nil {
			c.postTransferCompletion(ep, setupPointer, trb.CompletionDataBufferError, 0, true)
			return
		}
	}

	code, remaining := completionFromStatus(res.Status, dataLen, uint32(res.BytesTransferred))
	if haveData {
		c.postTransferCompletion(ep, dataTRBPointer, code, remaining, false)
	}
	if haveStatus {
		c.postTransferCompletion(ep, statusPointer, trb.CompletionSuccess, 0, true)
	}
	if !haveData && !haveStatus {
		c.postTransferCompletion(ep, setupPointer, code, remaining, true)
	}
}

func (c *Controller) postTransferCompletion(ep *Endpoint, trbPointer uint64, code trb.CompletionCode, remaining uint32, ioc bool) {
	if !ioc {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := transferEvent(code, trbPointer, remaining, c.slotIDFor(ep), ep.Index, false)
	if err := c.postEventLocked(ev); err != nil {
		c.log.WithError(err).Error("failed to post transfer event")
	}
}

func (c *Controller) postEventDataTRB(ep *Endpoint, t trb.TRB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := transferEvent(trb.CompletionSuccess, t.Parameter, 0, c.slotIDFor(ep), ep.Index, true)
	if err := c.postEventLocked(ev); err != nil {
		c.log.WithError(err).Error("failed to post event-data transfer event")
	}
}

func (c *Controller) slotIDFor(ep *Endpoint) uint8 {
	for _, s := range c.slots {
		if s == nil {
			continue
		}
		for _, e := range s.Endpoints {
			if e == ep {
				return s.ID
			}
		}
	}
	return 0
}
