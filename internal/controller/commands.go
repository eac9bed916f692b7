// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import (
	"context"

	"github.com/kata-usb/xhcid/internal/trb"
)

// runCommandProcessor drains the command ring whenever doorbell 0 is rung.
// It runs on its own goroutine so Address Device/Reset Endpoint/Reset
// Device commands, which call into the host USB backend, never block
// the vfio-user I/O flow handling the doorbell write.
func (c *Controller) runCommandProcessor() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.cmdDoorbell:
			c.drainCommandRing()
		}
	}
}

func (c *Controller) drainCommandRing() {
	for {
		c.mu.Lock()
		if c.closing || !c.cmdRingRunning {
			c.mu.Unlock()
			return
		}
		pointer := c.cmdRing.Pointer()
		t, ok, err := c.cmdRing.Peek()
		if err != nil {
			c.log.WithError(err).Error("command ring read failed")
			c.mu.Unlock()
			return
		}
		if !ok {
			c.mu.Unlock()
			return
		}
		if advErr := c.cmdRing.Advance(); advErr != nil {
			c.log.WithError(advErr).Error("command ring advance failed")
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.executeCommand(pointer, t)
	}
}

// executeCommand dispatches one command TRB. It acquires Controller.mu
// only for the brief state-machine transitions; any backend call
// (SET_CONFIGURATION, CLEAR_FEATURE(ENDPOINT_HALT), device reset) happens
// outside the lock.
func (c *Controller) executeCommand(trbPointer uint64, t trb.TRB) {
	switch t.Type() {
	case trb.TypeNoOpCommand:
		c.completeCommand(trbPointer, trb.CompletionSuccess, 0)

	case trb.TypeEnableSlotCommand:
		c.handleEnableSlot(trbPointer)

	case trb.TypeDisableSlotCommand:
		c.handleDisableSlot(trbPointer, t.SlotID())

	case trb.TypeAddressDeviceCommand:
		c.handleAddressDevice(trbPointer, t)

	case trb.TypeConfigureEndpointCommand:
		c.handleConfigureEndpoint(trbPointer, t)

	case trb.TypeEvaluateContextCommand:
		c.handleEvaluateContext(trbPointer, t)

	case trb.TypeResetEndpointCommand:
		c.handleResetEndpoint(trbPointer, t)

	case trb.TypeStopEndpointCommand:
		c.handleStopEndpoint(trbPointer, t)

	case trb.TypeSetTRDequeuePointerCommand:
		c.handleSetTRDequeuePointer(trbPointer, t)

	case trb.TypeResetDeviceCommand:
		c.handleResetDevice(trbPointer, t.SlotID())

	default:
		c.log.WithField("trb_type", t.Type()).Warn("unsupported command TRB")
		c.completeCommand(trbPointer, trb.CompletionTRBError, 0)
	}
}

func (c *Controller) completeCommand(trbPointer uint64, code trb.CompletionCode, slotID uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.postEventLocked(commandCompletionEvent(code, trbPointer, slotID)); err != nil {
		c.log.WithError(err).Error("failed to post command completion event")
	}
}

func (c *Controller) handleEnableSlot(trbPointer uint64) {
	c.mu.Lock()
	var free *Slot
	for _, s := range c.slots {
		if s != nil && s.State == SlotStateDisabledEnabled && s.PortNumber == 0 {
			free = s
			break
		}
	}
	if free == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionNoSlotsAvailableError, 0)
		return
	}
	free.State = SlotStateDefault
	slotID := free.ID
	c.mu.Unlock()

	c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
}

func (c *Controller) handleDisableSlot(trbPointer uint64, slotID uint8) {
	c.mu.Lock()
	if int(slotID) == 0 || int(slotID) > len(c.slots) || c.slots[slotID-1] == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionSlotNotEnabledError, slotID)
		return
	}
	c.mu.Unlock()

	c.disableSlot(slotID)
	c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
}

// disableSlotLocked tears down all of a slot's endpoint workers and resets
// its state to Disabled. Must be called with Controller.mu held; it only
// signals workers to stop, it does not wait (use disableSlot to wait).
func (c *Controller) disableSlotLocked(slotID uint8) {
	slot := c.slots[slotID-1]
	if slot == nil {
		return
	}
	for _, ep := range slot.Endpoints {
		if ep != nil && ep.stopCh != nil {
			close(ep.stopCh)
			ep.stopCh = nil
		}
	}
	if slot.PortNumber != 0 && slot.PortNumber <= len(c.ports) {
		c.ports[slot.PortNumber-1].SlotID = 0
	}
	slot.State = SlotStateDisabledEnabled
	slot.PortNumber = 0
	slot.Backend = nil
	slot.Endpoints = [32]*Endpoint{}
}

func (c *Controller) disableSlot(slotID uint8) {
	c.mu.Lock()
	slot := c.slots[slotID-1]
	var done []chan struct{}
	if slot != nil {
		for _, ep := range slot.Endpoints {
			if ep != nil && ep.doneCh != nil {
				done = append(done, ep.doneCh)
			}
		}
	}
	c.disableSlotLocked(slotID)
	c.mu.Unlock()

	for _, d := range done {
		<-d
	}
}

func (c *Controller) handleAddressDevice(trbPointer uint64, t trb.TRB) {
	slotID := t.SlotID()
	blockSetAddress := t.Control&trb.ControlBSR != 0
	inputCtx := t.Parameter &^ 0xf

	c.mu.Lock()
	if int(slotID) == 0 || int(slotID) > len(c.slots) || c.slots[slotID-1] == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionSlotNotEnabledError, slotID)
		return
	}
	slot := c.slots[slotID-1]

	icBuf := make([]byte, InputContextSize)
	if err := c.mem.Read(inputCtx, icBuf); err != nil {
		c.mu.Unlock()
		c.log.WithError(err).Error("failed to read input context")
		c.completeCommand(trbPointer, trb.CompletionParameterError, slotID)
		return
	}
	sc := decodeSlotContext(icBuf[ContextSize : 2*ContextSize])
	ep0 := decodeEndpointContext(icBuf[2*ContextSize : 3*ContextSize])

	portNumber := int(sc.RootHubPortNum)
	if portNumber < 1 || portNumber > len(c.ports) || c.ports[portNumber-1].Backend == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionParameterError, slotID)
		return
	}
	port := c.ports[portNumber-1]
	backend := port.Backend

	slot.PortNumber = portNumber
	slot.Backend = backend
	port.SlotID = slotID

	ep0Endpoint := &Endpoint{
		Index:         1,
		Type:          EndpointTypeControl,
		MaxPacketSize: ep0.MaxPacketSize,
		State:         EndpointStateRunning,
		TR:            c.newCursorFor(ep0.DequeuePointer, ep0.DequeueCycleState),
	}
	slot.Endpoints[1] = ep0Endpoint
	c.startEndpointWorkerLocked(slot, ep0Endpoint)
	c.mu.Unlock()

	deviceAddress := uint8(0)
	if !blockSetAddress {
		ctx, cancel := context.WithTimeout(context.Background(), defaultBackendTimeout)
		defer cancel()
		if err := backend.SetConfiguration(ctx, 0); err != nil {
			c.log.WithError(err).Debug("SetConfiguration(0) before address assignment failed, continuing")
		}
		deviceAddress = c.assignDeviceAddress(slotID)
	}

	c.mu.Lock()
	slot.Address = deviceAddress
	slot.State = SlotStateDefault
	if !blockSetAddress {
		slot.State = SlotStateAddressed
	}
	c.writeDeviceContextLocked(slot, sc, ep0)
	c.mu.Unlock()

	code := trb.CompletionSuccess
	c.completeCommand(trbPointer, code, slotID)
}

// assignDeviceAddress has no analog on the host side: the real USB device
// already has whatever address the host controller gave it, and gousb
// transfers address it by bus/port handle, not USB device address. The
// slot's reported address is therefore this controller's own bookkeeping
// value, assigned densely per slot ID.
func (c *Controller) assignDeviceAddress(slotID uint8) uint8 {
	return slotID + 1
}

// handleConfigureEndpoint applies the Input Control Context's Drop/Add
// flags to the slot's endpoints and starts a transfer worker for each added
// endpoint. It makes no backend call: no SET_CONFIGURATION is forwarded to
// the host device, on the first configure or any later one.
func (c *Controller) handleConfigureEndpoint(trbPointer uint64, t trb.TRB) {
	slotID := t.SlotID()
	deconfigure := t.Control&trb.ControlDC != 0
	inputCtx := t.Parameter &^ 0xf

	c.mu.Lock()
	if int(slotID) == 0 || int(slotID) > len(c.slots) || c.slots[slotID-1] == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionSlotNotEnabledError, slotID)
		return
	}
	slot := c.slots[slotID-1]

	if deconfigure {
		for i, ep := range slot.Endpoints {
			if i == 1 || ep == nil {
				continue
			}
			c.stopEndpointLocked(ep)
			slot.Endpoints[i] = nil
		}
		slot.State = SlotStateAddressed
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
		return
	}

	icBuf := make([]byte, InputContextSize)
	if err := c.mem.Read(inputCtx, icBuf); err != nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionParameterError, slotID)
		return
	}
	ic := decodeInputControlContext(icBuf[0:ContextSize])

	for idx := uint8(2); idx < 32; idx++ {
		bit := uint32(1) << idx
		if ic.DropFlags&bit != 0 && slot.Endpoints[idx] != nil {
			c.stopEndpointLocked(slot.Endpoints[idx])
			slot.Endpoints[idx] = nil
		}
	}
	for idx := uint8(2); idx < 32; idx++ {
		bit := uint32(1) << idx
		if ic.AddFlags&bit == 0 {
			continue
		}
		ecBuf := icBuf[int(idx+1)*ContextSize : int(idx+2)*ContextSize]
		ec := decodeEndpointContext(ecBuf)
		epAddr := endpointAddrFromContextIndex(idx, ec.EPType)
		ep := &Endpoint{
			Index:         idx,
			Type:          ec.EPType,
			MaxPacketSize: ec.MaxPacketSize,
			MaxBurstSize:  ec.MaxBurstSize,
			Interval:      ec.Interval,
			HostAddr:      epAddr,
			State:         EndpointStateRunning,
			TR:            c.newCursorFor(ec.DequeuePointer, ec.DequeueCycleState),
		}
		slot.Endpoints[idx] = ep
		c.startEndpointWorkerLocked(slot, ep)
	}
	slot.State = SlotStateConfigured
	c.mu.Unlock()

	c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
}

// endpointAddrFromContextIndex recovers the host-facing endpoint address
// (number + direction bit) from the Endpoint Context index (2*epNum,
// +1 for IN) the Input Context used.
func endpointAddrFromContextIndex(idx uint8, epType EndpointType) uint8 {
	num := idx / 2
	addr := num
	if epType.isIn() {
		addr |= 0x80
	}
	return addr
}

func (c *Controller) handleEvaluateContext(trbPointer uint64, t trb.TRB) {
	slotID := t.SlotID()
	inputCtx := t.Parameter &^ 0xf

	c.mu.Lock()
	if int(slotID) == 0 || int(slotID) > len(c.slots) || c.slots[slotID-1] == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionSlotNotEnabledError, slotID)
		return
	}
	slot := c.slots[slotID-1]

	icBuf := make([]byte, InputContextSize)
	if err := c.mem.Read(inputCtx, icBuf); err != nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionParameterError, slotID)
		return
	}
	ic := decodeInputControlContext(icBuf[0:ContextSize])

	if ic.AddFlags&2 != 0 && slot.Endpoints[1] != nil {
		ep0 := decodeEndpointContext(icBuf[2*ContextSize : 3*ContextSize])
		slot.Endpoints[1].MaxPacketSize = ep0.MaxPacketSize
	}
	for idx := uint8(2); idx < 32; idx++ {
		bit := uint32(1) << idx
		if ic.AddFlags&bit == 0 || slot.Endpoints[idx] == nil {
			continue
		}
		ec := decodeEndpointContext(icBuf[int(idx+1)*ContextSize : int(idx+2)*ContextSize])
		slot.Endpoints[idx].MaxPacketSize = ec.MaxPacketSize
		slot.Endpoints[idx].MaxBurstSize = ec.MaxBurstSize
		slot.Endpoints[idx].Interval = ec.Interval
	}
	c.mu.Unlock()

	c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
}

func (c *Controller) handleResetEndpoint(trbPointer uint64, t trb.TRB) {
	slotID := t.SlotID()
	epIdx := t.EndpointID()

	c.mu.Lock()
	slot := c.slotOrNil(slotID)
	if slot == nil || slot.Endpoints[epIdx] == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionEndpointNotEnabledError, slotID)
		return
	}
	ep := slot.Endpoints[epIdx]
	backend := slot.Backend
	ep.State = EndpointStateRunning
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultBackendTimeout)
	defer cancel()
	if err := backend.ClearHalt(ctx, ep.HostAddr); err != nil {
		c.log.WithError(err).Warn("ClearHalt failed during Reset Endpoint")
	}

	c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
}

func (c *Controller) handleStopEndpoint(trbPointer uint64, t trb.TRB) {
	slotID := t.SlotID()
	epIdx := t.EndpointID()

	c.mu.Lock()
	slot := c.slotOrNil(slotID)
	if slot == nil || slot.Endpoints[epIdx] == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionEndpointNotEnabledError, slotID)
		return
	}
	ep := slot.Endpoints[epIdx]
	done := ep.doneCh
	c.stopEndpointLocked(ep)
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
}

// stopEndpointLocked signals the endpoint's worker (if any) to exit after
// its in-flight backend call returns, and marks the endpoint Stopped.
// Must be called with Controller.mu held.
func (c *Controller) stopEndpointLocked(ep *Endpoint) {
	if ep.stopCh != nil {
		close(ep.stopCh)
		ep.stopCh = nil
	}
	ep.State = EndpointStateStopped
}

func (c *Controller) handleSetTRDequeuePointer(trbPointer uint64, t trb.TRB) {
	slotID := t.SlotID()
	epIdx := t.EndpointID()
	pointer := t.Parameter &^ 0xf
	cycle := t.Parameter&1 != 0

	c.mu.Lock()
	slot := c.slotOrNil(slotID)
	if slot == nil || slot.Endpoints[epIdx] == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionEndpointNotEnabledError, slotID)
		return
	}
	ep := slot.Endpoints[epIdx]
	ep.TR.SetPosition(pointer, cycle)
	ep.State = EndpointStateStopped
	c.mu.Unlock()

	c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
}

func (c *Controller) handleResetDevice(trbPointer uint64, slotID uint8) {
	c.mu.Lock()
	slot := c.slotOrNil(slotID)
	if slot == nil {
		c.mu.Unlock()
		c.completeCommand(trbPointer, trb.CompletionSlotNotEnabledError, slotID)
		return
	}
	backend := slot.Backend
	c.mu.Unlock()

	if backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultBackendTimeout)
		defer cancel()
		if err := backend.Reset(ctx); err != nil {
			c.log.WithError(err).Warn("backend Reset failed during Reset Device command")
		}
	}

	c.mu.Lock()
	slot.State = SlotStateDefault
	c.mu.Unlock()

	c.completeCommand(trbPointer, trb.CompletionSuccess, slotID)
}

func (c *Controller) slotOrNil(slotID uint8) *Slot {
	if int(slotID) == 0 || int(slotID) > len(c.slots) {
		return nil
	}
	return c.slots[slotID-1]
}
