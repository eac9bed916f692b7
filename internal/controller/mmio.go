// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import (
	"github.com/kata-usb/xhcid/internal/regs"
	"github.com/kata-usb/xhcid/internal/ring"
	"github.com/kata-usb/xhcid/internal/trb"
)

// ReadMMIO services a BAR0 read of width n (1, 2, 4 or 8 bytes) at offset
// off, as dispatched by the vfio-user REGION_READ handler. It is
// synchronous: the vfio-user I/O flow blocks on Controller.mu but never on
// a host USB backend call.
func (c *Controller) ReadMMIO(off uint32, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs.ReadRaw(off, n)
}

// WriteMMIO services a BAR0 write of len(data) bytes at offset off. Writes
// to registers with side effects (USBCMD, CRCR, doorbells, PORTSC, the
// runtime interrupter block) are interpreted here; everything else is
// stored as a raw RW field.
func (c *Controller) WriteMMIO(off uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}

	opBase := c.opBase()
	switch {
	case off == opBase+regs.USBCMD && len(data) == 4:
		c.writeUSBCMDLocked(le32(data))
	case off == opBase+regs.USBSTS && len(data) == 4:
		c.writeUSBSTSLocked(le32(data))
	case off == opBase+regs.CRCR && len(data) == 8:
		c.writeCRCRLocked(le64(data))
	case off == opBase+regs.CRCR && len(data) == 4:
		// Drivers are permitted to write CRCR as two 32-bit halves; only
		// the low dword carries RCS/CS/CA, so treat a lone low write the
		// same as a full write with the high dword left at its current
		// value.
		cur := c.regs.Read64(opBase + regs.CRCR)
		c.writeCRCRLocked((cur &^ 0xffffffff) | uint64(le32(data)))
	case off == opBase+regs.DCBAAP:
		c.regs.WriteRaw(off, data)
	case off == opBase+regs.CONFIG && len(data) == 4:
		c.regs.WriteRaw(off, data)
	case c.isPortscOffset(off) && len(data) == 4:
		c.writePORTSCLocked(off, le32(data))
	case c.isDoorbellOffset(off) && len(data) == 4:
		c.writeDoorbellLocked(off, le32(data))
	case c.isInterrupterOffset(off):
		c.writeInterrupterLocked(off, data)
	default:
		c.regs.WriteRaw(off, data)
	}
}

func (c *Controller) writeUSBCMDLocked(v uint32) {
	cur := c.regs.Read32(c.opBase() + regs.USBCMD)

	if regs.IsSet(v, regs.USBCMDHCRST) {
		c.resetLocked()
		return
	}

	runStop := regs.IsSet(v, regs.USBCMDRunStop)
	cur = regs.SetN(cur, regs.USBCMDRunStop, 1, b2u32(runStop))
	cur = regs.SetN(cur, regs.USBCMDINTE, 1, b2u32(regs.IsSet(v, regs.USBCMDINTE)))
	cur = regs.SetN(cur, regs.USBCMDHSEE, 1, b2u32(regs.IsSet(v, regs.USBCMDHSEE)))
	c.regs.Write32(c.opBase()+regs.USBCMD, cur)

	sts := c.regs.Read32(c.opBase() + regs.USBSTS)
	sts = regs.SetN(sts, regs.USBSTSHCHalted, 1, b2u32(!runStop))
	c.regs.Write32(c.opBase()+regs.USBSTS, sts)
}

func (c *Controller) writeUSBSTSLocked(v uint32) {
	cur := c.regs.Read32(c.opBase() + regs.USBSTS)
	cur = regs.ApplyRW1C(cur, v, regs.USBSTSRW1CMask)
	c.regs.Write32(c.opBase()+regs.USBSTS, cur)
}

func (c *Controller) writeCRCRLocked(v uint64) {
	if regs.IsSet(uint32(v), regs.CRCRCA) {
		c.cmdRingRunning = false
		if c.cmdRing != nil {
			ev := commandCompletionEvent(trb.CompletionCommandRingStopped, c.cmdRing.Pointer(), 0)
			if err := c.postEventLocked(ev); err != nil {
				c.log.WithError(err).Error("failed to post command ring stopped event")
			}
		}
		return
	}
	if !c.cmdRingRunning {
		pointer := v & regs.CRCRPointerMask
		cycle := v&(1<<regs.CRCRRCS) != 0
		c.cmdRing = ring.NewCursor(c.mem, pointer, cycle)
		c.cmdRingRunning = true
	}
}

func (c *Controller) isPortscOffset(off uint32) bool {
	base := c.opBase() + regs.PortRegsBase
	if off < base {
		return false
	}
	rel := off - base
	idx := rel / regs.PortRegsSize
	return rel%regs.PortRegsSize == regs.PortSCOffset && idx < uint32(len(c.ports))
}

func (c *Controller) writePORTSCLocked(off uint32, v uint32) {
	cur := c.regs.Read32(off)
	portNumber := int((off-c.opBase()-regs.PortRegsBase)/regs.PortRegsSize) + 1
	port := c.ports[portNumber-1]

	next := regs.ApplyRW1C(cur, v, regs.PORTSCRW1CMask)

	if port.Backend != nil && regs.IsSet(v, regs.PORTSCPR) && !regs.IsSet(cur, regs.PORTSCPR) {
		c.regs.Write32(off, next)
		c.beginResetLocked(port)
		return
	}
	if regs.IsSet(v, regs.PORTSCPED) {
		next = regs.Clear(next, regs.PORTSCPED)
	}
	c.regs.Write32(off, next)
}

func (c *Controller) isDoorbellOffset(off uint32) bool {
	base := c.dbBase()
	if off < base {
		return false
	}
	idx := (off - base) / regs.DoorbellStride
	return (off-base)%regs.DoorbellStride == 0 && idx <= uint32(len(c.slots))
}

func (c *Controller) writeDoorbellLocked(off uint32, v uint32) {
	idx := (off - c.dbBase()) / regs.DoorbellStride
	if idx == 0 {
		select {
		case c.cmdDoorbell <- struct{}{}:
		default:
		}
		return
	}
	slotID := uint8(idx)
	slot := c.slotOrNil(slotID)
	if slot == nil {
		return
	}
	epTarget := uint8(v & 0xff)
	ep := slot.Endpoints[epTarget]
	if ep == nil {
		return
	}
	c.ringEndpointDoorbell(slot, ep)
}

func (c *Controller) isInterrupterOffset(off uint32) bool {
	base := c.rtBase() + regs.InterrupterRegsBase
	if off < base {
		return false
	}
	idx := (off - base) / regs.InterrupterRegsSize
	return idx < uint32(len(c.interrupters))
}

func (c *Controller) writeInterrupterLocked(off uint32, data []byte) {
	base := c.rtBase() + regs.InterrupterRegsBase
	idx := (off - base) / regs.InterrupterRegsSize
	regOff := (off - base) % regs.InterrupterRegsSize
	it := c.interrupters[idx]

	switch {
	case regOff == regs.IMANOffset && len(data) == 4:
		cur := c.regs.Read32(off)
		v := le32(data)
		cur = regs.ApplyRW1C(cur, v, 1<<regs.IMANIP)
		cur = regs.SetN(cur, regs.IMANIE, 1, b2u32(regs.IsSet(v, regs.IMANIE)))
		c.regs.Write32(off, cur)
	case regOff == regs.ERSTSZOffset && len(data) == 4:
		c.regs.WriteRaw(off, data)
	case regOff == regs.ERSTBAOffset && len(data) == 8:
		c.regs.WriteRaw(off, data)
		erstba := le64(data) & regs.ERSTBAPointerMask
		numSegs := c.regs.Read32(base + idx*regs.InterrupterRegsSize + regs.ERSTSZOffset)
		if err := it.ring.Configure(erstba, uint16(numSegs)); err != nil {
			c.log.WithError(err).Error("failed to configure event ring segment table")
		}
		erdpOff := base + idx*regs.InterrupterRegsSize + regs.ERDPOffset
		c.regs.Write64(erdpOff, erstba)
	case regOff == regs.ERDPOffset && len(data) == 8:
		cur := c.regs.Read64(off)
		v := le64(data)
		next := v & regs.ERDPPointerMask
		ehb := cur & (1 << regs.ERDPEHB)
		if v&(1<<regs.ERDPEHB) != 0 {
			ehb = 0
		}
		c.regs.Write64(off, next|ehb)
	default:
		c.regs.WriteRaw(off, data)
	}
}

// resetLocked implements HCRST: stop the command ring and every endpoint
// worker, reinitialize the register file, and leave attached backends
// connected (HCRST does not detach ports on real hardware either).
func (c *Controller) resetLocked() {
	c.cmdRingRunning = false
	for _, slot := range c.slots {
		for _, ep := range slot.Endpoints {
			if ep != nil && ep.stopCh != nil {
				close(ep.stopCh)
				ep.stopCh = nil
			}
		}
		slot.State = SlotStateDisabledEnabled
		slot.Endpoints = [32]*Endpoint{}
		slot.PortNumber = 0
		slot.Backend = nil
	}
	for _, p := range c.ports {
		p.SlotID = 0
	}
	c.regs = regs.NewFile()
	c.initCapabilityRegisters()
}

func b2u32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b[:4])) | uint64(le32(b[4:]))<<32
}
