// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ring implements the XHCI producer/consumer-cycle ring protocol
// over guest memory: a software ring cursor for command and transfer rings
// (consumer rings, chased through Link TRBs) and an event ring producer
// (described by an Event Ring Segment Table, wrapping at segment
// boundaries instead of using Link TRBs).
package ring

import (
	"github.com/pkg/errors"

	"github.com/kata-usb/xhcid/internal/memview"
	"github.com/kata-usb/xhcid/internal/trb"
)

// Cursor walks a software (consumer) ring: the command ring, or one
// endpoint's transfer ring. It tracks the position the controller expects
// to consume from next and the cycle bit that marks "not yet consumed".
type Cursor struct {
	mem *memview.View

	segmentBase uint64
	index       uint32
	cycle       bool
}

// NewCursor creates a cursor positioned at the start of a ring segment
// with the given initial dequeue cycle state (as programmed by CRCR or Set
// TR Dequeue Pointer).
func NewCursor(mem *memview.View, dequeuePointer uint64, cycle bool) *Cursor {
	// dequeuePointer may point mid-segment (Set TR Dequeue Pointer); we
	// keep segmentBase == dequeuePointer and index 0, since segment
	// geometry is only discovered by walking Link TRBs from here.
	return &Cursor{mem: mem, segmentBase: dequeuePointer, index: 0, cycle: cycle}
}

// Pointer returns the guest address the cursor currently sits at.
func (c *Cursor) Pointer() uint64 {
	return c.segmentBase + uint64(c.index)*trb.Size
}

// Cycle returns the cursor's expected producer cycle bit.
func (c *Cursor) Cycle() bool {
	return c.cycle
}

// SetPosition reprograms the cursor, used by Set TR Dequeue Pointer.
func (c *Cursor) SetPosition(pointer uint64, cycle bool) {
	c.segmentBase = pointer
	c.index = 0
	c.cycle = cycle
}

// Peek returns the next TRB without consuming it, following Link TRBs
// transparently, or ok=false if the ring is empty (the next slot's Cycle
// bit does not match the cursor's expected value).
func (c *Cursor) Peek() (t trb.TRB, ok bool, err error) {
	for {
		var buf [trb.Size]byte
		if err := c.mem.Read(c.Pointer(), buf[:]); err != nil {
			return trb.TRB{}, false, errors.Wrapf(err, "ring: read TRB at %#x", c.Pointer())
		}
		candidate := trb.Decode(buf[:])
		if candidate.Cycle() != c.cycle {
			return trb.TRB{}, false, nil
		}
		if candidate.Type() == trb.TypeLink {
			c.segmentBase = candidate.Parameter &^ 0xf
			c.index = 0
			if candidate.ToggleCycle() {
				c.cycle = !c.cycle
			}
			continue
		}
		return candidate, true, nil
	}
}

// Advance moves past the TRB last returned by Peek. Link TRBs are chased
// here too: after stepping, any Link TRB at the new position whose Cycle
// bit matches is followed, so Pointer names the next TRB to consume and a
// caller that only ever calls Peek then Advance never observes a Link TRB
// directly.
func (c *Cursor) Advance() error {
	stepped := false
	for {
		var buf [trb.Size]byte
		if err := c.mem.Read(c.Pointer(), buf[:]); err != nil {
			if stepped {
				return nil // left for the next Peek to report
			}
			return errors.Wrapf(err, "ring: read TRB at %#x", c.Pointer())
		}
		candidate := trb.Decode(buf[:])
		if candidate.Type() == trb.TypeLink && (!stepped || candidate.Cycle() == c.cycle) {
			c.segmentBase = candidate.Parameter &^ 0xf
			c.index = 0
			if candidate.ToggleCycle() {
				c.cycle = !c.cycle
			}
			continue
		}
		if stepped {
			return nil
		}
		c.index++
		stepped = true
	}
}
