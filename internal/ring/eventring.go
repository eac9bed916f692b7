// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ring

import (
	"github.com/pkg/errors"

	"github.com/kata-usb/xhcid/internal/memview"
	"github.com/kata-usb/xhcid/internal/trb"
)

// erstEntrySize is the on-the-wire size of one Event Ring Segment Table
// entry: 8-byte segment base address, 4-byte segment size (in TRBs), 4
// reserved bytes.
const erstEntrySize = 16

// Segment describes one ERST-listed event-ring segment.
type Segment struct {
	Base uint64
	Size uint32 // in TRBs
}

// EventRing is the controller's producer side of one interrupter's event
// ring. The XHCI driver owns the consumer side (ERDP); this type only
// knows how to place the next event and detect when doing so would
// overrun what the driver has acknowledged.
type EventRing struct {
	mem *memview.View

	segments []Segment
	segIndex int
	index    uint32 // index within segments[segIndex]
	cycle    bool

	// stalled is set once a Host Controller Event TRB carrying
	// CompletionEventRingFullError has been written into the last free
	// slot; further Enqueue calls are refused without writing anything
	// more until the driver's ERDP write moves past that marker.
	stalled bool
}

// NewEventRing constructs an empty, unconfigured event ring.
func NewEventRing(mem *memview.View) *EventRing {
	return &EventRing{mem: mem, cycle: true}
}

// Configure loads the ERST (erstBase, numSegments entries) and resets the
// producer to the start of the first segment with cycle=1, as happens
// whenever ERSTBA/ERSTSZ are (re)programmed.
func (e *EventRing) Configure(erstBase uint64, numSegments uint16) error {
	segments := make([]Segment, 0, numSegments)
	for i := uint16(0); i < numSegments; i++ {
		addr := erstBase + uint64(i)*erstEntrySize
		var buf [erstEntrySize]byte
		if err := e.mem.Read(addr, buf[:]); err != nil {
			return errors.Wrapf(err, "ring: read ERST entry %d", i)
		}
		base := leUint64(buf[0:8])
		size := leUint32(buf[8:12])
		if size == 0 {
			continue
		}
		segments = append(segments, Segment{Base: base, Size: size})
	}
	e.segments = segments
	e.segIndex = 0
	e.index = 0
	e.cycle = true
	return nil
}

// Configured reports whether Configure has installed at least one segment.
func (e *EventRing) Configured() bool {
	return len(e.segments) > 0
}

func (e *EventRing) enqueuePointer() uint64 {
	return e.segments[e.segIndex].Base + uint64(e.index)*trb.Size
}

// linearPosition maps (segment index, in-segment index) to a position
// linear across all segments, used only to compare two positions for
// equality regardless of which segment they fall in.
func (e *EventRing) linearPosition(segIndex int, index uint32) uint64 {
	var pos uint64
	for i := 0; i < segIndex; i++ {
		pos += uint64(e.segments[i].Size)
	}
	return pos + uint64(index)
}

// findERDP locates which segment/index the guest-supplied ERDP address
// falls on. Returns ok=false if it does not land on a TRB boundary inside
// any configured segment (a misprogrammed ERDP; callers fail open, i.e.
// do not treat the ring as full).
func (e *EventRing) findERDP(erdp uint64) (segIndex int, index uint32, ok bool) {
	for i, seg := range e.segments {
		segBytes := uint64(seg.Size) * trb.Size
		if erdp < seg.Base || erdp >= seg.Base+segBytes {
			continue
		}
		off := erdp - seg.Base
		if off%trb.Size != 0 {
			return 0, 0, false
		}
		return i, uint32(off / trb.Size), true
	}
	return 0, 0, false
}

// Stalled reports whether the ring is currently refusing Enqueue calls
// because the last free slot holds an unconsumed Event Ring Full Error
// marker.
func (e *EventRing) Stalled() bool {
	return e.stalled
}

// Enqueue writes ev at the producer position with the producer cycle bit
// set, unless doing so would land exactly on the software dequeue pointer
// (erdp). In that case the ring is full: instead of silently dropping ev,
// Enqueue writes a Host Controller Event TRB carrying
// CompletionEventRingFullError into the one remaining free slot and
// stalls, reporting posted=true once for that transition. Every
// subsequent Enqueue call while stalled writes nothing and returns
// posted=false, until a later call observes (via its erdp argument) that
// the driver has moved its dequeue pointer past the marker, at which
// point the stall clears and normal production resumes.
func (e *EventRing) Enqueue(ev trb.TRB, erdp uint64) (posted bool, err error) {
	if !e.Configured() {
		return false, errors.New("ring: event ring not configured")
	}

	if e.stalled {
		if erdpSeg, erdpIdx, ok := e.findERDP(erdp); ok && e.linearPosition(erdpSeg, erdpIdx) != e.linearPosition(e.segIndex, e.index) {
			e.stalled = false
		} else {
			return false, nil
		}
	}

	nextSeg, nextIndex := e.nextPosition()
	if erdpSeg, erdpIdx, ok := e.findERDP(erdp); ok {
		if e.linearPosition(nextSeg, nextIndex) == e.linearPosition(erdpSeg, erdpIdx) {
			if err := e.postFull(); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	ev.Control = ev.Control &^ trb.ControlCycleBit
	if e.cycle {
		ev.Control |= trb.ControlCycleBit
	}
	buf := ev.Encode()
	if err := e.mem.Write(e.enqueuePointer(), buf[:]); err != nil {
		return false, errors.Wrapf(err, "ring: write event TRB at %#x", e.enqueuePointer())
	}

	e.segIndex, e.index = nextSeg, nextIndex
	if e.segIndex == 0 && e.index == 0 {
		e.cycle = !e.cycle
	}
	return true, nil
}

// postFull writes the Event Ring Full Error marker into the current
// (still-free) producer slot and advances the producer into the slot that
// would have collided with erdp, then stalls further production there.
func (e *EventRing) postFull() error {
	full := trb.TRB{
		Status:  uint32(trb.CompletionEventRingFullError) << 24,
		Control: trb.ControlWithType(trb.TypeHostControllerEvent),
	}
	if e.cycle {
		full.Control |= trb.ControlCycleBit
	}
	buf := full.Encode()
	if err := e.mem.Write(e.enqueuePointer(), buf[:]); err != nil {
		return errors.Wrapf(err, "ring: write event ring full TRB at %#x", e.enqueuePointer())
	}

	nextSeg, nextIndex := e.nextPosition()
	e.segIndex, e.index = nextSeg, nextIndex
	if e.segIndex == 0 && e.index == 0 {
		e.cycle = !e.cycle
	}
	e.stalled = true
	return nil
}

// nextPosition computes where the producer would sit after the current
// enqueue, wrapping at segment and table boundaries. A wrap back to
// segment 0 index 0 is where the producer cycle bit flips.
func (e *EventRing) nextPosition() (segIndex int, index uint32) {
	segIndex, index = e.segIndex, e.index+1
	if index >= e.segments[segIndex].Size {
		index = 0
		segIndex++
		if segIndex >= len(e.segments) {
			segIndex = 0
		}
	}
	return segIndex, index
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[:4])) | uint64(leUint32(b[4:]))<<32
}
