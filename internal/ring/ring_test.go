// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package ring

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/kata-usb/xhcid/internal/memview"
	"github.com/kata-usb/xhcid/internal/trb"
)

func newView(t *testing.T, size int) (*memview.View, uint64) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ring-*")
	assert.NoError(t, err)
	assert.NoError(t, f.Truncate(int64(size)))
	t.Cleanup(func() { f.Close() })

	v := memview.New()
	const base = 0x10000
	_, err = v.InstallRegion(base, uint64(size), int(f.Fd()), 0, unix.PROT_READ|unix.PROT_WRITE)
	assert.NoError(t, err)
	return v, base
}

func writeTRB(t *testing.T, mem *memview.View, addr uint64, tr trb.TRB) {
	t.Helper()
	buf := tr.Encode()
	assert.NoError(t, mem.Write(addr, buf[:]))
}

func TestCursorPeekEmptyRing(t *testing.T) {
	mem, base := newView(t, 4096)
	c := NewCursor(mem, base, true)
	_, ok, err := c.Peek()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorConsumesTRBsInOrder(t *testing.T) {
	mem, base := newView(t, 4096)

	writeTRB(t, mem, base+0*trb.Size, trb.TRB{Control: trb.ControlCycleBit | trb.ControlWithType(trb.TypeNormal), Status: 1})
	writeTRB(t, mem, base+1*trb.Size, trb.TRB{Control: trb.ControlCycleBit | trb.ControlWithType(trb.TypeNormal), Status: 2})

	c := NewCursor(mem, base, true)

	first, ok, err := c.Peek()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, first.TransferLength())
	assert.NoError(t, c.Advance())

	second, ok, err := c.Peek()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 2, second.TransferLength())
	assert.NoError(t, c.Advance())

	_, ok, err = c.Peek()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorFollowsLinkAndTogglesCycle(t *testing.T) {
	mem, base := newView(t, 8192)
	segA := base
	segB := base + 4096

	// segA: one Normal TRB then a Link TRB (toggle cycle) to segB.
	writeTRB(t, mem, segA+0*trb.Size, trb.TRB{Control: trb.ControlCycleBit | trb.ControlWithType(trb.TypeNormal)})
	linkCtl := trb.ControlCycleBit | trb.ControlWithType(trb.TypeLink) | trb.ControlTC
	writeTRB(t, mem, segA+1*trb.Size, trb.TRB{Parameter: segB, Control: linkCtl})
	// segB: one Normal TRB with the toggled (cleared) cycle bit.
	writeTRB(t, mem, segB+0*trb.Size, trb.TRB{Control: trb.ControlWithType(trb.TypeNormal)})

	c := NewCursor(mem, segA, true)
	_, ok, err := c.Peek()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, c.Advance())

	// cursor should have chased the Link TRB into segB and flipped cycle.
	assert.Equal(t, segB, c.Pointer())
	assert.False(t, c.Cycle())

	_, ok, err = c.Peek()
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestEventRingEnqueueWrapsAndFlipsCycle(t *testing.T) {
	mem, base := newView(t, 4096)
	segBase := base + 256
	const segSize = 4

	// ERST with a single 4-entry segment.
	erstBase := base
	putLE64 := func(addr uint64, v uint64) {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		assert.NoError(t, mem.Write(addr, b[:]))
	}
	assert.NoError(t, mem.Write32(erstBase+8, segSize))
	putLE64(erstBase, segBase)

	er := NewEventRing(mem)
	assert.NoError(t, er.Configure(erstBase, 1))

	erdp := segBase // driver hasn't consumed anything yet

	// a 4-slot segment holds 3 ordinary events: the fourth slot only ever
	// takes the Event Ring Full marker, so the producer never lands on the
	// dequeue pointer and full and empty (enqueue == dequeue) stay distinct.
	posted, err := er.Enqueue(trb.TRB{Status: 0xAA}, erdp)
	assert.NoError(t, err)
	assert.True(t, posted)
	assert.False(t, er.Stalled())

	first := trb.Decode(mustRead(t, mem, segBase, trb.Size))
	assert.True(t, first.Cycle())

	posted, err = er.Enqueue(trb.TRB{Status: 0xBB}, erdp)
	assert.NoError(t, err)
	assert.True(t, posted)
	assert.False(t, er.Stalled())

	posted, err = er.Enqueue(trb.TRB{Status: 0xCC}, erdp)
	assert.NoError(t, err)
	assert.True(t, posted)
	assert.False(t, er.Stalled())

	// next enqueue would wrap back to (segIndex 0, index 0), colliding
	// with the still-unconsumed erdp: ring full. Instead of a silent
	// drop, the last free slot gets an Event Ring Full Error marker and
	// the ring stalls.
	posted, err = er.Enqueue(trb.TRB{Status: 0xDD}, erdp)
	assert.NoError(t, err)
	assert.True(t, posted)
	assert.True(t, er.Stalled())

	full := trb.Decode(mustRead(t, mem, segBase+3*trb.Size, trb.Size))
	assert.Equal(t, trb.TypeHostControllerEvent, full.Type())
	assert.Equal(t, trb.CompletionEventRingFullError, full.CompletionCode())

	// while the driver hasn't moved ERDP at all, the ring stays stalled
	// and refuses to write anything further.
	posted, err = er.Enqueue(trb.TRB{Status: 0xEE}, erdp)
	assert.NoError(t, err)
	assert.False(t, posted)
	assert.True(t, er.Stalled())

	// once the driver drains all three events and advances ERDP up to the
	// marker, a slot reopens and the stall clears.
	erdp = segBase + 3*trb.Size
	posted, err = er.Enqueue(trb.TRB{Status: 0xFF}, erdp)
	assert.NoError(t, err)
	assert.True(t, posted)
	assert.False(t, er.Stalled())

	// the marker wrapped the producer back to the segment start, so the
	// event written there now carries the flipped (cleared) cycle bit.
	wrapped := trb.Decode(mustRead(t, mem, segBase, trb.Size))
	assert.False(t, wrapped.Cycle())
}

func mustRead(t *testing.T, mem *memview.View, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	assert.NoError(t, mem.Read(addr, buf))
	return buf
}
