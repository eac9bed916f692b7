// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kata-usb/xhcid/internal/hostusb"
	"github.com/kata-usb/xhcid/internal/memview"
	"github.com/kata-usb/xhcid/internal/regs"
	"github.com/kata-usb/xhcid/internal/trb"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return logrus.NewEntry(l)
}

// newTestMem builds a memview.View with one region backing the guest
// address space tests write TRBs and contexts into.
func newTestMem(t *testing.T, size int) (*memview.View, uint64) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "guestmem")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	defer f.Close()

	mem := memview.New()
	const base = uint64(0x100000)
	_, err = mem.InstallRegion(base, uint64(size), int(f.Fd()), 0, unix.PROT_READ|unix.PROT_WRITE)
	require.NoError(t, err)
	return mem, base
}

type fakeIRQ struct {
	raised chan int
}

func newFakeIRQ() *fakeIRQ { return &fakeIRQ{raised: make(chan int, 16)} }

func (f *fakeIRQ) RaiseMSIX(vector int) error {
	f.raised <- vector
	return nil
}

func newTestController(t *testing.T) (*Controller, *memview.View, uint64, *fakeIRQ) {
	t.Helper()
	mem, base := newTestMem(t, 1<<20)
	irq := newFakeIRQ()
	c := New(testLogger(), mem, irq)
	t.Cleanup(c.Close)
	return c, mem, base, irq
}

func writeTRBAt(t *testing.T, mem *memview.View, addr uint64, tr trb.TRB) {
	t.Helper()
	buf := tr.Encode()
	require.NoError(t, mem.Write(addr, buf[:]))
}

// eventConsumer mimics the minimal work a real xHCI driver does to drain
// interrupter 0's event ring: it knows the single segment's base address
// and its own read position, and bumps ERDP after each event it consumes.
type eventConsumer struct {
	c       *Controller
	segBase uint64
	index   uint32
}

func newEventConsumer(t *testing.T, c *Controller, mem *memview.View, segBase uint64, numEntries uint16) *eventConsumer {
	t.Helper()
	erstAddr := segBase - 0x1000
	var erstEntry [16]byte
	le.PutUint64(erstEntry[0:8], segBase)
	le.PutUint32(erstEntry[8:12], uint32(numEntries))
	require.NoError(t, mem.Write(erstAddr, erstEntry[:]))

	rt := c.rtBase() + regs.InterrupterRegsBase
	c.WriteMMIO(rt+regs.ERSTSZOffset, []byte{1, 0, 0, 0})
	c.WriteMMIO(rt+regs.ERSTBAOffset, u64le(erstAddr))

	return &eventConsumer{c: c, segBase: segBase}
}

func (ec *eventConsumer) wait(t *testing.T) trb.TRB {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	addr := ec.segBase + uint64(ec.index)*trb.Size
	for time.Now().Before(deadline) {
		var buf [trb.Size]byte
		require.NoError(t, ec.c.mem.Read(addr, buf[:]))
		ev := trb.Decode(buf[:])
		if ev.Control != 0 || ev.Status != 0 || ev.Parameter != 0 {
			ec.index++
			rt := ec.c.rtBase() + regs.InterrupterRegsBase
			ec.c.WriteMMIO(rt+regs.ERDPOffset, u64le(ec.segBase+uint64(ec.index)*trb.Size))
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for event TRB")
	return trb.TRB{}
}

func TestCapabilityRegistersReportBaselineLimits(t *testing.T) {
	assert := assert.New(t)
	c, _, _, _ := newTestController(t)

	hcsparams1 := le32(c.ReadMMIO(regs.HCSPARAMS1, 4))
	assert.Equal(uint32(regs.MaxSlots), regs.Get(hcsparams1, regs.HCSPARAMS1MaxSlotsPos, regs.HCSPARAMS1MaxSlotsMask))
	assert.Equal(uint32(regs.MaxPorts), regs.Get(hcsparams1, regs.HCSPARAMS1MaxPortsPos, regs.HCSPARAMS1MaxPortsMask))

	caplen := c.ReadMMIO(regs.CAPLENGTH, 1)[0]
	assert.Equal(uint8(regs.CapabilityRegsSize), caplen)
}

func TestAttachAndDetachDeviceRaisesPortStatusChange(t *testing.T) {
	assert := assert.New(t)
	c, _, _, irq := newTestController(t)

	// Enable interrupts on interrupter 0 so MSI-X actually fires.
	c.WriteMMIO(c.rtBase()+regs.InterrupterRegsBase+regs.IMANOffset, []byte{1 << regs.IMANIE, 0, 0, 0})

	lb := hostusb.NewLoopback("/dev/bus/usb/001/002")
	lb.DevSpeed = hostusb.SpeedHigh
	require.NoError(t, c.AttachDevice(1, lb))

	attached, speed, ok := c.PortStatus(1)
	assert.True(ok)
	assert.True(attached)
	assert.Equal(hostusb.SpeedHigh, speed)

	portsc := le32(c.ReadMMIO(portscOffset(c.opBase(), 1), 4))
	assert.True(regs.IsSet(portsc, regs.PORTSCCCS))
	assert.True(regs.IsSet(portsc, regs.PORTSCCSC))

	require.NoError(t, c.DetachDevice(1))
	attached, _, _ = c.PortStatus(1)
	assert.False(attached)
}

func TestEnableSlotAndAddressDeviceCompletesWithSuccess(t *testing.T) {
	assert := assert.New(t)
	c, mem, base, _ := newTestController(t)

	lb := hostusb.NewLoopback("/dev/bus/usb/001/003")
	lb.DevSpeed = hostusb.SpeedSuper
	require.NoError(t, c.AttachDevice(1, lb))

	ec := newEventConsumer(t, c, mem, base+0x3000, 16)

	// Install a DCBAA and one Device Context slot entry.
	dcbaaAddr := base + 0x1000
	devCtxAddr := base + 0x2000
	var dcbaaEntry [8]byte
	le.PutUint64(dcbaaEntry[:], devCtxAddr)
	require.NoError(t, mem.Write(dcbaaAddr+1*dcbaaEntrySize, dcbaaEntry[:]))
	c.WriteMMIO(c.opBase()+regs.DCBAAP, u64le(dcbaaAddr))

	// Install a command ring with one Enable Slot command TRB.
	cmdRingAddr := base + 0x4000
	enableSlot := trb.TRB{Control: trb.ControlWithType(trb.TypeEnableSlotCommand) | trb.ControlCycleBit}
	writeTRBAt(t, mem, cmdRingAddr, enableSlot)
	c.WriteMMIO(c.opBase()+regs.CRCR, u64le(cmdRingAddr|1)) // RCS=1

	c.WriteMMIO(c.dbBase()+0, []byte{0, 0, 0, 0})

	ev := ec.wait(t)
	require.Equal(t, trb.TypeCommandCompletionEvent, ev.Type())
	require.Equal(t, trb.CompletionSuccess, ev.CompletionCode())
	slotID := ev.SlotID()
	assert.NotZero(slotID)

	// Build an Input Context: control context with AddFlags bits 0,1 set,
	// slot context with RootHubPortNum=1, EP0 context with MaxPacketSize.
	inputCtxAddr := base + 0x5000
	icBuf := make([]byte, InputContextSize)
	le.PutUint32(icBuf[4:8], 0x3) // AddFlags bit0 (slot) | bit1 (EP0)
	sc := SlotContext{RootHubPortNum: 1, ContextEntries: 1}
	copy(icBuf[ContextSize:2*ContextSize], encodeSlotContext(sc))
	ep0 := EndpointContext{MaxPacketSize: 64, DequeuePointer: base + 0x6000, DequeueCycleState: true}
	copy(icBuf[2*ContextSize:3*ContextSize], encodeEndpointContext(ep0))
	require.NoError(t, mem.Write(inputCtxAddr, icBuf))

	addrDev := trb.TRB{
		Parameter: inputCtxAddr,
		Control:   trb.ControlWithType(trb.TypeAddressDeviceCommand) | trb.ControlCycleBit | uint32(slotID)<<24,
	}
	writeTRBAt(t, mem, cmdRingAddr+trb.Size, addrDev)
	c.WriteMMIO(c.dbBase()+0, []byte{0, 0, 0, 0})

	ev2 := ec.wait(t)
	assert.Equal(trb.TypeCommandCompletionEvent, ev2.Type())
	assert.Equal(trb.CompletionSuccess, ev2.CompletionCode())
}

var le = littleEndian{}

type littleEndian struct{}

func (littleEndian) PutUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func (littleEndian) PutUint64(b []byte, v uint64) {
	le.PutUint32(b[0:4], uint32(v))
	le.PutUint32(b[4:8], uint32(v>>32))
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	le.PutUint64(b, v)
	return b
}
