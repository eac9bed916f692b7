// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package memview implements the guest-memory address space the vfio-user
// adapter exposes to the controller: a set of non-overlapping guest
// physical address ranges, each backed by a host mapping of a VMM-supplied
// file descriptor, installed and removed as DMA_MAP/DMA_UNMAP messages
// arrive.
package memview

import (
	"sort"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrUnmappedAccess is returned when a read or write touches any byte
// outside the currently installed regions. Accesses never partially
// succeed: either every byte of the request is serviced or none is.
var ErrUnmappedAccess = errors.New("memview: access to unmapped guest memory")

// ErrOverlap is returned by InstallRegion when the requested range
// overlaps an already-installed region.
var ErrOverlap = errors.New("memview: region overlaps an existing mapping")

// Region describes one installed guest-memory mapping.
type Region struct {
	GuestAddr uint64
	Size      uint64
	FD        int
	FDOffset  int64

	data []byte
}

func (r *Region) contains(addr uint64) bool {
	return addr >= r.GuestAddr && addr < r.GuestAddr+r.Size
}

func (r *Region) slice(addr, size uint64) ([]byte, bool) {
	if addr < r.GuestAddr {
		return nil, false
	}
	off := addr - r.GuestAddr
	if off+size > r.Size {
		return nil, false
	}
	return r.data[off : off+size], true
}

// View is the address-translation front for guest physical memory. The
// fast path (Read/Write) takes no lock: installation and removal swap in a
// freshly built, sorted snapshot of the region table, so a concurrent
// accessor either sees the table from before or after the mutation, never
// a half-updated one.
type View struct {
	regions atomic.Pointer[[]*Region]
}

// New returns an empty guest-memory view.
func New() *View {
	v := &View{}
	empty := make([]*Region, 0)
	v.regions.Store(&empty)
	return v
}

// InstallRegion mmaps fd at fdOffset for size bytes and publishes it at
// guestAddr. prot is an mmap PROT_* mask.
func (v *View) InstallRegion(guestAddr, size uint64, fd int, fdOffset int64, prot int) (*Region, error) {
	if size == 0 {
		return nil, errors.New("memview: zero-length region")
	}

	data, err := unix.Mmap(fd, fdOffset, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "memview: mmap")
	}

	region := &Region{
		GuestAddr: guestAddr,
		Size:      size,
		FD:        fd,
		FDOffset:  fdOffset,
		data:      data,
	}

	for {
		old := *v.regions.Load()
		for _, r := range old {
			if overlaps(r.GuestAddr, r.Size, guestAddr, size) {
				unix.Munmap(data)
				return nil, errors.Wrapf(ErrOverlap, "new=[%#x,%#x) existing=[%#x,%#x)",
					guestAddr, guestAddr+size, r.GuestAddr, r.GuestAddr+r.Size)
			}
		}
		next := make([]*Region, len(old)+1)
		copy(next, old)
		next[len(old)] = region
		sort.Slice(next, func(i, j int) bool { return next[i].GuestAddr < next[j].GuestAddr })
		if v.swap(old, next) {
			return region, nil
		}
	}
}

// RemoveRegion unmaps and removes the region previously installed at
// exactly (guestAddr, size).
func (v *View) RemoveRegion(guestAddr, size uint64) error {
	for {
		old := *v.regions.Load()
		idx := -1
		for i, r := range old {
			if r.GuestAddr == guestAddr && r.Size == size {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.Wrapf(ErrUnmappedAccess, "remove [%#x,%#x)", guestAddr, guestAddr+size)
		}
		next := make([]*Region, 0, len(old)-1)
		next = append(next, old[:idx]...)
		next = append(next, old[idx+1:]...)
		if v.swap(old, next) {
			return unix.Munmap(old[idx].data)
		}
	}
}

// swap performs the pointer-swap install/remove; callers loop on failure
// (a concurrent mutator won the race) and retry against the new snapshot.
func (v *View) swap(old, next []*Region) bool {
	cur := v.regions.Load()
	if len(*cur) != len(old) || (len(old) > 0 && &(*cur)[0] != &old[0]) {
		return false
	}
	return v.regions.CompareAndSwap(cur, &next)
}

func overlaps(aAddr, aSize, bAddr, bSize uint64) bool {
	return aAddr < bAddr+bSize && bAddr < aAddr+aSize
}

func (v *View) find(addr uint64) *Region {
	regions := *v.regions.Load()
	// regions is sorted by GuestAddr; linear scan is fine at baseline
	// region counts (single digits to low tens per device).
	for _, r := range regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// Read copies len(buf) bytes starting at guestAddr into buf. The access
// must lie entirely within one installed region.
func (v *View) Read(guestAddr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	r := v.find(guestAddr)
	if r == nil {
		return errors.Wrapf(ErrUnmappedAccess, "read at %#x len %d", guestAddr, len(buf))
	}
	src, ok := r.slice(guestAddr, uint64(len(buf)))
	if !ok {
		return errors.Wrapf(ErrUnmappedAccess, "read at %#x len %d crosses region boundary", guestAddr, len(buf))
	}
	copy(buf, src)
	return nil
}

// Write copies buf to guest memory starting at guestAddr.
func (v *View) Write(guestAddr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	r := v.find(guestAddr)
	if r == nil {
		return errors.Wrapf(ErrUnmappedAccess, "write at %#x len %d", guestAddr, len(buf))
	}
	dst, ok := r.slice(guestAddr, uint64(len(buf)))
	if !ok {
		return errors.Wrapf(ErrUnmappedAccess, "write at %#x len %d crosses region boundary", guestAddr, len(buf))
	}
	copy(dst, buf)
	return nil
}

// Read32 and Read64 read little-endian scalars; Write32 and Write64 write
// them. TRB and context structures are entirely little-endian fixed-width
// fields, so the ring and controller code builds on these instead of a
// generic Pod marshaller.
func (v *View) Read32(guestAddr uint64) (uint32, error) {
	var buf [4]byte
	if err := v.Read(guestAddr, buf[:]); err != nil {
		return 0, err
	}
	return leUint32(buf[:]), nil
}

func (v *View) Write32(guestAddr uint64, val uint32) error {
	var buf [4]byte
	putLEUint32(buf[:], val)
	return v.Write(guestAddr, buf[:])
}

func (v *View) Read64(guestAddr uint64) (uint64, error) {
	var buf [8]byte
	if err := v.Read(guestAddr, buf[:]); err != nil {
		return 0, err
	}
	return leUint64(buf[:]), nil
}

func (v *View) Write64(guestAddr uint64, val uint64) error {
	var buf [8]byte
	putLEUint64(buf[:], val)
	return v.Write(guestAddr, buf[:])
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[:4])) | uint64(leUint32(b[4:]))<<32
}

func putLEUint64(b []byte, v uint64) {
	putLEUint32(b[:4], uint32(v))
	putLEUint32(b[4:], uint32(v>>32))
}

// Regions returns a snapshot of the currently installed regions, for
// diagnostics and reset.
func (v *View) Regions() []*Region {
	old := *v.regions.Load()
	out := make([]*Region, len(old))
	copy(out, old)
	return out
}

// Reset unmaps every installed region. Used on device reset.
func (v *View) Reset() error {
	old := *v.regions.Load()
	empty := make([]*Region, 0)
	if !v.swap(old, empty) {
		return errors.New("memview: concurrent reset")
	}
	var errs *multierror.Error
	for _, r := range old {
		if err := unix.Munmap(r.data); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
