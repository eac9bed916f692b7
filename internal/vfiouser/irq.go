// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfiouser

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// msixRouter owns the per-vector eventfds DEVICE_SET_IRQS installs and
// implements controller.IRQRaiser by writing to them. A vector with no
// installed eventfd is silently skipped: the guest driver hasn't finished
// MSI-X setup yet, which is routine during early boot register probing.
// Whether MSI-X delivery is armed at all is read straight from the PCI
// config space's Enable bit rather than duplicated here, so a guest that
// flips MSI-X off and on sees the effect immediately without a second
// message round-trip.
type msixRouter struct {
	mu  sync.Mutex
	fds []int // -1 until installed

	cfg *PCIConfig
}

func newMSIXRouter(numVectors int, cfg *PCIConfig) *msixRouter {
	fds := make([]int, numVectors)
	for i := range fds {
		fds[i] = -1
	}
	return &msixRouter{fds: fds, cfg: cfg}
}

// install records fds for vectors [start, start+len(fds)), closing any
// previously installed descriptor at that index first.
func (r *msixRouter) install(start int, fds []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, fd := range fds {
		idx := start + i
		if idx < 0 || idx >= len(r.fds) {
			return errors.Errorf("vfiouser: irq vector %d out of range", idx)
		}
		if r.fds[idx] >= 0 {
			unix.Close(r.fds[idx])
		}
		r.fds[idx] = fd
	}
	return nil
}

// RaiseMSIX writes 1 to the eventfd bound to vector, if any. It satisfies
// controller.IRQRaiser.
func (r *msixRouter) RaiseMSIX(vector int) error {
	if !r.cfg.MSIXEnabled() {
		return nil
	}
	r.mu.Lock()
	if vector < 0 || vector >= len(r.fds) || r.fds[vector] < 0 {
		r.mu.Unlock()
		return nil
	}
	fd := r.fds[vector]
	r.mu.Unlock()

	var buf [8]byte
	buf[0] = 1
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return errors.Wrapf(err, "vfiouser: signal eventfd for vector %d", vector)
	}
	return nil
}

// close releases every installed eventfd.
func (r *msixRouter) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, fd := range r.fds {
		if fd >= 0 {
			unix.Close(fd)
			r.fds[i] = -1
		}
	}
}
