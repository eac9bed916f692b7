// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package controller

import (
	"github.com/kata-usb/xhcid/internal/hostusb"
	"github.com/kata-usb/xhcid/internal/ring"
)

// SlotState tracks the lifecycle of a Device Slot, mirroring the Slot
// Context Slot State field.
type SlotState uint8

const (
	SlotStateDisabledEnabled SlotState = iota // Disabled/Enabled are the same wire value (0) until addressed
	SlotStateDefault
	SlotStateAddressed
	SlotStateConfigured
)

// EndpointState mirrors the Endpoint Context Endpoint State field.
type EndpointState uint8

const (
	EndpointStateDisabled EndpointState = iota
	EndpointStateRunning
	EndpointStateHalted
	EndpointStateStopped
	EndpointStateError
)

// EndpointType mirrors the Endpoint Context Endpoint Type field.
type EndpointType uint8

const (
	EndpointTypeNotValid     EndpointType = 0
	EndpointTypeIsochOut     EndpointType = 1
	EndpointTypeBulkOut      EndpointType = 2
	EndpointTypeInterruptOut EndpointType = 3
	EndpointTypeControl      EndpointType = 4
	EndpointTypeIsochIn      EndpointType = 5
	EndpointTypeBulkIn       EndpointType = 6
	EndpointTypeInterruptIn  EndpointType = 7
)

func (t EndpointType) isIn() bool {
	switch t {
	case EndpointTypeIsochIn, EndpointTypeBulkIn, EndpointTypeInterruptIn:
		return true
	}
	return false
}

func (t EndpointType) direction() hostusb.Direction {
	if t.isIn() {
		return hostusb.DirectionIn
	}
	return hostusb.DirectionOut
}

// Endpoint is the controller's live state for one Endpoint Context: its
// transfer ring cursor, negotiated context fields, and (while Running) the
// worker goroutine that drains the ring against the host backend.
type Endpoint struct {
	Index         uint8
	Type          EndpointType
	MaxPacketSize uint16
	MaxBurstSize  uint8
	Interval      uint8
	HostAddr      uint8 // endpoint address as seen by the host backend (bit 7 = IN)

	State EndpointState
	TR    *ring.Cursor

	stopCh chan struct{}
	doneCh chan struct{}
	kickCh chan struct{}
}

// Slot is the controller's live state for one Device Slot: route/port
// binding, backend handle, and the up-to-32 endpoints a Configure Endpoint
// command may populate.
type Slot struct {
	ID         uint8
	PortNumber int
	Backend    hostusb.Backend

	State     SlotState
	Address   uint8
	Endpoints [32]*Endpoint // index 1 = EP0 (control), 2..31 = Configure Endpoint targets
}

func newSlot(id uint8) *Slot {
	return &Slot{ID: id, State: SlotStateDisabledEnabled}
}
