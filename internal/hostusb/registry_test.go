// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hostusb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDevicePath(t *testing.T) {
	assert := assert.New(t)

	bus, addr, err := parseDevicePath("/dev/bus/usb/002/003")
	assert.NoError(err)
	assert.Equal(2, bus)
	assert.Equal(3, addr)

	_, _, err = parseDevicePath("/not/a/usb/path")
	assert.Error(err)
}
