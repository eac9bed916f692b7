// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"net"

	"github.com/pkg/errors"
)

// Client is a minimal hotplug protocol client used by this repository's
// own tests to drive Server end-to-end. The real operator-facing client
// (`remote`) lives outside this repository's scope per SPEC_FULL.md/§1.
type Client struct {
	conn net.Conn
}

// Dial connects to a hotplug control socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.Wrap(err, "hotplug: dial")
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Attach asks the server to resolve and attach devicePath, returning the
// assigned port.
func (c *Client) Attach(devicePath string) (port int, err error) {
	req := append([]byte{byte(tagAttach)}, encodeAttachRequest(devicePath)...)
	if err := writeFrame(c.conn, req); err != nil {
		return 0, err
	}
	reply, err := readFrame(c.conn)
	if err != nil {
		return 0, err
	}
	if len(reply) < 1 {
		return 0, errors.New("hotplug: empty attach reply")
	}
	if reply[0] != statusOK {
		return 0, errors.New(decodeErrorReply(reply))
	}
	if len(reply) < 5 {
		return 0, errors.New("hotplug: truncated attach reply")
	}
	return int(uint32(reply[1]) | uint32(reply[2])<<8 | uint32(reply[3])<<16 | uint32(reply[4])<<24), nil
}

// Detach asks the server to detach the device on port.
func (c *Client) Detach(port int) error {
	req := append([]byte{byte(tagDetach)}, encodeDetachRequest(port)...)
	if err := writeFrame(c.conn, req); err != nil {
		return err
	}
	reply, err := readFrame(c.conn)
	if err != nil {
		return err
	}
	if len(reply) < 1 || reply[0] != statusOK {
		return errors.New(decodeErrorReply(reply))
	}
	return nil
}

// List asks the server for the set of currently attached devices.
func (c *Client) List() ([]DeviceInfo, error) {
	req := []byte{byte(tagList)}
	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}
	reply, err := readFrame(c.conn)
	if err != nil {
		return nil, err
	}
	if len(reply) < 1 {
		return nil, errors.New("hotplug: empty list reply")
	}
	if reply[0] != statusOK {
		return nil, errors.New(decodeErrorReply(reply))
	}
	return decodeDeviceList(reply[1:])
}
