// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config parses the daemon's command-line surface into a typed
// Config, per the CLI described in SPEC_FULL.md/§6: a vfio-user socket
// path, an optional hotplug control socket path, devices to attach at
// startup, and log verbosity.
package config

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// Config is the parsed, validated command-line surface for cmd/xhcid.
type Config struct {
	SocketPath        string
	HotplugSocketPath string
	Devices           []string
	Verbosity         int // 0 = warn, 1 = info (-v), 2 = debug (-vv)
}

// Flags is the global flag set registered on the cli.App.
var Flags = []cli.Flag{
	cli.StringFlag{
		Name:  "socket-path",
		Usage: "path of the vfio-user socket the VMM connects to (required)",
	},
	cli.StringFlag{
		Name:  "hotplug-socket-path",
		Usage: "path of the local hotplug control socket (disabled if unset)",
	},
	cli.StringSliceFlag{
		Name:  "device",
		Usage: "host USB device path to attach at startup (repeatable)",
	},
	cli.BoolFlag{
		Name:  "v",
		Usage: "enable info-level logging",
	},
	cli.BoolFlag{
		Name:  "vv",
		Usage: "enable debug-level logging",
	},
}

// FromContext builds and validates a Config from a parsed cli.Context.
func FromContext(c *cli.Context) (Config, error) {
	cfg := Config{
		SocketPath:        c.GlobalString("socket-path"),
		HotplugSocketPath: c.GlobalString("hotplug-socket-path"),
		Devices:           c.GlobalStringSlice("device"),
	}

	if cfg.SocketPath == "" {
		return Config{}, errors.New("config: --socket-path is required")
	}

	switch {
	case c.GlobalBool("vv"):
		cfg.Verbosity = 2
	case c.GlobalBool("v"):
		cfg.Verbosity = 1
	}

	return cfg, nil
}
