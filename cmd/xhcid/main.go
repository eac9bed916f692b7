// Copyright (c) 2025 The xhcid authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/kata-usb/xhcid/internal/config"
	"github.com/kata-usb/xhcid/internal/controller"
	"github.com/kata-usb/xhcid/internal/hostusb"
	"github.com/kata-usb/xhcid/internal/hotplug"
	"github.com/kata-usb/xhcid/internal/memview"
	"github.com/kata-usb/xhcid/internal/vfiouser"
)

const name = "xhcid"

// xhcidLog is the root logger; every package below is handed a derived
// *logrus.Entry rather than the global logrus logger, so field scoping
// survives regardless of what else shares the process.
var xhcidLog = logrus.WithFields(logrus.Fields{
	"name": name,
	"pid":  os.Getpid(),
})

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "a user-space XHCI host controller backed by real host USB devices"
	app.Flags = config.Flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		xhcidLog.WithError(err).Error("fatal")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	switch cfg.Verbosity {
	case 1:
		xhcidLog.Logger.SetLevel(logrus.InfoLevel)
	case 2:
		xhcidLog.Logger.SetLevel(logrus.DebugLevel)
	default:
		xhcidLog.Logger.SetLevel(logrus.WarnLevel)
	}

	mem := memview.New()
	adapter := vfiouser.NewAdapter(vfiouser.DefaultVendorID, vfiouser.DefaultDeviceID)
	ctrl := controller.New(xhcidLog.WithField("component", "controller"), mem, adapter.IRQRaiser())
	vfioSrv := adapter.NewServer(xhcidLog.WithField("component", "vfiouser"), cfg.SocketPath, ctrl, mem)

	registry, err := hostusb.NewRegistry(xhcidLog.WithField("component", "hostusb"))
	if err != nil {
		return errors.Wrap(err, "xhcid: open host USB registry")
	}
	defer registry.Close()

	var hotplugSrv *hotplug.Server
	if cfg.HotplugSocketPath != "" {
		hotplugSrv = hotplug.NewServer(xhcidLog.WithField("component", "hotplug"), cfg.HotplugSocketPath, ctrl, registry)
	}

	if err := attachStartupDevices(ctrl, registry, cfg.Devices); err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(vfioSrv.ListenAndServe)
	if hotplugSrv != nil {
		g.Go(hotplugSrv.ListenAndServe)
	}

	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "xhcid: serving flow exited with error")
	}
	return nil
}

// attachStartupDevices resolves and attaches every --device flag to the
// first free port, in the order given. A failure part-way through tears
// down everything already attached before returning, aggregating any
// teardown errors alongside the original failure.
func attachStartupDevices(ctrl *controller.Controller, registry *hostusb.Registry, paths []string) error {
	var attachedPorts []int
	for _, path := range paths {
		port, ok := firstFreePort(ctrl, attachedPorts)
		if !ok {
			return rollback(ctrl, attachedPorts, errors.Errorf("xhcid: no free port for startup device %s", path))
		}
		backend, err := registry.Resolve(path, nil)
		if err != nil {
			return rollback(ctrl, attachedPorts, errors.Wrapf(err, "xhcid: resolve startup device %s", path))
		}
		if err := ctrl.AttachDevice(port, backend); err != nil {
			backend.Close()
			return rollback(ctrl, attachedPorts, errors.Wrapf(err, "xhcid: attach startup device %s", path))
		}
		attachedPorts = append(attachedPorts, port)
		xhcidLog.WithFields(logrus.Fields{"device": path, "port": port}).Info("attached startup device")
	}
	return nil
}

func firstFreePort(ctrl *controller.Controller, taken []int) (int, bool) {
	isTaken := make(map[int]bool, len(taken))
	for _, p := range taken {
		isTaken[p] = true
	}
	for p := 1; p <= ctrl.NumPorts(); p++ {
		if isTaken[p] {
			continue
		}
		if attached, _, ok := ctrl.PortStatus(p); ok && !attached {
			return p, true
		}
	}
	return 0, false
}

func rollback(ctrl *controller.Controller, ports []int, cause error) error {
	var result *multierror.Error
	result = multierror.Append(result, cause)
	for _, p := range ports {
		if err := ctrl.DetachDevice(p); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "xhcid: rollback detach port %d", p))
		}
	}
	return result.ErrorOrNil()
}
