/*
Copyright 2025 Flant JSC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/deckhouse/deckhouse/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Luytan/hybridmanager/pkg/adapters/checkpoint/file"
	"github.com/Luytan/hybridmanager/pkg/adapters/driver"
	"github.com/Luytan/hybridmanager/pkg/adapters/lock/fslock"
	"github.com/Luytan/hybridmanager/pkg/config"
	"github.com/Luytan/hybridmanager/pkg/daemon"
	"github.com/Luytan/hybridmanager/pkg/dbusapi"
	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
	"github.com/Luytan/hybridmanager/pkg/inventory"
	"github.com/Luytan/hybridmanager/pkg/logger"
	"github.com/Luytan/hybridmanager/pkg/monitoring/metrics"
	"github.com/Luytan/hybridmanager/pkg/monitoring/metrics/gpu"
	"github.com/Luytan/hybridmanager/pkg/server"
	"github.com/Luytan/hybridmanager/pkg/switcher"
	"github.com/Luytan/hybridmanager/pkg/sys/drm"
	"github.com/Luytan/hybridmanager/pkg/sys/hostinfo"
	"github.com/Luytan/hybridmanager/pkg/sys/pci"
	"github.com/Luytan/hybridmanager/pkg/sys/pciids"
	"github.com/Luytan/hybridmanager/pkg/trigger"
)

func run(ctx context.Context, configPath string, cfg config.Config, log *log.Logger) error {
	host := hostinfo.Discover("", cfg.Paths.SysRoot)
	log.Info("host discovered",
		"os", host.OSName,
		"osVersion", host.OSVersion,
		"kernel", host.KernelRelease,
		"lsm", host.LSMs,
		"iommuGroups", host.IommuGroups,
	)
	if !host.IommuEnabled() {
		log.Warn("no IOMMU groups exposed, integrated mode will be refused")
	}

	release, err := fslock.New(cfg.Paths.LockFile).TryLock()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", cfg.Paths.LockFile, err)
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn("release lock", logger.SlogErr(err))
		}
	}()

	maps, err := openMaps(cfg, host, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := maps.Close(); err != nil {
			log.Warn("close enforcement maps", logger.SlogErr(err))
		}
	}()

	pciIDPaths := pciids.DefaultPaths
	if cfg.Paths.PCIIDs != "" {
		pciIDPaths = []string{cfg.Paths.PCIIDs}
	}
	names, namesPath, err := pciids.LoadFirst(pciIDPaths)
	if err != nil {
		log.Warn("pci.ids not loaded, devices keep raw ids", logger.SlogErr(err))
	} else {
		log.Debug("pci.ids loaded", "path", namesPath)
	}

	checkpoints := file.New(cfg.Paths.StateFile)
	sw := switcher.New(switcher.Options{
		Inventory: inventory.NewScanner(pci.NewSysfsReader(cfg.Paths.SysRoot), names, cfg.Paths.DevRoot),
		Maps:      maps,
		Binder: driver.New(driver.Options{
			SysRoot:        cfg.Paths.SysRoot,
			SettleTimeout:  cfg.Switch.SettleTimeout.Std(),
			SettleInterval: cfg.Switch.SettleInterval.Std(),
		}),
		Checkpoints:    checkpoints,
		StubDriver:     cfg.Switch.StubDriver,
		UnbindSiblings: cfg.Switch.UnbindSiblings,
		SettleInterval: cfg.Switch.SettleInterval.Std(),
		Log:            log.With(logger.SlogController("switcher")),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	switches := metrics.NewSwitches()
	switches.Register(registry)

	d := daemon.New(daemon.Options{
		Switcher:    sw,
		Checkpoints: checkpoints,
		PersistMode: func(m domain.Mode) error {
			return config.PersistMode(configPath, m)
		},
		Metrics: switches,
		Log:     log.With(logger.SlogController("daemon")),
	})
	gpu.SetupCollector(d, registry, log)

	conn, err := dbusapi.Connect(cfg.DBus.Bus)
	if err != nil {
		return fmt.Errorf("connect to %s bus: %w", cfg.DBus.Bus, err)
	}
	defer conn.Close()
	if err := dbusapi.Serve(conn, dbusapi.NewObject(d, log.With(logger.SlogController("dbus")))); err != nil {
		return err
	}
	log.Info("serving on D-Bus", "bus", cfg.DBus.Bus, "name", dbusapi.BusName)

	configured, err := domain.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	devRoot := cfg.Paths.DevRoot
	if devRoot == "" {
		devRoot = drm.DefaultDevRoot
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.New(server.Config{ListenAddr: cfg.Server.HealthAddr}, d.Ready, registry, log).Run(ctx)
	}()
	go func() {
		if err := d.Start(ctx, configured); err != nil {
			log.Error("startup mode not applied", logger.SlogErr(err))
		}
		sources := []trigger.Source{
			trigger.NewUEvent(log),
			trigger.NewDevNodes(log, filepath.Join(devRoot, "dri")),
		}
		errCh <- d.Watch(ctx, sources, trigger.DefaultQuietPeriod)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// openMaps attaches the LSM program, or falls back to in-memory tables
// when enforcement is optional and the bpf LSM is not active.
func openMaps(cfg config.Config, host hostinfo.Info, log *log.Logger) (enforce.Maps, error) {
	if !host.BPFLSMEnabled() {
		if cfg.Enforcement.Required {
			return nil, fmt.Errorf("bpf LSM is not active (lsm=%v), add \"bpf\" to the lsm= boot parameter", host.LSMs)
		}
		log.Warn("bpf LSM is not active, blocked devices stay reachable")
		return enforce.NewMemoryMaps(), nil
	}
	maps, err := enforce.Open(enforce.Options{
		ObjectPath: cfg.Enforcement.ObjectPath,
		PinPath:    cfg.Enforcement.PinPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open enforcement: %w", err)
	}
	log.Info("enforcement attached", "pinPath", cfg.Enforcement.PinPath, "reused", maps.Reused)
	return maps, nil
}
