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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/Luytan/hybridmanager/pkg/domain"
	"github.com/Luytan/hybridmanager/pkg/enforce"
)

const (
	DefaultPath = "/etc/hybridmanager.toml"

	BusSystem  = "system"
	BusSession = "session"

	defaultSettleTimeout  = 10 * time.Second
	defaultSettleInterval = 500 * time.Millisecond
)

// Config is the daemon configuration file. Environment variables override
// values read from the file.
type Config struct {
	Mode        string      `toml:"mode" env:"HYBRIDMANAGER_MODE"`
	Paths       Paths       `toml:"paths"`
	Enforcement Enforcement `toml:"enforcement"`
	Switch      Switch      `toml:"switch"`
	Server      Server      `toml:"server"`
	DBus        DBus        `toml:"dbus"`
}

type Paths struct {
	SysRoot   string `toml:"sys_root" env:"HYBRIDMANAGER_SYS_ROOT"`
	DevRoot   string `toml:"dev_root" env:"HYBRIDMANAGER_DEV_ROOT"`
	PCIIDs    string `toml:"pci_ids" env:"HYBRIDMANAGER_PCI_IDS"`
	StateFile string `toml:"state_file" env:"HYBRIDMANAGER_STATE_FILE"`
	LockFile  string `toml:"lock_file" env:"HYBRIDMANAGER_LOCK_FILE"`
}

type Enforcement struct {
	ObjectPath string `toml:"object_path" env:"HYBRIDMANAGER_BPF_OBJECT"`
	PinPath    string `toml:"pin_path" env:"HYBRIDMANAGER_BPF_PIN_PATH"`
	// Required makes a missing bpf LSM fatal. Otherwise the daemon keeps
	// the tables in memory and enforces nothing.
	Required bool `toml:"required" env:"HYBRIDMANAGER_ENFORCEMENT_REQUIRED"`
}

type Switch struct {
	SettleTimeout  Duration `toml:"settle_timeout" env:"HYBRIDMANAGER_SETTLE_TIMEOUT"`
	SettleInterval Duration `toml:"settle_interval" env:"HYBRIDMANAGER_SETTLE_INTERVAL"`
	StubDriver     string   `toml:"stub_driver" env:"HYBRIDMANAGER_STUB_DRIVER"`
	UnbindSiblings bool     `toml:"unbind_siblings" env:"HYBRIDMANAGER_UNBIND_SIBLINGS"`
}

type Server struct {
	HealthAddr string `toml:"health_addr" env:"HYBRIDMANAGER_HEALTH_ADDR"`
}

type DBus struct {
	Bus string `toml:"bus" env:"HYBRIDMANAGER_DBUS_BUS"`
}

// Default returns the configuration written when no file exists.
func Default() Config {
	return Config{
		Mode: string(domain.ModeHybrid),
		Paths: Paths{
			SysRoot:   "/sys",
			DevRoot:   "/dev",
			StateFile: "/var/lib/hybridmanager/state.json",
			LockFile:  "/run/hybridmanager.lock",
		},
		Enforcement: Enforcement{
			ObjectPath: enforce.DefaultObjectPath,
			PinPath:    enforce.DefaultPinPath,
			Required:   true,
		},
		Switch: Switch{
			SettleTimeout:  Duration(defaultSettleTimeout),
			SettleInterval: Duration(defaultSettleInterval),
			UnbindSiblings: true,
		},
		Server: Server{HealthAddr: "127.0.0.1:9765"},
		DBus:   DBus{Bus: BusSystem},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is created with the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
	} else if err != nil {
		return Config{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c Config) Validate() error {
	if _, err := domain.ParseMode(c.Mode); err != nil {
		return err
	}
	switch c.DBus.Bus {
	case BusSystem, BusSession:
	default:
		return &domain.InvalidArgumentError{Argument: "dbus.bus", Value: c.DBus.Bus, Reason: "must be system or session"}
	}
	if c.Switch.SettleTimeout <= 0 {
		return &domain.InvalidArgumentError{Argument: "switch.settle_timeout", Value: c.Switch.SettleTimeout.String(), Reason: "must be positive"}
	}
	if c.Switch.SettleInterval <= 0 {
		return &domain.InvalidArgumentError{Argument: "switch.settle_interval", Value: c.Switch.SettleInterval.String(), Reason: "must be positive"}
	}
	if c.Paths.SysRoot == "" || c.Paths.DevRoot == "" {
		return &domain.InvalidArgumentError{Argument: "paths", Reason: "sys_root and dev_root must be set"}
	}
	return nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// PersistMode rewrites the mode key of the file at path. Other keys keep
// their file values; environment overrides are not written back.
func PersistMode(path string, m domain.Mode) error {
	if _, err := domain.ParseMode(string(m)); err != nil {
		return err
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.Mode = string(m)
	return Save(path, cfg)
}
