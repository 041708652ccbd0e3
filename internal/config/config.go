// Package config loads the YAML machine description that tells cmd/rvm what
// to boot: how much RAM and how many harts to give the machine, and which
// kernel/disk images to load.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultConfigFilename = "rvm.yml"

// Config describes one machine instance.
type Config struct {
	// RAMSize is the guest RAM size in bytes. Defaults to 128MiB.
	RAMSize uint64 `yaml:"ram_size"`
	// Harts is the number of harts to create. Defaults to 1.
	Harts int `yaml:"harts"`

	// Kernel is the path to the kernel image (raw or ELF64 RISC-V).
	Kernel string `yaml:"kernel"`
	// Disk is the path to a disk image exposed as a legacy virtio-blk
	// device. Optional; the disk is left unattached if empty.
	Disk string `yaml:"disk"`

	// Net enables a virtio-net device backed by the userspace netstack.
	Net bool `yaml:"net"`
	// MAC is the guest's virtio-net hardware address, formatted as
	// "aa:bb:cc:dd:ee:ff". Defaults to a fixed locally-administered address
	// if Net is enabled and MAC is empty.
	MAC string `yaml:"mac"`
}

const (
	defaultRAMSize = 128 << 20
	defaultHarts   = 1
	defaultMAC     = "52:54:00:12:34:56"
)

// Default returns a Config with every field at its default value.
func Default() Config {
	return Config{
		RAMSize: defaultRAMSize,
		Harts:   defaultHarts,
		MAC:     defaultMAC,
	}
}

// Load reads and parses a machine config file, filling in defaults for
// anything the file leaves unset. Returns Default() unchanged if path
// doesn't exist.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = defaultConfigFilename
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("no machine config found, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.RAMSize == 0 {
		cfg.RAMSize = defaultRAMSize
	}
	if cfg.Harts == 0 {
		cfg.Harts = defaultHarts
	}
	if cfg.Net && cfg.MAC == "" {
		cfg.MAC = defaultMAC
	}

	slog.Info("loaded machine config", "path", path, "ram_size", cfg.RAMSize, "harts", cfg.Harts)
	return cfg, nil
}
