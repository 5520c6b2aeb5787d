// SPDX-License-Identifier: Apache-2.0

// Package config loads the updater configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"github.com/hammerd/hammerd-api-go/util/errp"
	"gopkg.in/yaml.v3"
)

// Device identifies the base and its update endpoints.
type Device struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
	// InEndpoint and OutEndpoint are discovered from the update interface if 0.
	InEndpoint  int `yaml:"in_endpoint"`
	OutEndpoint int `yaml:"out_endpoint"`
	// Bus and Port select one of several bases; -1 matches any.
	Bus  int `yaml:"bus"`
	Port int `yaml:"port"`
}

// Timeouts of single transfers.
type Timeouts struct {
	IO       time.Duration `yaml:"io"`
	Transfer time.Duration `yaml:"transfer"`
}

// Retries bound the local recovery of transient failures.
type Retries struct {
	Connect int `yaml:"connect"`
	Block   int `yaml:"block"`
	// MaxRunCount bounds the rounds of the update loop.
	MaxRunCount int `yaml:"max_run_count"`
}

// Config is the updater configuration.
type Config struct {
	Device   Device   `yaml:"device"`
	Timeouts Timeouts `yaml:"timeouts"`
	Retries  Retries  `yaml:"retries"`
	// ConnectDelay is the pause between connect attempts.
	ConnectDelay time.Duration `yaml:"connect_delay"`
	// ResetDelay is the time the base needs to reboot and enumerate again.
	ResetDelay time.Duration `yaml:"reset_delay"`
	// Image is the path of the EC image.
	Image string `yaml:"image"`
	// AllowDowngrade permits writing an RW version older than the device's.
	AllowDowngrade bool `yaml:"allow_downgrade"`
	// TracePath, if set, is the file PDU transcripts are recorded to.
	TracePath string `yaml:"trace_path"`
}

// Default returns the configuration of a hammer base.
func Default() *Config {
	return &Config{
		Device: Device{
			VendorID:  0x18d1,
			ProductID: 0x5022,
			Bus:       -1,
			Port:      -1,
		},
		Timeouts: Timeouts{
			IO:       time.Second,
			Transfer: 5 * time.Second,
		},
		Retries: Retries{
			Connect:     3,
			Block:       3,
			MaxRunCount: 10,
		},
		ConnectDelay: 100 * time.Millisecond,
		ResetDelay:   500 * time.Millisecond,
		Image:        "/lib/firmware/hammer.fw",
	}
}

// Parse parses a YAML configuration. Missing keys keep their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errp.Wrap(err, "failed to parse the configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errp.WithStack(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errp.WithMessage(err, path)
	}
	return cfg, nil
}

// Validate checks the configuration for values the updater cannot work with.
func (cfg *Config) Validate() error {
	switch {
	case cfg.Device.VendorID == 0 || cfg.Device.ProductID == 0:
		return errp.New("device: vendor_id and product_id are required")
	case cfg.Device.InEndpoint < 0 || cfg.Device.InEndpoint > 15 ||
		cfg.Device.OutEndpoint < 0 || cfg.Device.OutEndpoint > 15:
		return errp.New("device: endpoint numbers must be within [0, 15]")
	case cfg.Device.Bus < -1 || cfg.Device.Port < -1:
		return errp.New("device: bus and port must be -1 or positive")
	case cfg.Timeouts.IO <= 0 || cfg.Timeouts.Transfer <= 0:
		return errp.New("timeouts: io and transfer must be positive")
	case cfg.Retries.Connect < 0 || cfg.Retries.Block < 0:
		return errp.New("retries: must not be negative")
	case cfg.Retries.MaxRunCount <= 0:
		return errp.New("retries: max_run_count must be positive")
	case cfg.ConnectDelay < 0 || cfg.ResetDelay < 0:
		return errp.New("delays must not be negative")
	}
	return nil
}
