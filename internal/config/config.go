// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the run options for a coverage collection run
// and loads them from a YAML file with PATROLCOV_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"grimm.is/patrolcov/internal/errors"
)

// Default values applied by Load when the file leaves them unset.
const (
	DefaultHost       = "localhost"
	DefaultPort       = 8081
	DefaultDriverPath = "test_driver/integration_test.dart"
	DefaultTargetPath = "integration_test/test_bundle.dart"
)

// Config holds all options for one coverage collection run.
type Config struct {
	// Platform is the device platform family: android, ios, macos or linux.
	Platform string `yaml:"platform"`
	// DeviceID is passed to the driving tool as --device-id when set.
	DeviceID string `yaml:"device_id"`
	// Flavor is passed to the driving tool as --flavor when set.
	Flavor string `yaml:"flavor"`

	// TargetPackage is the Dart package whose coverage is collected.
	TargetPackage string `yaml:"target_package"`
	// PackageRoot is the directory containing the target package's pubspec.
	PackageRoot string `yaml:"package_root"`
	// IgnoreGlobs excludes matching source paths from the report.
	IgnoreGlobs []string `yaml:"ignore_globs"`

	// DriverPath and TargetPath are handed to the driving tool verbatim.
	DriverPath string `yaml:"driver_path"`
	TargetPath string `yaml:"target_path"`

	// Defines become --dart-define pairs and environment variables of the
	// driving subprocess. Keys and values are validated by the driver.
	Defines map[string]string `yaml:"defines"`

	// Host and Port are exported to the driving subprocess as the test
	// server endpoint overrides.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// LogLevel sets the logger verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with all defaults applied and no platform set.
func Default() Config {
	return Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		DriverPath:  DefaultDriverPath,
		TargetPath:  DefaultTargetPath,
		LogLevel:    "info",
		PackageRoot: ".",
	}
}

// Load reads a YAML config file, applies defaults for unset fields and
// overlays PATROLCOV_* environment variables. A missing file is not an
// error; the result is the default config plus the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, errors.KindValidation, "reading config %s", path)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "parsing config %s", path)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DriverPath == "" {
		c.DriverPath = DefaultDriverPath
	}
	if c.TargetPath == "" {
		c.TargetPath = DefaultTargetPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PackageRoot == "" {
		c.PackageRoot = "."
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PATROLCOV_PLATFORM"); v != "" {
		c.Platform = v
	}
	if v := os.Getenv("PATROLCOV_DEVICE_ID"); v != "" {
		c.DeviceID = v
	}
	if v := os.Getenv("PATROLCOV_FLAVOR"); v != "" {
		c.Flavor = v
	}
	if v := os.Getenv("PATROLCOV_TARGET_PACKAGE"); v != "" {
		c.TargetPackage = v
	}
	if v := os.Getenv("PATROLCOV_PACKAGE_ROOT"); v != "" {
		c.PackageRoot = v
	}
	if v := os.Getenv("PATROLCOV_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PATROLCOV_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("PATROLCOV_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks that required fields are present and coherent.
func (c *Config) Validate() error {
	if c.Platform == "" {
		return errors.New(errors.KindValidation, "platform is required")
	}
	if c.TargetPackage == "" {
		return errors.New(errors.KindValidation, "target_package is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf(errors.KindValidation, "port %d out of range", c.Port)
	}
	return nil
}

// String renders the config for debug logging, defines elided to a count.
func (c *Config) String() string {
	return fmt.Sprintf("platform=%s device=%s package=%s defines=%d",
		c.Platform, c.DeviceID, c.TargetPackage, len(c.Defines))
}
