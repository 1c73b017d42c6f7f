// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the patrolcov subcommands.
package cmd

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"grimm.is/patrolcov/internal/config"
	"grimm.is/patrolcov/internal/devicebridge"
	"grimm.is/patrolcov/internal/driver"
	"grimm.is/patrolcov/internal/errors"
	"grimm.is/patrolcov/internal/logging"
	"grimm.is/patrolcov/internal/orchestrator"
)

// defineList collects repeated -define KEY=VALUE flags.
type defineList map[string]string

func (d defineList) String() string { return "" }

func (d defineList) Set(v string) error {
	key, value, found := strings.Cut(v, "=")
	if !found {
		return errors.Errorf(errors.KindValidation, "define %q is not KEY=VALUE", v)
	}
	d[key] = value
	return nil
}

// RunDrive implements the 'patrolcov drive' command: it starts the
// coverage orchestrator and the test-driving subprocess and waits for
// the aggregated report to be written.
func RunDrive(args []string) error {
	fs := flag.NewFlagSet("drive", flag.ExitOnError)
	var (
		configPath    string
		platformName  string
		deviceID      string
		flavor        string
		targetPackage string
		packageRoot   string
		logLevel      string
	)
	defines := make(defineList)

	fs.StringVar(&configPath, "c", "patrolcov.yaml", "Path to configuration file")
	fs.StringVar(&platformName, "platform", "", "Device platform: android, ios, macos, linux")
	fs.StringVar(&deviceID, "device-id", "", "Device identifier")
	fs.StringVar(&flavor, "flavor", "", "Build flavor")
	fs.StringVar(&targetPackage, "target-package", "", "Dart package to collect coverage for")
	fs.StringVar(&packageRoot, "package-root", "", "Directory containing the target package's pubspec")
	fs.StringVar(&logLevel, "log-level", "", "Log verbosity: debug, info, warn, error")
	fs.Var(defines, "define", "Extra KEY=VALUE definition (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Flags win over file and environment.
	if platformName != "" {
		cfg.Platform = platformName
	}
	if deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if flavor != "" {
		cfg.Flavor = flavor
	}
	if targetPackage != "" {
		cfg.TargetPackage = targetPackage
	}
	if packageRoot != "" {
		cfg.PackageRoot = packageRoot
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	for k, v := range defines {
		if cfg.Defines == nil {
			cfg.Defines = make(map[string]string)
		}
		cfg.Defines[k] = v
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel})
	logger.Debug("configuration loaded", "config", cfg.String())

	platform, err := devicebridge.ParsePlatform(cfg.Platform)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := devicebridge.New(platform, cfg.DeviceID, logger)
	logs := orchestrator.NewLogSource(platform, cfg.DeviceID)
	orch := orchestrator.New(orchestrator.Options{
		TargetPackage: cfg.TargetPackage,
		PackageRoot:   cfg.PackageRoot,
		IgnoreGlobs:   cfg.IgnoreGlobs,
	}, logs, bridge, logger)

	drv := driver.New(driver.Options{
		DriverPath: cfg.DriverPath,
		TargetPath: cfg.TargetPath,
		DeviceID:   cfg.DeviceID,
		Flavor:     cfg.Flavor,
		Defines:    cfg.Defines,
		Host:       cfg.Host,
		Port:       cfg.Port,
	}, logger)

	var wg sync.WaitGroup
	var orchErr, drvErr error
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		orchErr = orch.Run(cancelCtx)
		if orchErr != nil {
			// The pipeline cannot recover; stop the driver too.
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		drvErr = drv.Run(cancelCtx)
		if drvErr != nil {
			cancel()
		}
	}()
	wg.Wait()

	// Whichever side failed first cancelled the other; a bare
	// context.Canceled is the echo of that cancellation, not the cause.
	switch {
	case orchErr != nil && !errors.Is(orchErr, context.Canceled):
		return orchErr
	case drvErr != nil && !errors.Is(drvErr, context.Canceled):
		return drvErr
	case orchErr != nil:
		return orchErr
	}

	logger.Info("coverage run finished", "report", orch.ReportPath())
	return nil
}
