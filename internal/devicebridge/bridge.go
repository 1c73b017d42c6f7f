// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package devicebridge makes a device-local debug port reachable from the
// host. Android devices need an explicit adb forward; platforms that share
// the host network namespace map ports one to one.
package devicebridge

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/patrolcov/internal/errors"
	"grimm.is/patrolcov/internal/logging"
)

// Platform is the device platform family.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
)

// ParsePlatform normalizes a platform name from config or flags.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "android":
		return PlatformAndroid, nil
	case "ios":
		return PlatformIOS, nil
	case "macos", "darwin":
		return PlatformMacOS, nil
	case "linux":
		return PlatformLinux, nil
	default:
		return "", errors.Errorf(errors.KindValidation, "unknown platform %q", s)
	}
}

// Commander runs an external bridge tool. The seam exists so tests can
// substitute canned output for adb.
type Commander interface {
	// Run executes the command and waits for it, returning only its error.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes the command and returns its standard output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommander struct{}

func (execCommander) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

func (execCommander) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Bridge exposes device ports for one platform/device pair.
type Bridge struct {
	platform Platform
	deviceID string
	cmd      Commander
	logger   *logging.Logger
}

// New creates a Bridge. deviceID may be empty when only one device is attached.
func New(platform Platform, deviceID string, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bridge{
		platform: platform,
		deviceID: deviceID,
		cmd:      execCommander{},
		logger:   logger.WithComponent("devicebridge"),
	}
}

// NewWithCommander is New with an explicit Commander, for tests.
func NewWithCommander(platform Platform, deviceID string, cmd Commander, logger *logging.Logger) *Bridge {
	b := New(platform, deviceID, logger)
	b.cmd = cmd
	return b
}

// Expose makes guestPort reachable from the host and returns the host-side
// port. On Android it requests a forward for guestPort and then resolves the
// effective host port from the forward listing: another debugger attaching
// first can rebind the requested port, so the listing is the source of truth.
// Platforms sharing the host network namespace return guestPort unchanged.
func (b *Bridge) Expose(ctx context.Context, guestPort int) (int, error) {
	switch b.platform {
	case PlatformAndroid:
		return b.exposeAndroid(ctx, guestPort)
	case PlatformIOS, PlatformMacOS, PlatformLinux:
		return guestPort, nil
	default:
		return 0, errors.Errorf(errors.KindUnsupported,
			"port exposure not supported on platform %q", b.platform)
	}
}

func (b *Bridge) exposeAndroid(ctx context.Context, guestPort int) (int, error) {
	args := b.adbArgs("forward",
		fmt.Sprintf("tcp:%d", guestPort),
		fmt.Sprintf("tcp:%d", guestPort))
	if err := b.cmd.Run(ctx, "adb", args...); err != nil {
		return 0, errors.Wrapf(err, errors.KindExposure,
			"adb forward tcp:%d failed", guestPort)
	}

	out, err := b.cmd.Output(ctx, "adb", b.adbArgs("forward", "--list")...)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindExposure, "adb forward --list failed")
	}

	hostPort, ok := resolveHostPort(string(out), guestPort)
	if !ok {
		return 0, errors.Errorf(errors.KindExposure,
			"no forward entry for guest port %d", guestPort)
	}

	b.logger.Debug("exposed device port", "guest", guestPort, "host", hostPort)
	return hostPort, nil
}

func (b *Bridge) adbArgs(args ...string) []string {
	if b.deviceID == "" {
		return args
	}
	return append([]string{"-s", b.deviceID}, args...)
}

// forward listing lines look like "emulator-5554 tcp:62001 tcp:9100".
var forwardEntryRe = regexp.MustCompile(`tcp:(\d+)\s+tcp:(\d+)`)

// resolveHostPort scans an `adb forward --list` dump for the entry whose
// guest side matches guestPort and returns its host side.
func resolveHostPort(listing string, guestPort int) (int, bool) {
	for _, line := range strings.Split(listing, "\n") {
		m := forwardEntryRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		guest, err := strconv.Atoi(m[2])
		if err != nil || guest != guestPort {
			continue
		}
		host, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return host, true
	}
	return 0, false
}
