// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/patrolcov/internal/errors"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDriverPath, cfg.DriverPath)
	assert.Equal(t, DefaultTargetPath, cfg.TargetPath)
	assert.Equal(t, ".", cfg.PackageRoot)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patrolcov.yaml")
	data := `
platform: android
device_id: emulator-5554
target_package: myapp
package_root: /src/myapp
flavor: dev
port: 9001
defines:
  API_URL: https://staging.example.com
ignore_globs:
  - "**.g.dart"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "android", cfg.Platform)
	assert.Equal(t, "emulator-5554", cfg.DeviceID)
	assert.Equal(t, "myapp", cfg.TargetPackage)
	assert.Equal(t, "/src/myapp", cfg.PackageRoot)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "https://staging.example.com", cfg.Defines["API_URL"])
	assert.Equal(t, []string{"**.g.dart"}, cfg.IgnoreGlobs)
	require.NoError(t, cfg.Validate())
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platform: [unclosed"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("PATROLCOV_PLATFORM", "ios")
	t.Setenv("PATROLCOV_TARGET_PACKAGE", "otherapp")
	t.Setenv("PATROLCOV_PORT", "9100")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ios", cfg.Platform)
	assert.Equal(t, "otherapp", cfg.TargetPackage)
	assert.Equal(t, 9100, cfg.Port)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err, "platform missing")

	cfg.Platform = "android"
	err = cfg.Validate()
	require.Error(t, err, "target package missing")

	cfg.TargetPackage = "myapp"
	require.NoError(t, cfg.Validate())

	cfg.Port = 70000
	require.Error(t, cfg.Validate())
}
