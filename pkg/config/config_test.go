package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbordb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad_FullHAConfig(t *testing.T) {
	path := writeConfig(t, `
machine_id: 3
coordination_servers:
  - "127.0.0.1:2181"
  - "127.0.0.1:2182"
ha_server: "127.0.0.1:6001"
pull_interval: 500ms
allow_init_cluster: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MachineID)
	assert.True(t, cfg.HAMode())
	assert.Equal(t, 500*time.Millisecond, cfg.PullInterval)
	assert.Equal(t, DefaultClusterName, cfg.ClusterName)
	// HA mode forces log retention regardless of the file.
	assert.True(t, cfg.KeepLogicalLogs)
}

func TestLoad_MissingMachineID(t *testing.T) {
	path := writeConfig(t, `
ha_server: "127.0.0.1:6001"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_HAServerRequiredWithCoordination(t *testing.T) {
	cfg := Default()
	cfg.MachineID = 1
	cfg.CoordinationServers = []string{"127.0.0.1:2181"}

	err := cfg.Validate()
	assert.ErrorContains(t, err, "ha_server")
}

func TestValidate_SingleMachineKeepsLogsOff(t *testing.T) {
	cfg := Default()
	cfg.MachineID = 1

	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.KeepLogicalLogs)
	assert.False(t, cfg.HAMode())
}

func TestValidate_ReadOnlyHARequiresBackupSlave(t *testing.T) {
	cfg := Default()
	cfg.MachineID = 2
	cfg.CoordinationServers = []string{"127.0.0.1:2181"}
	cfg.HAServer = "127.0.0.1:6001"
	cfg.ReadOnly = true

	assert.Error(t, cfg.Validate())

	cfg.BackupSlave = true
	assert.NoError(t, cfg.Validate())
}
