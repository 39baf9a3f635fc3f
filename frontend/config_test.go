package frontend

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcassar-diss/nethook/bpf/netext"
)

const exampleConfig = `
profile_path = "/tmp/nethook-prof.csv"

[log]
level = "debug"
development = true

[extension]
layers = ["bind", "flow-v4", "mac-inbound"]
enable_xdp_layer = true
max_flow_contexts = 128

[metrics]
listen = ":9100"

[replay]
local_prefixes = ["192.168.0.0/16"]

[[programs]]
hook = "bind"
builtin = "drop"

[[programs]]
hook = "mac"
object = "mac.o"
program = "count_frames"
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	assert.Equal(t, LogCfg{Level: "debug", Development: true}, cfg.Log)
	assert.Equal(t, netext.Config{
		Layers:          []string{netext.LayerBind, netext.LayerFlowV4, netext.LayerMACInbound},
		EnableXDPLayer:  true,
		MaxFlowContexts: 128,
	}, cfg.Extension)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	assert.Equal(t, "/tmp/nethook-prof.csv", cfg.ProfilePath)
	assert.Equal(t, []ProgramCfg{
		{Hook: "bind", Builtin: "drop"},
		{Hook: "mac", Object: "mac.o", Program: "count_frames"},
	}, cfg.Programs)

	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().Replay.AppID, cfg.Replay.AppID)
	assert.Equal(t, []string{"192.168.0.0/16"}, cfg.Replay.LocalPrefixes)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader("[extension]\nenable_xdp_layer = true\n"))
	require.NoError(t, err)

	assert.True(t, cfg.Extension.EnableXDPLayer)
	assert.Equal(t, netext.DefaultConfig().MaxFlowContexts, cfg.Extension.MaxFlowContexts)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
		err  error
	}{
		{
			name: "unknown key",
			toml: "[extension]\nmax_flows = 3\n",
			err:  ErrUnknownCfgKey,
		},
		{
			name: "unknown layer",
			toml: "[extension]\nlayers = [\"transport\"]\n",
			err:  netext.ErrCfgInvalid,
		},
		{
			name: "zero flow contexts",
			toml: "[extension]\nmax_flow_contexts = 0\n",
			err:  netext.ErrCfgInvalid,
		},
		{
			name: "bad log level",
			toml: "[log]\nlevel = \"loud\"\n",
			err:  ErrCfgInvalid,
		},
		{
			name: "bad prefix",
			toml: "[replay]\nlocal_prefixes = [\"10.0.0.1\"]\n",
			err:  ErrCfgInvalid,
		},
		{
			name: "unknown hook",
			toml: "[[programs]]\nhook = \"socket\"\nbuiltin = \"pass\"\n",
			err:  ErrCfgInvalid,
		},
		{
			name: "unknown builtin",
			toml: "[[programs]]\nhook = \"mac\"\nbuiltin = \"count\"\n",
			err:  ErrUnknownBuiltin,
		},
		{
			name: "builtin and object",
			toml: "[[programs]]\nhook = \"mac\"\nbuiltin = \"pass\"\nobject = \"a.o\"\nprogram = \"p\"\n",
			err:  ErrProgramSource,
		},
		{
			name: "no source",
			toml: "[[programs]]\nhook = \"mac\"\n",
			err:  ErrProgramSource,
		},
		{
			name: "object without program",
			toml: "[[programs]]\nhook = \"mac\"\nobject = \"a.o\"\n",
			err:  ErrCfgInvalid,
		},
		{
			name: "two programs on one hook",
			toml: "[[programs]]\nhook = \"mac\"\nbuiltin = \"pass\"\n[[programs]]\nhook = \"mac\"\nbuiltin = \"log\"\n",
			err:  ErrDuplicateAttach,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(strings.NewReader(tt.toml))

			if !errors.Is(err, tt.err) {
				t.Errorf("LoadConfig() err = %v, expected %v", err, tt.err)
			}
		})
	}
}

func TestMarshalConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, MarshalConfig(&buf, cfg))

	again, err := LoadConfig(&buf)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := LoadConfigFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "nethook.toml")
	require.NoError(t, os.WriteFile(path, []byte(exampleConfig), 0o600))

	cfg, err = LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Extension.MaxFlowContexts)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogCfg{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Desugar().Core().Enabled(-1))
	assert.True(t, logger.Desugar().Core().Enabled(1))

	_, err = NewLogger(LogCfg{Level: "chatty"})
	require.Error(t, err)
}
