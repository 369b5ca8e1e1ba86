package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	t.Run("defaults to run", func(t *testing.T) {
		o, err := parseOptions(nil)
		require.NoError(t, err)
		assert.Equal(t, cmdRun, o.Command)
		assert.Equal(t, ".", o.EnvDir)
	})

	t.Run("command with flags", func(t *testing.T) {
		tests := []struct {
			name string
			args []string
		}{
			{
				name: "short",
				args: []string{"login", "-c", "/etc/printstation.yaml", "-u", "alice", "-l", "debug"},
			},
			{
				name: "long",
				args: []string{"--config", "/etc/printstation.yaml", "login", "--username", "alice", "--log-level", "debug"},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				o, err := parseOptions(tt.args)
				require.NoError(t, err)
				assert.Equal(t, cmdLogin, o.Command)
				assert.Equal(t, "/etc/printstation.yaml", o.ConfigPath)
				assert.Equal(t, "alice", o.Username)
				assert.Equal(t, "debug", o.LogLevel)
			})
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := parseOptions([]string{"print-everything"})
		require.Error(t, err)
	})

	t.Run("extra arguments", func(t *testing.T) {
		_, err := parseOptions([]string{"register", "front-desk"})
		require.Error(t, err)
	})

	t.Run("help", func(t *testing.T) {
		_, err := parseOptions([]string{"--help"})
		require.ErrorIs(t, err, pflag.ErrHelp)
	})
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  base_url: https://file.example.com
printing:
  printer_name: FromFile
station:
  name: File station
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PRINTSTATION_PRINTER=FromDotEnv\n"), 0o600))

	getenv := func(key string) string {
		switch key {
		case "PRINTSTATION_SERVER_URL":
			return "https://env.example.com"
		case "PRINTSTATION_STATION_NAME":
			return "Env station"
		default:
			return ""
		}
	}

	t.Run("env over file", func(t *testing.T) {
		o, err := parseOptions([]string{"--config", configPath, "--env-dir", dir})
		require.NoError(t, err)

		cfg, err := loadConfig(o, getenv)
		require.NoError(t, err)
		assert.Equal(t, "https://env.example.com", cfg.Server.BaseURL)
		assert.Equal(t, "FromDotEnv", cfg.Printing.PrinterName)
		assert.Equal(t, "Env station", cfg.Station.Name)
	})

	t.Run("flags over env", func(t *testing.T) {
		o, err := parseOptions([]string{
			"--config", configPath,
			"--env-dir", dir,
			"--server", "https://flag.example.com",
			"--printer", "",
			"--name", "Flag station",
		})
		require.NoError(t, err)

		cfg, err := loadConfig(o, getenv)
		require.NoError(t, err)
		assert.Equal(t, "https://flag.example.com", cfg.Server.BaseURL)
		assert.Empty(t, cfg.Printing.PrinterName, "an explicit empty flag selects the system default")
		assert.Equal(t, "Flag station", cfg.Station.Name)
	})

	t.Run("invalid result", func(t *testing.T) {
		o, err := parseOptions([]string{"--config", configPath, "--env-dir", dir, "--display-mode", "kiosk"})
		require.NoError(t, err)

		_, err = loadConfig(o, getenv)
		require.Error(t, err)
	})
}

func TestCredentialsFallBackToEnv(t *testing.T) {
	getenv := func(key string) string {
		return map[string]string{
			"PRINTSTATION_USERNAME": "env-user",
			"PRINTSTATION_PASSWORD": "env-pass",
		}[key]
	}

	o, err := parseOptions([]string{"login", "--username", "alice"})
	require.NoError(t, err)

	username, password := o.credentials(getenv)
	assert.Equal(t, "alice", username)
	assert.Equal(t, "env-pass", password)
}

func TestServiceConfigResolvesPaths(t *testing.T) {
	o, err := parseOptions([]string{"install", "--config", "config.yaml"})
	require.NoError(t, err)

	sc := serviceConfig(o)
	assert.Equal(t, "printstation", sc.Name)
	require.Len(t, sc.Arguments, 5)
	assert.Equal(t, cmdRun, sc.Arguments[0])
	assert.True(t, filepath.IsAbs(sc.Arguments[2]), "config path %q", sc.Arguments[2])
	assert.True(t, filepath.IsAbs(sc.Arguments[4]), "env dir %q", sc.Arguments[4])
	assert.Equal(t, sc.Arguments[4], sc.WorkingDirectory)
}
