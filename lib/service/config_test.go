/*
Copyright 2026 Pawel Mojski.

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

package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/grants"
)

const sampleConfig = `
proxy:
  listen_addr: 0.0.0.0:2222
  data_dir: /opt/portcullis
  recordings_dir: /opt/portcullis/recordings
  enable_rdp: true
  ciphers: [aes128-gcm@openssh.com]
auth:
  legacy_grants: true
storage:
  type: postgres
  dsn: postgres://portcullis@db/portcullis
logging:
  level: debug
  format: json
metrics:
  listen_addr: 127.0.0.1:3000
`

func TestParseConfig(t *testing.T) {
	t.Parallel()
	fc, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:2222", fc.Proxy.ListenAddr)
	require.Equal(t, "/opt/portcullis", fc.Proxy.DataDir)
	require.True(t, fc.Proxy.EnableRDP)
	require.Equal(t, []string{"aes128-gcm@openssh.com"}, fc.Proxy.Ciphers)
	require.True(t, fc.Auth.LegacyGrants)
	require.Equal(t, StorageTypePostgres, fc.Storage.Type)
	require.Equal(t, "postgres://portcullis@db/portcullis", fc.Storage.DSN)
	require.Equal(t, "debug", fc.Logging.Level)
	require.Equal(t, "json", fc.Logging.Format)
	require.Equal(t, "127.0.0.1:3000", fc.Metrics.ListenAddr)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := ParseConfig([]byte("proxy:\n  listen_adr: 0.0.0.0:22\n"))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestParseConfigValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		desc string
		yaml string
	}{
		{desc: "bad storage type", yaml: "storage:\n  type: sqlite\n"},
		{desc: "postgres without dsn", yaml: "storage:\n  type: postgres\n"},
		{desc: "bad log level", yaml: "logging:\n  level: loud\n"},
		{desc: "bad log format", yaml: "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestReadConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "portcullis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	fc, err := ReadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:2222", fc.Proxy.ListenAddr)

	_, err = ReadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}

func TestApplyFileConfig(t *testing.T) {
	t.Parallel()
	fc, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	var cfg Config
	require.NoError(t, ApplyFileConfig(fc, &cfg))

	require.Equal(t, "0.0.0.0:2222", cfg.ListenAddr)
	require.Equal(t, "/opt/portcullis", cfg.DataDir)
	require.True(t, cfg.EnableRDP)
	require.True(t, cfg.LegacyGrants)
	require.Equal(t, StorageTypePostgres, cfg.StorageType)
	require.Equal(t, "127.0.0.1:3000", cfg.MetricsAddr)
}

func TestCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Store: grants.NewMemory()}
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.Equal(t, defaults.SSHListenAddr, cfg.ListenAddr)
		require.Equal(t, defaults.DataDir, cfg.DataDir)
		require.Equal(t, defaults.RecordingsDir, cfg.RecordingsDir)
		require.Equal(t, defaults.RDPListenPort, cfg.RDPListenPort)
		require.NotNil(t, cfg.Clock)
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		t.Parallel()
		cfg := Config{StorageType: StorageTypePostgres}
		err := cfg.CheckAndSetDefaults()
		require.Error(t, err)
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("injected store skips storage checks", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Store: grants.NewMemory(), StorageType: StorageTypePostgres}
		require.NoError(t, cfg.CheckAndSetDefaults())
	})
}
