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

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/grants"
)

// FileConfig is the on-disk YAML configuration, normally read from
// /etc/portcullis.yaml.
type FileConfig struct {
	Proxy   ProxySection   `yaml:"proxy,omitempty"`
	Auth    AuthSection    `yaml:"auth,omitempty"`
	Storage StorageSection `yaml:"storage,omitempty"`
	Logging LogSection     `yaml:"logging,omitempty"`
	Metrics MetricsSection `yaml:"metrics,omitempty"`
}

// ProxySection configures the listeners and the data plane.
type ProxySection struct {
	// ListenAddr is the SSH entrypoint, default 0.0.0.0:22.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// DataDir holds the host key, default /var/lib/portcullis.
	DataDir string `yaml:"data_dir,omitempty"`

	// RecordingsDir holds session transcripts, default
	// /var/lib/portcullis/recordings.
	RecordingsDir string `yaml:"recordings_dir,omitempty"`

	// EnableRDP brings up one shim listener per allocated proxy IP.
	EnableRDP bool `yaml:"enable_rdp,omitempty"`

	// Ciphers, KEXAlgorithms and MACAlgorithms restrict the SSH
	// algorithms offered on both legs. Empty means library defaults.
	Ciphers       []string `yaml:"ciphers,omitempty"`
	KEXAlgorithms []string `yaml:"kex_algos,omitempty"`
	MACAlgorithms []string `yaml:"mac_algos,omitempty"`
}

// AuthSection configures the decision engine.
type AuthSection struct {
	// LegacyGrants enables the flat access_grants fallback for source
	// IPs unknown to the policy model.
	LegacyGrants bool `yaml:"legacy_grants,omitempty"`
}

// StorageSection selects and configures the grant store.
type StorageSection struct {
	// Type is postgres or memory. The memory store is for tests and
	// demos, nothing survives a restart.
	Type string `yaml:"type,omitempty"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn,omitempty"`
}

// LogSection configures logrus.
type LogSection struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string `yaml:"level,omitempty"`

	// Format is text or json. Default text.
	Format string `yaml:"format,omitempty"`
}

// MetricsSection configures the optional Prometheus endpoint.
type MetricsSection struct {
	// ListenAddr serves /metrics when set; empty disables it.
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

const (
	// StorageTypePostgres selects the pgx-backed store.
	StorageTypePostgres = "postgres"
	// StorageTypeMemory selects the in-memory store.
	StorageTypeMemory = "memory"
)

// ReadConfigFile reads and parses a YAML config file. Unknown keys are
// rejected so typos surface on startup rather than as silently ignored
// settings.
func ReadConfigFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses YAML bytes into a FileConfig.
func ParseConfig(raw []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.UnmarshalStrict(raw, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// Check validates the file config.
func (fc *FileConfig) Check() error {
	switch fc.Storage.Type {
	case "", StorageTypePostgres, StorageTypeMemory:
	default:
		return trace.BadParameter("unsupported storage type %q, use %q or %q",
			fc.Storage.Type, StorageTypePostgres, StorageTypeMemory)
	}
	if fc.Storage.Type == StorageTypePostgres && fc.Storage.DSN == "" {
		return trace.BadParameter("storage type %q requires a dsn", StorageTypePostgres)
	}
	if fc.Logging.Level != "" {
		if _, err := logrus.ParseLevel(fc.Logging.Level); err != nil {
			return trace.BadParameter("unsupported log level %q", fc.Logging.Level)
		}
	}
	switch fc.Logging.Format {
	case "", "text", "json":
	default:
		return trace.BadParameter("unsupported log format %q, use text or json", fc.Logging.Format)
	}
	return nil
}

// Config is the runtime configuration of the daemon, produced from a
// FileConfig by ApplyFileConfig and completed by CheckAndSetDefaults.
type Config struct {
	// ListenAddr is the SSH entrypoint.
	ListenAddr string

	// DataDir holds the host key.
	DataDir string

	// RecordingsDir holds session transcripts.
	RecordingsDir string

	// EnableRDP brings up the shim listeners.
	EnableRDP bool

	// RDPListenPort is the port bound on every proxy IP.
	RDPListenPort int

	// MetricsAddr serves /metrics when set.
	MetricsAddr string

	// LegacyGrants enables the flat grant fallback.
	LegacyGrants bool

	// StorageType is postgres or memory.
	StorageType string

	// StorageDSN is the postgres connection string.
	StorageDSN string

	// Ciphers, KEXAlgorithms and MACAlgorithms restrict SSH algorithms.
	Ciphers       []string
	KEXAlgorithms []string
	MACAlgorithms []string

	// Store overrides storage settings with a preopened store. Tests
	// inject a seeded memory store here.
	Store grants.Store

	// Clock defaults to the wall clock.
	Clock clockwork.Clock
}

// ApplyFileConfig merges file settings into the runtime config and
// configures the process logger.
func ApplyFileConfig(fc *FileConfig, cfg *Config) error {
	if fc == nil {
		return trace.BadParameter("missing file config")
	}
	if err := fc.Check(); err != nil {
		return trace.Wrap(err)
	}

	if fc.Proxy.ListenAddr != "" {
		cfg.ListenAddr = fc.Proxy.ListenAddr
	}
	if fc.Proxy.DataDir != "" {
		cfg.DataDir = fc.Proxy.DataDir
	}
	if fc.Proxy.RecordingsDir != "" {
		cfg.RecordingsDir = fc.Proxy.RecordingsDir
	}
	cfg.EnableRDP = fc.Proxy.EnableRDP
	cfg.Ciphers = fc.Proxy.Ciphers
	cfg.KEXAlgorithms = fc.Proxy.KEXAlgorithms
	cfg.MACAlgorithms = fc.Proxy.MACAlgorithms

	cfg.LegacyGrants = fc.Auth.LegacyGrants

	if fc.Storage.Type != "" {
		cfg.StorageType = fc.Storage.Type
	}
	cfg.StorageDSN = fc.Storage.DSN
	cfg.MetricsAddr = fc.Metrics.ListenAddr

	if fc.Logging.Level != "" {
		level, err := logrus.ParseLevel(fc.Logging.Level)
		if err != nil {
			return trace.Wrap(err)
		}
		logrus.SetLevel(level)
	}
	if fc.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// CheckAndSetDefaults validates the runtime config and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.SSHListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = defaults.RecordingsDir
	}
	if c.RDPListenPort == 0 {
		c.RDPListenPort = defaults.RDPListenPort
	}
	if c.StorageType == "" {
		c.StorageType = StorageTypePostgres
	}
	if c.Store == nil {
		switch c.StorageType {
		case StorageTypePostgres:
			if c.StorageDSN == "" {
				return trace.BadParameter("storage type %q requires a dsn", StorageTypePostgres)
			}
		case StorageTypeMemory:
		default:
			return trace.BadParameter("unsupported storage type %q", c.StorageType)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}
