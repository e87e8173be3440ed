// Package config loads the YAML configuration for the backup agent through
// Viper, the way a database-backup tool's own config loader does,
// generalized to the subvolume/remote/retention/crypto shape this domain
// needs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// Config represents the top-level YAML configuration file.
type Config struct {
	Include []string `mapstructure:"include" yaml:"include,omitempty"`

	ClientID      string            `mapstructure:"client_id"       yaml:"client_id"`
	Subvolumes    []SubvolumeConfig `mapstructure:"subvolumes"      yaml:"subvolumes"`
	Remote        RemoteConfig      `mapstructure:"remote"          yaml:"remote"`
	Snapshot      SnapshotConfig    `mapstructure:"snapshot"        yaml:"snapshot"`
	LineageDBPath string            `mapstructure:"lineage_db_path" yaml:"lineage_db_path"`
	Retention     RetentionConfig   `mapstructure:"retention"       yaml:"retention"`
	Compress      CompressConfig    `mapstructure:"compress"        yaml:"compress"`
	Crypto        CryptoConfig      `mapstructure:"crypto"          yaml:"crypto"`
	Vault         VaultConfig       `mapstructure:"vault"           yaml:"vault"`
	Schedule      ScheduleConfig    `mapstructure:"schedule"        yaml:"schedule"`
}

// SubvolumeConfig names one filesystem subtree selected for backup.
type SubvolumeConfig struct {
	Name       string `mapstructure:"name"        yaml:"name"`
	SourcePath string `mapstructure:"source_path" yaml:"source_path"`
}

// RemoteConfig describes the archival host connection target.
type RemoteConfig struct {
	Host                 string        `mapstructure:"host"                    yaml:"host"`
	User                 string        `mapstructure:"user"                    yaml:"user"`
	Port                 int           `mapstructure:"port"                    yaml:"port"`
	BasePath             string        `mapstructure:"base_path"               yaml:"base_path"`
	PrivateKeyPath       string        `mapstructure:"private_key_path"        yaml:"private_key_path"`
	ConnectTimeoutSecond int           `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	ConnectTimeout       time.Duration `mapstructure:"-"                       yaml:"-"`
}

// SnapshotConfig controls where local snapshots live.
type SnapshotConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// RetentionConfig specifies how many local snapshots and remote archives
// to keep.
type RetentionConfig struct {
	MonthsToKeep         int `mapstructure:"months_to_keep"         yaml:"months_to_keep"`
	DailyIncrementalDays int `mapstructure:"daily_incremental_days" yaml:"daily_incremental_days"`
	LocalSnapshotDays    int `mapstructure:"local_snapshot_days"    yaml:"local_snapshot_days"`
	FullIntervalDays     int `mapstructure:"full_interval_days"     yaml:"full_interval_days"`
}

// CompressConfig picks the streaming compressor and its level.
type CompressConfig struct {
	Algo  string `mapstructure:"algo"  yaml:"algo"`
	Level int    `mapstructure:"level" yaml:"level"`
}

// CryptoConfig locates the local keyfile used for symmetric encryption.
type CryptoConfig struct {
	KeyfilePath string `mapstructure:"keyfile_path" yaml:"keyfile_path"`
}

// VaultConfig holds optional connection settings for HashiCorp Vault, used
// as an alternate backing store for the encryption key material.
type VaultConfig struct {
	Address     string `mapstructure:"address"      yaml:"address,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
	RoleID      string `mapstructure:"role_id"      yaml:"role_id,omitempty"`
	SecretPath  string `mapstructure:"secret_path"  yaml:"secret_path,omitempty"`
}

// ScheduleConfig is evaluated by the external cron-like trigger, not by the
// core; the agent only carries it through so a caller can read it back.
type ScheduleConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Time    string   `mapstructure:"time"    yaml:"time"`
	Days    []string `mapstructure:"days"    yaml:"days"`
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, unmarshals into the Config struct, applies
// defaults, and validates it.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	c.applyDefaults()

	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidateConfig, err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Remote.ConnectTimeoutSecond == 0 {
		c.Remote.ConnectTimeoutSecond = 30
	}
	c.Remote.ConnectTimeout = time.Duration(c.Remote.ConnectTimeoutSecond) * time.Second

	if c.Retention.MonthsToKeep == 0 {
		c.Retention.MonthsToKeep = 6
	}
	if c.Retention.DailyIncrementalDays == 0 {
		c.Retention.DailyIncrementalDays = 30
	}
	if c.Retention.LocalSnapshotDays == 0 {
		c.Retention.LocalSnapshotDays = 7
	}
	if c.Retention.FullIntervalDays == 0 {
		c.Retention.FullIntervalDays = 30
	}
	if c.Compress.Algo == "" {
		c.Compress.Algo = "zstd"
	}
	if c.Crypto.KeyfilePath == "" {
		c.Crypto.KeyfilePath = "data/backup-encryption.key"
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = "data/snapshots"
	}
	if c.LineageDBPath == "" {
		c.LineageDBPath = "data/lineage.db"
	}
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(c.Subvolumes) == 0 {
		return errors.New("at least one subvolume is required")
	}
	seen := make(map[string]struct{}, len(c.Subvolumes))
	for _, sv := range c.Subvolumes {
		if sv.Name == "" || sv.SourcePath == "" {
			return fmt.Errorf("subvolume entries require name and source_path: %+v", sv)
		}
		if _, dup := seen[sv.Name]; dup {
			return fmt.Errorf("duplicate subvolume name %q", sv.Name)
		}
		seen[sv.Name] = struct{}{}
	}
	if c.Remote.Host == "" || c.Remote.User == "" || c.Remote.BasePath == "" {
		return errors.New("remote.host, remote.user, and remote.base_path are required")
	}
	return nil
}
