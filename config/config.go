// Package config parses the YAML configuration for the quota engine's two
// components, following the teacher's Config/YamlConfig struct-embedding
// convention (gopkg.in/yaml.v3 struct tags, a New/NewFromYamlFile
// constructor pair, field-by-field validation).
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Quota mirrors quota.Quota's three tiers, kept separate from the quota
// package so config has no import-time dependency on it.
type Quota struct {
	Target uint64 `yaml:"target"`
	Soft   uint64 `yaml:"soft"`
	Hard   uint64 `yaml:"hard"`
}

// PercentQuota is Quota's counterpart for the DiskFreePercent rule, whose
// three tiers are expressed as free-space percentages rather than byte
// counts.
type PercentQuota struct {
	Target float64 `yaml:"target"`
	Soft   float64 `yaml:"soft"`
	Hard   float64 `yaml:"hard"`
}

// QuotaKeeperConfig is the QuotaKeeperConfiguration input struct named in
// the spec's external interfaces section.
type QuotaKeeperConfig struct {
	ContentDirectorySize  uint64 `yaml:"content_directory_size"`
	EnableElasticity      bool   `yaml:"enable_elasticity"`
	MaxSizeQuota          *Quota        `yaml:"max_size_quota,omitempty"`
	DiskFreePercentQuota  *PercentQuota `yaml:"disk_free_percent_quota,omitempty"`
	HistoryWindowSize     int    `yaml:"history_window_size"`
	InitialElasticSize    uint64 `yaml:"initial_elastic_size"`
	HardLimitMultiplier   float64 `yaml:"hard_limit_multiplier,omitempty"`
	MaxConcurrentEvictions int64  `yaml:"max_concurrent_evictions,omitempty"`
}

// BandwidthCheckerConfig is the BandwidthCheckerConfiguration input struct.
type BandwidthCheckerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MinimumMBPerS  *float64      `yaml:"minimum_mb_per_s,omitempty"`
	MaxCapMBPerS   *float64      `yaml:"max_cap_mb_per_s,omitempty"`
	Multiplier     *float64      `yaml:"multiplier,omitempty"`
	HistoryRecords *int          `yaml:"history_records,omitempty"`
}

// YamlConfig is the on-disk shape, mirroring the teacher's split between a
// loosely-typed YamlConfig and a validated Config.
type YamlConfig struct {
	QuotaKeeper QuotaKeeperConfig      `yaml:"quota_keeper"`
	Bandwidth   BandwidthCheckerConfig `yaml:"bandwidth_checker"`

	AccessLogLevel string `yaml:"access_log_level,omitempty"`
}

// Config is the validated, ready-to-use configuration.
type Config struct {
	QuotaKeeper QuotaKeeperConfig
	Bandwidth   BandwidthCheckerConfig

	AccessLogLevel string

	AccessLogger *log.Logger
	ErrorLogger  *log.Logger
}

// New validates a YamlConfig and builds a Config, wiring loggers per
// setLogger's pattern.
func New(y YamlConfig) (*Config, error) {
	if err := validate(y); err != nil {
		return nil, err
	}
	c := &Config{
		QuotaKeeper:    y.QuotaKeeper,
		Bandwidth:      y.Bandwidth,
		AccessLogLevel: y.AccessLogLevel,
	}
	if err := c.setLogger(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromYamlFile reads and validates a YAML config file at path.
func NewFromYamlFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var y YamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return New(y)
}

func validate(y YamlConfig) error {
	if y.QuotaKeeper.MaxSizeQuota == nil && y.QuotaKeeper.DiskFreePercentQuota == nil && !y.QuotaKeeper.EnableElasticity {
		return fmt.Errorf("config: quota_keeper must configure at least one rule (max_size_quota, disk_free_percent_quota, or enable_elasticity)")
	}
	if y.QuotaKeeper.MaxSizeQuota != nil {
		q := y.QuotaKeeper.MaxSizeQuota
		if q.Hard != 0 && (q.Hard < q.Soft || q.Soft < q.Target) {
			return fmt.Errorf("config: max_size_quota must satisfy target <= soft <= hard")
		}
	}
	if y.QuotaKeeper.HistoryWindowSize < 0 {
		return fmt.Errorf("config: history_window_size must be >= 0")
	}

	if y.Bandwidth.Interval <= 0 {
		return fmt.Errorf("config: bandwidth_checker.interval must be positive")
	}
	if y.Bandwidth.Multiplier != nil && *y.Bandwidth.Multiplier <= 0 {
		return fmt.Errorf("config: bandwidth_checker.multiplier must be > 0")
	}
	if y.Bandwidth.HistoryRecords != nil && *y.Bandwidth.HistoryRecords <= 0 {
		return fmt.Errorf("config: bandwidth_checker.history_records must be > 0")
	}

	return nil
}
