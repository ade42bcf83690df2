// Package config defines the configuration consumed by the fingerprint store
// core. Field tags use mapstructure for viper unmarshalling.
package config

import (
	"errors"
	"fmt"
)

// CacheMissMode selects where the prior store for cache-miss analysis comes
// from.
type CacheMissMode string

// Cache-miss modes.
const (
	// CacheMissDisabled runs no analyzer.
	CacheMissDisabled CacheMissMode = "Disabled"

	// CacheMissLocal uses a snapshot of this build's own store as the prior.
	CacheMissLocal CacheMissMode = "Local"

	// CacheMissCustomPath uses the store at a caller-given directory.
	CacheMissCustomPath CacheMissMode = "CustomPath"

	// CacheMissRemote tries an explicit list of retrieval keys.
	CacheMissRemote CacheMissMode = "Remote"

	// CacheMissGitHashes derives retrieval keys from git history.
	CacheMissGitHashes CacheMissMode = "GitHashes"

	// CacheMissAzureDevOps derives retrieval keys from the ADO environment.
	CacheMissAzureDevOps CacheMissMode = "AzureDevOps"
)

// DiffFormat spellings.
const (
	DiffFormatCustomJSON = "CustomJsonDiff"
	DiffFormatTreeDiff   = "TreeDiff"
)

// Config is the top-level configuration for the core.
type Config struct {
	CacheMiss        CacheMissConfig        `mapstructure:"cache_miss"`
	FingerprintStore FingerprintStoreConfig `mapstructure:"fingerprint_store"`
}

// CacheMissConfig holds runtime cache-miss analysis knobs.
type CacheMissConfig struct {
	Mode       CacheMissMode `mapstructure:"mode"`
	DiffFormat string        `mapstructure:"diff_format"`

	// CustomStorePath is the prior-store directory for CustomPath mode.
	CustomStorePath string `mapstructure:"custom_store_path"`

	// Keys is the explicit candidate list for Remote mode.
	Keys []string `mapstructure:"keys"`

	// GitRepoPath, GitKeyPrefix and GitBranches drive GitHashes mode.
	GitRepoPath  string   `mapstructure:"git_repo_path"`
	GitKeyPrefix string   `mapstructure:"git_key_prefix"`
	GitBranches  []string `mapstructure:"git_branches"`

	// Batch enables the batching queue over immediate single-event logging.
	Batch             bool `mapstructure:"batch"`
	BatchIntervalSecs int  `mapstructure:"batch_interval_seconds"`
	BatchSize         int  `mapstructure:"batch_size"`

	// MessageSizeLimitBytes is the byte ceiling for one batched envelope.
	MessageSizeLimitBytes int `mapstructure:"message_size_limit_bytes"`

	// MaxPips bounds per-build analyses.
	MaxPips int `mapstructure:"max_pips"`

	// AllPips disables the changed-frontier short-circuit.
	AllPips bool `mapstructure:"all_pips"`

	// MarkUncacheableDownstream restores the legacy frontier behavior for
	// configured-uncacheable misses.
	MarkUncacheableDownstream bool `mapstructure:"mark_uncacheable_downstream"`
}

// FingerprintStoreMode controls which fingerprint computations the store records.
type FingerprintStoreMode string

// Fingerprint store modes.
const (
	// StoreModeDefault records cache-check and execution computations.
	StoreModeDefault FingerprintStoreMode = "Default"

	// StoreModeExecutionOnly records only execution-time computations.
	StoreModeExecutionOnly FingerprintStoreMode = "ExecutionFingerprintsOnly"

	// StoreModeIgnoreExisting recreates the store, ignoring prior entries.
	StoreModeIgnoreExisting FingerprintStoreMode = "IgnoreExistingEntries"
)

// FingerprintStoreConfig holds store location and retention knobs.
type FingerprintStoreConfig struct {
	Mode               FingerprintStoreMode `mapstructure:"mode"`
	Directory          string               `mapstructure:"directory"`
	LogDirectory       string               `mapstructure:"log_directory"`
	MaxEntryAgeMinutes int                  `mapstructure:"max_entry_age_minutes"`

	// FingerprintSalt participates in publish/retrieve lookup fingerprints.
	FingerprintSalt string `mapstructure:"fingerprint_salt"`

	// PublishFanout bounds concurrent uploads/downloads.
	PublishFanout int `mapstructure:"publish_fanout"`
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.CacheMiss.Mode {
	case CacheMissDisabled, CacheMissLocal, CacheMissCustomPath,
		CacheMissRemote, CacheMissGitHashes, CacheMissAzureDevOps:
	default:
		return fmt.Errorf("unknown cache miss mode %q", c.CacheMiss.Mode)
	}

	switch c.CacheMiss.DiffFormat {
	case DiffFormatCustomJSON, DiffFormatTreeDiff:
	default:
		return fmt.Errorf("unknown cache miss diff format %q", c.CacheMiss.DiffFormat)
	}

	if c.CacheMiss.Mode == CacheMissCustomPath && c.CacheMiss.CustomStorePath == "" {
		return errors.New("cache miss mode CustomPath requires custom_store_path")
	}

	if c.CacheMiss.Mode == CacheMissRemote && len(c.CacheMiss.Keys) == 0 {
		return errors.New("cache miss mode Remote requires at least one key")
	}

	if c.CacheMiss.MaxPips < 0 {
		return errors.New("cache_miss.max_pips must not be negative")
	}

	if c.FingerprintStore.MaxEntryAgeMinutes < 0 {
		return errors.New("fingerprint_store.max_entry_age_minutes must not be negative")
	}

	switch c.FingerprintStore.Mode {
	case StoreModeDefault, StoreModeExecutionOnly, StoreModeIgnoreExisting:
	default:
		return fmt.Errorf("unknown fingerprint store mode %q", c.FingerprintStore.Mode)
	}

	return nil
}
