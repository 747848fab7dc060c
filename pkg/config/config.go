// Package config holds the tunables that mount() and mkfs() accept, and
// the machinery to load them from an optional YAML file the way a node's
// surrounding deployment tooling would drop one into the store directory.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DurabilityMode selects when a journaled batch is considered committed
// relative to its application to the object store.
type DurabilityMode string

const (
	// Writeahead: apply begins only after the journal fsync completes.
	Writeahead DurabilityMode = "writeahead"
	// Parallel: apply and journal fsync race; both gate on_commit.
	Parallel DurabilityMode = "parallel"
	// Trailing: apply runs first, the journal write follows.
	Trailing DurabilityMode = "trailing"
)

// IOMode selects the journal's write path.
type IOMode string

const (
	IOBuffered     IOMode = "buffered"
	IODirect       IOMode = "direct"
	IODirectAsync  IOMode = "direct-async"
)

// StoreConfig is the full set of mount-time tunables named in spec §6.
// Every field has a workable zero-value-safe default applied by Default(),
// and every field can be overridden by an optional YAML file passed to
// Load.
type StoreConfig struct {
	// MaxSyncInterval and MinSyncInterval bound the sync thread's cadence:
	// it never waits longer than MaxSyncInterval between syncs, and never
	// syncs more often than every MinSyncInterval.
	MaxSyncInterval time.Duration `yaml:"max_sync_interval"`
	MinSyncInterval time.Duration `yaml:"min_sync_interval"`

	// QueueMaxOps and QueueMaxBytes bound the pipeline's in-flight
	// submissions; QueueTransactions blocks once either is reached.
	QueueMaxOps   int   `yaml:"queue_max_ops"`
	QueueMaxBytes int64 `yaml:"queue_max_bytes"`

	// JournalIOMode selects buffered, direct, or direct+async journal I/O.
	JournalIOMode IOMode `yaml:"journal_io_mode"`
	// JournalDurability selects the writeahead/parallel/trailing mode.
	JournalDurability DurabilityMode `yaml:"journal_durability"`
	// JournalCapacityBytes is the fixed ring-file size allocated at mkfs.
	JournalCapacityBytes int64 `yaml:"journal_capacity_bytes"`

	// MaxLogEntriesPerEvent bounds how many transactions the pipeline will
	// coalesce into a single journal append.
	MaxLogEntriesPerEvent int `yaml:"max_log_entries_per_event"`

	// ApplyWorkers sizes the apply worker pool.
	ApplyWorkers int `yaml:"apply_workers"`

	// AttrOverflowThreshold is the attribute value size, in bytes, above
	// which setattr spills the value into KVStore instead of an xattr.
	AttrOverflowThreshold int `yaml:"attr_overflow_threshold"`

	// HashIndexSplitThreshold is the number of object files a HashIndex
	// directory may hold before new objects are placed one fanout level
	// deeper.
	HashIndexSplitThreshold int `yaml:"hash_index_split_threshold"`

	// OmapCowCloneThreshold is the key count at or above which Clone re-parents
	// an omap onto a shared header_id (copy-on-write) instead of eagerly
	// copying every key.
	OmapCowCloneThreshold int `yaml:"omap_cow_clone_threshold"`

	// FDCacheSize bounds the object-file descriptor LRU cache.
	FDCacheSize int `yaml:"fd_cache_size"`

	// SlowOpThreshold is the wall-clock duration after which an apply
	// worker logs (but does not fail) a slow op.
	SlowOpThreshold time.Duration `yaml:"slow_op_threshold"`
}

// Default returns the baseline configuration used when no YAML file is
// supplied and no field has been overridden by an Option.
func Default() StoreConfig {
	return StoreConfig{
		MaxSyncInterval:         5 * time.Second,
		MinSyncInterval:         100 * time.Millisecond,
		QueueMaxOps:             1000,
		QueueMaxBytes:           256 << 20,
		JournalIOMode:           IODirect,
		JournalDurability:       Writeahead,
		JournalCapacityBytes:    1 << 30,
		MaxLogEntriesPerEvent:   32,
		ApplyWorkers:            8,
		AttrOverflowThreshold:   512,
		HashIndexSplitThreshold: 320,
		OmapCowCloneThreshold:   64,
		FDCacheSize:             1024,
		SlowOpThreshold:         5 * time.Second,
	}
}

// Load returns Default() overlaid with any fields present in the YAML
// file at path. A missing file is not an error: it simply yields the
// default configuration, matching how a freshly mkfs'd store with no
// deployment-provided overrides is expected to mount.
func Load(path string) (StoreConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Option mutates a StoreConfig at mount/mkfs time, applied after Load so
// that programmatic callers (tests, embedders) can override individual
// fields without writing a YAML file.
type Option interface {
	apply(*StoreConfig)
}

// OptionFunc adapts a plain function to the Option interface.
type OptionFunc func(*StoreConfig)

func (f OptionFunc) apply(c *StoreConfig) { f(c) }

// Apply applies a list of options to cfg in order.
func Apply(cfg *StoreConfig, opts ...Option) {
	for _, o := range opts {
		o.apply(cfg)
	}
}

// WithApplyWorkers overrides the apply worker pool size.
func WithApplyWorkers(n int) Option {
	return OptionFunc(func(c *StoreConfig) { c.ApplyWorkers = n })
}

// WithDurability overrides the journal durability mode.
func WithDurability(m DurabilityMode) Option {
	return OptionFunc(func(c *StoreConfig) { c.JournalDurability = m })
}

// WithJournalIOMode overrides the journal I/O mode.
func WithJournalIOMode(m IOMode) Option {
	return OptionFunc(func(c *StoreConfig) { c.JournalIOMode = m })
}

// WithThrottle overrides the pipeline's in-flight ops/bytes caps.
func WithThrottle(maxOps int, maxBytes int64) Option {
	return OptionFunc(func(c *StoreConfig) {
		c.QueueMaxOps = maxOps
		c.QueueMaxBytes = maxBytes
	})
}

// WithOmapCowCloneThreshold overrides the key count at or above which Clone
// shares an omap header_id instead of copying it eagerly.
func WithOmapCowCloneThreshold(n int) Option {
	return OptionFunc(func(c *StoreConfig) { c.OmapCowCloneThreshold = n })
}

// WithMaxLogEntriesPerEvent overrides how many transactions the pipeline
// coalesces into a single journal append.
func WithMaxLogEntriesPerEvent(n int) Option {
	return OptionFunc(func(c *StoreConfig) { c.MaxLogEntriesPerEvent = n })
}
