// Package config loads and validates the single configuration object
// the orchestrator hands to every worker (spec §6), following the
// teacher's gopkg.in/yaml.v3 + one-Default*()-per-struct idiom from
// ihavespoons-zrok/internal/project/config.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pyindex/pyindexd/internal/errs"
	"gopkg.in/yaml.v3"
)

// WatchDirSpec is one entry of watch.dirs[]. The legacy string form
// ("path/to/dir") is accepted and becomes {Path: ...}; its ID is left
// empty (no ID is generated).
type WatchDirSpec struct {
	ID   string `yaml:"id,omitempty" json:"id,omitempty"`
	Path string `yaml:"path" json:"path"`
}

// UnmarshalYAML accepts both the legacy bare-string form and the
// structured {id, path} form.
func (w *WatchDirSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		w.Path = value.Value
		return nil
	}
	type alias WatchDirSpec
	var a alias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*w = WatchDirSpec(a)
	return nil
}

// StorageConfig is storage.*.
type StorageConfig struct {
	Path          string `yaml:"path" json:"path"`
	BackupDir     string `yaml:"backup_dir" json:"backup_dir"`
	RequestSocket string `yaml:"request_socket" json:"request_socket"`
}

// WatchConfig is watch.*.
type WatchConfig struct {
	Dirs           []WatchDirSpec `yaml:"dirs" json:"dirs"`
	ScanInterval   int            `yaml:"scan_interval" json:"scan_interval"`
	IgnorePatterns []string       `yaml:"ignore_patterns" json:"ignore_patterns"`
	VersionDir     string         `yaml:"version_dir,omitempty" json:"version_dir,omitempty"`
}

// IndexerConfig is indexer.*.
type IndexerConfig struct {
	BatchSize         int `yaml:"batch_size" json:"batch_size"`
	ShortIdle         int `yaml:"short_idle" json:"short_idle"`
	LongIdle          int `yaml:"long_idle" json:"long_idle"`
	MaxFailuresPerFile int `yaml:"max_failures_per_file" json:"max_failures_per_file"`
}

// VectorizerConfig is vectorizer.*.
type VectorizerConfig struct {
	ChunkBatch         int `yaml:"chunk_batch" json:"chunk_batch"`
	FaissBatch         int `yaml:"faiss_batch" json:"faiss_batch"`
	MinChunkLength     int `yaml:"min_chunk_length" json:"min_chunk_length"`
	MaxInFlightEmbed   int `yaml:"max_in_flight_embed" json:"max_in_flight_embed"`
	RequestTimeout     int `yaml:"request_timeout" json:"request_timeout"`
	BreakerThreshold   int `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown    int `yaml:"breaker_cooldown" json:"breaker_cooldown"`
	EmbeddingDimension int `yaml:"embedding_dimension" json:"embedding_dimension"`
}

// EmbedderTLS is embedder.tls.*.
type EmbedderTLS struct {
	Cert string `yaml:"cert,omitempty" json:"cert,omitempty"`
	Key  string `yaml:"key,omitempty" json:"key,omitempty"`
	CA   string `yaml:"ca,omitempty" json:"ca,omitempty"`
}

// EmbedderConfig is embedder.*.
type EmbedderConfig struct {
	Endpoint string      `yaml:"endpoint" json:"endpoint"`
	Model    string      `yaml:"model" json:"model"`
	TLS      EmbedderTLS `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// OrchestratorConfig is orchestrator.*.
type OrchestratorConfig struct {
	RunDir          string `yaml:"run_dir" json:"run_dir"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBackoff      int    `yaml:"max_backoff" json:"max_backoff"`
}

// WorkersConfig is workers.{file_watcher,indexer,vectorizer}.enabled.
type WorkersConfig struct {
	FileWatcher WorkerEnabled `yaml:"file_watcher" json:"file_watcher"`
	Indexer     WorkerEnabled `yaml:"indexer" json:"indexer"`
	Vectorizer  WorkerEnabled `yaml:"vectorizer" json:"vectorizer"`
}

type WorkerEnabled struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Config is the whole configuration object (spec §6, exhaustive key list).
type Config struct {
	Storage      StorageConfig      `yaml:"storage" json:"storage"`
	Watch        WatchConfig        `yaml:"watch" json:"watch"`
	Indexer      IndexerConfig      `yaml:"indexer" json:"indexer"`
	Vectorizer   VectorizerConfig   `yaml:"vectorizer" json:"vectorizer"`
	Embedder     EmbedderConfig     `yaml:"embedder" json:"embedder"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Workers      WorkersConfig      `yaml:"workers" json:"workers"`
}

// Default returns the default configuration, mirroring the teacher's
// DefaultIndexConfig/DefaultStoreConfig/DefaultConfigs constructors.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:          "./data/pyindexd.db",
			BackupDir:     "./data/backups",
			RequestSocket: "./data/storage.sock",
		},
		Watch: WatchConfig{
			ScanInterval:   10,
			IgnorePatterns: []string{"__pycache__/", "*.pyc", ".git/", ".hg/", ".svn/"},
		},
		Indexer: IndexerConfig{
			BatchSize:          50,
			ShortIdle:          2,
			LongIdle:           30,
			MaxFailuresPerFile: 3,
		},
		Vectorizer: VectorizerConfig{
			ChunkBatch:         20,
			FaissBatch:         200,
			MinChunkLength:     5,
			MaxInFlightEmbed:   4,
			RequestTimeout:     30,
			BreakerThreshold:   3,
			BreakerCooldown:    60,
			EmbeddingDimension: 768,
		},
		Embedder: EmbedderConfig{
			Model: "external-embedder-v1",
		},
		Orchestrator: OrchestratorConfig{
			RunDir:          "./data/run",
			ShutdownTimeout: 10,
			MaxBackoff:      60,
		},
		Workers: WorkersConfig{
			FileWatcher: WorkerEnabled{Enabled: true},
			Indexer:     WorkerEnabled{Enabled: true},
			Vectorizer:  WorkerEnabled{Enabled: true},
		},
	}
}

// Load reads and validates the configuration at path, filling in
// defaults for anything the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Sprintf("reading config %s", path), err)
	}

	// Decode onto the defaults so a partially-specified file keeps the
	// rest of the defaults, the way the teacher's ProjectConfig merges
	// onto DefaultIndexConfig().
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Sprintf("parsing config %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg back to path as YAML, used by `pyindexd project
// add|remove` to persist watch.dirs[] edits.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errs.Wrap(errs.ConfigError, "encoding config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.ConfigError, fmt.Sprintf("writing config %s", path), err)
	}
	return nil
}

// Validate checks the required fields are present and sane.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errs.New(errs.ConfigError, "storage.path is required")
	}
	if c.Storage.RequestSocket == "" {
		return errs.New(errs.ConfigError, "storage.request_socket is required")
	}
	if c.Watch.ScanInterval <= 0 {
		return errs.New(errs.ConfigError, "watch.scan_interval must be positive")
	}
	if c.Indexer.BatchSize <= 0 {
		return errs.New(errs.ConfigError, "indexer.batch_size must be positive")
	}
	if c.Vectorizer.MaxInFlightEmbed <= 0 {
		return errs.New(errs.ConfigError, "vectorizer.max_in_flight_embed must be positive")
	}
	if c.Vectorizer.EmbeddingDimension <= 0 {
		return errs.New(errs.ConfigError, "vectorizer.embedding_dimension must be positive")
	}
	for _, d := range c.Watch.Dirs {
		if d.Path == "" {
			return errs.New(errs.ConfigError, "watch.dirs[] entry missing path")
		}
	}
	return nil
}

// VectorDir returns the directory VI persists per-project index files
// under (spec §4.2: one binary file per project, sited alongside the
// primary data file rather than adding a dedicated config key).
func (c *Config) VectorDir() string {
	return filepath.Join(filepath.Dir(c.Storage.Path), "vectors")
}

// ScanInterval returns watch.scan_interval as a time.Duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Watch.ScanInterval) * time.Second
}

// ShortIdleDuration returns indexer.short_idle as a time.Duration.
func (c *IndexerConfig) ShortIdleDuration() time.Duration {
	return time.Duration(c.ShortIdle) * time.Second
}

// LongIdleDuration returns indexer.long_idle as a time.Duration.
func (c *IndexerConfig) LongIdleDuration() time.Duration {
	return time.Duration(c.LongIdle) * time.Second
}

// BreakerCooldownDuration returns vectorizer.breaker_cooldown as a duration.
func (c *VectorizerConfig) BreakerCooldownDuration() time.Duration {
	return time.Duration(c.BreakerCooldown) * time.Second
}

// RequestTimeoutDuration returns vectorizer.request_timeout as a duration.
func (c *VectorizerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// ShutdownTimeoutDuration returns orchestrator.shutdown_timeout as a duration.
func (c *OrchestratorConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// MaxBackoffDuration returns orchestrator.max_backoff as a duration.
func (c *OrchestratorConfig) MaxBackoffDuration() time.Duration {
	return time.Duration(c.MaxBackoff) * time.Second
}
