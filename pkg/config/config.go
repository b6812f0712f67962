// Package config is the single configuration surface for every
// introspectd daemon. It follows pkg/config/loader.go's pipeline in the
// teacher almost exactly: load YAML, expand environment variables,
// merge onto compiled-in defaults with dario.cat/mergo, then validate
// with go-playground/validator/v10.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree, recognizing every option
// enumerated in spec.md §6.
type Config struct {
	configDir string

	Paths        PathsConfig        `yaml:"paths"`
	Observer     ObserverConfig     `yaml:"observer"`
	RuleEngine   RuleEngineConfig   `yaml:"rule_engine"`
	Investigator InvestigatorConfig `yaml:"investigator"`
	Regulator    RegulatorConfig    `yaml:"regulator"`
	Memory       MemoryConfig       `yaml:"memory"`
	VectorIndex  VectorIndexConfig  `yaml:"vector_index"`
	Admin        AdminConfig        `yaml:"admin"`
}

// PathsConfig names the filesystem layout from spec §6.
type PathsConfig struct {
	IntentsDir            string `yaml:"intents_dir" validate:"required"`
	InvestigationsLog     string `yaml:"investigations_log" validate:"required"`
	ProcessedQuestionsLog string `yaml:"processed_questions_log" validate:"required"`
	DeadLetterLog         string `yaml:"dead_letter_log" validate:"required"`
	ActionLog             string `yaml:"action_log" validate:"required"`
	EmergencyBrakeFile    string `yaml:"emergency_brake_file" validate:"required"`
}

// ObserverConfig controls the Event Observer's four sources.
type ObserverConfig struct {
	JournalUnits          []string      `yaml:"journal_units"`
	WatchedPaths          []string      `yaml:"watched_paths"`
	MetricsEndpoint       string        `yaml:"metrics_endpoint"`
	MetricsScrapeInterval time.Duration `yaml:"metrics_scrape_interval" validate:"required"`
	SystemdAuditInterval  time.Duration `yaml:"systemd_audit_interval" validate:"required"`
	EventSpoolEnabled     bool          `yaml:"event_spool_enabled"`
	EventChannelBuffer    int           `yaml:"event_channel_buffer" validate:"min=1"`
}

// RuleEngineConfig holds the engine's per-kind thresholds and the two
// open-question values spec §9 asks to expose as configuration.
type RuleEngineConfig struct {
	RateLimitWindow         time.Duration `yaml:"rate_limit_window" validate:"required"`
	HistoryCapacity         int           `yaml:"history_capacity" validate:"min=1"`
	PromotionClusterMin     int           `yaml:"promotion_cluster_min" validate:"min=1"`
	PromotionWindow         time.Duration `yaml:"promotion_window" validate:"required"`
	PromotionCooldown       time.Duration `yaml:"promotion_cooldown" validate:"required"`
	HeartbeatStallWindow    time.Duration `yaml:"heartbeat_stall_window" validate:"required"`
	LockContentionThreshold int           `yaml:"lock_contention_threshold" validate:"min=1"`
	PhaseDurationThreshold  time.Duration `yaml:"phase_duration_threshold" validate:"required"`
	VLLMTotalMemoryMB       int           `yaml:"vllm_total_memory_mb" validate:"min=1"`
	MetaPrefixes            []string      `yaml:"meta_prefixes"`
}

// InvestigatorConfig mirrors spec §6's "worker pool" options.
type InvestigatorConfig struct {
	MaxConcurrentInvestigations  int           `yaml:"max_concurrent_investigations" validate:"min=1"`
	MaxQueueDepth                int           `yaml:"max_queue_depth" validate:"min=1"`
	MinDelayBetweenInvestigations time.Duration `yaml:"min_delay_between_investigations" validate:"required"`
	NormalTimeout                time.Duration `yaml:"normal_timeout" validate:"required"`
	EmergencyTimeout              time.Duration `yaml:"emergency_timeout" validate:"required"`
	MetricsSummaryInterval        time.Duration `yaml:"metrics_summary_interval" validate:"required"`
	BottleneckQueueDepth          int           `yaml:"bottleneck_queue_depth" validate:"min=1"`
	Backend                       string        `yaml:"backend" validate:"oneof=local remote_http"`
	RemoteBackendURL              string        `yaml:"remote_backend_url"`
	ArchiveDir                    string        `yaml:"archive_dir" validate:"required"`
}

// RegulatorConfig covers spec §6's "self-regulator" options, plus the
// resource-sensing supplement from SPEC_FULL §4.6.
type RegulatorConfig struct {
	BaselineDelay                 time.Duration `yaml:"baseline_delay" validate:"required"`
	MaxDelay                      time.Duration `yaml:"max_delay" validate:"required"`
	ActionCooldown                time.Duration `yaml:"action_cooldown" validate:"required"`
	SensorInterval                time.Duration `yaml:"sensor_interval" validate:"required"`
	RSSThresholdBytes             uint64        `yaml:"rss_threshold_bytes" validate:"min=1"`
	AvailableMemoryThresholdBytes uint64        `yaml:"available_memory_threshold_bytes" validate:"min=1"`
}

// MemoryConfig covers spec §6's "memory" options.
type MemoryConfig struct {
	DatabaseURL   string `yaml:"database_url" validate:"required"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// VectorIndexConfig names the vector store location and the embedding
// model identifier spec §6 asks to record (used only as metadata here
// since embedding generation itself is out of scope).
type VectorIndexConfig struct {
	EmbeddingModel      string        `yaml:"embedding_model" validate:"required"`
	ScanRoots           []string      `yaml:"scan_roots"`
	ScanInterval        time.Duration `yaml:"scan_interval" validate:"required"`
	MaxQuestionsPerScan int           `yaml:"max_questions_per_scan" validate:"min=1"`
}

// AdminConfig configures each daemon's ambient gin health/metrics server.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

// Stats summarizes the loaded config, the way Config.Stats() does in
// the teacher, for the one-line "initialized successfully" log.
type Stats struct {
	JournalUnits int
	WatchedPaths int
	ScanRoots    int
}

func (c *Config) Stats() Stats {
	return Stats{
		JournalUnits: len(c.Observer.JournalUnits),
		WatchedPaths: len(c.Observer.WatchedPaths),
		ScanRoots:    len(c.VectorIndex.ScanRoots),
	}
}

// ConfigDir returns the directory this Config was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Initialize loads, merges, and validates configuration from configDir,
// the entry point every cmd/*/main.go calls.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized successfully",
		"journal_units", stats.JournalUnits,
		"watched_paths", stats.WatchedPaths,
		"scan_roots", stats.ScanRoots)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := Default()
	cfg.configDir = configDir

	path := filepath.Join(configDir, "introspectd.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No user config file: run on compiled-in defaults, same as
			// the teacher does when an optional YAML file is absent.
			return cfg, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	v := NewValidator()
	return v.ValidateAll(cfg)
}
