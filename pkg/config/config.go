// Package config handles lanetrack configuration from YAML files and
// environment variables.
//
// Configuration starts from DefaultConfig(), is optionally overlaid with a YAML
// file via LoadConfig(), and finally with LANETRACK_* environment variables.
// LoadFromEnvOrFile() performs all three steps in that order.
//
// Example Usage:
//
//	cfg, err := config.LoadFromEnvOrFile("lanetrack.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
// Tracking:
//   - LANETRACK_CUTOFF_COST=3.0
//   - LANETRACK_MAX_CELL_DROP=50
//   - LANETRACK_MIN_CELL_LENGTH=18
//   - LANETRACK_EXIT_CONSTRAINTS=true
//   - LANETRACK_TIME_OFFSET=0
//   - LANETRACK_BOTTOM_OFFSET=35
//
// Solver:
//   - LANETRACK_SOLVER_TIME_LIMIT=1m
//   - LANETRACK_SOLVER_MIP_GAP=0.0
//   - LANETRACK_SOLVER_NODE_LIMIT=0
//   - LANETRACK_SOLVER_PROGRESS_EVERY=1024
//
// Lineage, storage, logging and metrics:
//   - LANETRACK_LINEAGE_PATH="lane.yaml"
//   - LANETRACK_LINEAGE_NAME="lane-07"
//   - LANETRACK_DATA_DIR="./data"
//   - LANETRACK_STORAGE_IN_MEMORY=false
//   - LANETRACK_AUTOSAVE=true
//   - LANETRACK_AUTOSAVE_PATH="lane.state"
//   - LANETRACK_KEEP_SNAPSHOTS=20
//   - LANETRACK_LOG_LEVEL=info
//   - LANETRACK_LOG_FORMAT=json
//   - LANETRACK_METRICS_ADDRESS=":9090"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all lanetrack configuration.
//
// Configuration is organized into logical sections:
//   - Tracking: graph construction thresholds and cost calibration
//   - Solver: limits for the branch-and-bound search
//   - Lineage: which segmentation forest to track
//   - Storage: snapshot store and autosave
//   - Logging: zap logger settings
//   - Metrics: Prometheus endpoint
type Config struct {
	Tracking TrackingConfig `yaml:"tracking"`
	Solver   SolverConfig   `yaml:"solver"`
	Lineage  LineageConfig  `yaml:"lineage"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// TrackingConfig controls which assignments are generated.
type TrackingConfig struct {
	// CutoffCost drops mapping and division candidates whose cost exceeds it.
	CutoffCost float64 `yaml:"cutoff_cost"`

	// MaxCellDrop is the largest downward move, in pixels, between frames.
	MaxCellDrop int `yaml:"max_cell_drop"`

	// MinCellLength is the smallest daughter length considered for divisions.
	MinCellLength int `yaml:"min_cell_length"`

	// ExitConstraints enables the exit coverage rows.
	ExitConstraints bool `yaml:"exit_constraints"`

	// TimeOffset is added to frame indices in persisted state.
	TimeOffset int `yaml:"time_offset"`

	// BottomOffset is written to persisted state for downstream tools.
	BottomOffset int `yaml:"bottom_offset"`

	// MappingWeights and DivisionWeights override the cost calibration.
	// Empty keeps the built-in weights.
	MappingWeights  []float64 `yaml:"mapping_weights"`
	DivisionWeights []float64 `yaml:"division_weights"`
}

// DefaultSolverTimeLimit bounds a solve unless configured otherwise. The
// best solution found so far is kept when it expires.
const DefaultSolverTimeLimit = time.Minute

// SolverConfig holds branch-and-bound limits. A zero TimeLimit or NodeLimit
// disables that limit.
type SolverConfig struct {
	TimeLimit     time.Duration `yaml:"time_limit"`
	MIPGap        float64       `yaml:"mip_gap"`
	NodeLimit     int64         `yaml:"node_limit"`
	ProgressEvery int64         `yaml:"progress_every"`
}

// LineageConfig names the segmentation forest input.
type LineageConfig struct {
	// Path of the YAML forest file.
	Path string `yaml:"path"`

	// Name identifies the dataset in the snapshot store. Defaults to the
	// file name of Path without extension.
	Name string `yaml:"name"`
}

// StorageConfig holds snapshot store settings.
type StorageConfig struct {
	// DataDir is the BadgerDB directory. Empty disables the persistent store.
	DataDir string `yaml:"data_dir"`

	// InMemory keeps snapshots in process memory only.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces fsync after each snapshot write.
	SyncWrites bool `yaml:"sync_writes"`

	// Autosave stores a snapshot after every successful solve.
	Autosave bool `yaml:"autosave"`

	// AutosavePath additionally writes the state document to this file.
	AutosavePath string `yaml:"autosave_path"`

	// KeepSnapshots bounds the snapshots kept per lineage. Zero keeps all.
	KeepSnapshots int `yaml:"keep_snapshots"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (json, console)
	Format string `yaml:"format"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Address to serve /metrics on. Empty disables the endpoint.
	Address string `yaml:"address"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Tracking: TrackingConfig{
			CutoffCost:      3.0,
			MaxCellDrop:     50,
			MinCellLength:   18,
			ExitConstraints: true,
			BottomOffset:    35,
		},
		Solver: SolverConfig{
			TimeLimit:     DefaultSolverTimeLimit,
			ProgressEvery: 1024,
		},
		Storage: StorageConfig{
			Autosave:      true,
			KeepSnapshots: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// LoadConfig reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults overridden by LANETRACK_* variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadFromEnvOrFile loads path when it is non-empty, then applies
// environment overrides on top.
func LoadFromEnvOrFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Tracking.CutoffCost = getEnvFloat("LANETRACK_CUTOFF_COST", c.Tracking.CutoffCost)
	c.Tracking.MaxCellDrop = getEnvInt("LANETRACK_MAX_CELL_DROP", c.Tracking.MaxCellDrop)
	c.Tracking.MinCellLength = getEnvInt("LANETRACK_MIN_CELL_LENGTH", c.Tracking.MinCellLength)
	c.Tracking.ExitConstraints = getEnvBool("LANETRACK_EXIT_CONSTRAINTS", c.Tracking.ExitConstraints)
	c.Tracking.TimeOffset = getEnvInt("LANETRACK_TIME_OFFSET", c.Tracking.TimeOffset)
	c.Tracking.BottomOffset = getEnvInt("LANETRACK_BOTTOM_OFFSET", c.Tracking.BottomOffset)
	c.Tracking.MappingWeights = getEnvFloatSlice("LANETRACK_MAPPING_WEIGHTS", c.Tracking.MappingWeights)
	c.Tracking.DivisionWeights = getEnvFloatSlice("LANETRACK_DIVISION_WEIGHTS", c.Tracking.DivisionWeights)

	c.Solver.TimeLimit = getEnvDuration("LANETRACK_SOLVER_TIME_LIMIT", c.Solver.TimeLimit)
	c.Solver.MIPGap = getEnvFloat("LANETRACK_SOLVER_MIP_GAP", c.Solver.MIPGap)
	c.Solver.NodeLimit = int64(getEnvInt("LANETRACK_SOLVER_NODE_LIMIT", int(c.Solver.NodeLimit)))
	c.Solver.ProgressEvery = int64(getEnvInt("LANETRACK_SOLVER_PROGRESS_EVERY", int(c.Solver.ProgressEvery)))

	c.Lineage.Path = getEnv("LANETRACK_LINEAGE_PATH", c.Lineage.Path)
	c.Lineage.Name = getEnv("LANETRACK_LINEAGE_NAME", c.Lineage.Name)

	c.Storage.DataDir = getEnv("LANETRACK_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("LANETRACK_STORAGE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("LANETRACK_STORAGE_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.Autosave = getEnvBool("LANETRACK_AUTOSAVE", c.Storage.Autosave)
	c.Storage.AutosavePath = getEnv("LANETRACK_AUTOSAVE_PATH", c.Storage.AutosavePath)
	c.Storage.KeepSnapshots = getEnvInt("LANETRACK_KEEP_SNAPSHOTS", c.Storage.KeepSnapshots)

	c.Logging.Level = getEnv("LANETRACK_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LANETRACK_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LANETRACK_LOG_OUTPUT", c.Logging.Output)

	c.Metrics.Address = getEnv("LANETRACK_METRICS_ADDRESS", c.Metrics.Address)
}

// LineageName returns Lineage.Name, falling back to the base name of
// Lineage.Path without its extension.
func (c *Config) LineageName() string {
	if c.Lineage.Name != "" {
		return c.Lineage.Name
	}
	if c.Lineage.Path == "" {
		return ""
	}
	base := filepath.Base(c.Lineage.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Validate checks the configuration for logical errors and invalid values.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	if c.Tracking.CutoffCost <= 0 {
		return fmt.Errorf("invalid cutoff cost: %g", c.Tracking.CutoffCost)
	}
	if c.Tracking.MaxCellDrop < 0 {
		return fmt.Errorf("invalid max cell drop: %d", c.Tracking.MaxCellDrop)
	}
	if c.Tracking.MinCellLength < 0 {
		return fmt.Errorf("invalid min cell length: %d", c.Tracking.MinCellLength)
	}
	if n := len(c.Tracking.MappingWeights); n != 0 && n != 6 {
		return fmt.Errorf("mapping weights need 6 entries, got %d", n)
	}
	if n := len(c.Tracking.DivisionWeights); n != 0 && n != 13 {
		return fmt.Errorf("division weights need 13 entries, got %d", n)
	}

	if c.Solver.TimeLimit < 0 {
		return fmt.Errorf("invalid solver time limit: %s", c.Solver.TimeLimit)
	}
	if c.Solver.MIPGap < 0 || c.Solver.MIPGap >= 1 {
		return fmt.Errorf("invalid MIP gap: %g", c.Solver.MIPGap)
	}
	if c.Solver.NodeLimit < 0 || c.Solver.ProgressEvery < 0 {
		return fmt.Errorf("solver limits must not be negative")
	}

	if c.Storage.KeepSnapshots < 0 {
		return fmt.Errorf("invalid keep snapshots: %d", c.Storage.KeepSnapshots)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	return nil
}

// String returns a compact representation of the Config for logging.
func (c *Config) String() string {
	store := "none"
	switch {
	case c.Storage.InMemory:
		store = "memory"
	case c.Storage.DataDir != "":
		store = c.Storage.DataDir
	}
	return fmt.Sprintf(
		"Config{Lineage: %s, Cutoff: %g, MaxDrop: %d, MinLength: %d, Exits: %v, TimeLimit: %s, Store: %s}",
		c.LineageName(),
		c.Tracking.CutoffCost, c.Tracking.MaxCellDrop, c.Tracking.MinCellLength,
		c.Tracking.ExitConstraints, c.Solver.TimeLimit, store,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvFloatSlice(key string, defaultVal []float64) []float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	result := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return defaultVal
		}
		result = append(result, f)
	}
	return result
}
