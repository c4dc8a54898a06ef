package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3.0, cfg.Tracking.CutoffCost)
	assert.Equal(t, 50, cfg.Tracking.MaxCellDrop)
	assert.Equal(t, 18, cfg.Tracking.MinCellLength)
	assert.True(t, cfg.Tracking.ExitConstraints)
	assert.Equal(t, 35, cfg.Tracking.BottomOffset)
	assert.Equal(t, int64(1024), cfg.Solver.ProgressEvery)
	assert.Equal(t, DefaultSolverTimeLimit, cfg.Solver.TimeLimit)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanetrack.yaml")
	doc := `
tracking:
  cutoff_cost: 2.5
  exit_constraints: false
solver:
  time_limit: 45s
  mip_gap: 0.01
lineage:
  path: /data/lane-07.yaml
storage:
  data_dir: /var/lib/lanetrack
logging:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Tracking.CutoffCost)
	assert.False(t, cfg.Tracking.ExitConstraints)
	assert.Equal(t, 50, cfg.Tracking.MaxCellDrop, "unset keys keep defaults")
	assert.Equal(t, 45*time.Second, cfg.Solver.TimeLimit)
	assert.Equal(t, 0.01, cfg.Solver.MIPGap)
	assert.Equal(t, "lane-07", cfg.LineageName())
	assert.Equal(t, "/var/lib/lanetrack", cfg.Storage.DataDir)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tracking: [1, 2"), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LANETRACK_CUTOFF_COST", "4.5")
	t.Setenv("LANETRACK_MAX_CELL_DROP", "not-a-number")
	t.Setenv("LANETRACK_EXIT_CONSTRAINTS", "off")
	t.Setenv("LANETRACK_SOLVER_TIME_LIMIT", "90")
	t.Setenv("LANETRACK_MAPPING_WEIGHTS", "1, 2, 3, 4, 5, 6")
	t.Setenv("LANETRACK_LINEAGE_NAME", "lane-01")

	cfg := LoadFromEnv()
	assert.Equal(t, 4.5, cfg.Tracking.CutoffCost)
	assert.Equal(t, 50, cfg.Tracking.MaxCellDrop)
	assert.False(t, cfg.Tracking.ExitConstraints)
	assert.Equal(t, 90*time.Second, cfg.Solver.TimeLimit)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, cfg.Tracking.MappingWeights)
	assert.Equal(t, "lane-01", cfg.LineageName())
}

func TestLoadFromEnvOrFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanetrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracking:\n  min_cell_length: 12\n  cutoff_cost: 2\n"), 0o644))
	t.Setenv("LANETRACK_CUTOFF_COST", "5")

	cfg, err := LoadFromEnvOrFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Tracking.MinCellLength)
	assert.Equal(t, 5.0, cfg.Tracking.CutoffCost, "environment wins over file")

	cfg, err = LoadFromEnvOrFile("")
	require.NoError(t, err)
	assert.Equal(t, 18, cfg.Tracking.MinCellLength)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cutoff", func(c *Config) { c.Tracking.CutoffCost = 0 }},
		{"negative drop", func(c *Config) { c.Tracking.MaxCellDrop = -1 }},
		{"negative min length", func(c *Config) { c.Tracking.MinCellLength = -1 }},
		{"short mapping weights", func(c *Config) { c.Tracking.MappingWeights = []float64{1} }},
		{"short division weights", func(c *Config) { c.Tracking.DivisionWeights = []float64{1, 2} }},
		{"negative time limit", func(c *Config) { c.Solver.TimeLimit = -time.Second }},
		{"gap too large", func(c *Config) { c.Solver.MIPGap = 1 }},
		{"negative node limit", func(c *Config) { c.Solver.NodeLimit = -1 }},
		{"negative keep", func(c *Config) { c.Storage.KeepSnapshots = -1 }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lineage.Path = "runs/lane-3.yaml"
	cfg.Storage.InMemory = true
	s := cfg.String()
	assert.Contains(t, s, "Lineage: lane-3")
	assert.Contains(t, s, "Store: memory")
}
