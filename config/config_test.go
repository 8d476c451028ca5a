package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Source.PageSize = 100
	cfg.Ingest.BatchSize = 500
	cfg.Ingest.Workers = 5
	cfg.Ingest.MonthsBack = 3
	cfg.Ingest.InsertMode = InsertModeIgnore
	cfg.Proximity.RadiusKm = 10
	cfg.Proximity.BatchSize = 1000
	cfg.Checkpoint.Backend = "database"
	cfg.Schedule.QueueSize = 32
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{name: "Defaults", mutate: func(c *Config) {}},
		{name: "Upsert mode", mutate: func(c *Config) { c.Ingest.InsertMode = InsertModeUpsert }},
		{name: "Unknown insert mode", mutate: func(c *Config) { c.Ingest.InsertMode = "merge" }, expectError: true},
		{name: "Zero batch size", mutate: func(c *Config) { c.Ingest.BatchSize = 0 }, expectError: true},
		{name: "Zero workers", mutate: func(c *Config) { c.Ingest.Workers = 0 }, expectError: true},
		{name: "Bad year-month", mutate: func(c *Config) { c.Ingest.YearMonths = []string{"2024-01"} }, expectError: true},
		{name: "Explicit months", mutate: func(c *Config) {
			c.Ingest.MonthsBack = 0
			c.Ingest.YearMonths = []string{"202401", "202402"}
		}},
		{name: "Redis backend without address", mutate: func(c *Config) { c.Checkpoint.Backend = "redis" }, expectError: true},
		{name: "Redis backend", mutate: func(c *Config) {
			c.Checkpoint.Backend = "redis"
			c.Redis.Address = "localhost:6379"
		}},
		{name: "Zero queue size", mutate: func(c *Config) { c.Schedule.QueueSize = 0 }, expectError: true},
		{name: "Negative radius", mutate: func(c *Config) { c.Proximity.RadiusKm = -1 }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMonthWindow(t *testing.T) {
	now := time.Date(2024, time.February, 17, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"202312", "202401", "202402"}, MonthWindow(now, 3))
	assert.Equal(t, []string{"202402"}, MonthWindow(now, 1))
}

func TestYearMonthsPrefersExplicitList(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.YearMonths = []string{" 202301", "202302 "}
	assert.Equal(t, []string{"202301", "202302"}, cfg.YearMonths(time.Now()))
}

func TestPrefixAllowed(t *testing.T) {
	tests := []struct {
		name     string
		allow    []string
		code     string
		expected bool
	}{
		{name: "Empty allow-list", allow: nil, code: "26110", expected: true},
		{name: "Seoul allowed", allow: []string{"11", "41"}, code: "11680", expected: true},
		{name: "Busan filtered", allow: []string{"11", "41"}, code: "26110", expected: false},
		{name: "Whitespace in list", allow: []string{" 41"}, code: "41135", expected: true},
		{name: "Short code", allow: []string{"11"}, code: "1", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PrefixAllowed(tt.allow, tt.code))
		})
	}
}

func TestLoadRegionFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "regions.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"regions":[
		{"code":"11680","legal_code":"1168010300","province":"서울특별시","district":"강남구","neighborhood_prefix":"개포"}
	]}`), 0644))

	yamlPath := filepath.Join(dir, "regions.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`regions:
  - code: "41135"
    legal_code: "4113500000"
    province: 경기도
    district: 성남시 분당구
`), 0644))

	regions, err := LoadRegionFile(jsonPath)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, "개포", regions[0].NeighborhoodPrefix)

	regions, err = LoadRegionFile(yamlPath)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, "41135", regions[0].Code)
	assert.Equal(t, "성남시 분당구", regions[0].District)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"regions":[{"code":"116","legal_code":"1","province":"x"}]}`), 0644))
	_, err = LoadRegionFile(badPath)
	assert.Error(t, err)
}
