package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes one supplier feed. The file is the registry input:
// every entry becomes an adapter instance keyed by ID.
type FeedConfig struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"`
	Disabled bool   `yaml:"disabled"`

	APIURL         string `yaml:"api_url"`
	APIUsername    string `yaml:"api_username"`
	APIPassword    string `yaml:"api_password"`
	ProxyTimeoutMS int    `yaml:"proxy_timeout_ms"`

	RawTable         string  `yaml:"raw_table"`
	WatermarkBlob    string  `yaml:"watermark_blob"`
	MaxPageSize      int     `yaml:"max_page_size"`
	WorkerPageSize   int     `yaml:"worker_page_size"`
	PriceGranularity float64 `yaml:"price_granularity"`
	MarkupPercent    float64 `yaml:"markup_percent"`

	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Heatmap   HeatmapOverrides `yaml:"heatmap"`
}

// RateLimitConfig mirrors the windowed token bucket parameters.
type RateLimitConfig struct {
	MaxRequestsPerWindow int `yaml:"max_requests_per_window"`
	WindowMS             int `yaml:"window_ms"`
	MaxWaitMS            int `yaml:"max_wait_ms"`
}

// HeatmapOverrides are the per-feed density scan settings. Pointer fields
// override the global defaults only when set.
type HeatmapOverrides struct {
	MinPrice           *float64 `yaml:"min_price"`
	MaxPrice           *float64 `yaml:"max_price"`
	DenseZoneThreshold float64  `yaml:"dense_zone_threshold"`
	DenseZoneStep      float64  `yaml:"dense_zone_step"`
	InitialStep        float64  `yaml:"initial_step"`
	TargetPerChunk     *int64   `yaml:"target_records_per_chunk"`
	Concurrency        *int     `yaml:"concurrency"`
	UseTwoPass         bool     `yaml:"use_two_pass"`
	CoarseStep         float64  `yaml:"coarse_step"`
}

type feedsFile struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

// LoadFeeds reads the feeds file. ${VAR} references are expanded from the
// environment before parsing so credentials never sit in the file itself.
func LoadFeeds(path string) ([]FeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f feedsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i := range f.Feeds {
		fc := &f.Feeds[i]
		if fc.ID == "" {
			return nil, fmt.Errorf("%s: feed %d has no id", path, i)
		}
		if seen[fc.ID] {
			return nil, fmt.Errorf("%s: duplicate feed id %q", path, fc.ID)
		}
		seen[fc.ID] = true
		if fc.Kind == "" {
			fc.Kind = fc.ID
		}
		if fc.RawTable == "" {
			fc.RawTable = "raw." + fc.ID + "_stones"
		}
		if fc.WatermarkBlob == "" {
			fc.WatermarkBlob = fc.ID + "-watermark.json"
		}
		if fc.MaxPageSize <= 0 {
			fc.MaxPageSize = 100
		}
		if fc.WorkerPageSize <= 0 || fc.WorkerPageSize > fc.MaxPageSize {
			fc.WorkerPageSize = fc.MaxPageSize
		}
		if fc.PriceGranularity <= 0 {
			fc.PriceGranularity = 0.01
		}
		if fc.RateLimit.MaxRequestsPerWindow <= 0 {
			fc.RateLimit.MaxRequestsPerWindow = 5
		}
		if fc.RateLimit.WindowMS <= 0 {
			fc.RateLimit.WindowMS = 1000
		}
		if fc.RateLimit.MaxWaitMS <= 0 {
			fc.RateLimit.MaxWaitMS = 30_000
		}
	}
	return f.Feeds, nil
}
