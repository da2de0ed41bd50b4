package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaults(t *testing.T) {
	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults failed: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults do not validate: %v", err)
	}
	if cfg.Server.Timeout != 10*time.Minute {
		t.Errorf("Expected 10m timeout, got %v", cfg.Server.Timeout)
	}
	if cfg.Parse.Workers != 1 {
		t.Errorf("Expected 1 worker, got %d", cfg.Parse.Workers)
	}
	if cfg.Load.Enabled {
		t.Error("Expected load disabled by default")
	}
	if !cfg.Reclaim.Enabled {
		t.Error("Expected reclaim enabled by default")
	}
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  listing_url: http://localhost:8080/listing/
  max_retries: 1
parse:
  workers: 2
  output_csv: out/tm.csv
locate:
  from: "240101"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TM_PARSE_WORKERS", "6")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "", "")
	fs.String("load.batch-size", "1000", "")
	fs.String("locate.to", "", "")
	if err := fs.Parse([]string{"--load.batch-size=250"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, fs)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.ListingURL != "http://localhost:8080/listing/" {
		t.Errorf("listing_url = %q", cfg.Server.ListingURL)
	}
	if cfg.Server.MaxRetries != 1 {
		t.Errorf("max_retries = %d, want 1", cfg.Server.MaxRetries)
	}
	if cfg.Parse.Workers != 6 {
		t.Errorf("Expected env to override file, workers = %d", cfg.Parse.Workers)
	}
	if cfg.Load.BatchSize != 250 {
		t.Errorf("Expected flag to set batch size, got %d", cfg.Load.BatchSize)
	}
	if cfg.Locate.From != "240101" || cfg.Locate.To != "" {
		t.Errorf("Unexpected bounds from=%q to=%q", cfg.Locate.From, cfg.Locate.To)
	}
	if cfg.Extract.Directory != "data/xml_files" {
		t.Errorf("Expected default extract directory, got %q", cfg.Extract.Directory)
	}
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("parse:\n  wrokers: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path, nil); err == nil {
		t.Error("Expected error for misspelled key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Parse.Workers = 0 }},
		{"bad listing url", func(c *Config) { c.Server.ListingURL = "not a url" }},
		{"load without dsn", func(c *Config) { c.Load.Enabled = true }},
		{"unknown driver", func(c *Config) { c.Load.Driver = "mysql" }},
		{"table injection", func(c *Config) { c.Load.Table = "trademarks; DROP TABLE x" }},
		{"batch too large", func(c *Config) { c.Load.BatchSize = 100000 }},
		{"bad pattern", func(c *Config) { c.Locate.Pattern = "apc(" }},
		{"bounds without group", func(c *Config) {
			c.Locate.Pattern = `^apc\d{6}\.zip$`
			c.Locate.From = "240101"
		}},
		{"from after to", func(c *Config) {
			c.Locate.From = "240301"
			c.Locate.To = "240101"
		}},
		{"csv inside download directory", func(c *Config) {
			c.Parse.OutputCSV = filepath.Join(c.Download.Directory, "trademarks.csv")
		}},
		{"parquet inside extract directory", func(c *Config) {
			c.Parse.OutputParquet = filepath.Join(c.Extract.Directory, "nested", "trademarks.parquet")
		}},
		{"otlp without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Exporter = "otlp"
			c.Telemetry.Endpoint = ""
		}},
	}
	for _, tt := range tests {
		cfg, err := Defaults()
		if err != nil {
			t.Fatal(err)
		}
		tt.mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestValidate_OutputsBesideScratch(t *testing.T) {
	cfg, err := Defaults()
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	cfg.Download.Directory = filepath.Join(root, "xml_files_zip")
	cfg.Extract.Directory = filepath.Join(root, "xml_files")
	cfg.Parse.OutputCSV = filepath.Join(root, "xml_files_out", "trademarks.csv")
	cfg.Parse.OutputParquet = filepath.Join(root, "trademarks.parquet")
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected sibling outputs to validate, got %v", err)
	}
}
