package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Log       Log       `mapstructure:"log"       validate:"required"`
	Telemetry Telemetry `mapstructure:"telemetry" validate:"required"`
	Server    Server    `mapstructure:"server"    validate:"required"`
	Locate    Locate    `mapstructure:"locate"`
	Download  Download  `mapstructure:"download"`
	Extract   Extract   `mapstructure:"extract"`
	Parse     Parse     `mapstructure:"parse"`
	Load      Load      `mapstructure:"load"`
	Reclaim   Reclaim   `mapstructure:"reclaim"`
	Progress  bool      `mapstructure:"progress"`
}

type Log struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogDir   string `mapstructure:"log_dir"`
}

type Telemetry struct {
	Enabled     bool              `mapstructure:"enabled"`
	Exporter    string            `mapstructure:"exporter"     validate:"omitempty,oneof=otlp stdout none"`
	Endpoint    string            `mapstructure:"endpoint"`
	Protocol    string            `mapstructure:"protocol"     validate:"omitempty,oneof=grpc http"`
	Insecure    bool              `mapstructure:"insecure"`
	Headers     map[string]string `mapstructure:"headers"`
	ServiceName string            `mapstructure:"service_name"`
}

type Server struct {
	ListingURL string        `mapstructure:"listing_url" validate:"required,url"`
	Timeout    time.Duration `mapstructure:"timeout"     validate:"required,gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// Locate filters listing links. From and To bound the first capture group of
// Pattern and are compared as strings, so they must share its width.
type Locate struct {
	Pattern string `mapstructure:"pattern" validate:"required"`
	From    string `mapstructure:"from"`
	To      string `mapstructure:"to"`
}

type Download struct {
	Directory  string `mapstructure:"directory"   validate:"required"`
	SkipExists bool   `mapstructure:"skip_exists"`
	Enabled    bool   `mapstructure:"enabled"`
}

type Extract struct {
	Directory          string `mapstructure:"directory"            validate:"required"`
	Enabled            bool   `mapstructure:"enabled"`
	DeleteAfterExtract bool   `mapstructure:"delete_after_extract"`
}

type Parse struct {
	Enabled       bool   `mapstructure:"enabled"`
	Element       string `mapstructure:"element"        validate:"required"`
	OutputCSV     string `mapstructure:"output_csv"     validate:"required"`
	OutputParquet string `mapstructure:"output_parquet"`
	Workers       int    `mapstructure:"workers"        validate:"min=1,max=64"`
}

type Load struct {
	Enabled     bool   `mapstructure:"enabled"`
	Driver      string `mapstructure:"driver"       validate:"oneof=pgx sqlite"`
	DSN         string `mapstructure:"dsn"          validate:"required_if=Enabled true"`
	Table       string `mapstructure:"table"        validate:"required"`
	BatchSize   int    `mapstructure:"batch_size"   validate:"min=1,max=5000"`
	CreateTable bool   `mapstructure:"create_table"`
}

type Reclaim struct {
	Enabled bool `mapstructure:"enabled"`
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadConfig merges defaults, the config file, TM_* env vars and any flags that were
// set. Flag names map to keys with "-" replaced by "_".
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvPrefix("TM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tm-ingest")
		v.AddConfigPath("/etc/tm-ingest")
		v.SetConfigType("yaml")
	}

	SetDefaults(v)
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config read error: %w", err)
		}
		// Not found is ok, use defaults/env
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal error: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() (Config, error) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal defaults: %w", err)
	}
	return cfg, nil
}

// SetDefaults registers every key so env and flag overrides are picked up
// even when no config file exists.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.log_level", "info")
	v.SetDefault("log.log_dir", "logs")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.protocol", "grpc")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.headers", map[string]string{})
	v.SetDefault("telemetry.service_name", "tm-ingest")
	v.SetDefault("server.listing_url", "https://bulkdata.uspto.gov/data/trademark/dailyxml/applications/")
	v.SetDefault("server.timeout", 10*time.Minute)
	v.SetDefault("server.max_retries", 3)
	v.SetDefault("server.user_agent", "tm-ingest")
	v.SetDefault("locate.pattern", `^apc(\d{6})\.zip$`)
	v.SetDefault("locate.from", "")
	v.SetDefault("locate.to", "")
	v.SetDefault("download.directory", "data/xml_files_zip")
	v.SetDefault("download.skip_exists", false)
	v.SetDefault("download.enabled", true)
	v.SetDefault("extract.directory", "data/xml_files")
	v.SetDefault("extract.enabled", true)
	v.SetDefault("extract.delete_after_extract", false)
	v.SetDefault("parse.enabled", true)
	v.SetDefault("parse.element", "//case-file")
	v.SetDefault("parse.output_csv", "data/csv_files/trademarks.csv")
	v.SetDefault("parse.output_parquet", "")
	v.SetDefault("parse.workers", 1)
	v.SetDefault("load.enabled", false)
	v.SetDefault("load.driver", "pgx")
	v.SetDefault("load.dsn", "")
	v.SetDefault("load.table", "trademarks")
	v.SetDefault("load.batch_size", 1000)
	v.SetDefault("load.create_table", false)
	v.SetDefault("reclaim.enabled", true)
	v.SetDefault("progress", true)
}

// Validate runs the struct tag rules and the checks tags cannot express.
func Validate(cfg Config) error {
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Exporter == "otlp" && cfg.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when using otlp exporter")
	}
	re, err := regexp.Compile(cfg.Locate.Pattern)
	if err != nil {
		return fmt.Errorf("locate.pattern: %w", err)
	}
	if (cfg.Locate.From != "" || cfg.Locate.To != "") && re.NumSubexp() < 1 {
		return errors.New("locate.pattern needs a capture group when locate.from or locate.to is set")
	}
	if cfg.Locate.From != "" && cfg.Locate.To != "" && cfg.Locate.From > cfg.Locate.To {
		return fmt.Errorf("locate.from %q is after locate.to %q", cfg.Locate.From, cfg.Locate.To)
	}
	if !tableName.MatchString(cfg.Load.Table) {
		return fmt.Errorf("load.table %q is not a plain identifier", cfg.Load.Table)
	}
	return validateOutputs(cfg)
}

// validateOutputs rejects outputs inside a scratch directory, since reclaim
// empties those after a run.
func validateOutputs(cfg Config) error {
	scratch := map[string]string{
		"download.directory": cfg.Download.Directory,
		"extract.directory":  cfg.Extract.Directory,
	}
	outputs := map[string]string{
		"parse.output_csv":     cfg.Parse.OutputCSV,
		"parse.output_parquet": cfg.Parse.OutputParquet,
	}
	for outKey, out := range outputs {
		if out == "" {
			continue
		}
		for dirKey, dir := range scratch {
			inside, err := within(dir, out)
			if err != nil {
				return fmt.Errorf("%s: %w", outKey, err)
			}
			if inside {
				return fmt.Errorf("%s %q is inside %s %q and would be reclaimed", outKey, out, dirKey, dir)
			}
		}
	}
	return nil
}

func within(dir, path string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}
