package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/config"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/pipeline"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/telemetry"
)

var (
	cfgFile  string
	cfg      config.Config
	logger   *zap.SugaredLogger
	tracer   trace.Tracer
	meter    metric.Meter
	shutdown telemetry.Shutdown
	services *internal.Services
	Version  = "dev" // Set at build time: go build -ldflags "-X github.com/Qubut/IP-Claim/packages/tm_ingest/cmd.Version=v1.0.0"
)

// commands annotated with noServices only need the loaded config
const noServices = "no-services"

var RootCmd = &cobra.Command{
	Use:   "tm-ingest",
	Short: "USPTO trademark bulk XML ingestion",
	Long: `Discovers the daily trademark application archives, downloads and
expands them, extracts one row per case file and writes the dataset
to CSV and optionally to a database table.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile, cmd.Root().PersistentFlags())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cmd.Annotations[noServices] != "" {
			logger = zap.NewNop().Sugar()
			return nil
		}

		logFile := ""
		if logDir := cfg.Log.LogDir; logDir != "" {
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				return fmt.Errorf("create log directory: %w", err)
			}
			logFile = filepath.Join(logDir,
				fmt.Sprintf("tm-ingest[%s].log", time.Now().Format("20060102-150405")))
		}

		teleCfg := telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
			LogFile:     logFile,
			LogLevel:    cfg.Log.LogLevel,
		}
		tracer, meter, logger, shutdown, err = telemetry.InitOTEL(teleCfg)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		services, err = internal.InitServices(cmd.Context(), cfg, tracer, logger, meter)
		if err != nil {
			return fmt.Errorf("init services: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if err := services.Close(); err != nil {
			logger.Warnw("close store", "err", err)
		}
		if shutdown != nil {
			if err := shutdown(context.Background()); err != nil {
				logger.Errorw("shutdown error", "err", err)
				return err
			}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		report, err := pipeline.New(cfg, services, tracer, logger).Run(ctx)
		if perr := printJSON(cmd, report); perr != nil && err == nil {
			err = perr
		}
		if err != nil {
			return err
		}
		logger.Info("All steps completed")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the version of tm-ingest",
	Annotations: map[string]string{noServices: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config operations",
}

var printConfigCmd = &cobra.Command{
	Use:         "print",
	Short:       "Print the current loaded configuration",
	Annotations: map[string]string{noServices: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext is what every stage command runs under.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	RootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "Path to config file (yaml/json/toml)")

	// Flag map to avoid repetition. Values are only applied when set.
	type flagDef struct {
		name, def, usage string
	}
	flags := []flagDef{
		{"log.log-level", "info", "Log level (debug/info/warn/error)"},
		{"log.log-dir", "logs", "Directory for JSON log files, empty to disable"},
		{"telemetry.enabled", "false", "Enable OpenTelemetry export"},
		{"telemetry.exporter", "none", "Telemetry exporter (otlp|stdout|none)"},
		{"telemetry.endpoint", "localhost:4317", "OTLP endpoint (host:port)"},
		{"telemetry.protocol", "grpc", "OTLP protocol (grpc|http)"},
		{"telemetry.insecure", "true", "Allow insecure OTLP connection"},
		{"telemetry.service-name", "tm-ingest", "Service name for telemetry"},
		{"server.listing-url", "", "Bulk data listing page"},
		{"server.timeout", "10m", "Request timeout (duration)"},
		{"server.max-retries", "3", "Max retries for the listing fetch"},
		{"server.user-agent", "tm-ingest", "User-Agent header"},
		{"locate.pattern", `^apc(\d{6})\.zip$`, "Archive filename pattern"},
		{"locate.from", "", "Earliest archive date (YYMMDD) to keep"},
		{"locate.to", "", "Latest archive date (YYMMDD) to keep"},
		{"download.directory", "data/xml_files_zip", "Download directory"},
		{"download.skip-exists", "false", "Reuse archives already downloaded"},
		{"download.enabled", "true", "Enable download"},
		{"extract.directory", "data/xml_files", "Extract directory"},
		{"extract.enabled", "true", "Enable extract"},
		{"extract.delete-after-extract", "false", "Delete archives after extract"},
		{"parse.enabled", "true", "Enable parse"},
		{"parse.output-csv", "data/csv_files/trademarks.csv", "Output CSV path"},
		{"parse.output-parquet", "", "Optional parquet output path"},
		{"parse.workers", "1", "Documents parsed concurrently"},
		{"load.enabled", "false", "Append the dataset to a table"},
		{"load.driver", "pgx", "Database driver (pgx|sqlite)"},
		{"load.dsn", "", "Database connection string"},
		{"load.table", "trademarks", "Destination table"},
		{"load.batch-size", "1000", "Rows per INSERT"},
		{"load.create-table", "false", "Create the table if missing"},
		{"reclaim.enabled", "true", "Empty scratch directories after a run"},
		{"progress", "true", "Show progress bars"},
	}
	for _, f := range flags {
		RootCmd.PersistentFlags().String(f.name, f.def, f.usage)
	}

	configCmd.AddCommand(printConfigCmd)

	RootCmd.AddCommand(locateCmd)
	RootCmd.AddCommand(downloadCmd)
	RootCmd.AddCommand(extractCmd)
	RootCmd.AddCommand(parseCmd)
	RootCmd.AddCommand(loadCmd)
	RootCmd.AddCommand(cleanCmd)
	RootCmd.AddCommand(queryCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(configCmd)
}
