package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/write"
)

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse extracted XML documents to CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		ds, stats, err := services.Parser.ParseDir(ctx, cfg.Extract.Directory)
		if err != nil {
			return fmt.Errorf("parse failed: %w", err)
		}
		if err := write.CSV(ds, cfg.Parse.OutputCSV); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		if cfg.Parse.OutputParquet != "" {
			if err := write.Parquet(ds, cfg.Parse.OutputParquet); err != nil {
				return fmt.Errorf("write parquet: %w", err)
			}
		}
		logger.Infow("Parse completed",
			"files", stats.FilesProcessed, "skipped", stats.FilesSkipped, "records", stats.Records)
		return nil
	},
}

var loadInput string

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Append a CSV dataset to the trademarks table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		input := loadInput
		if input == "" {
			input = cfg.Parse.OutputCSV
		}
		ds, err := write.ReadCSV(input)
		if err != nil {
			return err
		}
		st := services.Store
		if st == nil {
			if cfg.Load.DSN == "" {
				return fmt.Errorf("load.dsn is required")
			}
			if st, err = internal.OpenStore(ctx, cfg, tracer, logger, meter); err != nil {
				return err
			}
			defer st.Close()
		}
		n, err := st.Append(ctx, ds)
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d rows into %s\n", n, cfg.Load.Table)
		return err
	},
}

func init() {
	loadCmd.Flags().StringVar(&loadInput, "input", "", "CSV file to load (defaults to parse.output-csv)")
}
