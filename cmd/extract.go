package cmd

import (
	"fmt"

	ET "github.com/IBM/fp-go/v2/either"
	"github.com/spf13/cobra"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/pipeline"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Expand downloaded archives into the extract directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		archives, err := pipeline.ExistingArchives(cfg.Download.Directory)
		if err != nil {
			return err
		}
		res := services.Extractor.ExpandAll(ctx, archives)()
		if ET.IsLeft(res) {
			_, err := ET.UnwrapError(res)
			return fmt.Errorf("extract failed: %w", err)
		}
		expanded, _ := ET.UnwrapError(res)
		for _, err := range expanded.Failed {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed: %v\n", err)
		}
		logger.Infow("Extract completed", "archives", len(expanded.Expanded), "files", expanded.Files)
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Empty the download and extract directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		res := services.Reclaimer.Reclaim(ctx, cfg.Download.Directory, cfg.Extract.Directory)
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries, %d failures\n", res.Removed, res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("could not remove %d entries", res.Failed)
		}
		return nil
	},
}
