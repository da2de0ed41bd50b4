package cmd

import (
	"fmt"

	ET "github.com/IBM/fp-go/v2/either"
	"github.com/spf13/cobra"
)

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "List the archives the listing page offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		res := services.Locator.Locate(ctx)()
		if ET.IsLeft(res) {
			_, err := ET.UnwrapError(res)
			return fmt.Errorf("locate failed: %w", err)
		}
		refs, _ := ET.UnwrapError(res)
		for _, ref := range refs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref.Filename, ref.URL)
		}
		logger.Infow("Locate completed", "archives", len(refs))
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the located trademark archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		located := services.Locator.Locate(ctx)()
		if ET.IsLeft(located) {
			_, err := ET.UnwrapError(located)
			return fmt.Errorf("locate failed: %w", err)
		}
		refs, _ := ET.UnwrapError(located)
		res := services.Downloader.Fetch(ctx, refs)()
		if ET.IsLeft(res) {
			_, err := ET.UnwrapError(res)
			return fmt.Errorf("download failed: %w", err)
		}
		fetched, _ := ET.UnwrapError(res)
		for _, err := range fetched.Failed {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped: %v\n", err)
		}
		logger.Infow("Download completed", "fetched", len(fetched.Archives), "skipped", len(fetched.Failed))
		return nil
	},
}
