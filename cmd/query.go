package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/models"
	"github.com/Qubut/IP-Claim/packages/tm_ingest/internal/store"
)

var (
	querySerial   string
	queryCategory string
	querySearch   string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Read trademarks back from the table as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		st := services.Store
		if st == nil {
			if cfg.Load.DSN == "" {
				return fmt.Errorf("load.dsn is required")
			}
			var err error
			if st, err = internal.OpenStore(ctx, cfg, tracer, logger, meter); err != nil {
				return err
			}
			defer st.Close()
		}

		var (
			rows []models.StoredTrademark
			err  error
		)
		switch {
		case querySerial != "":
			var t models.StoredTrademark
			t, err = st.BySerial(ctx, querySerial)
			if errors.Is(err, store.ErrNotFound) {
				return err
			}
			rows = []models.StoredTrademark{t}
		case queryCategory != "":
			rows, err = st.ByCategory(ctx, queryCategory)
		case querySearch != "":
			rows, err = st.SearchMark(ctx, querySearch)
		default:
			rows, err = st.All(ctx)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&querySerial, "serial", "", "Exact serial number")
	queryCmd.Flags().StringVar(&queryCategory, "category", "", "International class code")
	queryCmd.Flags().StringVar(&querySearch, "search", "", "Case-insensitive keyword in the mark")
	queryCmd.MarkFlagsMutuallyExclusive("serial", "category", "search")
}
