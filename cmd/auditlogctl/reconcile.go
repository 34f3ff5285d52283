package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lzjever/mbos-auditlog/internal/reconcile"
)

var (
	migrateAfterID int64
	backfillSince  string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy the primary store into the secondary store",
	Run: func(cmd *cobra.Command, args []string) {
		var resp reconcile.MigrateResult
		body := map[string]int64{"after_id": migrateAfterID}
		if err := NewClient(apiURL).Post("/v1/reconcile/migrate", body, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printResult(resp)
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Copy secondary records missing from the primary store",
	Long: `backfill resumes from the stored watermark. --since overrides it for this
run; the watermark itself never moves backwards.`,
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]interface{}{}
		if backfillSince != "" {
			since, err := time.Parse(time.RFC3339Nano, backfillSince)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: --since must be RFC 3339: %v\n", err)
				os.Exit(1)
			}
			body["since"] = since
		}
		var resp reconcile.BackfillResult
		if err := NewClient(apiURL).Post("/v1/reconcile/backfill", body, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printResult(resp)
	},
}

var watermarkCmd = &cobra.Command{
	Use:   "watermark",
	Short: "Show the backfill watermark",
	Run: func(cmd *cobra.Command, args []string) {
		var resp WatermarkResponse
		NewClient(apiURL).WithTimeout(30 * time.Second).mustGet("/v1/reconcile/watermark", &resp)
		printResult(resp)
	},
}

func init() {
	migrateCmd.Flags().Int64Var(&migrateAfterID, "after-id", 0, "Resume after this primary id")
	backfillCmd.Flags().StringVar(&backfillSince, "since", "", "Start from this RFC 3339 time instead of the watermark")
	rootCmd.AddCommand(migrateCmd, backfillCmd, watermarkCmd)
}
