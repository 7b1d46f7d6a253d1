package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	backfillAPI          string
	backfillTenant       string
	backfillSubscription string
	backfillStart        uint64
	backfillEnd          uint64
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Start a historical backfill job via a running serve process",
	Long: `Backfill asks the API server to crawl a slot range for one
subscription. The range is clamped against the chain head and the
demo-tier cap; an end slot of 0 means "up to the current slot".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]uint64{
			"start_slot": backfillStart,
			"end_slot":   backfillEnd,
		})
		if err != nil {
			return err
		}

		url := fmt.Sprintf("%s/api/v1/subscriptions/%s/backfills", backfillAPI, backfillSubscription)
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Uho-Tenant", backfillTenant)

		client := &http.Client{Timeout: 15 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("is uho serve running at %s? %w", backfillAPI, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("backfill rejected (%d): %s", resp.StatusCode, bytes.TrimSpace(data))
		}

		var out struct {
			JobID     string `json:"job_id"`
			StartSlot uint64 `json:"start_slot"`
			EndSlot   uint64 `json:"end_slot"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		fmt.Printf("Job:    %s\n", out.JobID)
		fmt.Printf("Range:  %d .. %d\n", out.StartSlot, out.EndSlot)
		fmt.Printf("Watch:  GET %s/api/v1/backfills/%s\n", backfillAPI, out.JobID)
		return nil
	},
}

func init() {
	f := backfillCmd.Flags()
	f.StringVar(&backfillAPI, "api", "http://127.0.0.1:8080", "Base URL of the running API server")
	f.StringVar(&backfillTenant, "tenant", "", "Tenant identifier (required)")
	f.StringVar(&backfillSubscription, "subscription", "", "Subscription id (required)")
	f.Uint64Var(&backfillStart, "start-slot", 0, "First slot of the range (required)")
	f.Uint64Var(&backfillEnd, "end-slot", 0, "Last slot of the range (0 = chain head)")
	cobra.CheckErr(backfillCmd.MarkFlagRequired("tenant"))
	cobra.CheckErr(backfillCmd.MarkFlagRequired("subscription"))
	cobra.CheckErr(backfillCmd.MarkFlagRequired("start-slot"))
	rootCmd.AddCommand(backfillCmd)
}
