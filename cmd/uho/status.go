package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/uholabs/uho/internal/metrics"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline progress from the last state snapshot",
	Long:  `Status reports per-pipeline checkpoints and throughput from the state file a serve process maintains.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := metrics.ReadStateFile()
		if err != nil {
			fmt.Println("No indexer state found. Is uho serve running?")
			fmt.Printf("  (error: %v)\n", err)
			return nil
		}

		age := time.Since(snap.Timestamp)
		stale := ""
		if age > 10*time.Second {
			stale = fmt.Sprintf(" (stale — %s ago)", age.Truncate(time.Second))
		}

		fmt.Printf("Pipelines:   %d%s\n", len(snap.Pipelines), stale)
		fmt.Printf("Uptime:      %.0fs\n", snap.ElapsedSec)
		fmt.Printf("Throughput:  %.1f tx/s, %.1f events/s\n", snap.TxPerSec, snap.EventsPerSec)
		fmt.Printf("Totals:      %d tx, %d events indexed, %d skipped\n", snap.TotalTx, snap.TotalEvents, snap.TotalSkipped)
		fmt.Printf("Fanout:      %d published, %d dropped\n", snap.BusPublished, snap.BusDropped)

		if snap.ErrorCount > 0 {
			fmt.Printf("Errors:      %d (last: %s)\n", snap.ErrorCount, snap.LastError)
		}

		if len(snap.Pipelines) > 0 {
			fmt.Println("\nPipelines:")
			for _, p := range snap.Pipelines {
				name := p.ProgramName
				if name == "" {
					name = p.ProgramID
				}
				fmt.Printf("  %-12s %-24s %-8s slot %-12d %d events (%d skipped)\n",
					p.TenantID, name, p.Status, p.LastSlot, p.EventsIndexed, p.EventsSkipped)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
