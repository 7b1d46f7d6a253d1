package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/uholabs/uho/internal/db"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/store"
	"github.com/uholabs/uho/internal/supervisor"
)

var (
	registerTenant        string
	registerProgramID     string
	registerName          string
	registerIDLPath       string
	registerEvents        []string
	registerInstructions  []string
	registerCPITransfers  bool
	registerBalanceDeltas bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a program subscription from an IDL file",
	Long: `Register parses an Anchor, Shank or Codama IDL, provisions the
tenant's Postgres namespace with one table per enabled event and
instruction, and persists the subscription. A running serve process
picks the new subscription up on its next reconcile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(registerIDLPath)
		if err != nil {
			return fmt.Errorf("read idl: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		database, err := db.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		st := store.New(database.Pool)
		collector := metrics.NewCollector(logger)
		defer collector.Close()

		// Provisioning only touches the database; no RPC client, sink
		// or dispatcher is needed.
		sup := supervisor.New(supervisor.Config{}, database, st, nil, nil, nil, nil, collector, logger)

		sub := &store.Subscription{
			TenantID:            registerTenant,
			ProgramID:           registerProgramID,
			ProgramName:         registerName,
			Chain:               "solana",
			IDL:                 raw,
			EnabledEvents:       registerEvents,
			EnabledInstructions: registerInstructions,
			CPITransfers:        registerCPITransfers,
			BalanceDeltas:       registerBalanceDeltas,
		}
		desc, err := sup.Provision(ctx, sub)
		if err != nil {
			return err
		}

		events := make([]string, 0, len(desc.Events))
		for _, ev := range desc.Events {
			events = append(events, ev.Name)
		}
		instructions := make([]string, 0, len(desc.Instructions))
		for _, ix := range desc.Instructions {
			instructions = append(instructions, ix.Name)
		}

		fmt.Printf("Subscription:  %s\n", sub.ID)
		fmt.Printf("Tenant:        %s\n", sub.TenantID)
		fmt.Printf("Program:       %s (%s)\n", sub.ProgramName, sub.ProgramID)
		fmt.Printf("Dialect:       %s\n", sub.Dialect)
		fmt.Printf("Namespace:     %s\n", db.TenantNamespace(sub.TenantID))
		fmt.Printf("Events:        %s\n", strings.Join(events, ", "))
		fmt.Printf("Instructions:  %s\n", strings.Join(instructions, ", "))
		return nil
	},
}

func init() {
	f := registerCmd.Flags()
	f.StringVar(&registerTenant, "tenant", "", "Tenant identifier (required)")
	f.StringVar(&registerProgramID, "program", "", "Program address (defaults to the IDL's address field)")
	f.StringVar(&registerName, "name", "", "Program name override")
	f.StringVar(&registerIDLPath, "idl", "", "Path to the IDL JSON file (required)")
	f.StringSliceVar(&registerEvents, "events", nil, "Events to index (default: all)")
	f.StringSliceVar(&registerInstructions, "instructions", nil, "Instructions to index (default: all)")
	f.BoolVar(&registerCPITransfers, "cpi-transfers", false, "Index SPL token transfers from inner instructions")
	f.BoolVar(&registerBalanceDeltas, "balance-deltas", false, "Index per-transaction token balance changes")
	cobra.CheckErr(registerCmd.MarkFlagRequired("tenant"))
	cobra.CheckErr(registerCmd.MarkFlagRequired("idl"))
	rootCmd.AddCommand(registerCmd)
}
