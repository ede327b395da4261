package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"lateraltutor/internal/store"
)

// dbCmd groups persistence maintenance commands
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Persistence maintenance",
}

var dbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the storage backend is reachable and its tables exist",
	RunE:  runDBCheck,
}

// exportCmd prints a stored session as JSON
var exportCmd = &cobra.Command{
	Use:   "export [session-id]",
	Short: "Print a stored session (summary and full conversation) as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func runDBCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := st.Health(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("storage: "+report.Backend))
	names := make([]string, 0, len(report.Tables))
	for name := range report.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-12s %d rows\n", name, report.Tables[name])
	}
	for _, name := range report.Missing {
		fmt.Fprintln(out, errorStyle.Render("  missing table "+name))
	}
	if !report.Healthy() {
		return fmt.Errorf("storage is missing %d table(s)", len(report.Missing))
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	id := args[0]
	summary, err := st.LoadSessionSummary(ctx, id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	batch, err := st.LoadLogBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"summary":      summary,
		"conversation": batch,
	})
}
