package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"telemetry-control/internal/audit"
	commands "telemetry-control/internal/commands/domain"
)

var (
	stuckOlderThan time.Duration
	stuckStatus    string
	stuckLimit     int
	stuckCSV       bool

	stuckCmd = &cobra.Command{
		Use:   "stuck",
		Short: "Report commands left in a non-terminal status for too long",
		Long: `Lists audit records still PENDING (or --status) that were created before
now minus --older-than. PENDING records older than their rollback window usually
mean delivery failed or the agent never reported back.`,
		RunE: runStuck,
	}
)

func init() {
	stuckCmd.Flags().DurationVar(&stuckOlderThan, "older-than", 10*time.Minute, "minimum age of a reported command")
	stuckCmd.Flags().StringVar(&stuckStatus, "status", string(commands.StatusPending), "status to inspect")
	stuckCmd.Flags().IntVar(&stuckLimit, "limit", 500, "maximum rows")
	stuckCmd.Flags().BoolVar(&stuckCSV, "csv", false, "write CSV instead of a table")
}

func runStuck(cmd *cobra.Command, args []string) error {
	status, ok := commands.ParseStatus(strings.ToUpper(stuckStatus))
	if !ok || status.IsTerminal() {
		return fmt.Errorf("status must be PENDING or EXECUTING, got %q", stuckStatus)
	}
	if stuckOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	now := time.Now().UTC()
	records, err := audit.NewRepository(db).ListStale(ctx, status, now.Add(-stuckOlderThan), stuckLimit)
	if err != nil {
		return err
	}
	if stuckCSV {
		return writeStuckCSV(cmd.OutOrStdout(), records, now)
	}
	return writeStuckTable(cmd.OutOrStdout(), records, now)
}

func stuckRow(record audit.Record, now time.Time) []string {
	overdue := ""
	if record.RollbackEnabled() && !record.DryRun && now.After(record.RollbackDeadline()) {
		overdue = now.Sub(record.RollbackDeadline()).Truncate(time.Second).String()
	}
	return []string{
		record.CommandID,
		record.TargetID,
		string(record.CommandType),
		string(record.Status),
		now.Sub(record.CreatedAt).Truncate(time.Second).String(),
		strconv.FormatBool(record.RollbackEnabled()),
		overdue,
		record.RequestedBy,
	}
}

var stuckHeader = []string{"command_id", "target_id", "type", "status", "age", "rollback", "rollback_overdue", "requested_by"}

func writeStuckTable(w io.Writer, records []audit.Record, now time.Time) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "no stuck commands")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(stuckHeader, "\t")))
	for _, record := range records {
		fmt.Fprintln(tw, strings.Join(stuckRow(record, now), "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d stuck commands\n", len(records))
	return err
}

func writeStuckCSV(w io.Writer, records []audit.Record, now time.Time) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(stuckHeader); err != nil {
		return err
	}
	for _, record := range records {
		if err := writer.Write(stuckRow(record, now)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
