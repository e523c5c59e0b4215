package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"telemetry-control/internal/audit"
	commands "telemetry-control/internal/commands/domain"
	"telemetry-control/internal/report"
)

var (
	exportStatus string
	exportFormat string
	exportOut    string
	exportLimit  int

	exportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write the audit records of one status as xlsx or pdf",
		RunE:  runExport,
	}
)

func init() {
	exportCmd.Flags().StringVar(&exportStatus, "status", string(commands.StatusFailed), "status to export")
	exportCmd.Flags().StringVar(&exportFormat, "format", report.FormatXLSX, "xlsx or pdf")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default commands_<status>.<format>)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", report.DefaultLimit, "maximum rows")
}

func exportFileName(status commands.Status, format, out string) string {
	if out != "" {
		return out
	}
	return fmt.Sprintf("commands_%s.%s", strings.ToLower(string(status)), format)
}

func runExport(cmd *cobra.Command, args []string) error {
	status, ok := commands.ParseStatus(strings.ToUpper(exportStatus))
	if !ok {
		return fmt.Errorf("unknown status %q", exportStatus)
	}
	format := strings.ToLower(exportFormat)
	ctx, cancel := commandContext(cmd)
	defer cancel()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	data, err := report.Export(ctx, audit.NewRepository(db), status, format, exportLimit, time.Now().UTC())
	if err != nil {
		return err
	}
	path := exportFileName(status, format, exportOut)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, len(data))
	return nil
}
