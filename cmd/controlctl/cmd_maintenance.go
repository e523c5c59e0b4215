package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"telemetry-control/internal/commands/application/events"
	eventpg "telemetry-control/internal/eventing/infrastructure/postgres"
	sharedpg "telemetry-control/internal/sharedstate/postgres"
)

var (
	dlqTopic       string
	dlqLimit       int
	purgeOlderThan time.Duration

	dlqCmd = &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered outbox events",
	}

	dlqListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the newest dead letters of a topic",
		RunE:  runDLQList,
	}

	maintenanceCmd = &cobra.Command{
		Use:   "maintenance",
		Short: "Housekeeping of eventing and counter tables",
	}

	purgeProcessedCmd = &cobra.Command{
		Use:   "purge-processed",
		Short: "Delete consumer dedup rows older than --older-than",
		RunE:  runPurgeProcessed,
	}

	counterGCCmd = &cobra.Command{
		Use:   "counters-gc",
		Short: "Delete expired shared counters",
		RunE:  runCounterGC,
	}
)

func init() {
	dlqListCmd.Flags().StringVar(&dlqTopic, "topic", events.TopicControlCommands, "outbox topic")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum rows")
	purgeProcessedCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "retention of processed event rows")
}

func runDLQList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	letters, err := eventpg.NewDLQStore(db).ListByTopic(ctx, dlqTopic, dlqLimit)
	if err != nil {
		return err
	}
	return writeDeadLetters(cmd.OutOrStdout(), letters)
}

func writeDeadLetters(w io.Writer, letters []eventpg.DeadLetter) error {
	if len(letters) == 0 {
		_, err := fmt.Fprintln(w, "no dead letters")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT_ID\tPARTITION_KEY\tATTEMPTS\tLAST_SEEN\tERROR")
	for _, letter := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", letter.EventID, letter.PartitionKey, letter.Attempts, letter.LastSeenAt.Format(time.RFC3339), letter.Error)
	}
	return tw.Flush()
}

func runPurgeProcessed(cmd *cobra.Command, args []string) error {
	if purgeOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	purged, err := eventpg.NewProcessedStore(db).PurgeBefore(ctx, time.Now().UTC().Add(-purgeOlderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged processed_events=%d\n", purged)
	return nil
}

func runCounterGC(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	deleted, err := sharedpg.NewStore(db).DeleteExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted shared_counters=%d\n", deleted)
	return nil
}
