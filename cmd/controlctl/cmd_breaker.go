package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"telemetry-control/internal/safeguard"
	"telemetry-control/internal/sharedstate"
	sharedbadger "telemetry-control/internal/sharedstate/badger"
	sharedpg "telemetry-control/internal/sharedstate/postgres"
)

var (
	breakerTTL        time.Duration
	breakerBadgerPath string

	breakerCmd = &cobra.Command{
		Use:   "breaker",
		Short: "Inspect or publish the circuit breaker error rate",
	}

	breakerSetCmd = &cobra.Command{
		Use:   "set <error-rate>",
		Short: "Publish an error rate in [0,1]",
		Args:  cobra.ExactArgs(1),
		RunE:  runBreakerSet,
	}

	breakerGetCmd = &cobra.Command{
		Use:   "get",
		Short: "Show the published error rate and whether the breaker is open",
		Args:  cobra.NoArgs,
		RunE:  runBreakerGet,
	}
)

func init() {
	breakerCmd.PersistentFlags().StringVar(&breakerBadgerPath, "badger-path", "", "use the badger store at this path instead of Postgres")
	breakerSetCmd.Flags().DurationVar(&breakerTTL, "ttl", 5*time.Minute, "signal lifetime; 0 keeps it until overwritten")
}

func breakerConfig() (safeguard.CircuitBreakerConfig, error) {
	cfg := safeguard.DefaultConfig()
	if safeguardPath != "" {
		loaded, err := safeguard.LoadConfig(safeguardPath)
		if err != nil {
			return safeguard.CircuitBreakerConfig{}, err
		}
		cfg = loaded
	}
	return cfg.CircuitBreaker, nil
}

// openSharedStore returns the configured store and its release func.
func openSharedStore(ctx context.Context) (sharedstate.Store, func(), error) {
	if breakerBadgerPath != "" {
		store, err := sharedbadger.Open(sharedbadger.Config{Path: breakerBadgerPath, SyncWrites: true})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sharedpg.NewStore(db), func() { _ = db.Close() }, nil
}

func parseErrorRate(value string) (float64, error) {
	rate, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("error rate %q: %w", value, err)
	}
	if rate < 0 || rate > 1 {
		return 0, fmt.Errorf("error rate must be within [0,1], got %v", rate)
	}
	return rate, nil
}

func runBreakerSet(cmd *cobra.Command, args []string) error {
	rate, err := parseErrorRate(args[0])
	if err != nil {
		return err
	}
	if breakerTTL < 0 {
		return fmt.Errorf("--ttl must not be negative")
	}
	cfg, err := breakerConfig()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	store, release, err := openSharedStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := store.Set(ctx, cfg.Key, strconv.FormatFloat(rate, 'f', -1, 64), breakerTTL); err != nil {
		return err
	}
	return printBreaker(cmd.OutOrStdout(), cfg, strconv.FormatFloat(rate, 'f', -1, 64), true)
}

func runBreakerGet(cmd *cobra.Command, args []string) error {
	cfg, err := breakerConfig()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	store, release, err := openSharedStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	value, ok, err := store.Get(ctx, cfg.Key)
	if err != nil {
		return err
	}
	return printBreaker(cmd.OutOrStdout(), cfg, value, ok)
}

func printBreaker(w io.Writer, cfg safeguard.CircuitBreakerConfig, value string, present bool) error {
	if !present {
		_, err := fmt.Fprintf(w, "key=%s signal=absent state=closed threshold=%v\n", cfg.Key, cfg.Threshold)
		return err
	}
	state := "closed"
	if rate, err := strconv.ParseFloat(value, 64); err == nil && rate > cfg.Threshold {
		state = "open"
	}
	_, err := fmt.Fprintf(w, "key=%s error_rate=%s state=%s threshold=%v\n", cfg.Key, value, state, cfg.Threshold)
	return err
}
