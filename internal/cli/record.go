package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sosiouxme/throttle/internal/clock"
	"github.com/sosiouxme/throttle/internal/config"
	"github.com/sosiouxme/throttle/internal/logging"
	"github.com/sosiouxme/throttle/internal/notify"
	"github.com/sosiouxme/throttle/internal/recorder"
	"github.com/sosiouxme/throttle/internal/throttle"
)

// RecordResult is the output of the record command.
type RecordResult struct {
	Throttle      string         `json:"throttle"`
	Count         int64          `json:"count"`
	Total         int64          `json:"total"`
	Indeterminate bool           `json:"indeterminate"`
	Rejected      bool           `json:"rejected"`
	Triggered     []notify.Event `json:"triggered"`
}

func newRecordCmd() *cobra.Command {
	var (
		configPath     string
		count          int64
		buckets        int
		bucketDuration time.Duration
		outputJSON     bool
		storage        = defaultStorageOptions()
	)

	cmd := &cobra.Command{
		Use:   "record NAME",
		Short: "Record events against a throttle once and print the total",
		Long: `Records events against the named throttle in the configured cache and
prints the resulting window total. A throttle listed in the config file uses
its geometry and triggers; any other name uses the --buckets and
--bucket-duration flags and has no triggers.

With the memory backend the count starts from zero on every run; point it
at Redis to share counts with running servers.`,
		Example: `  throttle record login --storage redis --redis-host localhost:6379
  throttle record login --config throttle.json --count 5 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			storage.applyConfigIfUnset(cmd, &cfg.Storage)
			if err := storage.normalize(); err != nil {
				return err
			}
			cfg.Storage = storage.toConfig()

			logger, err := logging.New(logging.Options{
				Environment: cfg.Log.Environment,
				Level:       cfg.Log.Level,
				Format:      cfg.Log.Format,
				OutputPaths: []string{"stderr"},
			})
			if err != nil {
				return err
			}
			defer logger.Sync()

			spec, ok := cfg.Throttle(args[0])
			if !ok {
				spec = config.ThrottleSpec{Name: args[0], BucketCount: buckets, BucketDuration: bucketDuration}
			}
			if err := spec.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			clk := clock.NewRealClock()
			c, closeCache, err := openCache(ctx, cfg.Storage, clk, logger)
			if err != nil {
				return err
			}
			defer closeCache()

			rec := recorder.New(nil)
			th, err := buildThrottle(ctx, spec, c, cfg.Storage.Prefix, rec, clk, logger)
			if err != nil {
				return err
			}

			total, err := th.RecordEvent(ctx, count)
			rejected := errors.Is(err, throttle.ErrThresholdExceeded)
			if err != nil && !rejected {
				return err
			}

			out := cmd.OutOrStdout()
			result := RecordResult{
				Throttle:      th.Name(),
				Count:         count,
				Total:         total,
				Indeterminate: throttle.IsIndeterminate(total),
				Rejected:      rejected,
				Triggered:     rec.Events(),
			}
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			switch {
			case result.Indeterminate:
				fmt.Fprintf(out, "%s: cache unavailable, event not counted\n", result.Throttle)
			case result.Rejected:
				fmt.Fprintf(out, "%s: total %d (threshold exceeded)\n", result.Throttle, result.Total)
			default:
				fmt.Fprintf(out, "%s: total %d\n", result.Throttle, result.Total)
			}
			for _, ev := range result.Triggered {
				fmt.Fprintf(out, "  triggered %s -> %s\n", ev.Trigger, ev.Action)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to JSON config file")
	cmd.Flags().Int64Var(&count, "count", 1, "number of events to record")
	cmd.Flags().IntVar(&buckets, "buckets", throttle.DefaultBuckets, "buckets in the window (throttles not in the config)")
	cmd.Flags().DurationVar(&bucketDuration, "bucket-duration", throttle.DefaultBucketDuration, "bucket width (throttles not in the config)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output result as JSON")
	storage.addFlags(cmd)

	return cmd
}
