package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sosiouxme/throttle/internal/cache"
	"github.com/sosiouxme/throttle/internal/clock"
	"github.com/sosiouxme/throttle/internal/notify"
	"github.com/sosiouxme/throttle/internal/recorder"
	"github.com/sosiouxme/throttle/internal/throttle"
)

func newSimulateCmd() *cobra.Command {
	var (
		buckets        int
		bucketDuration time.Duration
		threshold      int64
		events         int
		count          int64
		spacing        time.Duration
		fastForward    time.Duration
		outputJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a throttle against a virtual clock",
		Long: `Records events against an in-memory throttle driven by a virtual clock,
so window behaviour over minutes or hours can be observed instantly.

A batch of events is recorded, time is optionally fast-forwarded, then a
second batch shows which earlier events have left the window. Events whose
total reaches the threshold are rejected.`,
		Example: `  throttle simulate
  throttle simulate --buckets 10 --bucket-duration 6s --threshold 11 --events 12
  throttle simulate --events 20 --spacing 2s --fast-forward 30s --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if events < 1 {
				return errors.New("--events must be at least 1")
			}
			if count < 1 {
				return errors.New("--count must be at least 1")
			}

			vc := clock.NewVirtualClock(time.Now().Truncate(time.Second))
			sim, err := newSimulation(cmd.Context(), vc, buckets, bucketDuration, threshold)
			if err != nil {
				return err
			}

			result := sim.run(cmd.Context(), events, count, spacing, fastForward)

			if outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			printSimulationResult(cmd.OutOrStdout(), &result)
			return nil
		},
	}

	cmd.Flags().IntVar(&buckets, "buckets", 10, "number of buckets in the window")
	cmd.Flags().DurationVar(&bucketDuration, "bucket-duration", 6*time.Second, "width of each bucket (whole seconds)")
	cmd.Flags().Int64Var(&threshold, "threshold", 11, "reject events once the window total reaches this value")
	cmd.Flags().IntVar(&events, "events", 11, "number of events to record per batch")
	cmd.Flags().Int64Var(&count, "count", 1, "weight of each event")
	cmd.Flags().DurationVar(&spacing, "spacing", 0, "virtual time between events")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "time to fast-forward between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

// SimulationResult captures the full output of a simulation run.
type SimulationResult struct {
	Buckets        int            `json:"buckets"`
	BucketDuration string         `json:"bucket_duration"`
	Window         string         `json:"window"`
	Threshold      int64          `json:"threshold"`
	FastForward    string         `json:"fast_forward,omitempty"`
	Batches        []BatchResult  `json:"batches"`
	Summary        Summary        `json:"summary"`
	Triggered      []notify.Event `json:"triggered"`
}

// BatchResult captures results for one batch of events.
type BatchResult struct {
	Label  string        `json:"label"`
	Time   string        `json:"time"`
	Events []EventResult `json:"events"`
}

// EventResult is the outcome of recording one event.
type EventResult struct {
	Time          string `json:"time"`
	Bucket        int64  `json:"bucket"`
	Total         int64  `json:"total"`
	Rejected      bool   `json:"rejected"`
	Indeterminate bool   `json:"indeterminate,omitempty"`
}

// Summary aggregates stats over all batches.
type Summary struct {
	TotalEvents int `json:"total_events"`
	Accepted    int `json:"accepted"`
	Rejected    int `json:"rejected"`
}

type simulation struct {
	vc        *clock.VirtualClock
	th        *throttle.Throttle
	rec       *recorder.Recorder
	threshold int64
}

func newSimulation(ctx context.Context, vc *clock.VirtualClock, buckets int, bucketDuration time.Duration, threshold int64) (*simulation, error) {
	rec := recorder.New(nil)
	tr := throttle.AtLeast(threshold, nil)
	tr.Callback = notify.Callback(notify.ActionReject, tr.String(), rec, vc, nil)

	th, err := throttle.New(ctx, cache.NewMemoryCache(vc), "simulation",
		throttle.WithClock(vc),
		throttle.WithBuckets(buckets),
		throttle.WithBucketDuration(bucketDuration),
		throttle.WithTriggers(tr),
	)
	if err != nil {
		return nil, err
	}
	return &simulation{vc: vc, th: th, rec: rec, threshold: threshold}, nil
}

func (s *simulation) run(ctx context.Context, events int, count int64, spacing, fastForward time.Duration) SimulationResult {
	result := SimulationResult{
		Buckets:        s.th.BucketCount(),
		BucketDuration: s.th.BucketDuration().String(),
		Window:         s.th.Window().String(),
		Threshold:      s.threshold,
	}

	// Batch 1: initial events.
	result.Batches = append(result.Batches, s.batch(ctx, "Initial events", events, count, spacing, &result.Summary))

	// Fast-forward if requested.
	if fastForward > 0 {
		s.vc.Advance(fastForward)
		result.FastForward = fastForward.String()

		// Batch 2: after time travel.
		label := fmt.Sprintf("After fast-forward %s", fastForward)
		result.Batches = append(result.Batches, s.batch(ctx, label, events, count, spacing, &result.Summary))
	}

	result.Triggered = s.rec.Events()
	return result
}

func (s *simulation) batch(ctx context.Context, label string, events int, count int64, spacing time.Duration, sum *Summary) BatchResult {
	b := BatchResult{
		Label: label,
		Time:  s.vc.Now().Format(time.RFC3339),
	}
	for i := 0; i < events; i++ {
		if i > 0 && spacing > 0 {
			s.vc.Advance(spacing)
		}
		bucket := s.th.CurrentBucket()
		total, err := s.th.RecordEvent(ctx, count)
		ev := EventResult{
			Time:          s.vc.Now().Format(time.RFC3339),
			Bucket:        bucket,
			Total:         total,
			Rejected:      errors.Is(err, throttle.ErrThresholdExceeded),
			Indeterminate: throttle.IsIndeterminate(total),
		}
		b.Events = append(b.Events, ev)

		sum.TotalEvents++
		if ev.Rejected {
			sum.Rejected++
		} else {
			sum.Accepted++
		}
	}
	return b
}

func printSimulationResult(w io.Writer, r *SimulationResult) {
	fmt.Fprintln(w, "=== Throttle Simulation ===")
	fmt.Fprintf(w, "window %s (%d x %s), reject at %d\n\n", r.Window, r.Buckets, r.BucketDuration, r.Threshold)

	for _, batch := range r.Batches {
		fmt.Fprintf(w, "--- %s (at %s) ---\n", batch.Label, batch.Time)
		for i, ev := range batch.Events {
			status := "OK    "
			if ev.Rejected {
				status = "REJECT"
			}
			fmt.Fprintf(w, "  #%03d [%s] bucket=%d total=%d\n", i+1, status, ev.Bucket, ev.Total)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Summary ---")
	fmt.Fprintf(w, "  %d events, %d accepted, %d rejected\n",
		r.Summary.TotalEvents, r.Summary.Accepted, r.Summary.Rejected)

	if r.FastForward != "" {
		fmt.Fprintf(w, "\nTime travel: fast-forwarded %s\n", r.FastForward)
	}

	if recovered(r) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("=", 50))
		fmt.Fprintln(w, "Earlier events left the window: events were")
		fmt.Fprintln(w, "accepted again after fast-forwarding the clock.")
		fmt.Fprintln(w, strings.Repeat("=", 50))
	}
}

// recovered reports whether the first batch hit the threshold and the
// second batch started below it again.
func recovered(r *SimulationResult) bool {
	if len(r.Batches) < 2 || len(r.Batches[1].Events) == 0 {
		return false
	}
	for _, ev := range r.Batches[0].Events {
		if ev.Rejected {
			return !r.Batches[1].Events[0].Rejected
		}
	}
	return false
}
