// Package loadtest measures how the sync engine drains a backlog of records
// queued while offline.
//
// A backlog of unsynced recordings is written to a real SQLite local store,
// queued on a disabled engine, and drained against an in-memory remote with
// a simulated per-upload latency once sync is enabled. Concurrent callers
// wait on SyncRecord for their share of the backlog; each wait is one
// latency sample.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/recsync/internal/localstore"
	"github.com/mschirtzinger/recsync/internal/record"
	"github.com/mschirtzinger/recsync/internal/remote"
	recsync "github.com/mschirtzinger/recsync/internal/sync"
)

// Options configures one drain run.
type Options struct {
	// DBPath is where the local store is created. Required.
	DBPath string

	// Records is the backlog size.
	Records int

	// Workers is the engine's transfer concurrency.
	Workers int

	// Callers is how many goroutines wait on SyncRecord.
	Callers int

	// UploadLatency is added to every remote upload.
	UploadLatency time.Duration

	// PayloadSize is the size of each record's opaque payload in bytes.
	PayloadSize int

	Logger *zap.Logger
}

// DefaultOptions returns a modest run.
func DefaultOptions() Options {
	return Options{
		Records:       200,
		Workers:       4,
		Callers:       8,
		UploadLatency: 2 * time.Millisecond,
		PayloadSize:   4 << 10,
	}
}

// LatencyStats captures latency percentiles of one run.
type LatencyStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration // Median
	P95     time.Duration
	P99     time.Duration
	Samples int
	Errors  int
}

// Result is the outcome of RunDrain.
type Result struct {
	Latency    LatencyStats
	Elapsed    time.Duration
	Throughput float64 // records per second
	Synced     int
	Uploads    int
}

// RunDrain queues opts.Records recordings offline, enables sync and waits for
// the backlog to drain.
func RunDrain(ctx context.Context, opts Options) (*Result, error) {
	def := DefaultOptions()
	if opts.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if opts.Records <= 0 {
		opts.Records = def.Records
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Callers <= 0 {
		opts.Callers = def.Callers
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := localstore.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	defer db.Close()

	ids, err := populate(ctx, db, opts.Records, opts.PayloadSize)
	if err != nil {
		return nil, err
	}

	store := remote.NewMemory()
	if opts.UploadLatency > 0 {
		latency := opts.UploadLatency
		store.BeforeUpload = func(string) { time.Sleep(latency) }
	}

	engine, err := recsync.New(recsync.Config{
		Local:   db,
		Remote:  store,
		Workers: opts.Workers,
		Logger:  logger,
		Retry: recsync.RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			Multiplier:      2,
			MaxAttempts:     3,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}
	defer engine.Close()

	for _, id := range ids {
		if err := engine.Submit(id); err != nil {
			return nil, fmt.Errorf("failed to queue %s: %w", id, err)
		}
	}
	logger.Info("backlog queued", zap.Int("records", len(ids)))

	samples := make([][]time.Duration, opts.Callers)
	failures := make([]int, opts.Callers)

	start := time.Now()
	engine.EnableSync()

	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < opts.Callers; c++ {
		g.Go(func() error {
			for i := c; i < len(ids); i += opts.Callers {
				err := engine.SyncRecord(gctx, ids[i])
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err != nil {
					failures[c]++
					logger.Warn("sync failed", zap.String("record", ids[i]), zap.Error(err))
					continue
				}
				samples[c] = append(samples[c], time.Since(start))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	var all []time.Duration
	errCount := 0
	for c := range samples {
		all = append(all, samples[c]...)
		errCount += failures[c]
	}

	_, unsynced, err := db.Counts(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Latency: computeLatencyStats(all),
		Elapsed: elapsed,
		Synced:  len(ids) - unsynced,
		Uploads: store.Stats().Uploads,
	}
	result.Latency.Errors = errCount
	if elapsed > 0 {
		result.Throughput = float64(result.Synced) / elapsed.Seconds()
	}
	return result, nil
}

// populate writes count unsynced recordings and returns their ids.
func populate(ctx context.Context, db *localstore.DB, count, payloadSize int) ([]string, error) {
	// Deterministic content for reproducible payload sizes.
	rng := rand.New(rand.NewSource(42))
	base := time.Now().Add(-7 * 24 * time.Hour)
	people := []string{"ana", "bo", "chen", "dara", "eli"}

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		rec := record.New(fmt.Sprintf("Meeting %d", i), base.Add(time.Duration(i)*time.Hour))
		rec.Duration = time.Duration(15+rng.Intn(45)) * time.Minute
		rec.Participants = []string{people[i%len(people)], people[(i+1)%len(people)]}
		if payloadSize > 0 {
			rec.Payload = make([]byte, payloadSize)
			rng.Read(rec.Payload)
		}
		if err := db.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", rec.ID, err)
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(sorted)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Samples: len(sorted),
	}
}

// Print formats the result.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Drain:\n")
	fmt.Fprintf(w, "  Synced:        %d\n", r.Synced)
	fmt.Fprintf(w, "  Uploads:       %d\n", r.Uploads)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Throughput:    %.1f records/s\n", r.Throughput)
	fmt.Fprintf(w, "Latency:\n")
	fmt.Fprintf(w, "  Samples:       %d\n", r.Latency.Samples)
	fmt.Fprintf(w, "  Errors:        %d\n", r.Latency.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
}
