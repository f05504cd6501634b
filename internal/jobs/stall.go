package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coah80/ingest/internal/metrics"
	"github.com/coah80/ingest/internal/records"
)

// StaleStore is what the stall detector needs from the record store.
type StaleStore interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]records.MediaRecord, error)
	ResolveStalled(ctx context.Context, id string, cutoff time.Time, placeholder string) (bool, error)
}

type StallOptions struct {
	Store       StaleStore
	Threshold   time.Duration
	Interval    time.Duration
	Placeholder string
	// Tracker, when set, has matching in-memory jobs completed as well.
	Tracker *Tracker
	Logger  hclog.Logger
}

// StallDetector completes records that have sat in processing for longer than the
// threshold with a placeholder transcript. It reads persisted records, so it stays
// correct across restarts and multiple instances.
type StallDetector struct {
	store       StaleStore
	threshold   time.Duration
	interval    time.Duration
	placeholder string
	tracker     *Tracker
	log         hclog.Logger
	now         func() time.Time
}

func NewStallDetector(opts StallOptions) (*StallDetector, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("stall detector needs a record store")
	}
	if opts.Threshold <= 0 || opts.Interval <= 0 {
		return nil, fmt.Errorf("stall detector threshold and interval must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &StallDetector{
		store:       opts.Store,
		threshold:   opts.Threshold,
		interval:    opts.Interval,
		placeholder: opts.Placeholder,
		tracker:     opts.Tracker,
		log:         logger,
		now:         time.Now,
	}, nil
}

// Scan resolves every stalled record once and returns how many it resolved.
func (d *StallDetector) Scan(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-d.threshold)
	stale, err := d.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range stale {
		ok, err := d.store.ResolveStalled(ctx, rec.ID, cutoff, d.placeholder)
		if err != nil {
			d.log.Warn("failed to resolve stalled record", "record_id", rec.ID, "error", err)
			continue
		}
		if !ok {
			// Finished or resolved by someone else since the listing.
			continue
		}
		resolved++
		metrics.StalledResolved.Inc()
		d.log.Warn("stalled transcription resolved with placeholder", "record_id", rec.ID,
			"stalled_for", d.now().Sub(rec.UpdatedAt).Round(time.Second))
		if d.tracker != nil {
			d.tracker.ResolveRecord(rec.ID)
		}
	}
	return resolved, nil
}

// Run scans every interval until ctx is done.
func (d *StallDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("stall scan failed", "error", err)
			}
		}
	}
}
