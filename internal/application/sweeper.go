package application

import (
	"context"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/careertrack/internal/triage"
)

// maxDigestItems caps how many applications a digest lists.
const maxDigestItems = 10

// Digest is the needs-action snapshot posted after a sweep.
type Digest struct {
	At      time.Time
	Summary triage.Summary
	Top     []triage.Item[*Application]
}

// DigestNotifier receives sweep digests.
type DigestNotifier interface {
	SendDigest(ctx context.Context, d *Digest) error
}

// Sweeper periodically classifies every non-archived application,
// publishes the counts as metrics, and optionally posts a digest.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	metrics  *triage.Metrics
	notifier DigestNotifier
	logger   log.Logger
}

// NewSweeper creates a sweeper. metrics and notifier may be nil; interval
// must be positive.
func NewSweeper(svc *Service, interval time.Duration, metrics *triage.Metrics, notifier DigestNotifier, logger log.Logger) *Sweeper {
	if interval <= 0 {
		panic(xerrors.New("sweeper interval must be positive"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		metrics:  metrics,
		notifier: notifier,
		logger:   logger,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error(ctx, err, "triage sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single sweep and returns the digest it produced.
func (w *Sweeper) SweepOnce(ctx context.Context) (*Digest, error) {
	start := time.Now()

	items, err := w.svc.Triage(ctx, TriageOptions{})
	if err != nil {
		if w.metrics != nil {
			w.metrics.ObserveSweep(time.Since(start).Seconds(), 0, err)
		}
		return nil, err
	}

	d := &Digest{
		At:      w.svc.Now(),
		Summary: triage.Summarize(items),
		Top:     topNeedsAction(items, maxDigestItems),
	}

	if w.metrics != nil {
		w.metrics.Observe(d.Summary)
		w.metrics.ObserveSweep(time.Since(start).Seconds(), float64(time.Now().Unix()), nil)
	}

	w.logger.Info(ctx, "triage sweep complete",
		"applications", d.Summary.Total,
		"needs_action", d.Summary.NeedsAction,
		"overdue", d.Summary.ByReason[triage.ReasonOverdue],
		"due_soon", d.Summary.ByReason[triage.ReasonDueSoon],
		"stale", d.Summary.ByReason[triage.ReasonStale],
		"no_next_step", d.Summary.ByReason[triage.ReasonNoNextStep],
	)

	if w.notifier != nil && d.Summary.NeedsAction > 0 {
		if err := w.notifier.SendDigest(ctx, d); err != nil {
			w.logger.Error(ctx, err, "digest notification failed")
		}
	}
	return d, nil
}

// topNeedsAction returns up to n needs-action items, most urgent first,
// oldest update first within an urgency.
func topNeedsAction(items []triage.Item[*Application], n int) []triage.Item[*Application] {
	out := make([]triage.Item[*Application], 0, len(items))
	for _, it := range items {
		if it.Result.NeedsAction {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Result.Urgency != out[j].Result.Urgency {
			return out[i].Result.Urgency > out[j].Result.Urgency
		}
		return out[i].Subject.UpdatedAt.Before(out[j].Subject.UpdatedAt)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
