package issuance

import (
	"context"
	"log/slog"
	"time"
)

// SweepTTLs are the independent retention periods of each record category.
// A zero TTL keeps records of that category forever.
type SweepTTLs struct {
	Intents      time.Duration
	Verification time.Duration
}

// DefaultSweepTTLs keeps terminal intents for an hour and verified
// transactions forever. Creation windows close on their own length.
var DefaultSweepTTLs = SweepTTLs{Intents: time.Hour}

// SweepReport counts the records removed by one pass
type SweepReport struct {
	Intents      int
	Verification int
	Creations    int
}

// Total returns the number of records removed
func (r SweepReport) Total() int {
	return r.Intents + r.Verification + r.Creations
}

// Sweeper removes terminal records older than their category's TTL
type Sweeper struct {
	registry *Registry
	verifier *Verifier
	ttls     SweepTTLs
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(SweepReport)
}

// NewSweeper creates a sweeper for the service's stores
func NewSweeper(s *Service, ttls SweepTTLs, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		registry: s.registry,
		verifier: s.verifier,
		ttls:     ttls,
		interval: interval,
		logger:   s.logger,
	}
}

// OnSweep registers a callback receiving the report of every pass
func (w *Sweeper) OnSweep(fn func(SweepReport)) *Sweeper {
	w.onSweep = fn
	return w
}

// Run sweeps every interval until ctx is done
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			report := w.SweepOnce(now)
			if report.Total() > 0 {
				w.logger.Debug("sweep pass",
					"intents", report.Intents, "verification", report.Verification, "creations", report.Creations)
			}
		}
	}
}

// SweepOnce runs a single pass as of now
func (w *Sweeper) SweepOnce(now time.Time) SweepReport {
	report := SweepReport{
		Intents:      w.sweepIntents(now),
		Verification: w.verifier.SweepCache(now, w.ttls.Verification),
		Creations:    w.registry.Creations().Sweep(now),
	}
	if w.onSweep != nil {
		w.onSweep(report)
	}
	return report
}

func (w *Sweeper) sweepIntents(now time.Time) int {
	if w.ttls.Intents <= 0 {
		return 0
	}
	r := w.registry
	removed := 0
	r.Intents().Range(func(id string, intent PaymentIntent) bool {
		if !intent.Status.Terminal() {
			return true
		}
		r.mu.Lock()
		// Re-read under the transition lock; the snapshot may be stale
		current, ok := r.Intents().Get(id)
		if ok && current.Status.Terminal() && now.Sub(terminalAt(current)) > w.ttls.Intents {
			r.Intents().Delete(id)
			w.verifier.Unpin(id)
			removed++
		}
		r.mu.Unlock()
		return true
	})
	return removed
}

func terminalAt(intent PaymentIntent) time.Time {
	if !intent.CompletedAt.IsZero() {
		return intent.CompletedAt
	}
	return intent.CreatedAt
}
