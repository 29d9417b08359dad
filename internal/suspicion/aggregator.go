package suspicion

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"bastion/internal/ban"
)

// Aggregator is the supervisor-side counterpart of Scorer. A load balancer
// spreads an attacker's connections round-robin across workers, so no single
// worker sees the full event rate; the aggregator sums the weights every
// worker reports for a source key, which restores detection sensitivity
// regardless of the worker count.
type Aggregator struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*record
	ingests uint64
}

func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*record),
	}
}

// Ingest folds one reported event weight into the cluster-wide score for the
// source. The reported weight is used as-is rather than recomputed from
// inter-arrival gaps: gaps observed centrally are interleavings of several
// workers' streams and would understate the per-source rate. Decay still
// applies across genuinely idle gaps. Crossing the threshold returns the
// canonical ban entry to broadcast.
func (a *Aggregator) Ingest(sourceKey string, weight float64, eventTime time.Time) (ban.Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ingests++
	if a.ingests%256 == 0 {
		a.evictIdle(eventTime)
	}

	rec, ok := a.records[sourceKey]
	if !ok {
		rec = &record{}
		a.records[sourceKey] = rec
	}

	if !rec.lastEvent.IsZero() && !eventTime.Before(rec.lastEvent) {
		if dt := eventTime.Sub(rec.lastEvent); dt >= a.cfg.RapidFire {
			rec.score -= a.cfg.DecayPerSec * dt.Seconds()
			if rec.score < 0 {
				rec.score = 0
			}
		}
	}
	if weight <= 0 {
		weight = a.cfg.Baseline
	}
	rec.score += weight
	if eventTime.After(rec.lastEvent) {
		rec.lastEvent = eventTime
	}

	if rec.score >= a.cfg.BanThreshold {
		delete(a.records, sourceKey)
		return ban.Entry{
			ID:        uuid.NewString(),
			SourceKey: sourceKey,
			ExpiresAt: eventTime.Add(a.cfg.BanDuration),
			Reason:    "aggregated suspicion threshold exceeded",
		}, true
	}
	return ban.Entry{}, false
}

// Score returns the current aggregated score for a source.
func (a *Aggregator) Score(sourceKey string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.records[sourceKey]; ok {
		return rec.score
	}
	return 0
}

func (a *Aggregator) evictIdle(now time.Time) {
	cutoff := now.Add(-a.cfg.EvictAfter)
	for key, rec := range a.records {
		if rec.lastEvent.Before(cutoff) {
			delete(a.records, key)
		}
	}
}
