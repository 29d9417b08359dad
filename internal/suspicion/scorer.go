// Package suspicion scores per-source connection patterns and decides local
// bans. Scoring happens at the transport accept boundary, before any request
// parsing, so an abusive source is cut off before it costs parser or handler
// time.
package suspicion

import (
	"sync"
	"time"

	"bastion/internal/ban"
)

// Verdict is the outcome of observing one connection attempt.
type Verdict int

const (
	Allow Verdict = iota
	BanNow
	AlreadyBanned
)

func (v Verdict) String() string {
	switch v {
	case BanNow:
		return "ban"
	case AlreadyBanned:
		return "banned"
	default:
		return "allow"
	}
}

// Decision reports the verdict for one observed event together with the
// weight the event contributed, so callers can forward it to the supervisor
// for cluster-wide aggregation.
type Decision struct {
	Verdict Verdict
	Weight  float64
	Entry   ban.Entry
}

type Config struct {
	// RapidFire is the inter-arrival gap under which an event is treated as
	// part of a burst and charged RapidWeight instead of Baseline.
	RapidFire    time.Duration
	RapidWeight  float64
	Baseline     float64
	DecayPerSec  float64
	BanThreshold float64
	BanDuration  time.Duration
	// EvictAfter bounds memory: records idle longer than this are swept.
	EvictAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.RapidFire <= 0 {
		c.RapidFire = 500 * time.Millisecond
	}
	if c.RapidWeight <= 0 {
		c.RapidWeight = 10
	}
	if c.Baseline <= 0 {
		c.Baseline = 1
	}
	if c.DecayPerSec <= 0 {
		c.DecayPerSec = 1
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = 100
	}
	if c.BanDuration <= 0 {
		c.BanDuration = 5 * time.Minute
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 10 * time.Minute
	}
	return c
}

type record struct {
	score     float64
	lastEvent time.Time
}

// Scorer keeps one suspicion record per source key. It consults and feeds the
// worker-local ban store; it performs no I/O of its own.
type Scorer struct {
	cfg  Config
	bans *ban.Store

	mu       sync.Mutex
	records  map[string]*record
	observes uint64
}

func NewScorer(cfg Config, bans *ban.Store) *Scorer {
	return &Scorer{
		cfg:     cfg.withDefaults(),
		bans:    bans,
		records: make(map[string]*record),
	}
}

// Observe scores one connection attempt from sourceKey at now.
//
// Events arriving faster than the rapid-fire gap are charged the full rapid
// weight. Slower events first decay the score in proportion to the idle gap,
// then add the baseline increment, so the score is a deterministic function of
// the event timestamp sequence. Crossing the ban threshold issues a local ban
// and resets the record; the ban itself lives in the ban store as a separate,
// time-bounded fact.
func (s *Scorer) Observe(sourceKey string, now time.Time) Decision {
	if s.bans.IsBanned(sourceKey, now) {
		return Decision{Verdict: AlreadyBanned}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.observes++
	if s.observes%256 == 0 {
		s.evictIdle(now)
	}

	rec, ok := s.records[sourceKey]
	if !ok {
		rec = &record{}
		s.records[sourceKey] = rec
	}

	weight := s.cfg.Baseline
	if !rec.lastEvent.IsZero() && !now.Before(rec.lastEvent) {
		dt := now.Sub(rec.lastEvent)
		if dt < s.cfg.RapidFire {
			weight = s.cfg.RapidWeight
		} else {
			rec.score -= s.cfg.DecayPerSec * dt.Seconds()
			if rec.score < 0 {
				rec.score = 0
			}
		}
	}
	rec.score += weight
	rec.lastEvent = now

	if rec.score >= s.cfg.BanThreshold {
		entry := ban.Entry{
			SourceKey: sourceKey,
			ExpiresAt: now.Add(s.cfg.BanDuration),
			Reason:    "suspicion threshold exceeded",
		}
		s.bans.Apply(entry)
		// The score has done its job; a repeat offender starts clean once
		// the ban lapses.
		delete(s.records, sourceKey)
		return Decision{Verdict: BanNow, Weight: weight, Entry: entry}
	}

	return Decision{Verdict: Allow, Weight: weight}
}

// Score returns the current raw score for a source, mainly for telemetry.
func (s *Scorer) Score(sourceKey string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[sourceKey]; ok {
		return rec.score
	}
	return 0
}

// Tracked reports how many source records are held.
func (s *Scorer) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Scorer) evictIdle(now time.Time) {
	cutoff := now.Add(-s.cfg.EvictAfter)
	for key, rec := range s.records {
		if rec.lastEvent.Before(cutoff) {
			delete(s.records, key)
		}
	}
}
