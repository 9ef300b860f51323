package resolver

import "sync"

// TierStats aggregates the resolutions that terminated at one tier.
type TierStats struct {
	Count          int64   `json:"count"`
	CostEstimate   float64 `json:"cost_estimate"`
	TotalLatencyMs int64   `json:"total_latency_ms"`
}

// StatsSnapshot is a point-in-time copy of the rolling resolution
// counters, shaped for the stats endpoint.
type StatsSnapshot struct {
	Total        int64                `json:"total"`
	Failures     int64                `json:"failures"`
	CacheHitRate float64              `json:"cache_hit_rate"`
	CostEstimate float64              `json:"cost_estimate"`
	ByTier       map[Tier]TierStats   `json:"by_tier"`
	ByKind       map[QuestionKind]int64 `json:"by_kind"`
}

// Stats accumulates every emitted Record so the cost budget gate is
// answerable at any moment without a log scan. Counters reset on process
// restart; the authoritative monthly sum lives in the observability log.
type Stats struct {
	mu       sync.Mutex
	total    int64
	failures int64
	hits     int64
	cost     float64
	byTier   map[Tier]*TierStats
	byKind   map[QuestionKind]int64
}

// NewStats constructs an empty Stats collector.
func NewStats() *Stats {
	return &Stats{
		byTier: map[Tier]*TierStats{},
		byKind: map[QuestionKind]int64{},
	}
}

// Observe folds one resolution record into the counters. A record with no
// tier reached counts as a failure (every tier declined or broke).
func (s *Stats) Observe(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.byKind[r.QuestionKind]++
	if r.TierReached == "" {
		s.failures++
		return
	}
	if r.CacheHit {
		s.hits++
	}
	s.cost += r.CostEstimate

	ts, ok := s.byTier[r.TierReached]
	if !ok {
		ts = &TierStats{}
		s.byTier[r.TierReached] = ts
	}
	ts.Count++
	ts.CostEstimate += r.CostEstimate
	ts.TotalLatencyMs += r.LatencyMs
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Total:        s.total,
		Failures:     s.failures,
		CostEstimate: s.cost,
		ByTier:       make(map[Tier]TierStats, len(s.byTier)),
		ByKind:       make(map[QuestionKind]int64, len(s.byKind)),
	}
	if s.total > 0 {
		snap.CacheHitRate = float64(s.hits) / float64(s.total)
	}
	for tier, ts := range s.byTier {
		snap.ByTier[tier] = *ts
	}
	for kind, n := range s.byKind {
		snap.ByKind[kind] = n
	}
	return snap
}
