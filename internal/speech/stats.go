package speech

import (
	"sync"
	"time"
)

// autoSelectCalls is the number of successful calls at which an engine's
// score stops being discounted for lack of evidence.
const autoSelectCalls = 10

// AutoSelectThreshold is the score an engine must exceed to be picked by
// automatic reselection.
const AutoSelectThreshold = 0.8

// EngineStats are usage statistics of one engine.
type EngineStats struct {
	// Calls counts attempts that reached the engine.
	Calls int

	// Successes and Failures split Calls by outcome. A timeout is a failure.
	Successes int
	Failures  int

	// AvgConfidence is the mean confidence over successful calls. Always zero
	// for text-to-speech.
	AvgConfidence float64

	// AvgLatency is the mean latency over successful calls.
	AvgLatency time.Duration

	// LastLatency is the latency of the most recent call.
	LastLatency time.Duration
}

// Score rates the engine for automatic reselection:
// AvgConfidence × min(1, Successes/10).
func (s EngineStats) Score() float64 {
	return s.AvgConfidence * min(1, float64(s.Successes)/autoSelectCalls)
}

// statsBook tracks EngineStats per engine name.
type statsBook struct {
	mu    sync.Mutex
	stats map[string]*EngineStats
}

func newStatsBook() *statsBook {
	return &statsBook{stats: make(map[string]*EngineStats)}
}

func (b *statsBook) entry(name string) *EngineStats {
	s, ok := b.stats[name]
	if !ok {
		s = &EngineStats{}
		b.stats[name] = s
	}
	return s
}

func (b *statsBook) success(name string, latency time.Duration, confidence float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.entry(name)
	s.Calls++
	s.Successes++
	n := float64(s.Successes)
	s.AvgConfidence += (confidence - s.AvgConfidence) / n
	s.AvgLatency += time.Duration((float64(latency) - float64(s.AvgLatency)) / n)
	s.LastLatency = latency
}

func (b *statsBook) failure(name string, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.entry(name)
	s.Calls++
	s.Failures++
	s.LastLatency = latency
}

// snapshot returns a copy of all stats.
func (b *statsBook) snapshot() map[string]EngineStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]EngineStats, len(b.stats))
	for k, v := range b.stats {
		out[k] = *v
	}
	return out
}

// best returns the highest-scoring name among candidates, earliest first on
// ties.
func (b *statsBook) best(candidates []string) (string, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		bestName  string
		bestScore = -1.0
	)
	for _, n := range candidates {
		var score float64
		if s, ok := b.stats[n]; ok {
			score = s.Score()
		}
		if score > bestScore {
			bestName, bestScore = n, score
		}
	}
	return bestName, bestScore
}
