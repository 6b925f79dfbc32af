package wakeword

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/gemos/pkg/audio"
)

// DefaultCooldown is how long a Chain stays on its fallback after the
// primary fails.
const DefaultCooldown = 30 * time.Second

// Compile-time interface assertion.
var _ Detector = (*Chain)(nil)

// Chain runs a primary detector and switches to the fallback when the
// primary returns an error. It stays on the fallback for a cooldown,
// measured in frame capture time, and then retries the primary. A nil
// primary sends every frame to the fallback.
type Chain struct {
	primary  Detector
	fallback Detector
	cooldown time.Duration

	mu            sync.Mutex
	degradedUntil time.Time
}

// NewChain composes primary and fallback. A zero cooldown selects
// DefaultCooldown.
func NewChain(primary, fallback Detector, cooldown time.Duration) *Chain {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Chain{primary: primary, fallback: fallback, cooldown: cooldown}
}

// Name implements Detector.
func (c *Chain) Name() string {
	switch {
	case c.primary == nil:
		return c.fallback.Name()
	case c.fallback == nil:
		return c.primary.Name()
	default:
		return c.primary.Name() + "+" + c.fallback.Name()
	}
}

// Reset implements Detector.
func (c *Chain) Reset() {
	if c.primary != nil {
		c.primary.Reset()
	}
	if c.fallback != nil {
		c.fallback.Reset()
	}
}

// Degraded reports whether frames captured at t go to the fallback.
func (c *Chain) Degraded(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary == nil || t.Before(c.degradedUntil)
}

// Process implements Detector.
func (c *Chain) Process(ctx context.Context, frame audio.Frame) (*Detection, error) {
	if c.primary != nil && !c.Degraded(frame.Timestamp) {
		det, err := c.primary.Process(ctx, frame)
		if err == nil || c.fallback == nil {
			return det, err
		}
		slog.Warn("wakeword: primary detector failed, using fallback",
			"primary", c.primary.Name(), "fallback", c.fallback.Name(),
			"cooldown", c.cooldown, "err", err)
		c.mu.Lock()
		c.degradedUntil = frame.Timestamp.Add(c.cooldown)
		c.mu.Unlock()
		c.primary.Reset()
		c.fallback.Reset()
	}
	return c.fallback.Process(ctx, frame)
}
