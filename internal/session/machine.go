package session

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/gemos/internal/observe"
)

// DefaultHistoryLimit is the number of transitions retained for diagnostics.
const DefaultHistoryLimit = 50

// Machine is the audio session state machine. It starts in [Idle].
//
// All methods are safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	state     State
	previous  State
	enteredAt time.Time
	errMsg    string
	ctx       map[string]any
	history   []Transition
	limit     int
	subs      []chan Transition
	dropped   int64
	metrics   *observe.Metrics
	now       func() time.Time
}

// Option configures a [Machine].
type Option func(*Machine)

// WithHistoryLimit overrides [DefaultHistoryLimit]. Values below 1 are ignored.
func WithHistoryLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = met }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a machine in the [Idle] state.
func New(opts ...Option) *Machine {
	m := &Machine{
		state:    Idle,
		previous: Idle,
		ctx:      make(map[string]any),
		limit:    DefaultHistoryLimit,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.enteredAt = m.now()
	return m
}

// TransitionTo moves the machine to target if the transition table allows it.
// ctx is merged into the machine context and errMsg, when non-empty, replaces
// the stored error message. An invalid move logs a warning, leaves the state
// unchanged and returns false.
func (m *Machine) TransitionTo(target State, ctx map[string]any, errMsg string) bool {
	m.mu.Lock()
	from := m.state
	if !Allowed(from, target) {
		m.mu.Unlock()
		slog.Warn("session: invalid transition", "from", from, "to", target)
		return false
	}
	t := m.applyLocked(target, ctx, errMsg)
	m.mu.Unlock()

	m.metrics.RecordTransition(context.Background(), t.From.String(), t.To.String())
	slog.Debug("session: transition", "from", t.From, "to", t.To, "duration", t.Duration)
	return true
}

// ResetToIdle forces the machine back to [Idle] from any non-terminal state,
// bypassing the transition table. The move is recorded in the history with
// context["forced"] = true. Returns false only from [Shutdown].
func (m *Machine) ResetToIdle() bool {
	m.mu.Lock()
	from := m.state
	if from == Shutdown {
		m.mu.Unlock()
		slog.Warn("session: reset to idle refused, session is shut down")
		return false
	}
	t := m.applyLocked(Idle, map[string]any{"forced": true}, "")
	m.mu.Unlock()

	m.metrics.RecordTransition(context.Background(), t.From.String(), t.To.String())
	slog.Warn("session: forced reset to idle", "from", from)
	return true
}

// applyLocked performs the bookkeeping of an accepted transition. m.mu must
// be held.
func (m *Machine) applyLocked(target State, ctx map[string]any, errMsg string) Transition {
	now := m.now()
	t := Transition{
		From:     m.state,
		To:       target,
		At:       now,
		Duration: now.Sub(m.enteredAt),
		Context:  maps.Clone(ctx),
	}

	m.history = append(m.history, t)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}

	maps.Copy(m.ctx, ctx)
	if errMsg != "" {
		m.errMsg = errMsg
	}
	m.previous = m.state
	m.state = target
	m.enteredAt = now

	m.enterLocked(target)
	m.publishLocked(t)
	if target == Shutdown {
		for _, ch := range m.subs {
			close(ch)
		}
		m.subs = nil
	}
	return t
}

// enterLocked runs the entry hook of s.
func (m *Machine) enterLocked(s State) {
	switch s {
	case Idle:
		clear(m.ctx)
		m.errMsg = ""
	case Error:
		slog.Error("session: entered error state", "error", m.errMsg, "previous", m.previous)
	case Shutdown:
		slog.Info("session: shut down, releasing subscribers", "subscribers", len(m.subs), "transitions", len(m.history))
	}
}

// publishLocked delivers t to every subscriber without blocking.
func (m *Machine) publishLocked(t Transition) {
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			m.dropped++
			m.metrics.SessionEventsDropped.Add(context.Background(), 1)
		}
	}
}

// Subscribe returns a channel receiving every accepted transition. A full
// channel drops the event instead of blocking the machine. The channel is
// closed when the machine enters [Shutdown]; subscribing after that returns
// an already closed channel.
func (m *Machine) Subscribe(buf int) <-chan Transition {
	ch := make(chan Transition, max(buf, 0))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Shutdown {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// Current returns the active state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Previous returns the state before the last transition.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// StateDuration returns how long the machine has been in the current state.
func (m *Machine) StateDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.enteredAt)
}

// CanTransitionTo reports whether a move to target would be accepted now.
func (m *Machine) CanTransitionTo(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Allowed(m.state, target)
}

// Context returns a copy of the machine context.
func (m *Machine) Context() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.ctx)
}

// ErrorMessage returns the last error message, cleared on entering [Idle].
func (m *Machine) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// History returns a copy of the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Dropped returns how many transitions were not delivered to a full
// subscriber channel.
func (m *Machine) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
