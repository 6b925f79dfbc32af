// Package session implements the audio session state machine: the single
// source of truth for what the audio subsystem is doing right now.
//
// Every move is validated against a fixed transition table. The machine has
// no side effects beyond bookkeeping and logging; the orchestrator reacts to
// transitions (directly or via [Machine.Subscribe]) and triggers recording,
// transcription and speech itself. This keeps the machine testable without
// audio hardware.
package session

import (
	"fmt"
	"time"
)

// State is one phase of the audio session lifecycle.
type State int

const (
	Idle State = iota
	WakeWordDetection
	Listening
	Processing
	Speaking
	Error
	Shutdown
)

// States lists every state in declaration order.
var States = []State{Idle, WakeWordDetection, Listening, Processing, Speaking, Error, Shutdown}

var stateNames = map[State]string{
	Idle:              "IDLE",
	WakeWordDetection: "WAKE_WORD_DETECTION",
	Listening:         "LISTENING",
	Processing:        "PROCESSING",
	Speaking:          "SPEAKING",
	Error:             "ERROR",
	Shutdown:          "SHUTDOWN",
}

// String returns the upper-case state name, e.g. "WAKE_WORD_DETECTION".
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions is the fixed transition table. SHUTDOWN is terminal.
var transitions = map[State][]State{
	Idle:              {Listening, WakeWordDetection, Shutdown},
	WakeWordDetection: {Listening, Idle, Error, Shutdown},
	Listening:         {Processing, Idle, Error, Shutdown},
	Processing:        {Speaking, Idle, Error, Shutdown},
	Speaking:          {Idle, Listening, Error, Shutdown},
	Error:             {Idle, Shutdown},
	Shutdown:          nil,
}

// Allowed reports whether the table has an edge from → to.
func Allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State

	// At is when the machine entered To.
	At time.Time

	// Duration is how long the machine stayed in From.
	Duration time.Duration

	// Context is a copy of the context passed with the transition.
	Context map[string]any
}

// Forced reports whether the transition came from [Machine.ResetToIdle].
func (t Transition) Forced() bool {
	f, _ := t.Context["forced"].(bool)
	return f
}
