// Package devstate implements the per-device transition/debounce state
// machine shared by every device variant: idle -> pending-change -> debounce
// -> idle, driven by internal/clock so tests never depend on wall time.
package devstate

import (
	"fmt"
	"time"

	"pvloadctl/internal/clock"
)

// Kind identifies the direction of a pending change.
type Kind int

const (
	// Idle means no change is in flight; increase/decrease may be called.
	Idle Kind = iota
	// IncreasePending means a command to increase consumption was just issued.
	IncreasePending
	// DecreasePending means a command to decrease consumption was just issued.
	DecreasePending
	// Debounce means the transition settled but the minimum inter-command
	// cooldown has not yet elapsed.
	Debounce
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case IncreasePending:
		return "increase_pending"
	case DecreasePending:
		return "decrease_pending"
	case Debounce:
		return "debounce"
	default:
		return "unknown"
	}
}

// State is a read-only snapshot of the machine at a point in time.
type State struct {
	Kind                     Kind
	ExpectedFutureConsumption float64
}

// IsIdle reports whether the device may accept a new increase/decrease call.
func (s State) IsIdle() bool { return s.Kind == Idle }

// Machine is the transition/debounce state machine for a single device. It
// is not safe for concurrent use from multiple goroutines; each device owns
// exactly one Machine and drives it from its own serial event loop.
type Machine struct {
	clk   clock.Clock
	state State

	transitionTimer clock.Timer
	debounceTimer   clock.Timer
}

// New creates a Machine in the Idle state.
func New(clk clock.Clock) *Machine {
	return &Machine{clk: clk}
}

// State returns the current snapshot.
func (m *Machine) State() State {
	return m.state
}

// TransitionToPending moves the machine to IncreasePending or
// DecreasePending, recording expectedFutureConsumption, then schedules the
// Debounce transition after transitionMs and the return to Idle after an
// additional debounceMs. Calling this while not Idle is a programming error;
// it returns an error and leaves the machine untouched.
func (m *Machine) TransitionToPending(kind Kind, expectedFutureConsumption float64, transitionMs, debounceMs time.Duration) error {
	if kind != IncreasePending && kind != DecreasePending {
		return fmt.Errorf("devstate: invalid pending kind %v", kind)
	}
	if m.state.Kind != Idle {
		return fmt.Errorf("devstate: cannot transition to %v from %v, must be idle", kind, m.state.Kind)
	}

	m.state = State{Kind: kind, ExpectedFutureConsumption: expectedFutureConsumption}

	m.transitionTimer = m.clk.AfterFunc(transitionMs, func() {
		m.state = State{Kind: Debounce}
		m.debounceTimer = m.clk.AfterFunc(debounceMs, func() {
			m.state = State{Kind: Idle}
		})
	})

	return nil
}

// Reset cancels any outstanding timers and returns the machine to Idle.
func (m *Machine) Reset() {
	if m.transitionTimer != nil {
		m.transitionTimer.Stop()
		m.transitionTimer = nil
	}
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	m.state = State{Kind: Idle}
}
