package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// State is the lifecycle of a training session.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateStoppedEarly
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateStoppedEarly:
		return "stopped_early"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, state := range []State{StateIdle, StateRunning, StateCompleted, StateStoppedEarly, StateFailed} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown training state %q", text)
}

// Terminal reports whether the session finished a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStoppedEarly || s == StateFailed
}

// EpochMetrics is recorded once per epoch boundary.
type EpochMetrics struct {
	Loss float64 `json:"loss"`
	MSE  float64 `json:"mse"`
}

// Finite reports whether both metrics are finite numbers.
func (m EpochMetrics) Finite() bool {
	return isFinite(m.Loss) && isFinite(m.MSE)
}

// MarshalJSON writes non-finite metrics as null, which encoding/json cannot
// represent otherwise.
func (m EpochMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Loss *float64 `json:"loss"`
		MSE  *float64 `json:"mse"`
	}{finiteOrNil(m.Loss), finiteOrNil(m.MSE)})
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOrNil(v float64) *float64 {
	if !isFinite(v) {
		return nil
	}
	return &v
}

// History is the append-only list of per-epoch metrics of one run.
type History []EpochMetrics

// Last returns the most recent epoch.
func (h History) Last() (EpochMetrics, bool) {
	if len(h) == 0 {
		return EpochMetrics{}, false
	}
	return h[len(h)-1], true
}

// EpochListener receives metrics synchronously at every epoch boundary.
type EpochListener interface {
	OnEpoch(epoch int, metrics EpochMetrics)
}

// EpochListenerFunc adapts a function to EpochListener.
type EpochListenerFunc func(epoch int, metrics EpochMetrics)

func (f EpochListenerFunc) OnEpoch(epoch int, metrics EpochMetrics) {
	f(epoch, metrics)
}

// Listeners fans an epoch event out in order.
type Listeners []EpochListener

func (l Listeners) OnEpoch(epoch int, metrics EpochMetrics) {
	for _, listener := range l {
		if listener != nil {
			listener.OnEpoch(epoch, metrics)
		}
	}
}

// Session owns the stop signal, the run state and the history of one
// training session. The stop signal has a single writer (the controlling
// caller) and a single reader (the training loop).
type Session struct {
	stop  atomic.Bool
	state atomic.Int32

	// weights is held for a whole epoch while the model is being updated.
	weights sync.Mutex

	mu      sync.RWMutex
	history History
}

// NewSession returns an idle session.
func NewSession() *Session {
	return &Session{}
}

// Stop requests an early stop. It is observed at the next epoch boundary:
// the epoch in progress always runs to completion.
func (s *Session) Stop() {
	s.stop.Store(true)
}

// StopRequested reports the current stop signal.
func (s *Session) StopRequested() bool {
	return s.stop.Load()
}

// Reset clears the stop signal and history. The stop signal is never
// cleared automatically, so a caller must Reset before starting a new run.
func (s *Session) Reset() error {
	if s.State() == StateRunning {
		return stateError("session.reset", ErrTrainingInProgress)
	}
	s.stop.Store(false)
	s.state.Store(int32(StateIdle))
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// History returns a copy of the metrics recorded so far.
func (s *Session) History() History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(History(nil), s.history...)
}

// Exclusive runs fn while no epoch is in progress. Inference and
// persistence use it so they never observe a half-applied weight update.
func (s *Session) Exclusive(fn func() error) error {
	s.weights.Lock()
	defer s.weights.Unlock()
	return fn()
}

func (s *Session) begin() error {
	for {
		current := s.state.Load()
		if State(current) == StateRunning {
			return stateError("session.begin", ErrTrainingInProgress)
		}
		if s.state.CompareAndSwap(current, int32(StateRunning)) {
			break
		}
	}
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) finish(state State) {
	s.state.Store(int32(state))
}

func (s *Session) record(metrics EpochMetrics) {
	s.mu.Lock()
	s.history = append(s.history, metrics)
	s.mu.Unlock()
}
