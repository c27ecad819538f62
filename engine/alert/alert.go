// Package alert derives the session's alert level from the telemetry stream.
// The level latches: once Critical it stays Critical for the session.
package alert

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/WessleyAI/autosync/engine/domain"
)

// Effect is a side effect requested by a transition.
type Effect struct {
	// SystemMessage is appended to the chat log as a system message.
	SystemMessage string
}

// CriticalMessage returns the system message announcing a latched fault.
func CriticalMessage(code domain.DTC) string {
	f, _ := domain.LookupFault(code)
	return fmt.Sprintf("CRITICAL ALERT: %s detected (%s). %s", f.Code, f.Description, f.Advice)
}

// Next is the pure transition function. Only Nominal moves, and only on the
// critical fault code; every other input leaves the state alone.
func Next(current domain.AlertState, s domain.TelemetrySample) (domain.AlertState, []Effect) {
	if current == domain.AlertNominal && s.DTC == domain.CriticalFaultCode {
		return domain.AlertCritical, []Effect{{SystemMessage: CriticalMessage(s.DTC)}}
	}
	return current, nil
}

// TransitionFunc observes a state change and the sample that caused it.
type TransitionFunc func(from, to domain.AlertState, cause domain.TelemetrySample)

// Machine folds Next over a sample stream. Feed it every sample in order;
// a skipped sample may be the one that latches.
type Machine struct {
	mu           sync.RWMutex
	state        domain.AlertState
	trigger      domain.DTC
	onTransition TransitionFunc
	logger       *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// OnTransition registers a hook called after every state change.
func OnTransition(fn TransitionFunc) Option { return func(m *Machine) { m.onTransition = fn } }

// NewMachine returns a machine in the Nominal state.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{state: domain.AlertNominal, logger: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "alert")
	return m
}

// State returns the current alert level.
func (m *Machine) State() domain.AlertState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Trigger returns the code that latched the machine, if any.
func (m *Machine) Trigger() (domain.DTC, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trigger, m.trigger.Present()
}

// Observe applies one sample and returns the effects it produced.
func (m *Machine) Observe(s domain.TelemetrySample) []Effect {
	m.mu.Lock()
	from := m.state
	to, effects := Next(from, s)
	if to != from {
		m.state = to
		m.trigger = s.DTC
	}
	m.mu.Unlock()

	if to != from {
		m.logger.Warn("alert state changed", "from", from.String(), "to", to.String(), "dtc", string(s.DTC))
		if m.onTransition != nil {
			m.onTransition(from, to, s)
		}
	}
	return effects
}
