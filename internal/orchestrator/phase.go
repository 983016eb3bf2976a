package orchestrator

import (
	"log"

	"github.com/dyluth/reo/internal/metrics"
)

// Phase is the workflow's position in the discovery pipeline.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseMonitoring       Phase = "monitoring"
	PhaseScanning         Phase = "scanning"
	PhaseFiltering        Phase = "filtering"
	PhaseBreakpointsReady Phase = "breakpoints_ready"
)

var allPhases = []Phase{PhaseIdle, PhaseMonitoring, PhaseScanning, PhaseFiltering, PhaseBreakpointsReady}

// transitions lists the phases reachable from each phase. Every phase may
// return to Idle when the workflow stops.
var transitions = map[Phase][]Phase{
	PhaseIdle:             {PhaseMonitoring},
	PhaseMonitoring:       {PhaseScanning, PhaseFiltering, PhaseIdle},
	PhaseScanning:         {PhaseMonitoring, PhaseBreakpointsReady, PhaseIdle},
	PhaseFiltering:        {PhaseMonitoring, PhaseBreakpointsReady, PhaseIdle},
	PhaseBreakpointsReady: {PhaseFiltering, PhaseScanning, PhaseMonitoring, PhaseIdle},
}

// Running reports whether the workflow is active in p.
func (p Phase) Running() bool {
	return p != PhaseIdle && p != ""
}

// CanTransition reports whether the state machine allows from → to.
// Staying in the same phase is always allowed.
func CanTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// setPhaseLocked moves the state to next. Callers hold e.mu.
func (e *Engine) setPhaseLocked(next Phase) {
	prev := e.state.phase
	if !CanTransition(prev, next) {
		log.Printf("[Orchestrator] Unexpected phase transition %s -> %s", prev, next)
	}
	e.state.phase = next
	recordPhase(next)
}

// recordPhase exports the current phase as a one-hot gauge.
func recordPhase(current Phase) {
	for _, p := range allPhases {
		v := 0.0
		if p == current {
			v = 1
		}
		metrics.Phase.WithLabelValues(string(p)).Set(v)
	}
}
