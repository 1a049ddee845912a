// Package domain defines the core entities and ports of the orchestrator.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Capability identifies the kind of work a backend can perform.
type Capability string

// Known capabilities.
const (
	CapLLMCompletion Capability = "llm_completion"
	CapLLMChat       Capability = "llm_chat"
	CapVisionAnalyze Capability = "vision_analyze"
	CapNLPAnalyze    Capability = "nlp_analyze"
	CapDataProcess   Capability = "data_process"
)

// Capabilities lists every capability the orchestrator routes.
func Capabilities() []Capability {
	return []Capability{CapLLMCompletion, CapLLMChat, CapVisionAnalyze, CapNLPAnalyze, CapDataProcess}
}

// Valid reports whether c is a known capability tag.
func (c Capability) Valid() bool {
	switch c {
	case CapLLMCompletion, CapLLMChat, CapVisionAnalyze, CapNLPAnalyze, CapDataProcess:
		return true
	}
	return false
}

// Batchable reports whether requests for c may be micro-batched into a
// single backend call.
func (c Capability) Batchable() bool {
	return c == CapLLMCompletion || c == CapLLMChat
}

// Pure reports whether requests for c are stable under replay and may be
// cached and single-flighted without an explicit opt-in. LLM capabilities
// are non-pure by default because sampling makes them non-deterministic;
// callers opt in with allow_cache.
func (c Capability) Pure() bool {
	return c == CapVisionAnalyze || c == CapNLPAnalyze
}

// JobState is one position in the job lifecycle state machine.
type JobState string

// Job lifecycle states. Queued, Admitted and Running are transient;
// the rest are terminal and absorbing.
const (
	JobQueued    JobState = "queued"
	JobAdmitted  JobState = "admitted"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobTimedOut  JobState = "timed_out"
)

// Terminal reports whether s is an absorbing state.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

var stateTransitions = map[JobState][]JobState{
	JobQueued:   {JobAdmitted, JobCancelled, JobTimedOut, JobFailed},
	JobAdmitted: {JobRunning, JobCancelled, JobTimedOut, JobFailed},
	JobRunning:  {JobSucceeded, JobFailed, JobCancelled, JobTimedOut},
}

// CanTransition reports whether from -> to is a legal edge of the job
// state machine. Terminal states have no outgoing edges.
func CanTransition(from, to JobState) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is the unit of tracked work. A snapshot copy is handed to readers;
// only the job manager mutates the tracked record.
type Job struct {
	ID             string
	Capability     Capability
	Fingerprint    string
	State          JobState
	SubmitTS       time.Time
	StartTS        time.Time
	FinishTS       time.Time
	Progress       float64
	Result         json.RawMessage
	Error          string
	ErrorKind      string
	Deadline       time.Time
	RetentionUntil time.Time
	Attempts       int
}

// Backend describes one external AI service.
type Backend struct {
	ID            string       `yaml:"id"`
	BaseURL       string       `yaml:"url"`
	Capabilities  []Capability `yaml:"capabilities"`
	MaxInFlight   int          `yaml:"max_in_flight"`
	Weight        int          `yaml:"weight"`
	SupportsBatch bool         `yaml:"supports_batch"`
}

// Has reports whether the backend serves the given capability.
func (b Backend) Has(c Capability) bool {
	for _, bc := range b.Capabilities {
		if bc == c {
			return true
		}
	}
	return false
}

// HealthStatus classifies a backend's routability.
type HealthStatus string

// Backend health statuses. Degraded backends are routed at half their
// concurrency cap; Unhealthy backends receive no new work.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthState is the mutable health record for one backend. It is owned
// by the health aggregator; the router only reads it.
type HealthState struct {
	BackendID           string
	Status              HealthStatus
	ConsecutiveFailures int
	LastProbeTS         time.Time
	LastLatency         time.Duration
	OpenCircuitUntil    time.Time
}

// CircuitOpen reports whether the breaker is open at time now.
func (h HealthState) CircuitOpen(now time.Time) bool {
	return now.Before(h.OpenCircuitUntil)
}

// BackendCaller is the southbound port. Implementations own connection
// pooling and error classification; they never retry.
type BackendCaller interface {
	// Call posts a single request body to the backend's capability
	// endpoint and returns the decoded JSON result.
	Call(ctx context.Context, b Backend, c Capability, body json.RawMessage) (json.RawMessage, error)
	// CallBatch posts a sealed batch in submission order. The returned
	// slice holds one result per member; a shorter slice is surfaced to
	// the caller, which fails the unmatched members.
	CallBatch(ctx context.Context, b Backend, c Capability, bodies []json.RawMessage) ([]json.RawMessage, error)
	// Probe performs a cheap health request.
	Probe(ctx context.Context, b Backend) error
}
