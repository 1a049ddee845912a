package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCapability(t *testing.T) {
	if !CapLLMChat.Valid() || Capability("bogus").Valid() {
		t.Fatalf("capability validity broken")
	}
	if !CapLLMCompletion.Batchable() || !CapLLMChat.Batchable() {
		t.Fatalf("llm capabilities must be batchable")
	}
	if CapVisionAnalyze.Batchable() || CapDataProcess.Batchable() {
		t.Fatalf("non-llm capabilities must not be batchable")
	}
	if !CapVisionAnalyze.Pure() || !CapNLPAnalyze.Pure() {
		t.Fatalf("vision and nlp are pure")
	}
	if CapLLMCompletion.Pure() || CapDataProcess.Pure() {
		t.Fatalf("llm and data_process are not pure")
	}
	if len(Capabilities()) != 5 {
		t.Fatalf("expected 5 capabilities")
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to JobState }{
		{JobQueued, JobAdmitted},
		{JobQueued, JobCancelled},
		{JobQueued, JobTimedOut},
		{JobAdmitted, JobRunning},
		{JobAdmitted, JobCancelled},
		{JobRunning, JobSucceeded},
		{JobRunning, JobFailed},
		{JobRunning, JobCancelled},
		{JobRunning, JobTimedOut},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Fatalf("expected %s -> %s legal", e.from, e.to)
		}
	}
	illegal := []struct{ from, to JobState }{
		{JobQueued, JobRunning},
		{JobQueued, JobSucceeded},
		{JobAdmitted, JobSucceeded},
		{JobRunning, JobAdmitted},
		{JobSucceeded, JobFailed},
		{JobCancelled, JobRunning},
		{JobTimedOut, JobQueued},
		{JobFailed, JobSucceeded},
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Fatalf("expected %s -> %s illegal", e.from, e.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []JobState{JobSucceeded, JobFailed, JobCancelled, JobTimedOut} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	for _, s := range []JobState{JobQueued, JobAdmitted, JobRunning} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestRetryable(t *testing.T) {
	for _, err := range []error{ErrTimeout, ErrTransport, ErrUpstreamServer} {
		if !Retryable(fmt.Errorf("%w: wrapped", err)) {
			t.Fatalf("%v must be retryable", err)
		}
	}
	for _, err := range []error{ErrUpstreamClient, ErrInvalidRequest, ErrMalformedResponse, ErrCancelled, ErrOverloaded, ErrNoBackend, ErrBatchShort} {
		if Retryable(err) {
			t.Fatalf("%v must not be retryable", err)
		}
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: x", ErrInvalidRequest), "invalid_request"},
		{ErrOverloaded, "overloaded"},
		{ErrNoBackend, "no_backend_available"},
		{ErrTimeout, "timeout"},
		{ErrTransport, "transport"},
		{ErrUpstreamClient, "upstream_client"},
		{ErrUpstreamServer, "upstream_server"},
		{ErrMalformedResponse, "malformed_response"},
		{ErrBatchShort, "batch_short_response"},
		{ErrCancelled, "cancelled"},
		{ErrNotFound, "not_found"},
		{errors.New("mystery"), "internal"},
	}
	for _, c := range cases {
		if got := ErrorKind(c.err); got != c.want {
			t.Fatalf("kind of %v: got %q want %q", c.err, got, c.want)
		}
	}
}

func TestBackendHas(t *testing.T) {
	b := Backend{ID: "llm", Capabilities: []Capability{CapLLMCompletion, CapLLMChat}}
	if !b.Has(CapLLMChat) || b.Has(CapVisionAnalyze) {
		t.Fatalf("capability membership broken")
	}
}

func TestCircuitOpen(t *testing.T) {
	now := time.Now()
	h := HealthState{OpenCircuitUntil: now.Add(time.Second)}
	if !h.CircuitOpen(now) {
		t.Fatalf("circuit should be open before the deadline")
	}
	if h.CircuitOpen(now.Add(2 * time.Second)) {
		t.Fatalf("circuit should be closed after the deadline")
	}
	if (HealthState{}).CircuitOpen(now) {
		t.Fatalf("zero state should be closed")
	}
}
