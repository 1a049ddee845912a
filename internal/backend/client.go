// Package backend implements the southbound HTTP caller. One pooled
// keep-alive client is kept per backend; transient clients are never
// created on the hot path. The caller classifies failures but does not
// retry — retry policy lives in the dispatcher.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-orchestrator/internal/domain"
)

// PoolConfig bounds the per-backend keep-alive pool.
type PoolConfig struct {
	KeepAliveConns int           // keep-alive slots per backend
	MaxConns       int           // hard cap per backend
	IdleExpiry     time.Duration // idle connection expiry
	CallTimeout    time.Duration // default per-call deadline
	ConnectTimeout time.Duration // TCP/TLS handshake deadline
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.KeepAliveConns <= 0 {
		c.KeepAliveConns = 20
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 100
	}
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// capabilityPaths maps capabilities onto backend endpoints. Backends
// mirror the northbound paths.
var capabilityPaths = map[domain.Capability]string{
	domain.CapLLMCompletion: "/ai/llm/completion",
	domain.CapLLMChat:       "/ai/llm/chat",
	domain.CapVisionAnalyze: "/ai/vision/analyze",
	domain.CapNLPAnalyze:    "/ai/nlp/process",
	domain.CapDataProcess:   "/data/process",
}

// Pool is a domain.BackendCaller backed by one http.Client per backend.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewPool constructs a connection pool with the given bounds.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{cfg: cfg.withDefaults(), clients: make(map[string]*http.Client)}
}

// client returns the pooled client for a backend, creating it on first use.
func (p *Pool) client(id string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[id]; ok {
		return c
	}
	dialer := &net.Dialer{Timeout: p.cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: p.cfg.KeepAliveConns,
		MaxConnsPerHost:     p.cfg.MaxConns,
		IdleConnTimeout:     p.cfg.IdleExpiry,
		TLSHandshakeTimeout: p.cfg.ConnectTimeout,
		ForceAttemptHTTP2:   true,
	}
	c := &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   p.cfg.CallTimeout,
	}
	p.clients[id] = c
	return c
}

// Call posts one request body to the backend's capability endpoint.
func (p *Pool) Call(ctx context.Context, b domain.Backend, c domain.Capability, body json.RawMessage) (json.RawMessage, error) {
	path, ok := capabilityPaths[c]
	if !ok {
		return nil, fmt.Errorf("%w: unknown capability %q", domain.ErrInternal, c)
	}
	return p.post(ctx, b, b.BaseURL+path, body)
}

// CallBatch posts a sealed batch as {"requests":[...]} to the capability's
// batch endpoint and expects {"results":[...]} back in submission order.
func (p *Pool) CallBatch(ctx context.Context, b domain.Backend, c domain.Capability, bodies []json.RawMessage) ([]json.RawMessage, error) {
	path, ok := capabilityPaths[c]
	if !ok {
		return nil, fmt.Errorf("%w: unknown capability %q", domain.ErrInternal, c)
	}
	payload, err := json.Marshal(map[string]any{"requests": bodies})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal batch: %v", domain.ErrInternal, err)
	}
	raw, err := p.post(ctx, b, b.BaseURL+path+"/batch", payload)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: batch envelope: %v", domain.ErrMalformedResponse, err)
	}
	return out.Results, nil
}

// Probe issues the cheap health request backends expose at /health.
func (p *Pool) Probe(ctx context.Context, b domain.Backend) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	resp, err := p.client(b.ID).Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: probe status %d", domain.ErrUpstreamServer, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: probe status %d", domain.ErrUpstreamClient, resp.StatusCode)
	}
	return nil
}

func (p *Pool) post(ctx context.Context, b domain.Backend, url string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client(b.ID).Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTransport, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: backend %s status %d", domain.ErrUpstreamServer, b.ID, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: backend %s status %d", domain.ErrUpstreamClient, b.ID, resp.StatusCode)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: backend %s returned unparseable body", domain.ErrMalformedResponse, b.ID)
	}
	return json.RawMessage(raw), nil
}

// classifyTransport folds request errors into the error taxonomy:
// deadline expiry (either the call context or the client timeout) maps to
// Timeout, everything else to Transport.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%w: call aborted", domain.ErrCancelled)
		}
		return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrTransport, err)
}
