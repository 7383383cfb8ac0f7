// Package registry tracks the lifecycle of the engine's pluggable
// dependencies (the SQL engine, the columnar runtime, the compute module,
// and anything else registered at startup): monotonic states, bounded
// retries with backoff, and a subscribable event stream.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/srnarasim/dataprism-core/internal/taxonomy"
)

// State is a dependency's lifecycle state. Transitions are monotonic except
// that a failed load may re-enter "loading" on retry.
type State string

const (
	StateInitializing State = "initializing"
	StateLoading      State = "loading"
	StateReady        State = "ready"
	StateError        State = "error"
	StateTimeout      State = "timeout"
)

// Loader loads a dependency's module given a context with the configured
// per-dependency timeout already applied.
type Loader func(ctx context.Context) (any, error)

// Record is the registry's bookkeeping for one dependency.
type Record struct {
	Name       string
	State      State
	StartedAt  time.Time
	EndedAt    time.Time
	RetryCount int
	MaxRetries int
	TimeoutMs  int
	LastErr    error
	Version    string
	Module     any
}

type entry struct {
	loader     Loader
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	record     Record
}

// Registry is the dependency lifecycle tracker. Zero value is not usable —
// construct with New.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]chan struct{}
	bus      *taxonomy.Bus
}

// New returns an empty Registry backed by its own event bus.
func New() *Registry {
	return &Registry{
		entries:  map[string]*entry{},
		inflight: map[string]chan struct{}{},
		bus:      taxonomy.NewBus(),
	}
}

// Events returns the registry's event bus for subscription.
func (r *Registry) Events() *taxonomy.Bus { return r.bus }

// Register adds a dependency with its loader and retry policy. Calling
// Register twice for the same name keeps the existing record, so an
// in-flight or completed load is not disturbed; the new loader and retry
// policy replace the old ones for later loads, and are ignored while a load
// is in flight.
func (r *Registry) Register(name string, loader Loader, maxRetries int, retryDelay time.Duration, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		if _, loading := r.inflight[name]; !loading {
			e.loader, e.maxRetries, e.retryDelay, e.timeout = loader, maxRetries, retryDelay, timeout
			e.record.MaxRetries, e.record.TimeoutMs = maxRetries, int(timeout/time.Millisecond)
		}
		return
	}
	r.entries[name] = &entry{
		loader:     loader,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		timeout:    timeout,
		record:     Record{Name: name, State: StateInitializing, MaxRetries: maxRetries, TimeoutMs: int(timeout / time.Millisecond)},
	}
}

// nonRetryable classifies errors whose retry would never succeed: the
// condition causing them (a blocked CORS host, a 404, a missing capability)
// does not change between attempts.
func nonRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"CORS_ERROR", "HTTP_404", "capability missing", "UNSUPPORTED_FORMAT"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoff caps the linear retry delay at 10 seconds, matching the
// registry's documented retry policy (base delay × retry count).
func backoff(base time.Duration, retryCount int) time.Duration {
	d := base * time.Duration(retryCount)
	if d > 10*time.Second {
		return 10 * time.Second
	}
	if d <= 0 {
		return base
	}
	return d
}

// Load runs name's loader, retrying on retryable errors up to maxRetries
// times, and blocks until the dependency reaches ready, error, or timeout.
// At most one load runs per name; concurrent callers join the in-flight load
// and share its outcome.
func (r *Registry) Load(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return taxonomy.New(taxonomy.DependencyLoadCode(name), "registry", "dependency %q is not registered", name)
	}
	if e.record.State == StateReady {
		r.mu.Unlock()
		return nil
	}
	if done, loading := r.inflight[name]; loading {
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		st, rec := r.State(name)
		if st == StateReady {
			return nil
		}
		return rec.LastErr
	}
	done := make(chan struct{})
	r.inflight[name] = done
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, name)
		r.mu.Unlock()
		close(done)
	}()

	for attempt := 0; ; attempt++ {
		r.setState(e, StateLoading, nil)
		r.bus.Publish(taxonomy.Event{Kind: taxonomy.EventLoading, Dependency: name, Percent: 0})

		loadCtx, cancel := context.WithTimeout(ctx, e.timeout)
		mod, err := e.loader(loadCtx)
		cancel()

		if err == nil {
			r.mu.Lock()
			e.record.Module = mod
			e.record.Version = extractVersion(mod)
			r.mu.Unlock()
			r.setState(e, StateReady, nil)
			r.bus.Publish(taxonomy.Event{Kind: taxonomy.EventReady, Dependency: name, Percent: 100})
			return nil
		}

		if loadCtx.Err() == context.DeadlineExceeded {
			r.setState(e, StateTimeout, err)
			r.bus.Publish(taxonomy.Event{Kind: taxonomy.EventTimeout, Dependency: name, Err: err})
			return taxonomy.Wrap(taxonomy.CodeDependencyTimeout, "registry", err, "dependency %q timed out", name).WithDependency(name)
		}

		if attempt >= e.maxRetries || nonRetryable(err) {
			r.setState(e, StateError, err)
			r.bus.Publish(taxonomy.Event{Kind: taxonomy.EventError, Dependency: name, Err: err})
			return taxonomy.Wrap(taxonomy.DependencyLoadCode(name), "registry", err, "dependency %q failed to load", name).
				WithDependency(name).WithRetryCount(attempt)
		}

		r.mu.Lock()
		e.record.RetryCount = attempt + 1
		r.mu.Unlock()
		r.bus.Publish(taxonomy.Event{Kind: taxonomy.EventRetry, Dependency: name, Err: err})

		delay := backoff(e.retryDelay, attempt+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Registry) setState(e *entry, s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.record.State != s && (e.record.State == StateInitializing || e.record.State == StateLoading) && e.record.StartedAt.IsZero() && s == StateLoading {
		e.record.StartedAt = timeNow()
	}
	e.record.State = s
	e.record.LastErr = err
	if s == StateReady || s == StateError || s == StateTimeout {
		e.record.EndedAt = timeNow()
	}
}

// timeNow exists so tests could substitute a fake clock if ever needed;
// today it is simply time.Now.
var timeNow = time.Now

// WaitFor blocks until name reaches a terminal state (ready, error, or
// timeout) or ctx is done, returning the dependency's module on success.
func (r *Registry) WaitFor(ctx context.Context, name string) (any, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, rec := r.State(name)
		switch st {
		case StateReady:
			return rec.Module, nil
		case StateError, StateTimeout:
			return nil, rec.LastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForAll blocks until every registered dependency reaches a terminal
// state, returning the first error encountered (if any).
func (r *Registry) WaitForAll(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if _, err := r.WaitFor(ctx, name); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
	}
	return firstErr
}

// State returns the current state and full record for a dependency.
func (r *Registry) State(name string) (State, Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return "", Record{}
	}
	return e.record.State, e.record
}

// IsReady reports whether name has reached the ready state.
func (r *Registry) IsReady(name string) bool {
	st, _ := r.State(name)
	return st == StateReady
}

// Health returns a snapshot of every registered dependency's record.
func (r *Registry) Health() map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Record, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.record
	}
	return out
}

// HealthSummary aggregates dependency states into per-state counts and an
// overall 0-100 health score (the share of dependencies that are ready).
type HealthSummary struct {
	Total       int
	Ready       int
	Loading     int
	Error       int
	Timeout     int
	HealthScore int
}

// Summary computes a HealthSummary over every registered dependency.
func (r *Registry) Summary() HealthSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s HealthSummary
	for _, e := range r.entries {
		s.Total++
		switch e.record.State {
		case StateReady:
			s.Ready++
		case StateLoading, StateInitializing:
			s.Loading++
		case StateError:
			s.Error++
		case StateTimeout:
			s.Timeout++
		}
	}
	if s.Total > 0 {
		s.HealthScore = s.Ready * 100 / s.Total
	}
	return s
}

// Clear drops every dependency record and loader. Used by facade teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = map[string]*entry{}
}

// extractVersion probes a loaded module for a version accessor. Modules
// without one simply report an empty version.
func extractVersion(mod any) string {
	switch v := mod.(type) {
	case interface{ Version() string }:
		return v.Version()
	case interface{ GetVersion() string }:
		return v.GetVersion()
	}
	return ""
}
