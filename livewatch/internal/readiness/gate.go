// Package readiness gates a document's monitoring components on the
// presence of the capability providers they are built from.
//
// Providers announce themselves with Register, in any order, whenever they
// finish loading. The first AwaitReady arms a deadline; the gate resolves
// exactly once, either by binding the components (when the last required
// provider appears) or by failing with the list of providers still
// missing. Every caller, concurrent or later, observes that same outcome.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// State is the gate's lifecycle position.
type State int

const (
	Pending State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// DefaultTimeout bounds the wait for all providers.
const DefaultTimeout = 10 * time.Second

// UnavailableError reports providers that never appeared before the
// deadline.
type UnavailableError struct {
	Missing []string
}

func (e *UnavailableError) Error() string {
	return "readiness: dependencies not ready: failed to load: " + strings.Join(e.Missing, ", ")
}

// UserMessage is the remediation text shown to the person using the page.
func (e *UnavailableError) UserMessage() string {
	return fmt.Sprintf("Failed to load: %s. Please refresh the page.", strings.Join(e.Missing, ", "))
}

// BindError wraps a failure to instantiate the components once every
// provider was present.
type BindError struct {
	Err error
}

func (e *BindError) Error() string { return "readiness: bind failed: " + e.Err.Error() }
func (e *BindError) Unwrap() error { return e.Err }

// BindFunc instantiates the components. It runs at most once per gate.
type BindFunc[T any] func() (T, error)

// Gate resolves to a T once every required provider has registered.
type Gate[T any] struct {
	required []string
	bind     BindFunc[T]
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	present map[string]bool
	state   State
	binding bool
	armed   bool
	timer   *time.Timer
	value   T
	err     error
	done    chan struct{}
}

// Option configures a Gate.
type Option func(*options)

type options struct {
	timeout time.Duration
	logger  *slog.Logger
}

// WithTimeout sets the bounded wait. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a Pending gate over the required provider names. Missing
// providers are always reported in this order.
func New[T any](bind func() (T, error), required []string, opts ...Option) *Gate[T] {
	o := options{timeout: DefaultTimeout, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Gate[T]{
		required: append([]string(nil), required...),
		bind:     bind,
		timeout:  o.timeout,
		logger:   o.logger,
		present:  make(map[string]bool, len(required)),
		done:     make(chan struct{}),
	}
}

// Register records that provider name is present. Registering the last
// required provider binds the components on the calling goroutine.
// Registrations after the gate resolved are ignored.
func (g *Gate[T]) Register(name string) {
	g.mu.Lock()
	if g.state != Pending || g.present[name] {
		g.mu.Unlock()
		return
	}
	g.present[name] = true
	start := g.startBindLocked()
	g.mu.Unlock()

	g.logger.Debug("readiness: provider registered", "provider", name)
	if start {
		g.runBind()
	}
}

// AwaitReady blocks until the gate resolves, the deadline passes, or ctx
// ends. ctx only bounds this caller's wait; it never fails the gate.
func (g *Gate[T]) AwaitReady(ctx context.Context) (T, error) {
	g.mu.Lock()
	if g.state != Pending {
		v, err := g.value, g.err
		g.mu.Unlock()
		return v, err
	}
	if !g.armed {
		g.armed = true
		g.timer = time.AfterFunc(g.timeout, g.expire)
	}
	start := g.startBindLocked()
	done := g.done
	g.mu.Unlock()

	if start {
		g.runBind()
	}

	select {
	case <-done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.value, g.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// State returns the current state.
func (g *Gate[T]) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err returns the failure reason once Failed, else nil.
func (g *Gate[T]) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Present reports whether provider name has registered.
func (g *Gate[T]) Present(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.present[name]
}

// Missing returns the required providers not yet registered.
func (g *Gate[T]) Missing() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.missingLocked()
}

func (g *Gate[T]) missingLocked() []string {
	var missing []string
	for _, name := range g.required {
		if !g.present[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// startBindLocked claims the single bind when every provider is present.
func (g *Gate[T]) startBindLocked() bool {
	if g.state != Pending || g.binding || len(g.missingLocked()) > 0 {
		return false
	}
	g.binding = true
	return true
}

func (g *Gate[T]) runBind() {
	v, err := g.bind()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.resolveLocked(v, &BindError{Err: err})
		g.logger.Warn("readiness: bind failed", "error", err)
		return
	}
	g.resolveLocked(v, nil)
	g.logger.Debug("readiness: ready")
}

func (g *Gate[T]) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	// A bind already under way wins over the deadline.
	if g.state != Pending || g.binding {
		return
	}
	var zero T
	missing := g.missingLocked()
	g.resolveLocked(zero, &UnavailableError{Missing: missing})
	g.logger.Warn("readiness: providers missing at deadline", "missing", missing)
}

func (g *Gate[T]) resolveLocked(v T, err error) {
	if err != nil {
		g.state = Failed
		var zero T
		g.value = zero
	} else {
		g.state = Ready
		g.value = v
	}
	g.err = err
	if g.timer != nil {
		g.timer.Stop()
	}
	close(g.done)
}
