// Package connectivity is the message channel between the controller and the
// per-tab agents, and the outbound path to remote services.
//
// A service name resolves either to a local handler (an in-process function
// registered by an agent) or to a remote route built by a transport factory:
//
//	router := connectivity.New()
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	router.RegisterLocal("tab/t1/check", coordinator.HandleCheck)
//	router.SetRoute("describe.page", "http", "http://127.0.0.1:8000/analyze-page", nil)
//
//	resp, err := router.Call(ctx, "tab/t1/check", payload)
//
// Local handlers come and go with the documents that own them: once a tab
// unregisters, calls to its services fail with *ErrServiceNotFound.
package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory creates a Handler for a remote endpoint. The returned
// close function is called when the route is replaced or the router closes;
// it may be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	Strategy string
	Endpoint string
	Config   json.RawMessage
}

func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	route   route
	handler Handler
	close   func()
}

// Router dispatches service calls to local handlers or remote routes.
// Safe for concurrent use.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	factories     map[string]TransportFactory
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		factories:     make(map[string]TransportFactory),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-memory handler for a service, replacing any
// previous handler with the same name.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// UnregisterLocal removes a local handler. Unknown names are ignored.
func (r *Router) UnregisterLocal(service string) {
	r.mu.Lock()
	delete(r.localHandlers, service)
	r.mu.Unlock()
}

// UnregisterPrefix removes every local handler whose name starts with prefix
// and returns how many were removed.
func (r *Router) UnregisterPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name := range r.localHandlers {
		if strings.HasPrefix(name, prefix) {
			delete(r.localHandlers, name)
			n++
		}
	}
	return n
}

// RegisterTransport registers a factory for a transport protocol ("http").
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// SetRoute binds a service to a remote endpoint through the factory
// registered for strategy. An unchanged route keeps its existing handler.
// Strategy "noop" makes calls succeed without doing anything.
func (r *Router) SetRoute(service, strategy, endpoint string, config json.RawMessage) error {
	rt := route{Strategy: strategy, Endpoint: endpoint, Config: config}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.remoteEntries[service]; ok && old.route.fingerprint() == rt.fingerprint() {
		return nil
	}

	entry := remoteEntry{route: rt}
	if strategy != "noop" {
		factory, ok := r.factories[strategy]
		if !ok {
			return &ErrNoFactory{Service: service, Strategy: strategy}
		}
		h, closeFn, err := factory(endpoint, config)
		if err != nil {
			return &ErrFactoryFailed{Service: service, Strategy: strategy, Endpoint: endpoint, Cause: err}
		}
		entry.handler = h
		entry.close = closeFn
	}

	if old, ok := r.remoteEntries[service]; ok && old.close != nil {
		old.close()
	}
	r.remoteEntries[service] = entry
	r.logger.Info("connectivity: route built",
		"service", service, "strategy", strategy, "endpoint", endpoint)
	return nil
}

// Wrap decorates the handler currently bound to a remote route. It returns
// false when the service has no remote route.
func (r *Router) Wrap(service string, mw HandlerMiddleware) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.remoteEntries[service]
	if !ok || entry.handler == nil {
		return false
	}
	entry.handler = mw(entry.handler)
	r.remoteEntries[service] = entry
	return true
}

// Call dispatches a service call. Resolution order: noop route, remote
// route, local handler, *ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	r.mu.RUnlock()

	if hasRemote {
		if entry.route.Strategy == "noop" {
			r.logger.DebugContext(ctx, "connectivity: routing noop", "service", service)
			return nil, nil
		}
		r.logger.DebugContext(ctx, "connectivity: routing remote",
			"service", service, "strategy", entry.route.Strategy, "endpoint", entry.route.Endpoint)
		return entry.handler(ctx, payload)
	}

	if localH != nil {
		r.logger.DebugContext(ctx, "connectivity: routing local", "service", service)
		return localH(ctx, payload)
	}

	return nil, &ErrServiceNotFound{Service: service}
}

// CallJSON marshals req, calls the service and unmarshals the response into
// resp (which may be nil).
func (r *Router) CallJSON(ctx context.Context, service string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("connectivity: marshal %s request: %w", service, err)
	}
	out, err := r.Call(ctx, service, payload)
	if err != nil {
		return err
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("connectivity: decode %s response: %w", service, err)
	}
	return nil
}

// Services lists local and remote service names, sorted.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.localHandlers)+len(r.remoteEntries))
	for name := range r.localHandlers {
		names = append(names, name)
	}
	for name := range r.remoteEntries {
		if _, dup := r.localHandlers[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	return nil
}
