// Package scheduler runs the controller side of monitoring: one session
// per tab, a periodic trigger per session, and the recovery rules that
// stop sessions whose document went away.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/connectivity"
	"github.com/hazyhaar/livewatch/idgen"
	"github.com/hazyhaar/livewatch/observability"
)

// Status texts.
const (
	StatusStarted  = "Monitoring started"
	StatusChecking = "Checking..."
	StatusComplete = "Check complete"
	StatusActive   = "Monitoring active"
	StatusStopped  = "Monitoring stopped"
)

// Notifier receives what the scheduler produces for the presentation and
// speech layers.
type Notifier interface {
	Narrate(ctx context.Context, n check.Narration) error
	Status(ctx context.Context, u check.StatusUpdate) error
	Complete(ctx context.Context, c check.Completion) error
}

// Config configures the scheduler.
type Config struct {
	// InitialDelay precedes the first check of a session. Default: 1s.
	InitialDelay time.Duration
	// InitTimeout bounds initializeMonitoring, which includes the
	// document's readiness wait. Default: 15s.
	InitTimeout time.Duration
	// CheckTimeout bounds one performCheck. Default: 45s.
	CheckTimeout time.Duration
	// StopTimeout bounds the best-effort stopMonitoring. Default: 5s.
	StopTimeout time.Duration

	Metrics *observability.MetricsManager
	Events  *observability.EventLogger
	IDs     idgen.Generator
	Logger  *slog.Logger
	Now     func() time.Time
}

func (c *Config) defaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 15 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 45 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.IDs == nil {
		c.IDs = idgen.Trigger
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is the controller-side record of monitoring on one tab.
type Session struct {
	TabID       string              `json:"tab_id"`
	Config      check.SessionConfig `json:"config"`
	TriggerID   string              `json:"trigger_id"`
	StartedAt   time.Time           `json:"started_at"`
	LastCheckAt time.Time           `json:"last_check_at"`
	Checks      int                 `json:"checks"`
	LastResult  check.Kind          `json:"last_result,omitempty"`
}

type session struct {
	Session
	cancel   context.CancelFunc
	inFlight atomic.Bool
}

// Scheduler owns every monitoring session. Safe for concurrent use.
type Scheduler struct {
	router *connectivity.Router
	notify Notifier
	cfg    Config

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Scheduler and registers the completion service on router.
func New(router *connectivity.Router, notify Notifier, cfg Config) *Scheduler {
	cfg.defaults()
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		router:   router,
		notify:   notify,
		cfg:      cfg,
		base:     base,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	router.RegisterLocal(check.ServiceComplete, s.handleComplete)
	return s
}

// Start begins monitoring tabID. A previous session of the tab is stopped
// first; the document is not told, since the new initialize resets it.
// When the document refuses, the session is dropped and a *StartError
// carrying a user-facing message is returned.
func (s *Scheduler) Start(ctx context.Context, tabID string, cfg check.SessionConfig) (Session, error) {
	if err := cfg.Validate(); err != nil {
		return Session{}, &StartError{TabID: tabID, Raw: err.Error(), Message: err.Error()}
	}

	s.mu.Lock()
	old, replaced := s.sessions[tabID]
	var ended ending
	if replaced {
		delete(s.sessions, tabID)
		old.cancel()
		ended = ending{checks: old.Checks, trigger: old.TriggerID, active: len(s.sessions)}
	}
	sessCtx, cancel := context.WithCancel(s.base)
	sess := &session{
		Session: Session{TabID: tabID, Config: cfg, StartedAt: s.cfg.Now(), LastCheckAt: s.cfg.Now()},
		cancel:  cancel,
	}
	s.sessions[tabID] = sess
	s.mu.Unlock()

	if replaced {
		s.retire(ctx, tabID, ended)
	}

	raw := s.initialize(ctx, tabID, cfg)
	if raw == "" && !s.current(tabID, sess) {
		raw = "monitoring stopped during initialization"
	}
	if raw != "" {
		s.drop(tabID, sess)
		msg := FriendlyError(raw)
		s.cfg.Logger.Warn("scheduler: start failed", "tab", tabID, "error", raw)
		s.status(tabID, "Error: "+msg, nil)
		s.cfg.Events.Log(ctx, observability.SessionEvent{
			TabID: tabID, Action: observability.ActionStartFailed, Detail: raw,
		})
		return Session{}, &StartError{TabID: tabID, Raw: raw, Message: msg}
	}

	s.mu.Lock()
	sess.TriggerID = s.cfg.IDs()
	snapshot := sess.Session
	active := len(s.sessions)
	s.mu.Unlock()

	s.cfg.Logger.Info("scheduler: monitoring started",
		"tab", tabID, "trigger", snapshot.TriggerID, "interval", cfg.Interval())
	s.cfg.Events.Log(ctx, observability.SessionEvent{
		TabID: tabID, SessionID: snapshot.TriggerID, Action: observability.ActionStarted, Success: true,
	})
	s.gauge(active)
	s.status(tabID, StatusStarted, map[string]any{"interval_ms": cfg.IntervalMs})

	s.wg.Add(1)
	go s.run(sessCtx, sess)
	return snapshot, nil
}

// initialize sends initializeMonitoring and returns the raw failure text,
// or "" on success.
func (s *Scheduler) initialize(ctx context.Context, tabID string, cfg check.SessionConfig) string {
	ictx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()
	var reply check.Reply
	if err := s.router.CallJSON(ictx, check.Service(tabID, check.OpInit), cfg, &reply); err != nil {
		return err.Error()
	}
	if !reply.Success {
		if reply.Error == "" {
			return UnknownErrorMessage
		}
		return reply.Error
	}
	return ""
}

// run is the periodic trigger of one session.
func (s *Scheduler) run(ctx context.Context, sess *session) {
	defer s.wg.Done()

	first := time.NewTimer(s.cfg.InitialDelay)
	defer first.Stop()
	ticker := time.NewTicker(sess.Config.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-first.C:
		case <-ticker.C:
		}
		s.fire(ctx, sess)
	}
}

// fire runs one triggered check. A check still running for the session
// makes this firing a no-op.
func (s *Scheduler) fire(ctx context.Context, sess *session) {
	if !s.current(sess.TabID, sess) {
		s.cfg.Logger.Debug("scheduler: trigger for missing session", "tab", sess.TabID)
		return
	}
	if !sess.inFlight.CompareAndSwap(false, true) {
		s.cfg.Logger.Debug("scheduler: check still running, skipped", "tab", sess.TabID)
		return
	}
	defer sess.inFlight.Store(false)

	if _, err := s.runCheck(ctx, sess); err != nil && ctx.Err() == nil {
		s.cfg.Logger.Warn("scheduler: check failed", "tab", sess.TabID, "error", err)
	}
}

// ErrNotMonitoring is returned by CheckNow for a tab without a session.
var ErrNotMonitoring = errors.New("scheduler: tab not monitored")

// ErrCheckRunning is returned by CheckNow while a check is running.
var ErrCheckRunning = errors.New("scheduler: check already running")

// CheckNow runs a check immediately and returns its result.
func (s *Scheduler) CheckNow(ctx context.Context, tabID string) (check.Result, error) {
	s.mu.Lock()
	sess, ok := s.sessions[tabID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotMonitoring
	}
	if !sess.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCheckRunning
	}
	defer sess.inFlight.Store(false)
	return s.runCheck(ctx, sess)
}

func (s *Scheduler) runCheck(ctx context.Context, sess *session) (check.Result, error) {
	tabID := sess.TabID
	s.mu.Lock()
	sess.LastCheckAt = s.cfg.Now()
	s.mu.Unlock()
	s.status(tabID, StatusChecking, nil)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()
	start := time.Now()

	var reply check.Reply
	err := s.router.CallJSON(cctx, check.Service(tabID, check.OpCheck), nil, &reply)
	if err == nil && !reply.Success {
		err = errors.New(reply.Error)
	}
	if err != nil {
		if connectivity.IsDeliveryFailure(err) {
			s.cfg.Logger.Info("scheduler: document unreachable, stopping", "tab", tabID, "error", err)
			s.cfg.Events.Log(ctx, observability.SessionEvent{
				TabID: tabID, SessionID: sess.TriggerID, Action: observability.ActionDeliveryFailed, Detail: err.Error(),
			})
			s.Stop(tabID)
			return nil, fmt.Errorf("scheduler: deliver check: %w", err)
		}
		if ctx.Err() == nil {
			s.status(tabID, "Error: "+FriendlyError(err.Error()), nil)
		}
		s.record(tabID, "failed", time.Since(start))
		return nil, fmt.Errorf("scheduler: check: %w", err)
	}

	res, err := check.Unmarshal(reply.Result)
	if err != nil {
		s.record(tabID, "invalid", time.Since(start))
		return nil, fmt.Errorf("scheduler: decode result: %w", err)
	}
	s.record(tabID, string(res.Kind()), time.Since(start))

	s.mu.Lock()
	sess.Checks++
	sess.LastResult = res.Kind()
	s.mu.Unlock()
	if s.current(tabID, sess) {
		s.status(tabID, StatusActive, nil)
	}
	return res, nil
}

// handleComplete receives the completion notifications of every agent:
// it forwards results, speaks narrations and reports progress.
func (s *Scheduler) handleComplete(ctx context.Context, payload []byte) ([]byte, error) {
	var comp check.Completion
	if err := json.Unmarshal(payload, &comp); err != nil {
		return nil, fmt.Errorf("scheduler: decode completion: %w", err)
	}
	if comp.At.IsZero() {
		comp.At = s.cfg.Now()
	}

	s.mu.Lock()
	sess, ok := s.sessions[comp.TabID]
	rate := check.DefaultSpeechRate
	if ok {
		rate = sess.Config.SpeechRate
	}
	s.mu.Unlock()

	if s.notify != nil {
		if err := s.notify.Complete(ctx, comp); err != nil {
			s.cfg.Logger.Debug("scheduler: completion sink failed", "tab", comp.TabID, "error", err)
		}
	}
	var data map[string]any
	if comp.Result != nil {
		data = map[string]any{"type": comp.Result.Kind()}
		if text := comp.Result.Speech(); text != "" {
			s.narrate(ctx, check.Narration{TabID: comp.TabID, Text: text, Rate: rate, At: comp.At})
		}
	}
	s.status(comp.TabID, StatusComplete, data)
	return nil, nil
}

// Stop ends monitoring of tabID. It reports whether a session existed.
func (s *Scheduler) Stop(tabID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[tabID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, tabID)
	sess.cancel()
	ended := ending{checks: sess.Checks, trigger: sess.TriggerID, active: len(s.sessions)}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.router.CallJSON(ctx, check.Service(tabID, check.OpStop), nil, nil); err != nil {
		s.cfg.Logger.Debug("scheduler: stop not delivered", "tab", tabID, "error", err)
	}
	s.retire(ctx, tabID, ended)
	return true
}

// ending is what is left of a session once removed from the map.
type ending struct {
	checks  int
	trigger string
	active  int
}

// retire records the end of a session already removed from the map.
func (s *Scheduler) retire(ctx context.Context, tabID string, e ending) {
	s.cfg.Logger.Info("scheduler: monitoring stopped", "tab", tabID, "checks", e.checks)
	s.cfg.Events.Log(ctx, observability.SessionEvent{
		TabID: tabID, SessionID: e.trigger, Action: observability.ActionStopped, Success: true,
	})
	s.gauge(e.active)
	s.status(tabID, StatusStopped, nil)
}

// TabClosed stops the session of a closed tab.
func (s *Scheduler) TabClosed(tabID string) { s.Stop(tabID) }

// TabNavigated stops the session of a tab whose document was replaced.
func (s *Scheduler) TabNavigated(tabID string) { s.Stop(tabID) }

// Status returns a copy of the session of tabID.
func (s *Scheduler) Status(tabID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tabID]
	if !ok {
		return Session{}, false
	}
	return sess.Session, true
}

// Sessions returns copies of all sessions ordered by tab ID.
func (s *Scheduler) Sessions() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Session)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Close stops every session and waits for the triggers to exit.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	tabs := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		tabs = append(tabs, id)
	}
	s.mu.Unlock()
	for _, id := range tabs {
		s.Stop(id)
	}
	s.cancel()
	s.wg.Wait()
	s.router.UnregisterLocal(check.ServiceComplete)
	return nil
}

func (s *Scheduler) current(tabID string, sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[tabID] == sess
}

func (s *Scheduler) drop(tabID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.cancel()
	if s.sessions[tabID] == sess {
		delete(s.sessions, tabID)
	}
}

func (s *Scheduler) status(tabID, text string, data map[string]any) {
	if s.notify == nil {
		return
	}
	u := check.StatusUpdate{TabID: tabID, Text: text, Data: data, At: s.cfg.Now()}
	if err := s.notify.Status(s.base, u); err != nil {
		s.cfg.Logger.Debug("scheduler: status sink failed", "tab", tabID, "error", err)
	}
}

func (s *Scheduler) narrate(ctx context.Context, n check.Narration) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Narrate(ctx, n); err != nil {
		s.cfg.Logger.Warn("scheduler: narration sink failed", "tab", n.TabID, "error", err)
	}
}

func (s *Scheduler) record(tabID, result string, d time.Duration) {
	labels := map[string]string{"tab": tabID, "result": result}
	s.cfg.Metrics.Duration(observability.MetricCheckDurationMs, d, labels)
	s.cfg.Metrics.Count(observability.MetricCheckResult, labels)
}

func (s *Scheduler) gauge(active int) {
	s.cfg.Metrics.Record(&observability.Metric{
		Name:  observability.MetricSessionsActive,
		Value: float64(active),
		Unit:  "count",
	})
}
