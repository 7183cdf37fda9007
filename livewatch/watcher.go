// Package livewatch narrates what changes on monitored pages. It drives
// Chrome (or plain HTTP for static pages), checks each monitored tab
// periodically for a playing video or a material page change, and sends
// the resulting narrations, status updates and check completions to sinks.
//
// Each tab has a controller side (the scheduler session) and a document
// side (the agent) that only talk through service calls on a
// connectivity.Router, so a tab that navigates or closes simply stops
// answering.
package livewatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/connectivity"
	"github.com/hazyhaar/livewatch/dbopen"
	"github.com/hazyhaar/livewatch/horosafe"
	"github.com/hazyhaar/livewatch/idgen"
	"github.com/hazyhaar/livewatch/livewatch/internal/browser"
	"github.com/hazyhaar/livewatch/livewatch/internal/config"
	"github.com/hazyhaar/livewatch/livewatch/internal/describe"
	"github.com/hazyhaar/livewatch/livewatch/internal/frames"
	"github.com/hazyhaar/livewatch/livewatch/internal/htmldoc"
	"github.com/hazyhaar/livewatch/livewatch/internal/pagediff"
	"github.com/hazyhaar/livewatch/livewatch/internal/scheduler"
	"github.com/hazyhaar/livewatch/livewatch/internal/sink"
	"github.com/hazyhaar/livewatch/observability"
)

// Tab modes accepted by OpenTab.
const (
	ModeAuto     = "auto"
	ModeStatic   = "static"
	ModeHeadless = "headless"
	ModeHeadful  = "headful"
)

var (
	// ErrTabNotFound is returned for an unknown tab ID.
	ErrTabNotFound = errors.New("livewatch: tab not found")
	// ErrTabExists is returned when opening a tab ID already in use.
	ErrTabExists = errors.New("livewatch: tab already open")
	// ErrInvalidTab is returned for a malformed tab ID or mode.
	ErrInvalidTab = errors.New("livewatch: invalid tab request")
)

// Session is the controller-side record of monitoring on one tab.
type Session = scheduler.Session

// TabInfo describes an open tab.
type TabInfo struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Mode       string    `json:"mode"`
	OpenedAt   time.Time `json:"opened_at"`
	Monitoring bool      `json:"monitoring"`
}

// TabStatus is the combined controller and document view of a tab.
type TabStatus struct {
	Tab      TabInfo       `json:"tab"`
	Session  *Session      `json:"session,omitempty"`
	Document *check.Status `json:"document,omitempty"`
}

type tab struct {
	id       string
	url      string
	mode     string
	openedAt time.Time

	agent  *agent
	page   *browser.Tab      // nil for static tabs
	doc    *browser.Document // nil for static tabs
	cancel context.CancelFunc
}

// Watcher is the top-level orchestrator. It owns the browser, the router,
// the scheduler, the sinks and one agent per tab.
type Watcher struct {
	cfg       *config.Config
	mgr       *browser.Manager
	router    *connectivity.Router
	sched     *scheduler.Scheduler
	sinkR     *sink.Router
	describer *describe.Client
	metrics   *observability.MetricsManager
	db        *sql.DB
	deps      agentDeps
	logger    *slog.Logger

	validateURL func(string) error
	newTabID    idgen.Generator

	base   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	tabs      map[string]*tab
	recycling []recycledTab
}

type recycledTab struct {
	id      string
	url     string
	mode    string
	session *check.SessionConfig
}

// New creates a Watcher from configuration. A nil cfg uses the defaults.
func New(cfg *Config, logger *slog.Logger, sinks ...Sink) (*Watcher, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		cfg:         cfg,
		router:      connectivity.New(connectivity.WithLogger(logger)),
		sinkR:       sink.NewRouter(logger, sinks...),
		logger:      logger,
		validateURL: horosafe.ValidateURL,
		newTabID:    idgen.Tab,
		tabs:        make(map[string]*tab),
	}
	if cfg.API.AllowPrivate {
		w.validateURL = horosafe.ValidateScheme
	}
	w.base, w.cancel = context.WithCancel(context.Background())

	var events *observability.EventLogger
	if cfg.Observability.DB != "" {
		db, err := dbopen.Open(cfg.Observability.DB, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			return nil, fmt.Errorf("livewatch: observability db: %w", err)
		}
		w.db = db
		w.metrics = observability.NewMetricsManager(db, 100, 5*time.Second)
		events = observability.NewEventLogger(db, observability.WithEventLogger(logger))
	}

	desc, err := describe.New(describe.Config{
		BaseURL:          cfg.Describe.BaseURL,
		Timeout:          cfg.Describe.Timeout,
		MaxRetries:       cfg.Describe.MaxRetries,
		BreakerThreshold: cfg.Describe.BreakerThreshold,
		BreakerReset:     cfg.Describe.BreakerReset,
		Router:           w.router,
		Metrics:          w.metrics,
		Logger:           logger,
	})
	if err != nil {
		w.closeStores()
		return nil, fmt.Errorf("livewatch: %w", err)
	}
	w.describer = desc

	mode, err := browser.ParseMode(cfg.Browser.Mode)
	if err != nil || mode == browser.ModeStatic {
		mode = browser.ModeHeadless
	}
	w.mgr = browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Mode:             mode,
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})
	w.mgr.SetRecycleHooks(browser.RecycleHooks{Before: w.beforeRecycle, After: w.afterRecycle})

	w.sched = scheduler.New(w.router, w.sinkR, scheduler.Config{
		InitialDelay: cfg.Monitoring.InitialDelay,
		InitTimeout:  cfg.Monitoring.InitTimeout,
		CheckTimeout: cfg.Monitoring.CheckTimeout,
		Metrics:      w.metrics,
		Events:       events,
		Logger:       logger,
	})

	w.deps = agentDeps{
		router:           w.router,
		describer:        desc,
		metrics:          w.metrics,
		readinessTimeout: cfg.Monitoring.ReadinessTimeout,
		detector: pagediff.Config{
			Root:          cfg.Monitoring.Root,
			TextThreshold: cfg.Monitoring.TextThreshold,
		},
		logger: logger,
	}
	return w, nil
}

// Start opens the configured tabs and starts monitoring those marked so.
// A tab that fails to open is logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	for _, tc := range w.cfg.Tabs {
		info, err := w.OpenTab(ctx, tc.ID, tc.URL, tc.Mode)
		if err != nil {
			w.logger.Error("livewatch: failed to open tab", "url", tc.URL, "error", err)
			continue
		}
		if tc.Monitor {
			if _, err := w.StartMonitoring(ctx, info.ID, nil); err != nil {
				w.logger.Error("livewatch: failed to start monitoring", "tab", info.ID, "error", err)
			}
		}
	}
	if w.metrics != nil {
		go w.cleanupLoop()
	}
	return nil
}

// OpenTab opens url as tab id (generated when empty) in mode. The auto
// mode probes the page over HTTP and only launches Chrome when the static
// document is not enough.
func (w *Watcher) OpenTab(ctx context.Context, id, url, mode string) (TabInfo, error) {
	if err := w.validateURL(url); err != nil {
		return TabInfo{}, fmt.Errorf("livewatch: %w", err)
	}
	if id == "" {
		id = w.newTabID()
	} else if err := horosafe.ValidateIdentifier(id); err != nil {
		return TabInfo{}, fmt.Errorf("%w: id: %v", ErrInvalidTab, err)
	}

	w.mu.Lock()
	if _, ok := w.tabs[id]; ok {
		w.mu.Unlock()
		return TabInfo{}, ErrTabExists
	}
	t := &tab{id: id, url: url, openedAt: time.Now()}
	w.tabs[id] = t
	w.mu.Unlock()

	mode, err := w.resolveMode(ctx, url, mode)
	if err == nil {
		t.mode = mode
		if mode == ModeStatic {
			err = w.openStatic(t)
		} else {
			err = w.openBrowser(ctx, t)
		}
	}
	if err != nil {
		w.mu.Lock()
		delete(w.tabs, id)
		w.mu.Unlock()
		return TabInfo{}, err
	}

	w.logger.Info("livewatch: tab opened", "tab", id, "url", url, "mode", mode)
	return w.info(t), nil
}

func (w *Watcher) resolveMode(ctx context.Context, url, mode string) (string, error) {
	switch mode {
	case ModeStatic, "http", "0":
		return ModeStatic, nil
	case ModeHeadless, ModeHeadful, "1", "2":
		return ModeHeadless, nil
	case ModeAuto, "":
		doc, err := w.staticDocument(url)
		if err != nil {
			return "", err
		}
		ok, err := doc.Sufficient(ctx)
		if err != nil {
			w.logger.Warn("livewatch: auto-detect fetch failed, using browser", "url", url, "error", err)
			return ModeHeadless, nil
		}
		if ok {
			return ModeStatic, nil
		}
		w.logger.Info("livewatch: static document insufficient, using browser", "url", url)
		return ModeHeadless, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidTab, mode)
	}
}

func (w *Watcher) staticDocument(url string) (*htmldoc.Document, error) {
	return htmldoc.New(htmldoc.Config{URL: url, URLValidator: w.validateURL, Logger: w.logger})
}

func (w *Watcher) framesConfig() frames.Config {
	return frames.Config{
		Count:       w.cfg.Frames.Count,
		Window:      w.cfg.Frames.Window,
		SeekTimeout: w.cfg.Frames.SeekTimeout,
		Quality:     w.cfg.Frames.Quality,
		Logger:      w.logger,
	}
}

func (w *Watcher) openStatic(t *tab) error {
	doc, err := w.staticDocument(t.url)
	if err != nil {
		return err
	}
	p := frames.NewPipeline(w.framesConfig())
	a := newAgent(t.id, doc, func(context.Context) (*frames.Pipeline, error) { return p, nil }, w.deps)
	a.registerAll()

	w.mu.Lock()
	t.agent = a
	t.cancel = func() {}
	w.mu.Unlock()
	return nil
}

func (w *Watcher) openBrowser(ctx context.Context, t *tab) error {
	b, err := w.mgr.Start(w.base)
	if err != nil {
		return fmt.Errorf("livewatch: start browser: %w", err)
	}
	page, err := browser.OpenTab(ctx, w.mgr, t.id, t.url)
	if err != nil {
		return fmt.Errorf("livewatch: %w", err)
	}
	tctx, cancel := context.WithCancel(w.base)
	doc, err := browser.Attach(tctx, page.Page, w.logger.With("tab", t.id))
	if err != nil {
		cancel()
		page.Close()
		return fmt.Errorf("livewatch: %w", err)
	}
	a := newAgent(t.id, doc, doc.FramePipeline(w.framesConfig()), w.deps)

	w.mu.Lock()
	t.agent, t.page, t.doc, t.cancel = a, page, doc, cancel
	w.mu.Unlock()

	doc.OnProvider(func(name string) { w.provider(t, name) })
	doc.OnNavigate(func(url string) { go w.navigated(t, doc, url) })
	if err := page.WatchClose(tctx, b, func() { go w.closed(t, doc) }); err != nil {
		w.logger.Warn("livewatch: tab close detection unavailable", "tab", t.id, "error", err)
	}
	return nil
}

// provider forwards a provider announcement to the tab's current agent.
func (w *Watcher) provider(t *tab, name string) {
	w.mu.Lock()
	a := t.agent
	w.mu.Unlock()
	if a != nil {
		a.register(name)
	}
}

// navigated replaces the agent of a tab whose document changed. The
// running session ends with the old document.
func (w *Watcher) navigated(t *tab, doc *browser.Document, url string) {
	w.mu.Lock()
	if w.tabs[t.id] != t || t.doc != doc {
		w.mu.Unlock()
		return
	}
	old := t.agent
	t.agent = nil
	t.url = url
	w.mu.Unlock()

	w.sched.TabNavigated(t.id)
	if old != nil {
		old.teardown()
	}
	a := newAgent(t.id, doc, doc.FramePipeline(w.framesConfig()), w.deps)

	w.mu.Lock()
	if w.tabs[t.id] != t {
		w.mu.Unlock()
		a.teardown()
		return
	}
	t.agent = a
	w.mu.Unlock()

	doc.OnProvider(func(name string) { w.provider(t, name) })
	w.logger.Info("livewatch: tab navigated, agent rebuilt", "tab", t.id, "url", url)
}

// closed tears down a tab closed outside the Watcher.
func (w *Watcher) closed(t *tab, doc *browser.Document) {
	w.mu.Lock()
	if w.tabs[t.id] != t || t.doc != doc {
		w.mu.Unlock()
		return
	}
	delete(w.tabs, t.id)
	w.mu.Unlock()

	w.sched.TabClosed(t.id)
	w.release(t, false)
	w.logger.Info("livewatch: tab closed", "tab", t.id)
}

// CloseTab stops monitoring on tab id and closes it.
func (w *Watcher) CloseTab(id string) error {
	w.mu.Lock()
	t, ok := w.tabs[id]
	if ok {
		delete(w.tabs, id)
	}
	w.mu.Unlock()
	if !ok {
		return ErrTabNotFound
	}
	w.sched.TabClosed(id)
	w.release(t, true)
	w.logger.Info("livewatch: tab closed", "tab", id)
	return nil
}

func (w *Watcher) release(t *tab, closePage bool) {
	w.mu.Lock()
	a, page, doc, cancel := t.agent, t.page, t.doc, t.cancel
	t.agent = nil
	w.mu.Unlock()
	if a != nil {
		a.teardown()
	}
	if doc != nil {
		doc.Close()
	}
	if closePage && page != nil {
		if err := page.Close(); err != nil {
			w.logger.Debug("livewatch: close page", "tab", t.id, "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// StartMonitoring starts a session on tab id. A nil cfg uses the
// configured defaults.
func (w *Watcher) StartMonitoring(ctx context.Context, id string, cfg *check.SessionConfig) (Session, error) {
	if !w.hasTab(id) {
		return Session{}, ErrTabNotFound
	}
	sc := w.cfg.Session()
	if cfg != nil {
		sc = *cfg
	}
	return w.sched.Start(ctx, id, sc)
}

// StopMonitoring ends the session of tab id. It reports whether one existed.
func (w *Watcher) StopMonitoring(id string) bool {
	return w.sched.Stop(id)
}

// CheckNow runs a check on tab id outside its schedule.
func (w *Watcher) CheckNow(ctx context.Context, id string) (check.Result, error) {
	if !w.hasTab(id) {
		return nil, ErrTabNotFound
	}
	return w.sched.CheckNow(ctx, id)
}

// Status returns the controller and document view of tab id.
func (w *Watcher) Status(ctx context.Context, id string) (TabStatus, error) {
	w.mu.Lock()
	t, ok := w.tabs[id]
	w.mu.Unlock()
	if !ok {
		return TabStatus{}, ErrTabNotFound
	}
	st := TabStatus{Tab: w.info(t)}
	if sess, ok := w.sched.Status(id); ok {
		st.Session = &sess
	}
	var reply check.Reply
	if err := w.router.CallJSON(ctx, check.Service(id, check.OpStatus), nil, &reply); err != nil {
		w.logger.Debug("livewatch: document status unavailable", "tab", id, "error", err)
	} else {
		st.Document = reply.Status
	}
	return st, nil
}

// Tabs lists open tabs ordered by ID.
func (w *Watcher) Tabs() []TabInfo {
	w.mu.Lock()
	tabs := make([]*tab, 0, len(w.tabs))
	for _, t := range w.tabs {
		tabs = append(tabs, t)
	}
	w.mu.Unlock()
	out := make([]TabInfo, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, w.info(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions lists active monitoring sessions.
func (w *Watcher) Sessions() []Session { return w.sched.Sessions() }

// Describer reports the state of the description service circuit.
func (w *Watcher) Describer() connectivity.BreakerState { return w.describer.Breaker() }

// Stop ends every session, closes every tab, the browser and the sinks.
func (w *Watcher) Stop() {
	w.sched.Close()

	w.mu.Lock()
	tabs := make([]*tab, 0, len(w.tabs))
	for _, t := range w.tabs {
		tabs = append(tabs, t)
	}
	w.tabs = make(map[string]*tab)
	w.mu.Unlock()
	for _, t := range tabs {
		w.release(t, true)
	}

	w.cancel()
	w.mgr.Close()
	w.sinkR.Close()
	w.router.Close()
	w.closeStores()
}

func (w *Watcher) closeStores() {
	if w.metrics != nil {
		w.metrics.Close()
	}
	if w.db != nil {
		w.db.Close()
	}
}

func (w *Watcher) hasTab(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tabs[id]
	return ok
}

func (w *Watcher) info(t *tab) TabInfo {
	w.mu.Lock()
	info := TabInfo{ID: t.id, URL: t.url, Mode: t.mode, OpenedAt: t.openedAt}
	w.mu.Unlock()
	_, info.Monitoring = w.sched.Status(t.id)
	return info
}

// beforeRecycle ends sessions and agents of browser tabs; their pages die
// with the old Chrome process.
func (w *Watcher) beforeRecycle() {
	w.mu.Lock()
	var victims []*tab
	for id, t := range w.tabs {
		if t.doc == nil {
			continue
		}
		victims = append(victims, t)
		delete(w.tabs, id)
	}
	w.mu.Unlock()

	var pending []recycledTab
	for _, t := range victims {
		rt := recycledTab{id: t.id, url: t.url, mode: t.mode}
		if sess, ok := w.sched.Status(t.id); ok {
			cfg := sess.Config
			rt.session = &cfg
		}
		w.sched.TabClosed(t.id)
		w.release(t, false)
		pending = append(pending, rt)
	}

	w.mu.Lock()
	w.recycling = pending
	w.mu.Unlock()
}

// afterRecycle reopens the browser tabs and resumes their sessions.
func (w *Watcher) afterRecycle(*rod.Browser) {
	w.mu.Lock()
	pending := w.recycling
	w.recycling = nil
	w.mu.Unlock()

	for _, rt := range pending {
		if _, err := w.OpenTab(w.base, rt.id, rt.url, rt.mode); err != nil {
			w.logger.Error("livewatch: reopen tab after recycle failed", "tab", rt.id, "error", err)
			continue
		}
		if rt.session != nil {
			if _, err := w.StartMonitoring(w.base, rt.id, rt.session); err != nil {
				w.logger.Error("livewatch: resume monitoring failed", "tab", rt.id, "error", err)
			}
		}
	}
}

// cleanupLoop prunes the metrics store once a day.
func (w *Watcher) cleanupLoop() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-w.base.Done():
			return
		case <-ticker.C:
			n, err := w.metrics.Cleanup(w.base, w.cfg.Observability.Retention)
			if err != nil {
				w.logger.Warn("livewatch: metrics cleanup", "error", err)
				continue
			}
			w.logger.Debug("livewatch: metrics pruned", "rows", n)
		}
	}
}
