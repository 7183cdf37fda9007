package livewatch

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/livewatch/connectivity"
	"github.com/hazyhaar/livewatch/idgen"
	"github.com/hazyhaar/livewatch/livewatch/internal/browser"
	"github.com/hazyhaar/livewatch/livewatch/internal/coordinator"
	"github.com/hazyhaar/livewatch/livewatch/internal/describe"
	"github.com/hazyhaar/livewatch/livewatch/internal/pagediff"
	"github.com/hazyhaar/livewatch/livewatch/internal/readiness"
	"github.com/hazyhaar/livewatch/livewatch/internal/video"
	"github.com/hazyhaar/livewatch/observability"
)

// document is what an agent monitors: a browser tab or a static page.
type document interface {
	pagediff.Document
	video.Document
}

// agentDeps are shared by every agent of a Watcher.
type agentDeps struct {
	router           *connectivity.Router
	describer        *describe.Client
	metrics          *observability.MetricsManager
	ids              idgen.Generator
	readinessTimeout time.Duration
	detector         pagediff.Config
	logger           *slog.Logger
}

// agent is the per-document side of one tab: readiness gate, coordinator
// and the components the gate binds. It is reachable only through its
// router services.
type agent struct {
	tabID  string
	gate   *readiness.Gate[coordinator.Components]
	coord  *coordinator.Coordinator
	router *connectivity.Router
}

// newAgent builds the gate over doc and registers the coordinator
// services of tabID. Providers must then be announced with register.
func newAgent(tabID string, doc document, pipeline video.PipelineProvider, deps agentDeps) *agent {
	logger := deps.logger.With("tab", tabID)
	bind := func() (coordinator.Components, error) {
		dcfg := deps.detector
		dcfg.Logger = logger
		return coordinator.Components{
			Changes: pagediff.New(doc, dcfg),
			Video: video.NewMonitor(doc, deps.describer, video.Config{
				Pipeline: pipeline,
				Metrics:  deps.metrics,
				Logger:   logger,
				Labels:   map[string]string{"tab": tabID},
			}),
		}, nil
	}
	gate := readiness.New(bind, browser.Providers,
		readiness.WithTimeout(deps.readinessTimeout),
		readiness.WithLogger(logger))
	coord := coordinator.New(gate, coordinator.Config{Images: deps.describer, Logger: logger})
	coord.Register(deps.router, tabID, deps.ids)
	return &agent{tabID: tabID, gate: gate, coord: coord, router: deps.router}
}

func (a *agent) register(provider string) { a.gate.Register(provider) }

// registerAll announces every provider at once, for documents that need
// no injection.
func (a *agent) registerAll() {
	for _, p := range browser.Providers {
		a.gate.Register(p)
	}
}

// teardown stops monitoring and removes the agent's services, so later
// calls to the tab fail as undeliverable.
func (a *agent) teardown() {
	a.coord.Stop()
	coordinator.Unregister(a.router, a.tabID)
}
