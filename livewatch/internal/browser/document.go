package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/livewatch/livewatch/internal/frames"
	"github.com/hazyhaar/livewatch/livewatch/internal/pagediff"
	"github.com/hazyhaar/livewatch/livewatch/internal/video"
)

// Capability providers injected in every document, announced through the
// ready binding once loaded.
const (
	ProviderChanges = "changes"
	ProviderVideo   = "video"
	ProviderFrames  = "frames"
)

// Providers lists every provider in the order readiness reports them.
var Providers = []string{ProviderChanges, ProviderFrames, ProviderVideo}

const (
	bindingReady    = "__livewatch_ready"
	bindingMutation = "__livewatch_mutation"
	detachedTimeout = 5 * time.Second
)

var (
	//go:embed assets/changes.js
	changesJS string
	//go:embed assets/video.js
	videoJS string
	//go:embed assets/frames.js
	framesJS string
)

// ErrElementGone means a video element disappeared from the document.
var ErrElementGone = errors.New("browser: video element gone")

// Document is the live document of a tab. It implements pagediff.Document
// and video.Document over the injected providers.
type Document struct {
	page   *rod.Page
	logger *slog.Logger
	cancel context.CancelFunc
	remove func() error

	mu         sync.Mutex
	present    map[string]bool
	onProvider func(name string)
	onNavigate func(url string)
	observer   func(pagediff.Mutation)
}

// Attach installs the providers in the current and every future document
// of page and starts listening to provider and navigation events until
// Close or ctx ends.
func Attach(ctx context.Context, page *rod.Page, logger *slog.Logger) (*Document, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Document{page: page, logger: logger, present: make(map[string]bool)}

	for _, name := range []string{bindingReady, bindingMutation} {
		if err := (proto.RuntimeAddBinding{Name: name}).Call(page); err != nil {
			return nil, fmt.Errorf("browser: add binding %s: %w", name, err)
		}
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("browser: page enable: %w", err)
	}

	evCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	wait := page.Context(evCtx).EachEvent(
		func(e *proto.RuntimeBindingCalled) { d.onBinding(e.Name, e.Payload) },
		func(e *proto.PageFrameNavigated) {
			if e.Frame != nil && e.Frame.ParentID == "" {
				d.navigated(e.Frame.URL)
			}
		},
	)
	go wait()

	script := changesJS + "\n" + framesJS + "\n" + videoJS
	remove, err := page.EvalOnNewDocument(script)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("browser: install providers: %w", err)
	}
	d.remove = remove

	if _, err := page.Context(ctx).Eval("() => {\n" + script + "\n}"); err != nil {
		logger.Warn("browser: providers not installed in current document", "error", err)
	}
	return d, nil
}

// OnProvider sets the provider announcement handler and replays the
// providers already present in the current document.
func (d *Document) OnProvider(fn func(name string)) {
	d.mu.Lock()
	d.onProvider = fn
	names := make([]string, 0, len(d.present))
	for n := range d.present {
		names = append(names, n)
	}
	d.mu.Unlock()
	sort.Strings(names)
	for _, n := range names {
		fn(n)
	}
}

// OnNavigate sets the handler for top-level navigations. The handler runs
// on the event goroutine, after the provider set was cleared.
func (d *Document) OnNavigate(fn func(url string)) {
	d.mu.Lock()
	d.onNavigate = fn
	d.mu.Unlock()
}

// Close stops event handling and uninstalls the providers.
func (d *Document) Close() {
	d.cancel()
	if d.remove != nil {
		if err := d.remove(); err != nil {
			d.logger.Debug("browser: remove provider script", "error", err)
		}
	}
}

func (d *Document) onBinding(name, payload string) {
	switch name {
	case bindingReady:
		d.mu.Lock()
		fresh := !d.present[payload]
		d.present[payload] = true
		fn := d.onProvider
		d.mu.Unlock()
		if fresh && fn != nil {
			fn(payload)
		}
	case bindingMutation:
		d.mu.Lock()
		fn := d.observer
		d.mu.Unlock()
		if fn == nil {
			return
		}
		var w wireMutation
		if err := json.Unmarshal([]byte(payload), &w); err != nil {
			d.logger.Warn("browser: bad mutation payload", "error", err)
			return
		}
		fn(w.mutation())
	}
}

func (d *Document) navigated(url string) {
	d.mu.Lock()
	d.present = make(map[string]bool)
	d.observer = nil
	fn := d.onNavigate
	d.mu.Unlock()
	d.logger.Info("browser: top-level navigation", "url", url)
	if fn != nil {
		fn(url)
	}
}

func (d *Document) eval(ctx context.Context, out any, js string, args ...any) error {
	res, err := d.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(res.Value.JSON("", "")), out)
}

type wireElement struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
}

type wireMutation struct {
	Added         []wireElement `json:"added"`
	Removed       []wireElement `json:"removed"`
	CharacterData bool          `json:"character_data"`
	NewImages     []string      `json:"new_images"`
	NewLinks      []string      `json:"new_links"`
}

func (w wireMutation) mutation() pagediff.Mutation {
	conv := func(in []wireElement) []pagediff.Element {
		out := make([]pagediff.Element, len(in))
		for i, e := range in {
			out[i] = pagediff.Element{Tag: e.Tag, Text: e.Text}
		}
		return out
	}
	return pagediff.Mutation{
		Added:         conv(w.Added),
		Removed:       conv(w.Removed),
		CharacterData: w.CharacterData,
		NewImages:     w.NewImages,
		NewLinks:      w.NewLinks,
	}
}

// Capture implements pagediff.Document.
func (d *Document) Capture(ctx context.Context) (pagediff.State, error) {
	var w struct {
		Text      string   `json:"text"`
		Images    []string `json:"images"`
		LinkCount int      `json:"link_count"`
	}
	if err := d.eval(ctx, &w, `() => window.__livewatch.changes.capture()`); err != nil {
		return pagediff.State{}, fmt.Errorf("browser: capture: %w", err)
	}
	return pagediff.State{Text: w.Text, Images: w.Images, LinkCount: w.LinkCount}, nil
}

// Observe implements pagediff.Document.
func (d *Document) Observe(ctx context.Context, root string, fn func(pagediff.Mutation)) (func(), error) {
	d.mu.Lock()
	d.observer = fn
	d.mu.Unlock()

	var ok bool
	if err := d.eval(ctx, &ok, `(s) => window.__livewatch.changes.observe(s)`, root); err != nil || !ok {
		d.mu.Lock()
		d.observer = nil
		d.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("no element matches %q", root)
		}
		return nil, fmt.Errorf("browser: observe: %w", err)
	}

	var once sync.Once
	var stopAfter func() bool
	stop := func() {
		once.Do(func() {
			if stopAfter != nil {
				stopAfter()
			}
			d.mu.Lock()
			d.observer = nil
			d.mu.Unlock()
			sctx, cancel := context.WithTimeout(context.Background(), detachedTimeout)
			defer cancel()
			if err := d.eval(sctx, nil, `() => window.__livewatch.changes.disconnect()`); err != nil {
				d.logger.Debug("browser: disconnect observer", "error", err)
			}
		})
	}
	stopAfter = context.AfterFunc(ctx, stop)
	return stop, nil
}

// Videos implements video.Document.
func (d *Document) Videos(ctx context.Context) ([]video.Element, error) {
	var n int
	if err := d.eval(ctx, &n, `() => window.__livewatch.video.count()`); err != nil {
		return nil, fmt.Errorf("browser: list videos: %w", err)
	}
	els := make([]video.Element, n)
	for i := range els {
		els[i] = &videoElement{doc: d, index: i}
	}
	return els, nil
}

// ShowIndicator implements video.Document.
func (d *Document) ShowIndicator(ctx context.Context, el video.Element, text string) error {
	ve, ok := el.(*videoElement)
	if !ok {
		return fmt.Errorf("browser: foreign video element %T", el)
	}
	return d.eval(ctx, nil, `(i, t) => window.__livewatch.video.showIndicator(i, t)`, ve.index, text)
}

// HideIndicator implements video.Document.
func (d *Document) HideIndicator(ctx context.Context) error {
	return d.eval(ctx, nil, `() => window.__livewatch.video.hideIndicator()`)
}

// FramePipeline returns a provider that yields a pipeline once the frames
// provider is loaded in the current document.
func (d *Document) FramePipeline(cfg frames.Config) video.PipelineProvider {
	return func(ctx context.Context) (*frames.Pipeline, error) {
		var ok bool
		if err := d.eval(ctx, &ok, `() => !!(window.__livewatch && window.__livewatch.frames)`); err != nil {
			return nil, fmt.Errorf("browser: frame pipeline: %w", err)
		}
		if !ok {
			return nil, errors.New("browser: frame pipeline not loaded")
		}
		return frames.NewPipeline(cfg), nil
	}
}
