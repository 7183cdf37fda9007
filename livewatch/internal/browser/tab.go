package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// NavigationTimeout bounds the initial page load of a tab.
const NavigationTimeout = 30 * time.Second

// Tab is one monitored Chrome tab.
type Tab struct {
	Page *rod.Page
	ID   string
	URL  string
	Mode Mode
}

// OpenTab creates a tab with stealth applied, blocks the configured
// resource types and navigates to pageURL.
func OpenTab(ctx context.Context, mgr *Manager, id, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if len(mgr.Blocked()) > 0 {
		if err := applyResourceBlocking(page, mgr.Blocked()); err != nil {
			mgr.Logger().Warn("browser: resource blocking failed", "tab", id, "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, NavigationTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.Logger().Warn("browser: wait load timeout", "tab", id, "url", pageURL, "error", err)
	}

	return &Tab{Page: page, ID: id, URL: pageURL, Mode: mgr.cfg.Mode}, nil
}

// WatchClose calls fn once when the tab's target is destroyed, whoever
// closed it. Watching ends with ctx.
func (t *Tab) WatchClose(ctx context.Context, b *rod.Browser, fn func()) error {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return fmt.Errorf("browser: discover targets: %w", err)
	}
	var once sync.Once
	wait := b.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) bool {
		if e.TargetID != t.Page.TargetID {
			return false
		}
		once.Do(fn)
		return true
	})
	go wait()
	return nil
}

// Close closes the tab.
func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
