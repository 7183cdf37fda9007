package sink

import (
	"context"

	"github.com/hazyhaar/livewatch/check"
)

// Callback delivers through Go function calls. Any function may be nil.
type Callback struct {
	OnNarration func(ctx context.Context, n check.Narration) error
	OnStatus    func(ctx context.Context, u check.StatusUpdate) error
	OnComplete  func(ctx context.Context, c check.Completion) error
}

func (c *Callback) Narrate(ctx context.Context, n check.Narration) error {
	if c.OnNarration != nil {
		return c.OnNarration(ctx, n)
	}
	return nil
}

func (c *Callback) Status(ctx context.Context, u check.StatusUpdate) error {
	if c.OnStatus != nil {
		return c.OnStatus(ctx, u)
	}
	return nil
}

func (c *Callback) Complete(ctx context.Context, comp check.Completion) error {
	if c.OnComplete != nil {
		return c.OnComplete(ctx, comp)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
