// Package sink delivers narrations, status updates and check completions to
// the presentation and speech layers.
package sink

import (
	"context"

	"github.com/hazyhaar/livewatch/check"
)

// Sink is the output interface. Implementations deliver to different
// backends (stdout, webhook, in-process callback).
type Sink interface {
	Narrate(ctx context.Context, n check.Narration) error
	Status(ctx context.Context, u check.StatusUpdate) error
	Complete(ctx context.Context, c check.Completion) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	typeNarration = "narration"
	typeStatus    = "status"
	typeComplete  = "check_complete"
)
