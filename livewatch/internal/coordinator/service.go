package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/connectivity"
	"github.com/hazyhaar/livewatch/idgen"
	"github.com/hazyhaar/livewatch/kit"
)

// notifyTimeout bounds the upstream completion notification.
const notifyTimeout = 5 * time.Second

// Register exposes the coordinator on router as the services of tabID.
// Completion notifications are sent to check.ServiceComplete on the same
// router. ids may be nil.
func (c *Coordinator) Register(router *connectivity.Router, tabID string, ids idgen.Generator) {
	if ids == nil {
		ids = idgen.Check
	}
	router.RegisterLocal(check.Service(tabID, check.OpInit), c.handleInit)
	router.RegisterLocal(check.Service(tabID, check.OpStop), c.handleStop)
	router.RegisterLocal(check.Service(tabID, check.OpStatus), c.handleStatus)
	router.RegisterLocal(check.Service(tabID, check.OpCheck), func(ctx context.Context, _ []byte) ([]byte, error) {
		res := c.PerformCheck(kit.WithTabID(ctx, tabID))
		data, err := check.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("coordinator: encode result: %w", err)
		}
		c.notify(ctx, router, check.Completion{CheckID: ids(), TabID: tabID, Result: res, At: c.now()})
		return json.Marshal(check.Reply{Success: true, Result: data})
	})
}

// Unregister removes every service of tabID from router.
func Unregister(router *connectivity.Router, tabID string) int {
	return router.UnregisterPrefix(check.ServicePrefix(tabID))
}

func (c *Coordinator) handleInit(ctx context.Context, payload []byte) ([]byte, error) {
	cfg := check.DefaultSessionConfig()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return failure(fmt.Errorf("invalid configuration: %w", err))
		}
	}
	if err := cfg.Validate(); err != nil {
		return failure(err)
	}
	if err := c.Initialize(ctx, cfg); err != nil {
		return failure(errors.New(readinessMessage(err)))
	}
	return json.Marshal(check.Reply{Success: true})
}

func (c *Coordinator) handleStop(context.Context, []byte) ([]byte, error) {
	c.Stop()
	return json.Marshal(check.Reply{Success: true})
}

func (c *Coordinator) handleStatus(ctx context.Context, _ []byte) ([]byte, error) {
	st := c.Status(ctx)
	return json.Marshal(check.Reply{Success: true, Status: &st})
}

// notify delivers a completion upstream. Failures are logged only.
func (c *Coordinator) notify(ctx context.Context, router *connectivity.Router, comp check.Completion) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := router.CallJSON(nctx, check.ServiceComplete, comp, nil); err != nil {
		c.logger.Debug("coordinator: completion not delivered", "tab", comp.TabID, "error", err)
	}
}

func failure(err error) ([]byte, error) {
	return json.Marshal(check.Reply{Success: false, Error: err.Error()})
}
