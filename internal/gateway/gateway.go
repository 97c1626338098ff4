package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/metrics"
)

// Gateway is the uniform call interface to external capabilities. Invoke
// never returns a Go error: every failure path is folded into the Result
// envelope so callers handle exactly one shape.
//
// token threads continuity (a browser session id) across calls belonging to
// the same task; capabilities that hold no session state ignore it.
type Gateway interface {
	Invoke(ctx context.Context, action Action, token string) Result
}

// Bridge executes actions against one concrete capability. Bridges may return
// errors; the Router normalizes them.
type Bridge interface {
	Invoke(ctx context.Context, action Action, token string) (Result, error)
}

// Router dispatches actions to the bridge registered for their type and
// normalizes every failure mode, including bridge panics, into a failure
// Result.
type Router struct {
	bridges map[ActionType]Bridge
	logger  *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		bridges: make(map[ActionType]Bridge),
		logger:  logger,
	}
}

// Register routes the given action types to a bridge.
func (r *Router) Register(b Bridge, types ...ActionType) {
	for _, t := range types {
		r.bridges[t] = b
	}
}

// Invoke implements Gateway.
func (r *Router) Invoke(ctx context.Context, action Action, token string) (res Result) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Bridge panicked",
				zap.String("action_type", string(action.Type)),
				zap.Any("panic", rec),
			)
			res = Fail("internal capability fault: %v", rec)
		}
		outcome := "success"
		if !res.Success {
			outcome = "failure"
		}
		metrics.ActionsInvoked.WithLabelValues(string(action.Type), outcome).Inc()
		metrics.ActionDuration.WithLabelValues(string(action.Type)).
			Observe(float64(time.Since(start).Milliseconds()))
	}()

	bridge, ok := r.bridges[action.Type]
	if !ok {
		return Fail("no capability registered for action type %q", action.Type)
	}

	result, err := bridge.Invoke(ctx, action, token)
	if err != nil {
		r.logger.Warn("Action invocation failed",
			zap.String("action_type", string(action.Type)),
			zap.Error(err),
		)
		return Fail("%s action failed: %v", action.Type, err)
	}
	if !result.Success && result.Error == "" {
		result.Error = "capability reported failure without detail"
	}
	if result.Success {
		result.Error = ""
	}
	return result
}
