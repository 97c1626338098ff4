package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/gateway"
	"github.com/webrunner-ai/webrunner/internal/metrics"
	"github.com/webrunner-ai/webrunner/internal/recovery"
)

// Step is one unit of reasoning-loop progress: a planned description, the
// actions derived from it, and the textual outcome accumulated during
// execution.
type Step struct {
	Number      int                    `json:"number"`
	Description string                 `json:"description"`
	Reasoning   string                 `json:"reasoning,omitempty"`
	Actions     []gateway.Action       `json:"actions,omitempty"`
	Output      string                 `json:"output,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Failed      bool                   `json:"failed,omitempty"`
}

// Session is the context token threading browser continuity across the
// actions of one task. The token is created lazily by the capability on first
// use and captured here.
type Session struct {
	Token string
}

// Executor runs the actions of a single step strictly in sequence, absorbing
// action failures into the step output and applying at most one recovery
// proposal per failed action.
type Executor struct {
	gw      gateway.Gateway
	advisor recovery.Advisor
	parse   func(string) []gateway.Action
	timeout time.Duration
	logger  *zap.Logger
}

// New creates an executor. parse derives actions from step descriptions when
// a step arrives without any; timeout bounds each individual action call
// (zero means no per-action bound beyond the caller's context).
func New(gw gateway.Gateway, advisor recovery.Advisor, parse func(string) []gateway.Action, timeout time.Duration, logger *zap.Logger) *Executor {
	if advisor == nil {
		advisor = recovery.None{}
	}
	return &Executor{gw: gw, advisor: advisor, parse: parse, timeout: timeout, logger: logger}
}

// ExecuteStep executes step's actions in order and returns the step with its
// output, merged data, and failure flag filled in. A failing action does not
// stop later actions in the step; sequencing dependencies surface naturally as
// follow-on failures recorded in the output.
func (e *Executor) ExecuteStep(ctx context.Context, step Step, session *Session, history []string) Step {
	start := time.Now()
	defer func() {
		metrics.StepsExecuted.Inc()
		metrics.StepDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	if len(step.Actions) == 0 && e.parse != nil {
		step.Actions = e.parse(step.Description)
	}

	var notes []string
	if len(step.Actions) == 0 {
		notes = append(notes, "no executable actions derived from step description")
	}

	for _, action := range step.Actions {
		res := e.invoke(ctx, action, session)
		if res.Success {
			notes = append(notes, e.successNote(action, res))
			mergeData(&step, res.Data)
			continue
		}

		notes = append(notes, fmt.Sprintf("%s failed: %s", action.Type, res.Error))
		proposal := e.advisor.Suggest(action, res, history)
		if proposal == nil {
			step.Failed = true
			continue
		}

		// One recovery attempt per failed action; its outcome is final.
		notes = append(notes, proposal.Reason)
		retry := e.invoke(ctx, proposal.Action, session)
		if retry.Success {
			metrics.RecoveryAttempts.WithLabelValues("success").Inc()
			notes = append(notes, e.successNote(proposal.Action, retry))
			mergeData(&step, retry.Data)
			continue
		}
		metrics.RecoveryAttempts.WithLabelValues("failure").Inc()
		notes = append(notes, fmt.Sprintf("%s failed after recovery: %s", proposal.Action.Type, retry.Error))
		step.Failed = true
	}

	step.Output = strings.Join(notes, "\n")
	return step
}

func (e *Executor) invoke(ctx context.Context, action gateway.Action, session *Session) gateway.Result {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	res := e.gw.Invoke(ctx, action, session.Token)
	if res.Success {
		if sid, _ := res.Data["session_id"].(string); sid != "" {
			session.Token = sid
		}
	}
	return res
}

func (e *Executor) successNote(action gateway.Action, res gateway.Result) string {
	switch action.Type {
	case gateway.ActionNavigate:
		return fmt.Sprintf("navigated to %s", action.StringParam("url"))
	case gateway.ActionExtract:
		return fmt.Sprintf("extracted %d fields", len(res.Data))
	case gateway.ActionCompleteText:
		if text, _ := res.Data["text"].(string); text != "" {
			return "completion: " + text
		}
		return "completion succeeded"
	default:
		return fmt.Sprintf("%s succeeded", action.Type)
	}
}

// mergeData folds a success payload into the step's accumulated data; later
// actions win on key collisions.
func mergeData(step *Step, data map[string]interface{}) {
	if len(data) == 0 {
		return
	}
	if step.Data == nil {
		step.Data = make(map[string]interface{}, len(data))
	}
	for k, v := range data {
		if k == "session_id" {
			continue
		}
		step.Data[k] = v
	}
}
