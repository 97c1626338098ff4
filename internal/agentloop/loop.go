package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/executor"
	"github.com/webrunner-ai/webrunner/internal/gateway"
	"github.com/webrunner-ai/webrunner/internal/streaming"
)

// ErrCanceled is returned when a cancellation request is honored at a step
// boundary.
var ErrCanceled = errors.New("task canceled")

// Loop drives a bounded plan-execute cycle toward a goal. Planning and final
// synthesis are text-completion actions issued through the same gateway as
// every other external call; their failure is fatal to the task, while
// ordinary action failures are absorbed by the step executor.
type Loop struct {
	gw     gateway.Gateway
	exec   *executor.Executor
	pub    streaming.Publisher
	logger *zap.Logger
}

// New creates a loop. pub may be streaming.NopPublisher{}.
func New(gw gateway.Gateway, exec *executor.Executor, pub streaming.Publisher, logger *zap.Logger) *Loop {
	return &Loop{gw: gw, exec: exec, pub: pub, logger: logger}
}

// plan is the planner's wire decision for one iteration.
type plan struct {
	Done        bool   `json:"done"`
	Description string `json:"description"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// Run executes up to maxSteps steps toward goal plus one synthesis call and
// returns the task result. canceled is consulted only at step boundaries; an
// in-flight gateway call always completes first.
func (l *Loop) Run(ctx context.Context, taskID, goal string, maxSteps int, canceled func() bool) (map[string]interface{}, error) {
	if maxSteps <= 0 {
		maxSteps = 1
	}
	session := &executor.Session{}
	defer l.closeSession(ctx, taskID, session)

	var steps []executor.Step
	var outputs []string

	for n := 1; n <= maxSteps; n++ {
		if canceled() {
			return nil, fmt.Errorf("%w before step %d", ErrCanceled, n)
		}

		p, err := l.planStep(ctx, goal, n, maxSteps, outputs, session)
		if err != nil {
			return nil, err
		}
		if p.Done {
			l.publishLog(taskID, fmt.Sprintf("planner signaled completion after %d steps", n-1))
			break
		}

		l.publishLog(taskID, fmt.Sprintf("step %d: %s", n, p.Description))
		step := executor.Step{
			Number:      n,
			Description: p.Description,
			Reasoning:   p.Reasoning,
		}
		step = l.exec.ExecuteStep(ctx, step, session, outputs)
		steps = append(steps, step)
		outputs = append(outputs, step.Output)

		l.pub.Publish(taskID, streaming.Event{
			Type: streaming.EventStepComplete,
			Data: map[string]interface{}{
				"step":        step.Number,
				"description": step.Description,
				"output":      step.Output,
				"failed":      step.Failed,
			},
		})
	}

	if canceled() {
		return nil, fmt.Errorf("%w before synthesis", ErrCanceled)
	}

	answer, err := l.synthesize(ctx, goal, steps, session)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"answer":         answer,
		"steps_executed": len(steps),
	}
	if data := mergeStepData(steps); len(data) > 0 {
		result["data"] = data
	}
	l.pub.Publish(taskID, streaming.Event{
		Type: streaming.EventResult,
		Data: result,
	})
	return result, nil
}

// planStep derives the next step from the goal and the accumulated history.
func (l *Loop) planStep(ctx context.Context, goal string, n, maxSteps int, outputs []string, session *executor.Session) (plan, error) {
	res := l.gw.Invoke(ctx, gateway.Action{
		Type: gateway.ActionCompleteText,
		Params: map[string]interface{}{
			"prompt": planPrompt(goal, n, maxSteps, outputs),
		},
	}, session.Token)
	if !res.Success {
		return plan{}, fmt.Errorf("planning failed at step %d: %s", n, res.Error)
	}
	text, _ := res.Data["text"].(string)
	return parsePlan(text), nil
}

// synthesize composes the final answer from the full step history.
func (l *Loop) synthesize(ctx context.Context, goal string, steps []executor.Step, session *executor.Session) (string, error) {
	res := l.gw.Invoke(ctx, gateway.Action{
		Type: gateway.ActionCompleteText,
		Params: map[string]interface{}{
			"prompt": synthesisPrompt(goal, steps),
		},
	}, session.Token)
	if !res.Success {
		return "", fmt.Errorf("synthesis failed: %s", res.Error)
	}
	text, _ := res.Data["text"].(string)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("synthesis returned an empty answer")
	}
	return text, nil
}

// closeSession releases the browser session, if one was ever opened. Best
// effort: a close failure only logs.
func (l *Loop) closeSession(ctx context.Context, taskID string, session *executor.Session) {
	if session.Token == "" {
		return
	}
	res := l.gw.Invoke(ctx, gateway.Action{Type: gateway.ActionClose}, session.Token)
	if !res.Success {
		l.logger.Warn("Failed to close browser session",
			zap.String("task_id", taskID),
			zap.String("error", res.Error),
		)
	}
}

func (l *Loop) publishLog(taskID, msg string) {
	l.pub.Publish(taskID, streaming.Event{Type: streaming.EventLog, Message: msg})
}

func planPrompt(goal string, n, maxSteps int, outputs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are driving a web automation agent toward this goal:\n%s\n\n", goal)
	fmt.Fprintf(&b, "You are planning step %d of at most %d.\n", n, maxSteps)
	if len(outputs) > 0 {
		b.WriteString("Results of prior steps:\n")
		for i, out := range outputs {
			fmt.Fprintf(&b, "Step %d:\n%s\n", i+1, out)
		}
	}
	b.WriteString("\nRespond with JSON: {\"done\": bool, \"description\": string, \"reasoning\": string}. " +
		"Set done=true when the goal is already satisfied by the prior results.")
	return b.String()
}

func synthesisPrompt(goal string, steps []executor.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nStep results:\n", goal)
	if len(steps) == 0 {
		b.WriteString("(no steps were needed)\n")
	}
	for _, s := range steps {
		fmt.Fprintf(&b, "Step %d (%s):\n%s\n", s.Number, s.Description, s.Output)
	}
	b.WriteString("\nCompose the final answer to the goal from these results.")
	return b.String()
}

// parsePlan decodes the planner's reply, tolerating fenced JSON and plain
// text. Plain text becomes the next step's description; the literal DONE
// signals completion.
func parsePlan(text string) plan {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var p plan
	if err := json.Unmarshal([]byte(trimmed), &p); err == nil {
		return p
	}
	if strings.EqualFold(trimmed, "done") {
		return plan{Done: true}
	}
	return plan{Description: trimmed}
}

func mergeStepData(steps []executor.Step) map[string]interface{} {
	var data map[string]interface{}
	for _, s := range steps {
		for k, v := range s.Data {
			if data == nil {
				data = make(map[string]interface{})
			}
			data[k] = v
		}
	}
	return data
}
