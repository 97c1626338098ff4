package agentloop

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/executor"
	"github.com/webrunner-ai/webrunner/internal/gateway"
	"github.com/webrunner-ai/webrunner/internal/parser"
	"github.com/webrunner-ai/webrunner/internal/recovery"
	"github.com/webrunner-ai/webrunner/internal/streaming"
)

// fakeGateway answers complete_text calls from a script and everything else
// with success.
type fakeGateway struct {
	completions []gateway.Result
	completed   int
	actions     []gateway.Action
}

func (g *fakeGateway) Invoke(_ context.Context, action gateway.Action, _ string) gateway.Result {
	g.actions = append(g.actions, action)
	if action.Type == gateway.ActionCompleteText {
		if g.completed >= len(g.completions) {
			return gateway.Fail("no scripted completion left")
		}
		res := g.completions[g.completed]
		g.completed++
		return res
	}
	return gateway.Ok(map[string]interface{}{"session_id": "sess-1"})
}

func completion(text string) gateway.Result {
	return gateway.Ok(map[string]interface{}{"text": text})
}

func never() bool { return false }

func newLoop(gw gateway.Gateway, pub streaming.Publisher) *Loop {
	exec := executor.New(gw, recovery.NewSelectorAdvisor(zap.NewNop()), parser.NewRuleParser(nil).Parse, 0, zap.NewNop())
	return New(gw, exec, pub, zap.NewNop())
}

func TestRunCompletesWithinBudget(t *testing.T) {
	gw := &fakeGateway{completions: []gateway.Result{
		completion(`{"description": "navigate to https://example.com", "reasoning": "need the page"}`),
		completion(`{"description": "extract the article"}`),
		completion("Example Domain is a reserved page."), // synthesis
	}}
	l := newLoop(gw, streaming.NopPublisher{})

	result, err := l.Run(context.Background(), "t1", "summarize https://example.com", 2, never)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain is a reserved page.", result["answer"])
	assert.Equal(t, 2, result["steps_executed"])

	// maxSteps planning calls + 1 synthesis; no further completions consumed.
	assert.Equal(t, 3, gw.completed)
}

func TestRunStopsWhenPlannerSignalsDone(t *testing.T) {
	gw := &fakeGateway{completions: []gateway.Result{
		completion(`{"description": "navigate to https://example.com"}`),
		completion(`{"done": true}`),
		completion("all done"),
	}}
	l := newLoop(gw, streaming.NopPublisher{})

	result, err := l.Run(context.Background(), "t1", "goal", 5, never)
	require.NoError(t, err)
	assert.Equal(t, 1, result["steps_executed"])
}

func TestRunPlanningFailureIsFatal(t *testing.T) {
	gw := &fakeGateway{completions: []gateway.Result{
		gateway.Fail("model overloaded"),
	}}
	l := newLoop(gw, streaming.NopPublisher{})

	_, err := l.Run(context.Background(), "t1", "goal", 3, never)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planning failed")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestRunSynthesisFailureIsFatal(t *testing.T) {
	gw := &fakeGateway{completions: []gateway.Result{
		completion(`{"description": "navigate to https://example.com"}`),
		completion(`{"done": true}`),
		gateway.Fail("model overloaded"),
	}}
	l := newLoop(gw, streaming.NopPublisher{})

	_, err := l.Run(context.Background(), "t1", "goal", 5, never)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesis failed")
}

func TestRunActionFailureDoesNotAbortLoop(t *testing.T) {
	// Step 1's click fails with no recovery; the loop must still plan and
	// run step 2, then synthesize.
	gw := &failingClickGateway{fakeGateway: fakeGateway{completions: []gateway.Result{
		completion(`{"description": "click the \"#next\" button"}`),
		completion(`{"description": "navigate to https://example.com"}`),
		completion("made it"),
	}}}
	l := newLoop(gw, streaming.NopPublisher{})

	result, err := l.Run(context.Background(), "t1", "goal", 2, never)
	require.NoError(t, err)
	assert.Equal(t, 2, result["steps_executed"])
	assert.Equal(t, "made it", result["answer"])
}

type failingClickGateway struct {
	fakeGateway
}

func (g *failingClickGateway) Invoke(ctx context.Context, action gateway.Action, token string) gateway.Result {
	if action.Type == gateway.ActionClick {
		g.actions = append(g.actions, action)
		return gateway.Fail("element not found")
	}
	return g.fakeGateway.Invoke(ctx, action, token)
}

func TestRunHonorsCancellationAtStepBoundary(t *testing.T) {
	gw := &fakeGateway{completions: []gateway.Result{
		completion(`{"description": "navigate to https://example.com"}`),
		completion(`{"description": "should never run"}`),
	}}
	var cancelRequested atomic.Bool
	canceled := func() bool { return cancelRequested.Load() }

	mgr := streaming.NewManager(16)
	ch := mgr.Subscribe("t1", 16)
	defer mgr.Unsubscribe("t1", ch)

	exec := executor.New(gw, recovery.None{}, parser.NewRuleParser(nil).Parse, 0, zap.NewNop())
	l := New(gw, exec, cancelAfterFirstStep(mgr, &cancelRequested), zap.NewNop())

	_, err := l.Run(context.Background(), "t1", "goal", 5, canceled)
	require.ErrorIs(t, err, ErrCanceled)
	assert.Contains(t, err.Error(), "before step 2")

	// Step 2 never planned: only the first planning completion was consumed.
	assert.Equal(t, 1, gw.completed)
}

// cancelAfterFirstStep flips the cancellation flag once the first
// step-complete event is published, mimicking a client cancel between steps.
type cancelFlipper struct {
	next streaming.Publisher
	flag *atomic.Bool
}

func cancelAfterFirstStep(next streaming.Publisher, flag *atomic.Bool) streaming.Publisher {
	return &cancelFlipper{next: next, flag: flag}
}

func (c *cancelFlipper) Publish(taskID string, evt streaming.Event) {
	c.next.Publish(taskID, evt)
	if evt.Type == streaming.EventStepComplete {
		c.flag.Store(true)
	}
}

func TestRunEmitsOrderedEvents(t *testing.T) {
	gw := &fakeGateway{completions: []gateway.Result{
		completion(`{"description": "navigate to https://example.com"}`),
		completion(`{"done": true}`),
		completion("the answer"),
	}}
	mgr := streaming.NewManager(32)
	ch := mgr.Subscribe("t1", 32)
	defer mgr.Unsubscribe("t1", ch)

	l := newLoop(gw, mgr)
	_, err := l.Run(context.Background(), "t1", "goal", 3, never)
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	require.NotEmpty(t, types)
	// Step completion precedes the final result.
	stepIdx, resultIdx := -1, -1
	for i, ty := range types {
		if ty == streaming.EventStepComplete && stepIdx < 0 {
			stepIdx = i
		}
		if ty == streaming.EventResult {
			resultIdx = i
		}
	}
	require.GreaterOrEqual(t, stepIdx, 0)
	require.GreaterOrEqual(t, resultIdx, 0)
	assert.Less(t, stepIdx, resultIdx)
}

func TestRunClosesSession(t *testing.T) {
	gw := &fakeGateway{completions: []gateway.Result{
		completion(`{"description": "navigate to https://example.com"}`),
		completion(`{"done": true}`),
		completion("fin"),
	}}
	l := newLoop(gw, streaming.NopPublisher{})

	_, err := l.Run(context.Background(), "t1", "goal", 2, never)
	require.NoError(t, err)

	var closed bool
	for _, a := range gw.actions {
		if a.Type == gateway.ActionClose {
			closed = true
		}
	}
	assert.True(t, closed, "browser session should be closed after the run")
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want plan
	}{
		{"json", `{"done": false, "description": "d", "reasoning": "r"}`, plan{Description: "d", Reasoning: "r"}},
		{"fenced", "```json\n{\"done\": true}\n```", plan{Done: true}},
		{"plain text", "navigate to the site", plan{Description: "navigate to the site"}},
		{"done literal", " DONE ", plan{Done: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePlan(tt.in))
		})
	}
}

func TestRunRespectsMaxStepsEvenIfPlannerNeverStops(t *testing.T) {
	var completions []gateway.Result
	for i := 0; i < 10; i++ {
		completions = append(completions, completion(fmt.Sprintf(`{"description": "navigate to https://example.com/%d"}`, i)))
	}
	completions = append(completions, completion("synthesized"))
	gw := &fakeGateway{completions: completions}
	l := newLoop(gw, streaming.NopPublisher{})

	result, err := l.Run(context.Background(), "t1", "goal", 3, never)
	require.NoError(t, err)
	assert.Equal(t, 3, result["steps_executed"])
	// 3 planning calls + 1 synthesis.
	assert.Equal(t, 4, gw.completed)
}
