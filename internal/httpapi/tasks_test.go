package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/webrunner-ai/webrunner/internal/agentloop"
	"github.com/webrunner-ai/webrunner/internal/config"
	"github.com/webrunner-ai/webrunner/internal/executor"
	"github.com/webrunner-ai/webrunner/internal/gateway"
	"github.com/webrunner-ai/webrunner/internal/manager"
	"github.com/webrunner-ai/webrunner/internal/parser"
	"github.com/webrunner-ai/webrunner/internal/recovery"
	"github.com/webrunner-ai/webrunner/internal/streaming"
	"github.com/webrunner-ai/webrunner/internal/task"
)

// quickGateway completes any task immediately: the planner signals done and
// synthesis returns a fixed answer.
type quickGateway struct{}

func (quickGateway) Invoke(_ context.Context, action gateway.Action, _ string) gateway.Result {
	if action.Type == gateway.ActionCompleteText {
		prompt := action.StringParam("prompt")
		if strings.Contains(prompt, "planning step") {
			return gateway.Ok(map[string]interface{}{"text": `{"done": true}`})
		}
		return gateway.Ok(map[string]interface{}{"text": "the answer"})
	}
	return gateway.Ok(nil)
}

type api struct {
	mux    *http.ServeMux
	mgr    *manager.Manager
	stream *streaming.Manager
}

func newAPI(t *testing.T, gw gateway.Gateway, cfg config.TasksConfig) *api {
	logger := zaptest.NewLogger(t)
	store := task.NewStore(cfg.MaxRetained, logger)
	stream := streaming.NewManager(64)
	exec := executor.New(gw, recovery.None{}, parser.NewRuleParser(nil).Parse, 0, logger)
	loop := agentloop.New(gw, exec, stream, logger)
	mgr := manager.New(store, gw, loop, exec, stream, cfg, logger)

	mux := http.NewServeMux()
	NewTaskHandler(mgr, stream, nil, logger).RegisterRoutes(mux)
	NewStreamingHandler(stream, logger).RegisterRoutes(mux)
	return &api{mux: mux, mgr: mgr, stream: stream}
}

func defaultCfg() config.TasksConfig {
	return config.TasksConfig{MaxRetained: 100, DefaultMaxSteps: 5, MaxSteps: 10}
}

func (a *api) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateTask(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())

	rec := a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"goal": "summarize https://example.com",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode(t, rec)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "agent", body["task_type"])
	a.mgr.Wait()
}

func TestCreateTaskInvalidBody(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskInvalidInput(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	rec := a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "invalid task input")
}

func TestCreateTaskRateLimited(t *testing.T) {
	cfg := defaultCfg()
	cfg.CreateRatePerSec = 0.001
	cfg.CreateBurst = 1
	a := newAPI(t, quickGateway{}, cfg)

	first := a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{"goal": "one"})
	require.Equal(t, http.StatusAccepted, first.Code)
	second := a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{"goal": "two"})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	a.mgr.Wait()
}

func TestGetTask(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	created := decode(t, a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{"goal": "quick"}))
	a.mgr.Wait()

	rec := a.do(http.MethodGet, "/api/v1/tasks/"+created["id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "completed", body["status"])
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "the answer", result["answer"])
}

func TestGetTaskNotFound(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	rec := a.do(http.MethodGet, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{"goal": "first"})
	a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{"goal": "second"})
	a.mgr.Wait()

	rec := a.do(http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["count"])
}

func TestCancelTask(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	created := decode(t, a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{"goal": "quick"}))

	rec := a.do(http.MethodPost, "/api/v1/tasks/"+created["id"].(string)+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	a.mgr.Wait()
}

func TestCancelTaskNotFound(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	rec := a.do(http.MethodPost, "/api/v1/tasks/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNDJSONStreamReplaysToTerminal(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	created := decode(t, a.do(http.MethodPost, "/api/v1/tasks", map[string]interface{}{"goal": "quick"}))
	a.mgr.Wait()
	id := created["id"].(string)

	rec := a.do(http.MethodGet, "/api/v1/tasks/"+id+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var types []string
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var evt streaming.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &evt))
		types = append(types, evt.Type)
	}
	require.NotEmpty(t, types)
	// The stream ends on the terminal status event.
	assert.Equal(t, streaming.EventStatus, types[len(types)-1])
}

func TestNDJSONStreamUnknownTask(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	rec := a.do(http.MethodGet, "/api/v1/tasks/nope/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSERequiresTaskID(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	rec := a.do(http.MethodGet, "/stream/sse", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEReplay(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	for i := 0; i < 3; i++ {
		a.stream.Publish("t1", streaming.Event{TaskID: "t1", Type: streaming.EventLog, Message: "m"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // return right after the replay is written
	req := httptest.NewRequest(http.MethodGet, "/stream/sse?task_id=t1&last_event_id=1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, ": connected to task t1")
	assert.Contains(t, body, "id: 2")
	assert.Contains(t, body, "id: 3")
	assert.NotContains(t, body, "id: 1\n")
	assert.Contains(t, body, "event: log")
}

func TestSSETypeFilter(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	a.stream.Publish("t1", streaming.Event{TaskID: "t1", Type: streaming.EventLog})
	a.stream.Publish("t1", streaming.Event{TaskID: "t1", Type: streaming.EventResult})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet,
		"/stream/sse?task_id=t1&last_event_id=1&types=result", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: result")
	assert.NotContains(t, body, "event: log")
}

func TestHistoryDisabled(t *testing.T) {
	a := newAPI(t, quickGateway{}, defaultCfg())
	rec := a.do(http.MethodGet, "/api/v1/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
