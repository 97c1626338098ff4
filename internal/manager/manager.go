// Package manager owns the task lifecycle: it admits new tasks, runs each in
// its own goroutine, enforces the status state machine, and fans lifecycle
// events out to stream subscribers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/webrunner-ai/webrunner/internal/agentloop"
	"github.com/webrunner-ai/webrunner/internal/config"
	"github.com/webrunner-ai/webrunner/internal/executor"
	"github.com/webrunner-ai/webrunner/internal/gateway"
	"github.com/webrunner-ai/webrunner/internal/metrics"
	"github.com/webrunner-ai/webrunner/internal/streaming"
	"github.com/webrunner-ai/webrunner/internal/task"
)

// ErrRateLimited is returned by CreateTask when the creation rate limit is
// exhausted. Callers should surface it as backpressure, not as a task failure.
var ErrRateLimited = errors.New("task creation rate limit exceeded")

// Manager coordinates task admission, execution, and cancellation. All
// methods are safe for concurrent use.
type Manager struct {
	store   *task.Store
	gw      gateway.Gateway
	loop    *agentloop.Loop
	exec    *executor.Executor
	pub     streaming.Publisher
	limiter *rate.Limiter
	cfg     config.TasksConfig
	logger  *zap.Logger

	onTerminal func(*task.Task)

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
	wg      sync.WaitGroup
}

// New creates a manager. pub may be streaming.NopPublisher{}.
func New(store *task.Store, gw gateway.Gateway, loop *agentloop.Loop, exec *executor.Executor, pub streaming.Publisher, cfg config.TasksConfig, logger *zap.Logger) *Manager {
	limit := rate.Inf
	if cfg.CreateRatePerSec > 0 {
		limit = rate.Limit(cfg.CreateRatePerSec)
	}
	burst := cfg.CreateBurst
	if burst < 1 {
		burst = 1
	}
	return &Manager{
		store:   store,
		gw:      gw,
		loop:    loop,
		exec:    exec,
		pub:     pub,
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		logger:  logger,
		cancels: make(map[string]*atomic.Bool),
	}
}

// OnTerminal registers a callback invoked with a snapshot of every task that
// reaches a terminal status. Used to hand finished records to the history
// writer.
func (m *Manager) OnTerminal(fn func(*task.Task)) {
	m.onTerminal = fn
}

// CreateTask validates in, records a pending task, and starts executing it in
// the background. It returns the pending snapshot immediately; progress is
// observable through GetTask and the event stream.
func (m *Manager) CreateTask(in task.Input) (*task.Task, error) {
	if !m.limiter.Allow() {
		metrics.TasksRejected.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}
	if err := in.Validate(); err != nil {
		metrics.TasksRejected.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	t := task.New(in)
	m.store.Put(t)
	metrics.TasksCreated.WithLabelValues(in.Kind()).Inc()

	flag := &atomic.Bool{}
	m.mu.Lock()
	m.cancels[t.ID] = flag
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(t.ID, in, flag)

	m.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("kind", in.Kind()))
	return t.Clone(), nil
}

// GetTask returns a snapshot of the task with the given id.
func (m *Manager) GetTask(id string) (*task.Task, error) {
	return m.store.Get(id)
}

// ListTasks returns snapshots of all retained tasks, most recent first.
func (m *Manager) ListTasks() []*task.Task {
	return m.store.List()
}

// CancelTask requests cooperative cancellation of a running task. The request
// takes effect at the next step boundary; an in-flight action always
// completes. Canceling a task that already reached a terminal status is a
// no-op.
func (m *Manager) CancelTask(id string) error {
	if _, err := m.store.Get(id); err != nil {
		return err
	}
	m.mu.Lock()
	flag, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		flag.Store(true)
		m.logger.Info("cancellation requested", zap.String("task_id", id))
	}
	return nil
}

// Wait blocks until all in-flight tasks have finished. Intended for graceful
// shutdown after the listener has stopped accepting new work.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(id string, in task.Input, flag *atomic.Bool) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
	}()
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("task panicked",
				zap.String("task_id", id),
				zap.Any("panic", p))
			m.finish(id, in.Kind(), nil, fmt.Errorf("internal error: %v", p))
		}
	}()

	started := time.Now()
	if _, err := m.store.Transition(id, task.StatusRunning, nil, ""); err != nil {
		m.logger.Error("task never started", zap.String("task_id", id), zap.Error(err))
		return
	}
	m.publishStatus(id, task.StatusRunning, "")

	ctx := context.Background()
	var result map[string]interface{}
	var err error
	switch in.Kind() {
	case task.TypeAgent:
		result, err = m.loop.Run(ctx, id, in.Goal, m.boundSteps(in.MaxSteps), flag.Load)
	default:
		result, err = m.runDirect(ctx, id, in, flag.Load)
	}

	m.finish(id, in.Kind(), result, err)
	metrics.TaskDuration.WithLabelValues(in.Kind()).Observe(time.Since(started).Seconds())
}

func (m *Manager) finish(id, kind string, result map[string]interface{}, err error) {
	status := task.StatusCompleted
	errMsg := ""
	if err != nil {
		status = task.StatusFailed
		errMsg = err.Error()
		result = nil
	}

	final, terr := m.store.Transition(id, status, result, errMsg)
	if terr != nil {
		// Already terminal, e.g. the panic handler raced a normal finish.
		m.logger.Warn("terminal transition rejected",
			zap.String("task_id", id), zap.Error(terr))
		return
	}

	metrics.TasksCompleted.WithLabelValues(kind, string(status)).Inc()
	m.publishStatus(id, status, errMsg)
	if err != nil {
		m.logger.Warn("task failed", zap.String("task_id", id), zap.Error(err))
	} else {
		m.logger.Info("task completed", zap.String("task_id", id))
	}

	if m.onTerminal != nil {
		m.onTerminal(final)
	}
}

func (m *Manager) publishStatus(id string, status task.Status, errMsg string) {
	data := map[string]interface{}{"status": string(status)}
	if errMsg != "" {
		data["error"] = errMsg
	}
	m.pub.Publish(id, streaming.Event{
		TaskID:  id,
		Type:    streaming.EventStatus,
		Message: "task " + string(status),
		Data:    data,
	})
}

func (m *Manager) boundSteps(requested int) int {
	steps := requested
	if steps <= 0 {
		steps = m.cfg.DefaultMaxSteps
	}
	if m.cfg.MaxSteps > 0 && steps > m.cfg.MaxSteps {
		steps = m.cfg.MaxSteps
	}
	return steps
}
