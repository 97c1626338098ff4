package task

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/metrics"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned by mutators that attempt an illegal transition
	// out of a terminal state.
	ErrTerminal = errors.New("task is in a terminal state")
)

// Store is the in-process registry of task records and the single source of
// truth for task state. All mutations to a given id go through Update, which
// serializes them; reads return snapshots, never live pointers.
//
// Retention is bounded: once the store holds more than maxRetained records,
// the oldest terminal tasks are evicted. Pending and running tasks are never
// evicted.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	order       []string // insertion order, oldest first
	maxRetained int
	onEvict     func(id string)
	logger      *zap.Logger
}

// NewStore creates a store retaining at most maxRetained records.
func NewStore(maxRetained int, logger *zap.Logger) *Store {
	if maxRetained <= 0 {
		maxRetained = 1000
	}
	return &Store{
		tasks:       make(map[string]*Task),
		maxRetained: maxRetained,
		logger:      logger,
	}
}

// OnEvict registers a callback invoked (outside the store lock) with the id of
// every evicted task.
func (s *Store) OnEvict(fn func(id string)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Put inserts a new task record.
func (s *Store) Put(t *Task) {
	s.mu.Lock()
	if _, exists := s.tasks[t.ID]; !exists {
		s.order = append(s.order, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	evicted := s.evictLocked()
	size := len(s.tasks)
	onEvict := s.onEvict
	s.mu.Unlock()

	metrics.TaskStoreSize.Set(float64(size))
	if onEvict != nil {
		for _, id := range evicted {
			onEvict(id)
		}
	}
}

// Get returns a snapshot of the task or ErrNotFound.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns snapshots of all retained tasks, most recent first.
func (s *Store) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if t, ok := s.tasks[s.order[i]]; ok {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update applies mutate to the task under the store lock, bumping UpdatedAt on
// success. The mutator sees the live record; returning an error leaves the
// record untouched.
func (s *Store) Update(id string, mutate func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Mutate a copy so a failed mutator cannot leave partial writes behind.
	cp := t.Clone()
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	s.tasks[id] = cp
	return cp.Clone(), nil
}

// Transition moves the task to the given status, enforcing the lifecycle
// state machine. On failed, err becomes the task's error message; on
// completed, result becomes its result.
func (s *Store) Transition(id string, to Status, result map[string]interface{}, errMsg string) (*Task, error) {
	return s.Update(id, func(t *Task) error {
		if t.Status.Terminal() {
			return ErrTerminal
		}
		if !t.Status.CanTransition(to) {
			return errors.New("illegal transition " + string(t.Status) + " -> " + string(to))
		}
		t.Status = to
		switch to {
		case StatusCompleted:
			t.Result = result
			t.Error = ""
		case StatusFailed:
			t.Error = errMsg
			t.Result = nil
		}
		return nil
	})
}

// Size returns the number of retained records.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// evictLocked removes the oldest terminal tasks while over capacity and
// returns their ids. Callers hold s.mu.
func (s *Store) evictLocked() []string {
	if len(s.tasks) <= s.maxRetained {
		return nil
	}
	var evicted []string
	kept := s.order[:0]
	for _, id := range s.order {
		t := s.tasks[id]
		if len(s.tasks)-len(evicted) > s.maxRetained && t != nil && t.Status.Terminal() {
			evicted = append(evicted, id)
			continue
		}
		kept = append(kept, id)
	}
	for _, id := range evicted {
		delete(s.tasks, id)
		metrics.TaskStoreEvictions.Inc()
	}
	s.order = kept
	if len(evicted) > 0 && s.logger != nil {
		s.logger.Debug("Evicted terminal tasks", zap.Int("count", len(evicted)))
	}
	return evicted
}
