// Package history persists finished tasks to a relational store through an
// asynchronous write-behind queue, so the hot path never blocks on the
// database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/webrunner-ai/webrunner/internal/config"
	"github.com/webrunner-ai/webrunner/internal/metrics"
	"github.com/webrunner-ai/webrunner/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
	id          TEXT PRIMARY KEY,
	task_type   TEXT NOT NULL,
	goal        TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	result      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
)`

const upsert = `
INSERT INTO task_history
	(id, task_type, goal, url, description, status, result, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	result = excluded.result,
	error = excluded.error,
	updated_at = excluded.updated_at`

// Entry is one persisted task row.
type Entry struct {
	ID          string         `db:"id" json:"id"`
	TaskType    string         `db:"task_type" json:"task_type"`
	Goal        string         `db:"goal" json:"goal,omitempty"`
	URL         string         `db:"url" json:"url,omitempty"`
	Description string         `db:"description" json:"description,omitempty"`
	Status      string         `db:"status" json:"status"`
	Result      sql.NullString `db:"result" json:"-"`
	Error       string         `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// ResultMap decodes the stored result JSON, returning nil when absent.
func (e Entry) ResultMap() map[string]interface{} {
	if !e.Result.Valid || e.Result.String == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(e.Result.String), &m); err != nil {
		return nil
	}
	return m
}

// Writer persists terminal task snapshots asynchronously through a worker
// pool. Record never blocks; when the queue is full the write is dropped with
// a warning rather than stalling task completion.
type Writer struct {
	db      *sqlx.DB
	queue   chan *task.Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	logger  *zap.Logger
	stopped sync.Once
}

// Open connects to the configured database, ensures the schema, and starts
// the write workers.
func Open(cfg config.HistoryConfig, logger *zap.Logger) (*Writer, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure history schema: %w", err)
	}
	return NewWriter(db, cfg.Workers, cfg.QueueSize, logger), nil
}

// NewWriter wraps an already-open database handle. The caller keeps ownership
// of schema setup when using this constructor.
func NewWriter(db *sqlx.DB, workers, queueSize int, logger *zap.Logger) *Writer {
	if workers < 1 {
		workers = 2
	}
	if queueSize < 1 {
		queueSize = 256
	}
	w := &Writer{
		db:     db,
		queue:  make(chan *task.Task, queueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	logger.Info("history writer started",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize))
	return w
}

// Record enqueues a terminal task snapshot for persistence. Safe to call from
// the task completion path; never blocks.
func (w *Writer) Record(t *task.Task) {
	select {
	case w.queue <- t:
		metrics.HistoryQueueDepth.Set(float64(len(w.queue)))
	default:
		metrics.HistoryWrites.WithLabelValues("dropped").Inc()
		w.logger.Warn("history queue full, dropping record",
			zap.String("task_id", t.ID))
	}
}

// Recent returns up to limit history entries, most recently updated first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := w.db.Rebind("SELECT * FROM task_history ORDER BY updated_at DESC LIMIT ?")
	var entries []Entry
	if err := w.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	return entries, nil
}

// DB exposes the underlying handle for health probing.
func (w *Writer) DB() *sqlx.DB {
	return w.db
}

// Close stops the workers after draining the queue and closes the database.
func (w *Writer) Close() error {
	w.stopped.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
	})
	return w.db.Close()
}

func (w *Writer) worker(id int) {
	defer w.wg.Done()
	for {
		select {
		case t := <-w.queue:
			w.persist(t)
			metrics.HistoryQueueDepth.Set(float64(len(w.queue)))
		case <-w.stopCh:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case t := <-w.queue:
					w.persist(t)
				default:
					w.logger.Debug("history worker stopped", zap.Int("worker_id", id))
					return
				}
			}
		}
	}
}

func (w *Writer) persist(t *task.Task) {
	var result sql.NullString
	if t.Result != nil {
		raw, err := json.Marshal(t.Result)
		if err != nil {
			w.logger.Error("failed to encode task result",
				zap.String("task_id", t.ID), zap.Error(err))
		} else {
			result = sql.NullString{String: string(raw), Valid: true}
		}
	}

	query := w.db.Rebind(upsert)
	_, err := w.db.Exec(query,
		t.ID, t.Input.Kind(), t.Input.Goal, t.Input.URL, t.Input.Description,
		string(t.Status), result, t.Error, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		w.logger.Error("failed to persist task",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	metrics.HistoryWrites.WithLabelValues("ok").Inc()
}
