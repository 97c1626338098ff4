package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the lifecycle state machine permits s -> to.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Task types for direct automation runs. Goal-driven tasks carry TypeAgent.
const (
	TypeAgent          = "agent"
	TypeWebScrape      = "web_scrape"
	TypeFormFill       = "form_fill"
	TypeDataExtraction = "data_extraction"
)

var ErrInvalidInput = errors.New("invalid task input")

// Input is the original request a task was created from: either a free-form
// goal for a reasoning run, or a URL + description + task type for a direct
// automation run.
type Input struct {
	// Goal-driven reasoning run.
	Goal     string `json:"goal,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`

	// Direct automation run.
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	TaskType    string `json:"task_type,omitempty"`
}

// Kind returns the effective task type tag for this input.
func (in Input) Kind() string {
	if in.Goal != "" {
		return TypeAgent
	}
	return in.TaskType
}

// Validate rejects inputs before a task record is created for them.
func (in Input) Validate() error {
	goalRun := in.Goal != ""
	directRun := in.URL != "" || in.Description != "" || in.TaskType != ""

	switch {
	case goalRun && directRun:
		return fmt.Errorf("%w: goal and url/description are mutually exclusive", ErrInvalidInput)
	case goalRun:
		if strings.TrimSpace(in.Goal) == "" {
			return fmt.Errorf("%w: goal must not be blank", ErrInvalidInput)
		}
		if in.MaxSteps < 0 {
			return fmt.Errorf("%w: max_steps must not be negative", ErrInvalidInput)
		}
		return nil
	case directRun:
		if in.URL == "" || in.Description == "" {
			return fmt.Errorf("%w: url and description are required", ErrInvalidInput)
		}
		switch in.TaskType {
		case "", TypeWebScrape, TypeFormFill, TypeDataExtraction:
			return nil
		default:
			return fmt.Errorf("%w: unknown task type %q", ErrInvalidInput, in.TaskType)
		}
	default:
		return fmt.Errorf("%w: either goal or url+description is required", ErrInvalidInput)
	}
}

// Task is one unit of requested automation or reasoning work.
// Exactly one of Result and Error is set once the task is terminal; both are
// empty while pending or running.
type Task struct {
	ID        string                 `json:"id"`
	Input     Input                  `json:"input"`
	Status    Status                 `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// New creates a pending task for a validated input.
func New(in Input) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.New().String(),
		Input:     in,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns an independent snapshot of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Result != nil {
		cp.Result = make(map[string]interface{}, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}
