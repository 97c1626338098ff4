package streaming

// Publisher is the narrow surface the orchestration core publishes through.
// The agent loop and task manager depend on this, not on any transport.
type Publisher interface {
	Publish(taskID string, evt Event)
}

// NopPublisher discards all events. Used when no streaming is configured and
// in tests that only assert on task state.
type NopPublisher struct{}

func (NopPublisher) Publish(string, Event) {}
