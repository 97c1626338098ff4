package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling the wrapped function while the breaker
// is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker tuning.
type Config struct {
	FailureThreshold uint32        // consecutive failures before opening
	SuccessThreshold uint32        // consecutive successes in half-open before closing
	OpenTimeout      time.Duration // time to stay open before probing
}

// DefaultConfig returns defaults suited to capability bridges: latency-bearing
// HTTP or subprocess calls where a few consecutive failures usually mean the
// backing service is down.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern around a single capability
// endpoint.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	openedAt  time.Time
}

// New creates a breaker; zero config fields fall back to DefaultConfig.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	return &Breaker{name: name, config: config, logger: logger, state: StateClosed}
}

// Execute runs fn unless the breaker is open, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err == nil)
	return err
}

// State returns the current state, honoring open-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbeLocked()
	return b.state
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbeLocked()
	if b.state == StateOpen {
		return ErrOpen
	}
	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.setStateLocked(StateClosed)
			}
		}
		return
	}
	b.successes = 0
	if b.state == StateHalfOpen {
		b.setStateLocked(StateOpen)
		return
	}
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.setStateLocked(StateOpen)
	}
}

// maybeProbeLocked moves an expired open breaker to half-open.
func (b *Breaker) maybeProbeLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.config.OpenTimeout {
		b.setStateLocked(StateHalfOpen)
	}
}

func (b *Breaker) setStateLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	b.logger.Info("Circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
