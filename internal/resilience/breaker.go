package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskherd/taskherd/internal/logging"
)

// ErrBreakerOpen is returned when a circuit breaker rejects a call.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

// Breaker states.
const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default: 5)
	RecoveryTimeout  time.Duration // open duration before a half-open probe (default: 30s)
	// IsExpected classifies errors that count toward the failure threshold.
	// Nil counts every error.
	IsExpected func(error) bool
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker short-circuits calls to a failing dependency.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger zerolog.Logger

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
}

// NewBreaker creates a closed circuit breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logging.Component("breaker"),
		state:  BreakerClosed,
	}
}

// Execute runs fn under the breaker. When open, it returns ErrBreakerOpen
// without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteResult runs fn under breaker b and returns its result.
func ExecuteResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	result, err := fn(ctx)
	b.record(err)
	return result, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.setState(BreakerHalfOpen)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrBreakerOpen, b.name)
	default:
		return fmt.Errorf("unknown breaker state: %v", b.state)
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case BreakerHalfOpen:
			b.setState(BreakerClosed)
			b.failureCount = 0
			b.logger.Info().Str("name", b.name).Msg("breaker closed, dependency recovered")
		case BreakerClosed:
			b.failureCount = 0
		}
		return
	}

	if b.cfg.IsExpected != nil && !b.cfg.IsExpected(err) {
		return
	}

	b.lastFailureTime = time.Now()
	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.setState(BreakerOpen)
			b.logger.Warn().Str("name", b.name).Int("failures", b.failureCount).Msg("breaker opened")
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
		b.logger.Warn().Str("name", b.name).Msg("breaker reopened, probe failed")
	}
}

func (b *Breaker) setState(state BreakerState) {
	b.state = state
}

// State returns the current breaker state, applying the open-to-half-open
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
		b.setState(BreakerHalfOpen)
	}
	return b.state
}

// BreakerSet manages named breakers sharing one config.
type BreakerSet struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty breaker registry.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, s.cfg)
	s.breakers[name] = b
	return b
}
