package exchange

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"anomaly_bot/pkg/clock"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker размыкает вызовы биржи после серии сбоев подряд.
type Breaker struct {
	mu sync.Mutex

	name      string
	log       *zap.Logger
	clock     clock.Clock
	threshold int
	cooldown  time.Duration

	state       BreakerState
	failures    int
	lastFailure time.Time
}

func NewBreaker(name string, threshold int, cooldown time.Duration, clk clock.Clock, log *zap.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		name:      name,
		log:       log,
		clock:     clk,
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
	}
}

// Allow false, пока breaker открыт и cooldown не истёк. В HALF_OPEN пропускает пробный вызов.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock.Now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.log.Info("circuit breaker half-open", zap.String("name", b.name))
		return true
	default:
		return true
	}
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.log.Info("circuit breaker closed", zap.String("name", b.name))
	}
	b.state = BreakerClosed
	b.failures = 0
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.clock.Now()
	if b.state == BreakerHalfOpen || (b.state == BreakerClosed && b.failures >= b.threshold) {
		b.state = BreakerOpen
		b.log.Warn("circuit breaker opened",
			zap.String("name", b.name),
			zap.Int("failures", b.failures),
			zap.Duration("cooldown", b.cooldown),
		)
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
