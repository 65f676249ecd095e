package clock

import (
	"sync"
	"time"
)

// Clock источник времени для тиков и дедлайнов.
type Clock interface {
	Now() time.Time
}

type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

// Fake ручные часы для тестов.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(t time.Time) *Fake { return &Fake{now: t} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}
