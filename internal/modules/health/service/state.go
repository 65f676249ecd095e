package service

import (
	"sync/atomic"
	"time"
)

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	lastTickUnix atomic.Int64 // unix seconds
	ticks        atomic.Int64
	tickErrors   atomic.Int64
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

// TouchTick отмечает завершённый тик мониторинга; ok=false для тика без данных рынка.
func (s *State) TouchTick(t time.Time, ok bool) {
	s.ticks.Add(1)
	if !ok {
		s.tickErrors.Add(1)
		return
	}
	s.lastTickUnix.Store(t.Unix())
}

func (s *State) LastTick() time.Time {
	u := s.lastTickUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Ticks() int64      { return s.ticks.Load() }
func (s *State) TickErrors() int64 { return s.tickErrors.Load() }

// Stale true, если успешного тика не было дольше maxAge.
func (s *State) Stale(now time.Time, maxAge time.Duration) bool {
	last := s.LastTick()
	return last.IsZero() || now.Sub(last) > maxAge
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
