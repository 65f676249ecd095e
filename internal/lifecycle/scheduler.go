package lifecycle

import (
	"container/heap"
	"time"
)

type action int

const (
	actionCancel action = iota // отмена неисполненного ордера
	actionClose                // закрытие позиции по таймауту
)

func (a action) String() string {
	if a == actionClose {
		return "close"
	}
	return "cancel"
}

type entry struct {
	at     time.Time
	seq    uint64
	kind   action
	symbol string
	order  *trackedOrder
	pos    *trackedPosition
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// scheduler дедлайны отмен и закрытий, отсортированные по времени.
// Не потокобезопасен, живёт под мьютексом менеджера.
type scheduler struct {
	h entryHeap
}

func (s *scheduler) push(e *entry) { heap.Push(&s.h, e) }

// popDue забирает всё, у чего дедлайн <= now, по возрастанию (at, seq).
func (s *scheduler) popDue(now time.Time) []*entry {
	var out []*entry
	for len(s.h) > 0 && !s.h[0].at.After(now) {
		out = append(out, heap.Pop(&s.h).(*entry))
	}
	return out
}

func (s *scheduler) len() int { return len(s.h) }

func (s *scheduler) next() (time.Time, bool) {
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].at, true
}
