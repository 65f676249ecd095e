package lifecycle

import (
	"testing"
	"time"
)

func TestSchedulerPopDueOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var s scheduler
	s.push(&entry{at: base.Add(3 * time.Second), seq: 1, symbol: "C"})
	s.push(&entry{at: base.Add(time.Second), seq: 3, symbol: "B"})
	s.push(&entry{at: base.Add(time.Second), seq: 2, symbol: "A"})
	s.push(&entry{at: base.Add(10 * time.Second), seq: 4, symbol: "D"})

	if at, ok := s.next(); !ok || !at.Equal(base.Add(time.Second)) {
		t.Fatalf("next = %v", at)
	}
	due := s.popDue(base.Add(3 * time.Second))
	if len(due) != 3 {
		t.Fatalf("due = %d", len(due))
	}
	if due[0].symbol != "A" || due[1].symbol != "B" || due[2].symbol != "C" {
		t.Fatalf("order = %s,%s,%s", due[0].symbol, due[1].symbol, due[2].symbol)
	}
	if s.len() != 1 {
		t.Fatalf("left = %d", s.len())
	}
	if due := s.popDue(base.Add(9 * time.Second)); len(due) != 0 {
		t.Fatal("nothing else is due")
	}
}
