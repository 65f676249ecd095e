package detector

import (
	"testing"

	"anomaly_bot/internal/models"
)

type gateFunc func(string) bool

func (f gateFunc) Holds(symbol string) bool { return f(symbol) }

// spikeStore: 19 спокойных тиков и последний выброс по выбранным метрикам.
func spikeStore(volSpike, priceSpike bool) *Store {
	s := NewStore(60, 10)
	for i := 0; i < 19; i++ {
		v := 1000.0 + float64(i%2)
		p := 100.0 + float64(i%2)*0.1
		s.Ingest("BTC", models.MetricVolume, v, t0)
		s.Ingest("BTC", models.MetricPrice, p, t0)
	}
	v, p := 1000.0, 100.0
	if volSpike {
		v = 50000
	}
	if priceSpike {
		p = 130
	}
	s.Ingest("BTC", models.MetricVolume, v, t0)
	s.Ingest("BTC", models.MetricPrice, p, t0)
	return s
}

func TestDecisionModes(t *testing.T) {
	tests := []struct {
		mode       Mode
		vol, price bool
		want       bool
	}{
		{ModeVolOnly, true, false, true},
		{ModeVolOnly, false, true, false},
		{ModePriceOnly, false, true, true},
		{ModePriceOnly, true, false, false},
		{ModeVolAndPrice, true, true, true},
		{ModeVolAndPrice, true, false, false},
		{ModeVolAndPrice, false, true, false},
		{ModeVolOrPrice, true, false, true},
		{ModeVolOrPrice, false, true, true},
		{ModeVolOrPrice, false, false, false},
	}
	for _, tt := range tests {
		s := spikeStore(tt.vol, tt.price)
		d, err := NewDecider(s, tt.mode, Thresholds{Volume: 3, Price: 3}, nil)
		if err != nil {
			t.Fatalf("NewDecider: %v", err)
		}
		_, got := d.Evaluate("BTC")
		if got != tt.want {
			t.Fatalf("mode=%s vol=%v price=%v: got %v want %v", tt.mode, tt.vol, tt.price, got, tt.want)
		}
	}
}

func TestTriggerCarriesBaseline(t *testing.T) {
	s := spikeStore(true, true)
	d, _ := NewDecider(s, ModeVolOrPrice, Thresholds{Volume: 3, Price: 3}, nil)
	trig, ok := d.Evaluate("BTC")
	if !ok {
		t.Fatal("expected trigger")
	}
	// 19-й спокойный тик (i=18) — цена 100.0
	if trig.Baseline != 100.0 {
		t.Fatalf("baseline = %v, want pre-anomaly price 100", trig.Baseline)
	}
	if trig.Price != 130 || trig.Symbol != "BTC" {
		t.Fatalf("trigger = %+v", trig)
	}
	if !trig.HasZVol || !trig.HasZPrice || trig.ZVolume <= 0 {
		t.Fatalf("z-scores missing: %+v", trig)
	}
}

func TestWarmupBranchIsNotTriggered(t *testing.T) {
	s := NewStore(60, 10)
	for i := 0; i < 5; i++ {
		s.Ingest("BTC", models.MetricVolume, 1, t0)
		s.Ingest("BTC", models.MetricPrice, 1, t0)
	}
	s.Ingest("BTC", models.MetricVolume, 1e9, t0)
	d, _ := NewDecider(s, ModeVolOrPrice, Thresholds{Volume: 3, Price: 3}, nil)
	if _, ok := d.Evaluate("BTC"); ok {
		t.Fatal("no trigger before warm-up")
	}
}

func TestGateShortCircuits(t *testing.T) {
	s := spikeStore(true, false)
	busy := gateFunc(func(symbol string) bool { return symbol == "BTC" })
	d, _ := NewDecider(s, ModeVolOnly, Thresholds{Volume: 3, Price: 3}, busy)
	if _, ok := d.Evaluate("BTC"); ok {
		t.Fatal("symbol held by the ledger must not re-trigger")
	}
}

func TestNewDeciderValidates(t *testing.T) {
	s := NewStore(60, 10)
	if _, err := NewDecider(s, "both", Thresholds{Volume: 3, Price: 3}, nil); err == nil {
		t.Fatal("unknown mode must fail")
	}
	if _, err := NewDecider(s, ModeVolOnly, Thresholds{Volume: 0, Price: 3}, nil); err == nil {
		t.Fatal("non-positive threshold must fail")
	}
}
