package detector

import (
	"math"
	"sort"
	"sync"
	"time"

	"anomaly_bot/internal/helper"
	"anomaly_bot/internal/models"
)

// относительный порог, ниже которого окно считается без дисперсии
const stdEpsilon = 1e-12

type series struct {
	values  []float64
	count   int // всего принято, не уменьшается при вытеснении
	prev    float64
	hasPrev bool
}

func (s *series) push(v float64, capacity int) {
	if n := len(s.values); n > 0 {
		s.prev = s.values[n-1]
		s.hasPrev = true
	}
	s.values = append(s.values, v)
	if len(s.values) > capacity {
		s.values = s.values[len(s.values)-capacity:]
	}
	s.count++
}

// SymbolState окна и подсказки точности одного инструмента.
type SymbolState struct {
	Symbol        string
	series        map[models.Metric]*series
	PriceDecimals int // -1 пока не узнали
	SizeDecimals  int // -1 пока не узнали
	LastSeen      time.Time
}

func newSymbolState(symbol string) *SymbolState {
	return &SymbolState{
		Symbol:        symbol,
		series:        make(map[models.Metric]*series, len(models.Metrics)),
		PriceDecimals: -1,
		SizeDecimals:  -1,
	}
}

// Summary статистика окна на момент запроса.
type Summary struct {
	Mean   float64
	Std    float64
	Latest float64
	Len    int
	Count  int
}

// Store хранит SymbolState всех символов. Владелец — цикл мониторинга,
// остальные компоненты получают его по ссылке.
type Store struct {
	mu         sync.RWMutex
	windowSize int
	minSamples int
	symbols    map[string]*SymbolState
}

func NewStore(windowSize, minSamples int) *Store {
	return &Store{
		windowSize: windowSize,
		minSamples: minSamples,
		symbols:    make(map[string]*SymbolState),
	}
}

func (s *Store) WindowSize() int { return s.windowSize }
func (s *Store) MinSamples() int { return s.minSamples }

func (s *Store) state(symbol string) *SymbolState {
	st, ok := s.symbols[symbol]
	if !ok {
		st = newSymbolState(symbol)
		s.symbols[symbol] = st
	}
	return st
}

// Ingest добавляет значение в окно, вытесняя самое старое.
func (s *Store) Ingest(symbol string, metric models.Metric, value float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	sr, ok := st.series[metric]
	if !ok {
		sr = &series{values: make([]float64, 0, s.windowSize)}
		st.series[metric] = sr
	}
	sr.push(value, s.windowSize)
	if ts.After(st.LastSeen) {
		st.LastSeen = ts
	}
}

// ObservePrice запоминает точность цены по строке с биржи.
// Строка без значащей дробной части точность не меняет.
func (s *Store) ObservePrice(symbol, raw string) {
	d, ok := helper.PriceDecimals(raw)
	if !ok {
		return
	}
	s.mu.Lock()
	s.state(symbol).PriceDecimals = d
	s.mu.Unlock()
}

func (s *Store) SetSizeDecimals(symbol string, n int) {
	s.mu.Lock()
	s.state(symbol).SizeDecimals = n
	s.mu.Unlock()
}

// Precision возвращает выученную точность; -1 значит "неизвестно".
func (s *Store) Precision(symbol string) models.Precision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[symbol]
	if !ok {
		return models.Precision{PriceDecimals: -1, SizeDecimals: -1}
	}
	return models.Precision{PriceDecimals: st.PriceDecimals, SizeDecimals: st.SizeDecimals}
}

func (s *Store) SampleCount(symbol string, metric models.Metric) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr := s.seriesOf(symbol, metric); sr != nil {
		return sr.count
	}
	return 0
}

// Window копия текущего окна.
func (s *Store) Window(symbol string, metric models.Metric) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr := s.seriesOf(symbol, metric)
	if sr == nil {
		return nil
	}
	out := make([]float64, len(sr.values))
	copy(out, sr.values)
	return out
}

// Previous значение, принятое перед последним.
func (s *Store) Previous(symbol string, metric models.Metric) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr := s.seriesOf(symbol, metric)
	if sr == nil || !sr.hasPrev {
		return 0, false
	}
	return sr.prev, true
}

func (s *Store) Latest(symbol string, metric models.Metric) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr := s.seriesOf(symbol, metric)
	if sr == nil || len(sr.values) == 0 {
		return 0, false
	}
	return sr.values[len(sr.values)-1], true
}

func (s *Store) LastSeen(symbol string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.symbols[symbol]; ok {
		return st.LastSeen
	}
	return time.Time{}
}

// Summarize среднее и популяционное std по текущему окну.
func (s *Store) Summarize(symbol string, metric models.Metric) (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr := s.seriesOf(symbol, metric)
	if sr == nil || len(sr.values) == 0 {
		return Summary{}, false
	}
	mean, std := meanStd(sr.values)
	return Summary{
		Mean:   mean,
		Std:    std,
		Latest: sr.values[len(sr.values)-1],
		Len:    len(sr.values),
		Count:  sr.count,
	}, true
}

// ZScore (latest-mean)/std по окну, включая latest.
// ok=false до прогрева и при нулевой дисперсии.
func (s *Store) ZScore(symbol string, metric models.Metric) (float64, bool) {
	sum, ok := s.Summarize(symbol, metric)
	if !ok || sum.Count < s.minSamples {
		return 0, false
	}
	if sum.Std == 0 || sum.Std <= stdEpsilon*math.Max(1, math.Abs(sum.Mean)) {
		return 0, false
	}
	return (sum.Latest - sum.Mean) / sum.Std, true
}

func (s *Store) Symbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Warm сколько символов уже прошли прогрев по обеим метрикам.
func (s *Store) Warm() (warm, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.symbols {
		total++
		ready := true
		for _, m := range models.Metrics {
			sr := st.series[m]
			if sr == nil || sr.count < s.minSamples {
				ready = false
				break
			}
		}
		if ready {
			warm++
		}
	}
	return warm, total
}

func (s *Store) seriesOf(symbol string, metric models.Metric) *series {
	st, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	return st.series[metric]
}

func meanStd(values []float64) (float64, float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}
