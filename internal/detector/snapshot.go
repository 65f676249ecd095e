package detector

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"anomaly_bot/internal/models"
)

const prefixWindow = "win:"

type SeriesSnapshot struct {
	Values  []float64 `json:"values"`
	Count   int       `json:"count"`
	Prev    float64   `json:"prev"`
	HasPrev bool      `json:"has_prev"`
}

// SymbolSnapshot сериализуемое состояние символа.
type SymbolSnapshot struct {
	Symbol        string                    `json:"symbol"`
	Series        map[string]SeriesSnapshot `json:"series"`
	PriceDecimals int                       `json:"price_decimals"`
	SizeDecimals  int                       `json:"size_decimals"`
	LastSeen      time.Time                 `json:"last_seen"`
}

func (s *Store) Snapshot() []SymbolSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SymbolSnapshot, 0, len(s.symbols))
	for _, st := range s.symbols {
		snap := SymbolSnapshot{
			Symbol:        st.Symbol,
			Series:        make(map[string]SeriesSnapshot, len(st.series)),
			PriceDecimals: st.PriceDecimals,
			SizeDecimals:  st.SizeDecimals,
			LastSeen:      st.LastSeen,
		}
		for m, sr := range st.series {
			vals := make([]float64, len(sr.values))
			copy(vals, sr.values)
			snap.Series[string(m)] = SeriesSnapshot{Values: vals, Count: sr.count, Prev: sr.prev, HasPrev: sr.hasPrev}
		}
		out = append(out, snap)
	}
	return out
}

// Restore поднимает окна из снапшота, обрезая их до текущего windowSize.
func (s *Store) Restore(snaps []SymbolSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snaps {
		st := newSymbolState(snap.Symbol)
		st.PriceDecimals = snap.PriceDecimals
		st.SizeDecimals = snap.SizeDecimals
		st.LastSeen = snap.LastSeen
		for m, ss := range snap.Series {
			vals := ss.Values
			if len(vals) > s.windowSize {
				vals = vals[len(vals)-s.windowSize:]
			}
			sr := &series{values: make([]float64, len(vals), s.windowSize), count: ss.Count, prev: ss.Prev, hasPrev: ss.HasPrev}
			copy(sr.values, vals)
			st.series[models.Metric(m)] = sr
		}
		s.symbols[snap.Symbol] = st
	}
}

// SnapshotStore хранит окна в pebble, чтобы рестарт не начинал прогрев заново.
type SnapshotStore struct {
	db *pebble.DB
}

func OpenSnapshotStore(path string, opts *pebble.Options) (*SnapshotStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open snapshot store %s", path)
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Close() error { return s.db.Close() }

func windowKey(symbol string) []byte { return []byte(prefixWindow + symbol) }

func (s *SnapshotStore) Save(snaps []SymbolSnapshot) error {
	b := s.db.NewBatch()
	defer func() {
		_ = b.Close()
	}()

	for _, snap := range snaps {
		data, err := sonic.Marshal(snap)
		if err != nil {
			return errors.Wrapf(err, "marshal snapshot %s", snap.Symbol)
		}
		if err := b.Set(windowKey(snap.Symbol), data, nil); err != nil {
			return errors.Wrapf(err, "stage snapshot %s", snap.Symbol)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit snapshots")
	}
	return nil
}

func (s *SnapshotStore) Load() ([]SymbolSnapshot, error) {
	lower := []byte(prefixWindow)
	upper := keyUpperBound(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "snapshot iterator")
	}
	defer func() {
		_ = iter.Close()
	}()

	var out []SymbolSnapshot
	for iter.First(); iter.Valid(); iter.Next() {
		var snap SymbolSnapshot
		if err := sonic.Unmarshal(iter.Value(), &snap); err != nil {
			return nil, errors.Wrapf(err, "decode snapshot %s", iter.Key())
		}
		out = append(out, snap)
	}
	return out, nil
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
