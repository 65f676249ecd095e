package lifecycle

import (
	"context"
	"strconv"
	"sync"
	"time"

	"anomaly_bot/internal/models"
	"anomaly_bot/pkg/clock"
)

type marketCall struct {
	symbol string
	side   models.Side
	size   float64
	at     time.Time
}

type fakeExchange struct {
	mu    sync.Mutex
	clock *clock.Fake

	nextID    int
	placeErr  map[int]error // по номеру ступени
	placed    []models.OrderRequest
	cancels   []string
	cancelErr map[string]error
	status    map[string]models.OrderStatus
	statusErr error
	markets   []marketCall
	marketErr error
	// размеры исполнения IOC по очереди; пусто = исполнено целиком
	marketFills []float64
	// пока gate не закрыт, рыночный ордер висит (started получает сигнал входа)
	marketGate    chan struct{}
	marketStarted chan struct{}
	statusCalls   int
	positions     map[string]float64
	posErr        error
}

func newFakeExchange(clk *clock.Fake) *fakeExchange {
	return &fakeExchange{
		clock:     clk,
		placeErr:  make(map[int]error),
		cancelErr: make(map[string]error),
		status:    make(map[string]models.OrderStatus),
		positions: make(map[string]float64),
	}
}

func (f *fakeExchange) PlaceLimitOrder(_ context.Context, req models.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.placeErr[req.Leg]; err != nil {
		return "", err
	}
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.placed = append(f.placed, req)
	f.status[id] = models.OrderStatus{State: models.OrderPending}
	return id, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cancelErr[id]; err != nil {
		return err
	}
	f.cancels = append(f.cancels, id)
	st := f.status[id]
	st.State = models.OrderCanceled
	f.status[id] = st
	return nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, size float64) (models.FillReport, error) {
	f.mu.Lock()
	gate, started := f.marketGate, f.marketStarted
	f.mu.Unlock()

	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return models.FillReport{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets = append(f.markets, marketCall{symbol: symbol, side: side, size: size, at: f.clock.Now()})
	if f.marketErr != nil {
		return models.FillReport{}, f.marketErr
	}
	filled := size
	if len(f.marketFills) > 0 {
		filled = f.marketFills[0]
		f.marketFills = f.marketFills[1:]
	}
	return models.FillReport{OrderID: "close", Size: filled, AvgPrice: 101, At: f.clock.Now()}, nil
}

func (f *fakeExchange) OrderStatus(_ context.Context, _ string, id string) (models.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return models.OrderStatus{}, f.statusErr
	}
	return f.status[id], nil
}

func (f *fakeExchange) PositionSize(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return 0, f.posErr
	}
	return f.positions[symbol], nil
}

func (f *fakeExchange) setStatus(id string, st models.OrderStatus) {
	f.mu.Lock()
	f.status[id] = st
	f.mu.Unlock()
}

func (f *fakeExchange) cancelCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cancels {
		if c == id {
			n++
		}
	}
	return n
}

func (f *fakeExchange) marketCalls() []marketCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]marketCall, len(f.markets))
	copy(out, f.markets)
	return out
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind models.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind models.EventKind) (models.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return models.Event{}, false
}
