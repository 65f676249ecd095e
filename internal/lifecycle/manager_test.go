package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/models"
	"anomaly_bot/pkg/clock"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	orderTimeout = 600 * time.Second
	closeTimeout = 1800 * time.Second
)

type harness struct {
	clk *clock.Fake
	ex  *fakeExchange
	rec *recorder
	m   *Manager
}

func newHarness(t *testing.T, max int, policy Policy) *harness {
	t.Helper()
	clk := clock.NewFake(start)
	ex := newFakeExchange(clk)
	rec := &recorder{}
	m := NewManager(Config{
		OrderTimeout:         orderTimeout,
		PositionCloseTimeout: closeTimeout,
		MaxConcurrent:        max,
		Policy:               policy,
		CallTimeout:          time.Second,
		CancelOnShutdown:     true,
	}, ex, rec, clk, nil, nil)
	return &harness{clk: clk, ex: ex, rec: rec, m: m}
}

func ladder(symbol string, legs int) (models.Trigger, []models.OrderRequest) {
	reqs := make([]models.OrderRequest, legs)
	for i := range reqs {
		side := models.SideBuy
		if i%2 == 1 {
			side = models.SideSell
		}
		reqs[i] = models.OrderRequest{Symbol: symbol, Side: side, Price: 100 + float64(i), Size: 1, Leg: i + 1}
	}
	return models.Trigger{Symbol: symbol, Baseline: 100}, reqs
}

func (h *harness) tick(d time.Duration) {
	now := h.clk.Advance(d)
	h.m.OnTick(context.Background(), now)
}

func TestPlaceLadderCountsSymbolOnce(t *testing.T) {
	h := newHarness(t, 2, PolicyBestEffort)
	trig, reqs := ladder("BTC", 3)

	orders, err := h.m.PlaceLadder(context.Background(), trig, reqs)
	if err != nil {
		t.Fatalf("PlaceLadder: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("placed %d orders", len(orders))
	}
	if h.m.Ledger() != 1 {
		t.Fatalf("ledger = %d, want 1", h.m.Ledger())
	}
	for _, o := range orders {
		if o.State != models.OrderPending || !o.Deadline.Equal(o.PlacedAt.Add(orderTimeout)) {
			t.Fatalf("order = %+v", o)
		}
		if o.ClientID == "" {
			t.Fatal("client id must be assigned")
		}
	}
	if h.rec.count(models.EventOrderPlaced) != 3 {
		t.Fatalf("order placed events = %d", h.rec.count(models.EventOrderPlaced))
	}
}

func TestExpiredOrderCanceledExactlyOnce(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 2)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)

	h.tick(orderTimeout - time.Second)
	if h.ex.cancelCount(orders[0].ID) != 0 {
		t.Fatal("canceled before deadline")
	}

	h.tick(time.Second)
	h.tick(time.Second)
	h.tick(time.Minute)

	for _, o := range orders {
		if n := h.ex.cancelCount(o.ID); n != 1 {
			t.Fatalf("order %s canceled %d times", o.ID, n)
		}
	}
	if h.rec.count(models.EventOrderCanceled) != 2 {
		t.Fatalf("canceled events = %d", h.rec.count(models.EventOrderCanceled))
	}
	if h.m.Ledger() != 0 || h.m.Holds("BTC") {
		t.Fatal("ledger must be released after the last order terminates")
	}
}

func TestExpiredLegsProcessedInPlacementOrder(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 3)
	h.m.PlaceLadder(context.Background(), trig, reqs)

	h.tick(orderTimeout)

	h.ex.mu.Lock()
	got := strings.Join(h.ex.cancels, ",")
	h.ex.mu.Unlock()
	if got != "1,2,3" {
		t.Fatalf("cancel order = %s", got)
	}
}

func TestMaxConcurrentRejectsSecondSymbol(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	if _, err := h.m.PlaceLadder(context.Background(), trig, reqs); err != nil {
		t.Fatalf("first ladder: %v", err)
	}

	trig2, reqs2 := ladder("ETH", 1)
	orders, err := h.m.PlaceLadder(context.Background(), trig2, reqs2)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	if len(orders) != 0 || h.ex.placedCount() != 1 {
		t.Fatal("no order may be created for the rejected trigger")
	}
	if h.m.Ledger() != 1 {
		t.Fatalf("ledger = %d", h.m.Ledger())
	}
}

func TestBusySymbolRejected(t *testing.T) {
	h := newHarness(t, 3, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	h.m.PlaceLadder(context.Background(), trig, reqs)

	if _, err := h.m.PlaceLadder(context.Background(), trig, reqs); !errors.Is(err, ErrSymbolBusy) {
		t.Fatalf("err = %v, want ErrSymbolBusy", err)
	}
}

func TestLegFailureDoesNotStopOtherLegs(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	h.ex.placeErr[2] = exchange.Rejected("Post only order would have immediately matched")
	trig, reqs := ladder("BTC", 3)

	orders, err := h.m.PlaceLadder(context.Background(), trig, reqs)
	if err == nil || !errors.Is(err, exchange.ErrOrderRejected) {
		t.Fatalf("err = %v", err)
	}
	if len(orders) != 2 || orders[0].Leg != 1 || orders[1].Leg != 3 {
		t.Fatalf("orders = %+v", orders)
	}
	if h.m.Ledger() != 1 {
		t.Fatalf("ledger = %d", h.m.Ledger())
	}
	if h.rec.count(models.EventError) != 1 {
		t.Fatal("rejected leg must be reported")
	}
}

func TestAllLegsFailedReleasesLedger(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	h.ex.placeErr[1] = exchange.Rejected("Insufficient margin to place order.")
	trig, reqs := ladder("BTC", 1)

	if _, err := h.m.PlaceLadder(context.Background(), trig, reqs); err == nil {
		t.Fatal("expected error")
	}
	if h.m.Ledger() != 0 {
		t.Fatalf("ledger = %d, want 0", h.m.Ledger())
	}
}

func TestAllOrNothingRollsBackPlacedLegs(t *testing.T) {
	h := newHarness(t, 1, PolicyAllOrNothing)
	h.ex.placeErr[2] = exchange.Rejected("Order price cannot be more than 80% away from the reference price")
	trig, reqs := ladder("BTC", 3)

	orders, err := h.m.PlaceLadder(context.Background(), trig, reqs)
	if err == nil || len(orders) != 0 {
		t.Fatalf("orders=%v err=%v", orders, err)
	}
	if h.ex.cancelCount("1") != 1 {
		t.Fatal("leg 1 must be canceled")
	}
	if h.ex.placedCount() != 1 {
		t.Fatal("leg 3 must not be submitted")
	}
	if h.m.Ledger() != 0 {
		t.Fatalf("ledger = %d", h.m.Ledger())
	}
}

func TestCancelAfterFillOpensPositionAndClosesOnTime(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	id := orders[0].ID

	h.ex.cancelErr[id] = exchange.ErrAlreadyClosed
	h.ex.setStatus(id, models.OrderStatus{State: models.OrderFilled, FilledSize: 1, AvgPrice: 99.5})

	h.tick(orderTimeout)
	t0 := h.clk.Now()

	ev, ok := h.rec.last(models.EventPositionOpened)
	if !ok || ev.Price != 99.5 || ev.Size != 1 {
		t.Fatalf("position opened event = %+v", ev)
	}
	if h.rec.count(models.EventOrderCanceled) != 0 {
		t.Fatal("filled order must not be reported as canceled")
	}
	if !h.m.Holds("BTC") {
		t.Fatal("open position keeps the ledger slot")
	}

	h.tick(closeTimeout - time.Second)
	if len(h.ex.marketCalls()) != 0 {
		t.Fatal("position closed before its deadline")
	}

	h.tick(time.Second)
	calls := h.ex.marketCalls()
	if len(calls) != 1 {
		t.Fatalf("market calls = %d", len(calls))
	}
	if !calls[0].at.Equal(t0.Add(closeTimeout)) {
		t.Fatalf("close issued at %s, want %s", calls[0].at, t0.Add(closeTimeout))
	}
	if calls[0].side != models.SideSell || calls[0].size != 1 {
		t.Fatalf("close call = %+v", calls[0])
	}
	if h.rec.count(models.EventPositionClosed) != 1 || h.m.Ledger() != 0 {
		t.Fatal("position must be closed and ledger released")
	}

	h.tick(time.Minute)
	if len(h.ex.marketCalls()) != 1 {
		t.Fatal("close must not repeat")
	}
}

func TestDoubleCloseResolvedByPositionSize(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("ETH", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	h.ex.setStatus(orders[0].ID, models.OrderStatus{State: models.OrderFilled, FilledSize: 1})
	h.m.Reconcile(context.Background())

	h.ex.marketErr = exchange.Rejected("Reduce only order would increase position")
	h.ex.positions["ETH"] = 0

	h.tick(closeTimeout)
	ev, ok := h.rec.last(models.EventPositionClosed)
	if !ok || ev.Reason != "closed externally" {
		t.Fatalf("close event = %+v", ev)
	}
	if h.m.Ledger() != 0 {
		t.Fatal("ledger must be released")
	}
}

func TestCloseRetriedWhileStillOpen(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("SOL", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	h.ex.setStatus(orders[0].ID, models.OrderStatus{State: models.OrderFilled, FilledSize: 1})
	h.m.Reconcile(context.Background())

	h.ex.marketErr = errors.New("timeout")
	h.ex.positions["SOL"] = 0.4

	h.tick(closeTimeout)
	if h.rec.count(models.EventPositionClosed) != 0 {
		t.Fatal("position must stay open when the exchange still reports size")
	}

	h.ex.mu.Lock()
	h.ex.marketErr = nil
	h.ex.mu.Unlock()
	h.tick(10 * time.Second)

	calls := h.ex.marketCalls()
	if len(calls) != 2 || calls[1].size != 0.4 {
		t.Fatalf("retry calls = %+v", calls)
	}
	if h.rec.count(models.EventPositionClosed) != 1 {
		t.Fatal("retry must close the position")
	}
}

func TestTransientStatusErrorRetriesNextTick(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	id := orders[0].ID

	h.ex.cancelErr[id] = errors.New("connection reset")
	h.ex.statusErr = errors.New("connection reset")
	h.tick(orderTimeout)
	if !h.m.Holds("BTC") {
		t.Fatal("order must stay pending after a transient failure")
	}

	h.ex.mu.Lock()
	delete(h.ex.cancelErr, id)
	h.ex.statusErr = nil
	h.ex.mu.Unlock()
	h.tick(10 * time.Second)

	if h.ex.cancelCount(id) != 1 || h.m.Holds("BTC") {
		t.Fatal("cancel must succeed on the next tick")
	}
}

func TestPartialFillOnCancelOpensPosition(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)

	h.m.OnFill(models.Fill{OrderID: orders[0].ID, Price: 100, Size: 0.25})
	if h.rec.count(models.EventOrderFilled) != 0 {
		t.Fatal("partial fill must not complete the order")
	}

	h.tick(orderTimeout)
	if h.rec.count(models.EventOrderCanceled) != 1 {
		t.Fatal("expected cancel")
	}
	ev, ok := h.rec.last(models.EventPositionOpened)
	if !ok || ev.Size != 0.25 {
		t.Fatalf("position event = %+v", ev)
	}
}

func TestOnFillCompletesOrder(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)

	h.m.OnFill(models.Fill{OrderID: orders[0].ID, Price: 100, Size: 0.5})
	h.m.OnFill(models.Fill{OrderID: orders[0].ID, Price: 102, Size: 0.5})
	h.m.OnFill(models.Fill{OrderID: orders[0].ID, Price: 102, Size: 0.5})

	if h.rec.count(models.EventOrderFilled) != 1 || h.rec.count(models.EventPositionOpened) != 1 {
		t.Fatal("order must fill once")
	}
	ev, _ := h.rec.last(models.EventPositionOpened)
	if ev.Price != 101 || ev.Size != 1 {
		t.Fatalf("position = %+v", ev)
	}
	snap := h.m.Snapshot()
	if len(snap.Orders) != 0 || len(snap.Positions) != 1 || snap.Ledger != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestShutdownStopsNewOrdersAndCancelsPending(t *testing.T) {
	h := newHarness(t, 2, PolicyBestEffort)
	trig, reqs := ladder("BTC", 2)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)

	if err := h.m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, o := range orders {
		if h.ex.cancelCount(o.ID) != 1 {
			t.Fatalf("order %s not canceled on shutdown", o.ID)
		}
	}

	trig2, reqs2 := ladder("ETH", 1)
	if _, err := h.m.PlaceLadder(context.Background(), trig2, reqs2); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
	if !h.m.Snapshot().Closing {
		t.Fatal("snapshot must report closing")
	}
}

func TestPolledAndStreamedFillsNotCountedTwice(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	reqs[0].Size, reqs[0].Price = 10, 50
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	id := orders[0].ID

	h.ex.setStatus(id, models.OrderStatus{State: models.OrderPending, FilledSize: 5, AvgPrice: 50})
	h.m.Reconcile(context.Background())
	// та же сделка приходит из потока после опроса
	h.m.OnFill(models.Fill{ID: "t1", OrderID: id, Price: 50, Size: 5})

	if h.rec.count(models.EventOrderFilled) != 0 {
		t.Fatal("half-filled order reported as filled")
	}
	snap := h.m.Snapshot()
	if len(snap.Orders) != 1 || snap.Orders[0].FilledSize != 5 {
		t.Fatalf("orders = %+v", snap.Orders)
	}

	h.tick(orderTimeout)
	if h.ex.cancelCount(id) != 1 {
		t.Fatalf("cancels = %d, want 1", h.ex.cancelCount(id))
	}
	ev, ok := h.rec.last(models.EventPositionOpened)
	if !ok || ev.Size != 5 || ev.Price != 50 {
		t.Fatalf("position event = %+v", ev)
	}
}

func TestRepeatedFillIgnored(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	id := orders[0].ID

	h.m.OnFill(models.Fill{ID: "a", OrderID: id, Price: 100, Size: 0.5})
	h.m.OnFill(models.Fill{ID: "a", OrderID: id, Price: 100, Size: 0.5})
	if h.rec.count(models.EventOrderFilled) != 0 {
		t.Fatal("replayed fill completed the order")
	}

	h.m.OnFill(models.Fill{ID: "b", OrderID: id, Price: 102, Size: 0.5})
	ev, ok := h.rec.last(models.EventPositionOpened)
	if !ok || ev.Size != 1 || ev.Price != 101 {
		t.Fatalf("position event = %+v", ev)
	}
}

func TestPartialMarketCloseKeepsRemainder(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("ETH", 1)
	reqs[0].Size = 10
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	h.ex.setStatus(orders[0].ID, models.OrderStatus{State: models.OrderFilled, FilledSize: 10})
	h.m.Reconcile(context.Background())

	h.ex.marketFills = []float64{5}
	h.tick(closeTimeout)

	if h.rec.count(models.EventPositionClosed) != 0 {
		t.Fatal("partially closed position reported as closed")
	}
	if !h.m.Holds("ETH") {
		t.Fatal("remainder must keep the ledger slot")
	}
	ev, ok := h.rec.last(models.EventError)
	if !ok || ev.Size != 5 || !strings.Contains(ev.Reason, "partially") {
		t.Fatalf("error event = %+v", ev)
	}
	snap := h.m.Snapshot()
	if len(snap.Positions) != 1 || snap.Positions[0].Size != 5 {
		t.Fatalf("positions = %+v", snap.Positions)
	}

	h.tick(10 * time.Second)
	calls := h.ex.marketCalls()
	if len(calls) != 2 || calls[1].size != 5 {
		t.Fatalf("market calls = %+v", calls)
	}
	if h.rec.count(models.EventPositionClosed) != 1 || h.m.Ledger() != 0 {
		t.Fatal("remainder must be closed on the next tick")
	}
}

func TestStopDuringCloseLetsItFinish(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("SOL", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	h.ex.setStatus(orders[0].ID, models.OrderStatus{State: models.OrderFilled, FilledSize: 1})
	h.m.Reconcile(context.Background())

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	h.ex.mu.Lock()
	h.ex.marketGate, h.ex.marketStarted = gate, started
	h.ex.mu.Unlock()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	now := h.clk.Advance(closeTimeout)
	tickDone := make(chan struct{})
	go func() {
		h.m.OnTick(loopCtx, now)
		close(tickDone)
	}()
	<-started

	// порядок остановки как в runner: приём закрыт, цикл погашен
	h.m.StopPlacing()
	stopLoop()
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- h.m.Shutdown(context.Background()) }()

	select {
	case err := <-shutdownDone:
		t.Fatalf("Shutdown returned before close finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)

	if err := <-shutdownDone; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	<-tickDone
	if h.rec.count(models.EventPositionClosed) != 1 || h.m.Ledger() != 0 {
		t.Fatal("close started before stop must complete")
	}
	if len(h.ex.marketCalls()) != 1 {
		t.Fatalf("market calls = %d", len(h.ex.marketCalls()))
	}
}

func TestCancelNotRepeatedAfterStatusFailure(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)
	id := orders[0].ID

	h.ex.setStatus(id, models.OrderStatus{State: models.OrderPending, FilledSize: 0.4})
	h.ex.mu.Lock()
	h.ex.statusErr = errors.New("connection reset")
	h.ex.mu.Unlock()

	h.tick(orderTimeout)
	if h.ex.cancelCount(id) != 1 {
		t.Fatalf("cancels = %d", h.ex.cancelCount(id))
	}
	if h.rec.count(models.EventOrderCanceled) != 0 || !h.m.Holds("BTC") {
		t.Fatal("order must stay tracked until its fills are known")
	}

	h.ex.mu.Lock()
	h.ex.statusErr = nil
	h.ex.mu.Unlock()
	h.tick(10 * time.Second)

	if h.ex.cancelCount(id) != 1 {
		t.Fatal("accepted cancel must not be sent again")
	}
	if h.rec.count(models.EventOrderCanceled) != 1 {
		t.Fatal("expected one cancel event")
	}
	ev, ok := h.rec.last(models.EventPositionOpened)
	if !ok || ev.Size != 0.4 {
		t.Fatalf("position event = %+v", ev)
	}
}

func TestNoSweepAfterStopPlacing(t *testing.T) {
	h := newHarness(t, 1, PolicyBestEffort)
	trig, reqs := ladder("BTC", 1)
	orders, _ := h.m.PlaceLadder(context.Background(), trig, reqs)

	h.m.StopPlacing()
	h.tick(orderTimeout)
	h.m.Reconcile(context.Background())

	if h.ex.cancelCount(orders[0].ID) != 0 {
		t.Fatal("sweep ran after stop")
	}
	h.ex.mu.Lock()
	polls := h.ex.statusCalls
	h.ex.mu.Unlock()
	if polls != 0 {
		t.Fatalf("status polls after stop = %d", polls)
	}
	if _, err := h.m.PlaceLadder(context.Background(), trig, reqs); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}

	if err := h.m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.ex.cancelCount(orders[0].ID) != 1 {
		t.Fatal("Shutdown must still cancel pending orders")
	}
}
