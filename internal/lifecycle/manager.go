package lifecycle

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/metrics"
	"anomaly_bot/internal/models"
	"anomaly_bot/pkg/clock"
)

type Policy string

const (
	PolicyBestEffort   Policy = "best_effort"
	PolicyAllOrNothing Policy = "all_or_nothing"
)

var (
	ErrSymbolBusy   = errors.New("symbol already has an active order/position cycle")
	ErrCapacity     = errors.New("max concurrent symbols reached")
	ErrShuttingDown = errors.New("lifecycle manager is shutting down")
	ErrEmptyLadder  = errors.New("empty ladder")
)

// остаток позиции меньше этого считаем нулём
const sizeEpsilon = 1e-12

type Config struct {
	OrderTimeout         time.Duration
	PositionCloseTimeout time.Duration
	MaxConcurrent        int
	Policy               Policy
	CallTimeout          time.Duration
	CancelOnShutdown     bool
	Parallelism          int
}

// Notifier получатель событий, доставка fire-and-forget.
type Notifier interface {
	Notify(ev models.Event)
}

type trackedOrder struct {
	models.Order
	inFlight bool
	// отмена принята биржей, осталось узнать, сколько успело исполниться
	cancelSent bool

	seenFills      map[string]bool
	streamFilled   float64
	streamNotional float64
	polledFilled   float64
	polledAvg      float64
}

// observePoll под m.mu: накопленный итог биржи заменяет прежний, а не прибавляется.
func (o *trackedOrder) observePoll(filled, avg float64) {
	if filled > o.polledFilled {
		o.polledFilled = filled
		if avg > 0 {
			o.polledAvg = avg
		}
	}
	o.refresh()
}

// observeFill под m.mu; false для уже учтённой сделки.
func (o *trackedOrder) observeFill(f models.Fill) bool {
	if f.ID != "" {
		if o.seenFills[f.ID] {
			return false
		}
		if o.seenFills == nil {
			o.seenFills = make(map[string]bool)
		}
		o.seenFills[f.ID] = true
	}
	o.streamFilled += f.Size
	o.streamNotional += f.Price * f.Size
	o.refresh()
	return true
}

// refresh: поток и опрос видят одни и те же сделки, исполнено = больший из итогов.
func (o *trackedOrder) refresh() {
	switch {
	case o.polledFilled > 0 && o.polledFilled >= o.streamFilled:
		o.FilledSize = o.polledFilled
		switch {
		case o.polledAvg > 0:
			o.AvgPrice = o.polledAvg
		case o.streamFilled > 0:
			o.AvgPrice = o.streamNotional / o.streamFilled
		}
	case o.streamFilled > 0:
		o.FilledSize = o.streamFilled
		o.AvgPrice = o.streamNotional / o.streamFilled
	}
}

type trackedPosition struct {
	models.Position
	inFlight bool
}

// book ордера и позиции одного символа. Пока book есть в map, символ
// занимает слот в ledger.
type book struct {
	orders    []*trackedOrder
	positions []*trackedPosition
	holds     int // размещения в полёте
}

func (b *book) idle() bool {
	return b.holds == 0 && len(b.orders) == 0 && len(b.positions) == 0
}

// Snapshot состояние менеджера для статуса и /status.
type Snapshot struct {
	Ledger        int               `json:"ledger"`
	MaxConcurrent int               `json:"max_concurrent"`
	Symbols       []string          `json:"symbols"`
	Orders        []models.Order    `json:"orders"`
	Positions     []models.Position `json:"positions"`
	NextDeadline  time.Time         `json:"next_deadline"`
	Closing       bool              `json:"closing"`
}

type Manager struct {
	mu sync.Mutex

	cfg     Config
	ex      exchange.Trader
	n       Notifier
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	books   map[string]*book
	byID    map[string]*trackedOrder
	sched   scheduler
	seq     uint64
	closing bool

	wg sync.WaitGroup
}

func NewManager(cfg Config, ex exchange.Trader, n Notifier, clk clock.Clock, log *zap.Logger, mtr *metrics.Metrics) *Manager {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBestEffort
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	mtr.Ledger(0, cfg.MaxConcurrent)
	return &Manager{
		cfg:     cfg,
		ex:      ex,
		n:       n,
		log:     log.Named("lifecycle"),
		clock:   clk,
		metrics: mtr,
		books:   make(map[string]*book),
		byID:    make(map[string]*trackedOrder),
	}
}

// Holds true, если символ учтён в ledger.
func (m *Manager) Holds(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.books[symbol]
	return ok
}

func (m *Manager) Ledger() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.books)
}

func (m *Manager) MaxConcurrent() int { return m.cfg.MaxConcurrent }

// PlaceLadder размещает все ступени одного триггера. Символ резервируется
// атомарно до первого запроса к бирже: занятый символ или полный ledger
// отклоняют триггер целиком.
func (m *Manager) PlaceLadder(ctx context.Context, trig models.Trigger, reqs []models.OrderRequest) ([]models.Order, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyLadder
	}
	symbol := trig.Symbol

	m.mu.Lock()
	switch {
	case m.closing:
		m.mu.Unlock()
		return nil, ErrShuttingDown
	case m.books[symbol] != nil:
		m.mu.Unlock()
		m.metrics.Rejected("busy")
		return nil, ErrSymbolBusy
	case len(m.books) >= m.cfg.MaxConcurrent:
		m.mu.Unlock()
		m.metrics.Rejected("capacity")
		return nil, ErrCapacity
	}
	b := &book{holds: 1}
	m.books[symbol] = b
	m.metrics.Ledger(len(m.books), m.cfg.MaxConcurrent)
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	var (
		out    []models.Order
		placed []*trackedOrder
		errs   error
	)
	for _, req := range reqs {
		req.Symbol = symbol
		o, tracked, err := m.place(ctx, req)
		if err != nil {
			errs = multierr.Append(errs, err)
			if m.cfg.Policy == PolicyAllOrNothing {
				m.rollback(ctx, placed)
				out = nil
				break
			}
			if errors.Is(err, ErrShuttingDown) || exchange.IsFatal(err) {
				break
			}
			continue
		}
		out = append(out, o)
		placed = append(placed, tracked)
	}

	m.mu.Lock()
	b.holds--
	m.release(symbol, b)
	m.mu.Unlock()

	return out, errs
}

// Place выставляет один лимитный ордер и ставит дедлайн отмены placedAt+orderTimeout.
// Символ учитывается в ledger один раз, сколько бы ступеней на нём ни стояло.
func (m *Manager) Place(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	o, _, err := m.place(ctx, req)
	return o, err
}

func (m *Manager) place(ctx context.Context, req models.OrderRequest) (models.Order, *trackedOrder, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "lifecycle.place")
	defer span.Finish()
	span.SetTag("symbol", req.Symbol)
	span.SetTag("leg", req.Leg)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return models.Order{}, nil, ErrShuttingDown
	}
	b, ok := m.books[req.Symbol]
	if !ok {
		if len(m.books) >= m.cfg.MaxConcurrent {
			m.mu.Unlock()
			m.metrics.Rejected("capacity")
			return models.Order{}, nil, ErrCapacity
		}
		b = &book{}
		m.books[req.Symbol] = b
		m.metrics.Ledger(len(m.books), m.cfg.MaxConcurrent)
	}
	b.holds++
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	callCtx, cancel := m.callCtx(ctx)
	id, err := m.ex.PlaceLimitOrder(callCtx, req)
	cancel()
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	b.holds--

	o := &trackedOrder{Order: models.Order{
		ID:         id,
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		LimitPrice: req.Price,
		Size:       req.Size,
		Leg:        req.Leg,
		PlacedAt:   now,
	}}

	if err != nil {
		o.State = models.OrderFailed
		o.Err = err.Error()
		m.release(req.Symbol, b)

		ext.Error.Set(span, true)
		m.log.Warn("order rejected",
			zap.String("symbol", req.Symbol),
			zap.Int("leg", req.Leg),
			zap.String("side", string(req.Side)),
			zap.Float64("price", req.Price),
			zap.Float64("size", req.Size),
			zap.Error(err),
		)
		m.metrics.Order("failed")
		m.emit(models.Event{
			Kind:   models.EventError,
			Symbol: req.Symbol,
			Side:   req.Side,
			Price:  req.Price,
			Size:   req.Size,
			Reason: fmt.Sprintf("leg %d rejected", req.Leg),
			Err:    err.Error(),
			At:     now,
		})
		return o.Order, nil, errors.Wrapf(err, "place %s leg %d", req.Symbol, req.Leg)
	}

	o.State = models.OrderPending
	o.Deadline = now.Add(m.cfg.OrderTimeout)
	b.orders = append(b.orders, o)
	m.byID[id] = o
	m.schedule(actionCancel, o.Deadline, req.Symbol, o, nil)

	m.log.Info("order placed",
		zap.String("symbol", req.Symbol),
		zap.String("order_id", id),
		zap.Int("leg", req.Leg),
		zap.String("side", string(req.Side)),
		zap.Float64("price", req.Price),
		zap.Float64("size", req.Size),
		zap.Time("deadline", o.Deadline),
	)
	m.metrics.Order("placed")
	m.emit(models.Event{
		Kind:    models.EventOrderPlaced,
		Symbol:  req.Symbol,
		Side:    req.Side,
		OrderID: id,
		Price:   req.Price,
		Size:    req.Size,
		Reason:  fmt.Sprintf("leg %d x%.4g", req.Leg, req.Multiplier),
		At:      now,
	})
	return o.Order, o, nil
}

// rollback снимает уже выставленные ступени (политика all_or_nothing).
func (m *Manager) rollback(ctx context.Context, placed []*trackedOrder) {
	m.mu.Lock()
	var claimed []*trackedOrder
	for _, o := range placed {
		if m.claimOrder(o) {
			claimed = append(claimed, o)
		}
	}
	m.mu.Unlock()

	for _, o := range claimed {
		m.cancelOrder(ctx, o, "ladder rollback", false)
	}
}

// OnTick отменяет просроченные ордера и закрывает просроченные позиции.
// Символы обрабатываются параллельно, внутри символа — в порядке выставления.
func (m *Manager) OnTick(ctx context.Context, now time.Time) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "lifecycle.sweep")
	defer span.Finish()

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	due := m.sched.popDue(now)
	groups := make(map[string][]*entry)
	var symbols []string
	for _, e := range due {
		switch e.kind {
		case actionCancel:
			if e.order.State.Terminal() {
				continue
			}
			if !m.claimOrder(e.order) {
				// занят другим путём (fill poll, rollback), вернёмся на следующем тике
				m.sched.push(e)
				continue
			}
		case actionClose:
			if e.pos.State == models.PositionClosed {
				continue
			}
			if e.pos.inFlight {
				m.sched.push(e)
				continue
			}
			e.pos.inFlight = true
		}
		if _, ok := groups[e.symbol]; !ok {
			symbols = append(symbols, e.symbol)
		}
		groups[e.symbol] = append(groups[e.symbol], e)
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if len(symbols) == 0 {
		return
	}
	span.SetTag("actions", len(due))

	p := pool.New().WithMaxGoroutines(m.cfg.Parallelism)
	for _, symbol := range symbols {
		entries := groups[symbol]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
		p.Go(func() {
			for _, e := range entries {
				switch e.kind {
				case actionCancel:
					m.cancelOrder(ctx, e.order, "timeout", true)
				case actionClose:
					m.closePosition(ctx, e.pos, "timeout", true)
				}
			}
		})
	}
	p.Wait()
}

// Reconcile опрашивает биржу по ожидающим ордерам и ловит исполнения.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	var claimed []*trackedOrder
	for _, b := range m.books {
		for _, o := range b.orders {
			if m.claimOrder(o) {
				claimed = append(claimed, o)
			}
		}
	}
	if len(claimed) > 0 {
		m.wg.Add(1)
		defer m.wg.Done()
	}
	m.mu.Unlock()

	p := pool.New().WithMaxGoroutines(m.cfg.Parallelism)
	for _, o := range claimed {
		p.Go(func() {
			callCtx, cancel := m.callCtx(ctx)
			st, err := m.ex.OrderStatus(callCtx, o.Symbol, o.ID)
			cancel()
			switch {
			case err != nil:
				m.log.Debug("order status poll failed",
					zap.String("symbol", o.Symbol),
					zap.String("order_id", o.ID),
					zap.Error(err),
				)
				m.unclaimOrder(o, nil, false)
			case st.State == models.OrderFilled:
				m.finishOrder(o, models.OrderFilled, st.FilledSize, st.AvgPrice, "filled")
			case st.State == models.OrderCanceled:
				m.finishOrder(o, models.OrderCanceled, st.FilledSize, st.AvgPrice, "canceled externally")
			default:
				m.unclaimOrder(o, &st, false)
			}
		})
	}
	p.Wait()
}

// OnFill исполнение из потока биржи.
func (m *Manager) OnFill(fill models.Fill) {
	m.mu.Lock()
	o, ok := m.byID[fill.OrderID]
	if !ok || o.State.Terminal() {
		m.mu.Unlock()
		return
	}
	if fill.Size > 0 && !o.observeFill(fill) {
		m.mu.Unlock()
		return
	}
	full := o.FilledSize >= o.Size*(1-1e-9)
	claimed := full && m.claimOrder(o)
	filled, avg := o.FilledSize, o.AvgPrice
	m.mu.Unlock()

	if claimed {
		m.finishOrder(o, models.OrderFilled, filled, avg, "filled")
	}
}

// cancelOrder отменяет захваченный ордер. Ошибка отмены — не фатальна:
// итоговое состояние берётся из ответа биржи по статусу.
func (m *Manager) cancelOrder(ctx context.Context, o *trackedOrder, reason string, requeue bool) {
	m.mu.Lock()
	symbol, id, sent := o.Symbol, o.ID, o.cancelSent
	m.mu.Unlock()

	var err error
	if !sent {
		callCtx, cancel := m.callCtx(ctx)
		err = m.ex.CancelOrder(callCtx, symbol, id)
		cancel()
		if err == nil {
			m.mu.Lock()
			o.cancelSent = true
			m.mu.Unlock()
		}
	}
	if err == nil {
		// отмена могла застать частичное исполнение; без ответа по статусу
		// ордер остаётся в учёте до следующей попытки
		st, serr := m.status(ctx, symbol, id)
		if serr != nil {
			m.log.Warn("order canceled, fill status unavailable, will retry",
				zap.String("symbol", symbol),
				zap.String("order_id", id),
				zap.Error(serr),
			)
			m.unclaimOrder(o, nil, true)
			return
		}
		m.finishOrder(o, models.OrderCanceled, st.FilledSize, st.AvgPrice, reason)
		return
	}

	m.log.Info("cancel failed, resolving via order status",
		zap.String("symbol", symbol),
		zap.String("order_id", id),
		zap.Error(err),
	)
	st, serr := m.status(ctx, symbol, id)
	switch {
	case errors.Is(serr, exchange.ErrUnknownOrder):
		m.finishOrder(o, models.OrderCanceled, 0, 0, "unknown to exchange")
	case serr != nil:
		m.log.Warn("order status unavailable, will retry",
			zap.String("symbol", symbol),
			zap.String("order_id", id),
			zap.Error(serr),
		)
		m.unclaimOrder(o, nil, requeue)
	case st.State == models.OrderFilled:
		m.finishOrder(o, models.OrderFilled, st.FilledSize, st.AvgPrice, "filled before cancel")
	case st.State == models.OrderCanceled:
		m.finishOrder(o, models.OrderCanceled, st.FilledSize, st.AvgPrice, "canceled externally")
	default:
		m.emit(models.Event{
			Kind:    models.EventError,
			Symbol:  symbol,
			OrderID: id,
			Reason:  "cancel failed, order still resting",
			Err:     err.Error(),
			At:      m.clock.Now(),
		})
		m.unclaimOrder(o, &st, requeue)
	}
}

// closePosition закрывает позицию рыночным reduce-only ордером. При ошибке
// сверяется с фактическим размером позиции на бирже.
func (m *Manager) closePosition(ctx context.Context, p *trackedPosition, reason string, requeue bool) {
	m.mu.Lock()
	symbol, side, size := p.Symbol, p.Side, p.Size
	m.mu.Unlock()

	callCtx, cancel := m.callCtx(ctx)
	res, err := m.ex.PlaceMarketOrder(callCtx, symbol, side.Opposite(), size)
	cancel()
	if err == nil {
		switch {
		case res.Size >= size*(1-1e-9):
			m.finishPosition(p, res.AvgPrice, reason)
			return
		case res.Size > 0:
			// IOC закрыл часть: остаток остаётся открытым и закрывается на следующем тике
			rest := size - res.Size
			m.log.Warn("position closed partially",
				zap.String("symbol", symbol),
				zap.Float64("size", size),
				zap.Float64("filled", res.Size),
				zap.Float64("remaining", rest),
			)
			m.emit(models.Event{
				Kind:   models.EventError,
				Symbol: symbol,
				Side:   side,
				Price:  res.AvgPrice,
				Size:   rest,
				Reason: "position closed partially, will retry",
				At:     m.clock.Now(),
			})
			m.unclaimPosition(p, rest, requeue)
			return
		default:
			err = errors.New("market close reported no fill")
		}
	}

	m.log.Info("close failed, resolving via position size",
		zap.String("symbol", symbol),
		zap.Float64("size", size),
		zap.Error(err),
	)
	callCtx, cancel = m.callCtx(ctx)
	remaining, serr := m.ex.PositionSize(callCtx, symbol)
	cancel()
	switch {
	case serr != nil:
		m.log.Warn("position size unavailable, will retry",
			zap.String("symbol", symbol),
			zap.Error(serr),
		)
		m.unclaimPosition(p, 0, requeue)
	case math.Abs(remaining) < sizeEpsilon:
		m.finishPosition(p, 0, "closed externally")
	default:
		m.emit(models.Event{
			Kind:   models.EventError,
			Symbol: symbol,
			Side:   side,
			Size:   size,
			Reason: "position close failed, will retry",
			Err:    err.Error(),
			At:     m.clock.Now(),
		})
		m.unclaimPosition(p, math.Abs(remaining), requeue)
	}
}

func (m *Manager) status(ctx context.Context, symbol, id string) (models.OrderStatus, error) {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.ex.OrderStatus(callCtx, symbol, id)
}

func (m *Manager) finishOrder(o *trackedOrder, state models.OrderState, filled, avg float64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o.inFlight = false
	if o.State.Terminal() {
		return
	}
	now := m.clock.Now()
	o.State = state
	o.observePoll(filled, avg)
	if state == models.OrderFilled && o.FilledSize == 0 {
		o.FilledSize = o.Size
	}

	delete(m.byID, o.ID)
	b := m.books[o.Symbol]
	if b != nil {
		for i, cur := range b.orders {
			if cur == o {
				b.orders = append(b.orders[:i], b.orders[i+1:]...)
				break
			}
		}
	}

	fields := []zap.Field{
		zap.String("symbol", o.Symbol),
		zap.String("order_id", o.ID),
		zap.String("state", string(state)),
		zap.Float64("filled", o.FilledSize),
		zap.String("reason", reason),
	}
	switch state {
	case models.OrderFilled:
		m.log.Info("order filled", fields...)
		m.metrics.Order("filled")
		m.emit(models.Event{
			Kind:    models.EventOrderFilled,
			Symbol:  o.Symbol,
			Side:    o.Side,
			OrderID: o.ID,
			Price:   o.entryPrice(),
			Size:    o.FilledSize,
			Reason:  reason,
			At:      now,
		})
	default:
		m.log.Info("order canceled", fields...)
		m.metrics.Order("canceled")
		m.emit(models.Event{
			Kind:    models.EventOrderCanceled,
			Symbol:  o.Symbol,
			Side:    o.Side,
			OrderID: o.ID,
			Price:   o.LimitPrice,
			Size:    o.Size,
			Reason:  reason,
			At:      now,
		})
	}

	if b != nil && o.FilledSize > 0 {
		m.openPosition(b, o, now)
	}
	if b != nil {
		m.release(o.Symbol, b)
	}
}

func (o *trackedOrder) entryPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.LimitPrice
}

// openPosition под m.mu.
func (m *Manager) openPosition(b *book, o *trackedOrder, now time.Time) {
	p := &trackedPosition{Position: models.Position{
		Symbol:     o.Symbol,
		Side:       o.Side,
		EntryPrice: o.entryPrice(),
		Size:       o.FilledSize,
		OrderID:    o.ID,
		OpenedAt:   now,
		Deadline:   now.Add(m.cfg.PositionCloseTimeout),
		State:      models.PositionOpen,
	}}
	b.positions = append(b.positions, p)
	m.schedule(actionClose, p.Deadline, p.Symbol, nil, p)

	m.log.Info("position opened",
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("size", p.Size),
		zap.Time("deadline", p.Deadline),
	)
	m.metrics.Position("opened")
	m.emit(models.Event{
		Kind:    models.EventPositionOpened,
		Symbol:  p.Symbol,
		Side:    p.Side,
		OrderID: p.OrderID,
		Price:   p.EntryPrice,
		Size:    p.Size,
		At:      now,
	})
}

func (m *Manager) finishPosition(p *trackedPosition, exitPx float64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.inFlight = false
	if p.State == models.PositionClosed {
		return
	}
	now := m.clock.Now()
	p.State = models.PositionClosed
	p.ClosedAt = now
	p.ExitPrice = exitPx

	b := m.books[p.Symbol]
	if b != nil {
		for i, cur := range b.positions {
			if cur == p {
				b.positions = append(b.positions[:i], b.positions[i+1:]...)
				break
			}
		}
	}

	m.log.Info("position closed",
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.Float64("size", p.Size),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("exit", exitPx),
		zap.String("reason", reason),
	)
	m.metrics.Position("closed")
	m.emit(models.Event{
		Kind:    models.EventPositionClosed,
		Symbol:  p.Symbol,
		Side:    p.Side,
		OrderID: p.OrderID,
		Price:   exitPx,
		Size:    p.Size,
		Reason:  reason,
		At:      now,
	})

	if b != nil {
		m.release(p.Symbol, b)
	}
}

// claimOrder под m.mu: помечает ордер как обрабатываемый.
func (m *Manager) claimOrder(o *trackedOrder) bool {
	if o.State.Terminal() || o.inFlight {
		return false
	}
	o.inFlight = true
	return true
}

func (m *Manager) unclaimOrder(o *trackedOrder, st *models.OrderStatus, requeue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.inFlight = false
	if o.State.Terminal() {
		return
	}
	if st != nil {
		o.observePoll(st.FilledSize, st.AvgPrice)
	}
	if requeue {
		m.schedule(actionCancel, o.Deadline, o.Symbol, o, nil)
	}
}

func (m *Manager) unclaimPosition(p *trackedPosition, remaining float64, requeue bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.inFlight = false
	if p.State == models.PositionClosed {
		return
	}
	if remaining > 0 && remaining < p.Size {
		p.Size = remaining
	}
	if requeue {
		m.schedule(actionClose, p.Deadline, p.Symbol, nil, p)
	}
}

// schedule под m.mu.
func (m *Manager) schedule(kind action, at time.Time, symbol string, o *trackedOrder, p *trackedPosition) {
	m.seq++
	m.sched.push(&entry{at: at, seq: m.seq, kind: kind, symbol: symbol, order: o, pos: p})
}

// release под m.mu: освобождает слот, когда у символа не осталось ничего живого.
func (m *Manager) release(symbol string, b *book) {
	if !b.idle() || m.books[symbol] != b {
		return
	}
	delete(m.books, symbol)
	m.metrics.Ledger(len(m.books), m.cfg.MaxConcurrent)
	m.log.Debug("ledger slot released", zap.String("symbol", symbol), zap.Int("ledger", len(m.books)))
}

func (m *Manager) emit(ev models.Event) {
	if m.n != nil {
		m.n.Notify(ev)
	}
}

// callCtx запрос к бирже живёт CallTimeout и не обрывается остановкой цикла:
// начатые отмены и закрытия доводятся до ответа.
func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Ledger:        len(m.books),
		MaxConcurrent: m.cfg.MaxConcurrent,
		Closing:       m.closing,
	}
	for symbol, b := range m.books {
		s.Symbols = append(s.Symbols, symbol)
		for _, o := range b.orders {
			s.Orders = append(s.Orders, o.Order)
		}
		for _, p := range b.positions {
			s.Positions = append(s.Positions, p.Position)
		}
	}
	sort.Strings(s.Symbols)
	sort.Slice(s.Orders, func(i, j int) bool { return s.Orders[i].PlacedAt.Before(s.Orders[j].PlacedAt) })
	sort.Slice(s.Positions, func(i, j int) bool { return s.Positions[i].OpenedAt.Before(s.Positions[j].OpenedAt) })
	if at, ok := m.sched.next(); ok {
		s.NextDeadline = at
	}
	return s
}

// StopPlacing закрывает приём новых ордеров и свипов; Shutdown делает то же первым шагом.
func (m *Manager) StopPlacing() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
}

// Shutdown: новые ордера больше не принимаются, ждём операции в полёте,
// затем (если включено) снимаем все ожидающие ордера.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight lifecycle actions")
	}

	if !m.cfg.CancelOnShutdown {
		return nil
	}

	m.mu.Lock()
	var claimed []*trackedOrder
	for _, b := range m.books {
		for _, o := range b.orders {
			if m.claimOrder(o) {
				claimed = append(claimed, o)
			}
		}
	}
	m.mu.Unlock()

	for _, o := range claimed {
		m.cancelOrder(ctx, o, "shutdown", false)
	}
	return nil
}
