package runner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"anomaly_bot/internal/detector"
	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/ladder"
	"anomaly_bot/internal/lifecycle"
	"anomaly_bot/internal/metrics"
	"anomaly_bot/internal/models"
	"anomaly_bot/internal/modules/config"
	"anomaly_bot/internal/modules/health/service"
	"anomaly_bot/internal/notify"
	"anomaly_bot/pkg/clock"
)

// Source рынок и метаданные инструментов.
type Source interface {
	exchange.MarketDataSource
	exchange.MetadataSource
}

// Runner цикл мониторинга: данные рынка -> детектор -> лесенка -> жизненный цикл.
type Runner struct {
	cfg       config.MonitorConfig
	precision ladder.PrecisionSource
	pollFills bool

	src       Source
	store     *detector.Store
	decider   *detector.Decider
	builder   *ladder.Builder
	lm        *lifecycle.Manager
	n         lifecycle.Notifier
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	health    *service.State
	snapshots *detector.SnapshotStore

	allow map[string]bool

	mu          sync.Mutex
	instruments map[string]models.Instrument
	ticks       int64
	lastTick    time.Time
	lastErr     string
}

type Params struct {
	Cfg       *config.Config
	Source    Source
	Store     *detector.Store
	Decider   *detector.Decider
	Builder   *ladder.Builder
	Lifecycle *lifecycle.Manager
	Notifier  lifecycle.Notifier
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Health    *service.State
	Snapshots *detector.SnapshotStore
}

func New(p Params) *Runner {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	health := p.Health
	if health == nil {
		health = service.NewState()
	}

	allow := make(map[string]bool, len(p.Cfg.Monitor.Symbols))
	for _, s := range p.Cfg.Monitor.Symbols {
		allow[s] = true
	}

	return &Runner{
		cfg:         p.Cfg.Monitor,
		precision:   ladder.PrecisionSource(p.Cfg.Ladder.PricePrecision),
		pollFills:   p.Cfg.Lifecycle.PollFills,
		src:         p.Source,
		store:       p.Store,
		decider:     p.Decider,
		builder:     p.Builder,
		lm:          p.Lifecycle,
		n:           p.Notifier,
		clock:       p.Clock,
		log:         log.Named("runner"),
		metrics:     p.Metrics,
		health:      health,
		snapshots:   p.Snapshots,
		allow:       allow,
		instruments: make(map[string]models.Instrument),
	}
}

// Run крутит тики до отмены ctx или фатальной ошибки; фатальную ошибку возвращает.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("monitor loop started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Strings("symbols", r.cfg.Symbols),
		zap.String("mode", string(r.decider.Mode())),
		zap.Bool("dry_run", r.cfg.DryRun),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			r.log.Info("monitor loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick один проход цикла. Ошибку возвращает только фатальную.
func (r *Runner) Tick(ctx context.Context) (err error) {
	if ctx.Err() != nil {
		return nil
	}
	start := time.Now()
	now := r.clock.Now()

	span, ctx := opentracing.StartSpanFromContext(ctx, "monitor.tick")
	defer func() {
		if err != nil {
			ext.Error.Set(span, true)
		}
		span.Finish()
	}()

	r.mu.Lock()
	r.ticks++
	tick := r.ticks
	r.mu.Unlock()
	span.SetTag("tick", tick)

	data, fetchErr := r.fetch(ctx)
	if fetchErr != nil {
		if exchange.IsFatal(fetchErr) {
			return fetchErr
		}
		r.metrics.FetchError()
		r.setLastErr(fetchErr)
		r.log.Warn("market data fetch failed, skipping detection", zap.Error(fetchErr))
		r.notify(models.Event{
			Kind:   models.EventError,
			Reason: "market data unavailable",
			Err:    fetchErr.Error(),
			At:     now,
		})
	} else {
		triggers := r.detect(data, now)
		span.SetTag("triggers", len(triggers))
		if err := r.act(ctx, triggers); err != nil {
			return err
		}
	}

	if r.pollFills {
		r.lm.Reconcile(ctx)
	}
	// дедлайны отрабатывают даже на тике без данных рынка
	r.lm.OnTick(ctx, r.clock.Now())

	r.health.TouchTick(now, fetchErr == nil)
	if fetchErr == nil {
		r.health.SetReady(true)
	}
	r.metrics.Tick(time.Since(start))

	r.mu.Lock()
	r.lastTick = now
	r.mu.Unlock()

	if r.cfg.StatusEvery > 0 && (tick == 1 || tick%int64(r.cfg.StatusEvery) == 0) {
		r.notify(r.statusEvent(now))
		r.SaveSnapshot()
	}
	return nil
}

func (r *Runner) fetch(ctx context.Context) (map[string]models.MarketData, error) {
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	return r.src.FetchMarketData(callCtx, r.cfg.Symbols)
}

// detect кладёт свежие значения в окна и возвращает триггеры, сильнейшие первыми.
func (r *Runner) detect(data map[string]models.MarketData, now time.Time) []models.Trigger {
	symbols := make([]string, 0, len(data))
	for symbol := range data {
		if len(r.allow) > 0 && !r.allow[symbol] {
			continue
		}
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var triggers []models.Trigger
	for _, symbol := range symbols {
		md := data[symbol]
		if !validSample(md) {
			r.log.Debug("invalid market sample skipped",
				zap.String("symbol", symbol),
				zap.Float64("price", md.Price),
				zap.Float64("volume", md.Volume),
			)
			continue
		}
		ts := md.Timestamp
		if ts.IsZero() {
			ts = now
		}
		r.store.Ingest(symbol, models.MetricPrice, md.Price, ts)
		r.store.Ingest(symbol, models.MetricVolume, md.Volume, ts)
		raw := md.PriceRaw
		if raw == "" {
			raw = strconv.FormatFloat(md.Price, 'f', -1, 64)
		}
		r.store.ObservePrice(symbol, raw)

		if trig, ok := r.decider.Evaluate(symbol); ok {
			triggers = append(triggers, trig)
		}
	}

	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].Strength() > triggers[j].Strength()
	})
	return triggers
}

func validSample(md models.MarketData) bool {
	if md.Price <= 0 || math.IsNaN(md.Price) || math.IsInf(md.Price, 0) {
		return false
	}
	return md.Volume >= 0 && !math.IsNaN(md.Volume) && !math.IsInf(md.Volume, 0)
}

// act сообщает об аномалиях и выставляет лесенки в пределах свободных слотов ledger.
func (r *Runner) act(ctx context.Context, triggers []models.Trigger) error {
	if len(triggers) == 0 {
		return nil
	}

	type job struct {
		trig models.Trigger
		reqs []models.OrderRequest
	}
	var jobs []job

	free := r.lm.MaxConcurrent() - r.lm.Ledger()
	for _, trig := range triggers {
		r.metrics.Anomaly(string(r.decider.Mode()))
		r.log.Info("anomaly detected",
			zap.String("symbol", trig.Symbol),
			zap.String("kind", trig.Kind()),
			zap.Float64("baseline", trig.Baseline),
			zap.Float64("price", trig.Price),
			zap.Float64("volume", trig.Volume),
		)
		r.notify(anomalyEvent(trig))

		if r.cfg.DryRun {
			continue
		}
		if free <= 0 {
			r.metrics.Rejected("capacity")
			r.log.Info("ladder skipped: max concurrent symbols reached",
				zap.String("symbol", trig.Symbol),
				zap.Int("max_concurrent", r.lm.MaxConcurrent()),
			)
			continue
		}

		reqs, err := r.ladderFor(ctx, trig)
		if err != nil {
			if exchange.IsFatal(err) {
				return err
			}
			continue
		}
		free--
		jobs = append(jobs, job{trig: trig, reqs: reqs})
	}

	if r.cfg.DryRun {
		return nil
	}

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	p := pool.New().WithMaxGoroutines(len(jobs) + 1)
	for _, j := range jobs {
		p.Go(func() {
			orders, err := r.lm.PlaceLadder(ctx, j.trig, j.reqs)
			switch {
			case err == nil:
			case errors.Is(err, lifecycle.ErrSymbolBusy), errors.Is(err, lifecycle.ErrCapacity), errors.Is(err, lifecycle.ErrShuttingDown):
				r.log.Info("ladder not placed",
					zap.String("symbol", j.trig.Symbol),
					zap.Error(err),
				)
			default:
				r.log.Warn("ladder placed partially",
					zap.String("symbol", j.trig.Symbol),
					zap.Int("placed", len(orders)),
					zap.Int("legs", len(j.reqs)),
					zap.Error(err),
				)
				if exchange.IsFatal(err) {
					fatalMu.Lock()
					fatal = err
					fatalMu.Unlock()
				}
			}
		})
	}
	p.Wait()
	return fatal
}

// ladderFor считает ступени; отклонённые при расчёте ступени уходят в лог и нотификацию.
func (r *Runner) ladderFor(ctx context.Context, trig models.Trigger) ([]models.OrderRequest, error) {
	inst, err := r.instrument(ctx, trig.Symbol)
	if err != nil {
		r.log.Warn("instrument metadata unavailable",
			zap.String("symbol", trig.Symbol),
			zap.Error(err),
		)
		r.notify(models.Event{
			Kind:   models.EventError,
			Symbol: trig.Symbol,
			Reason: "instrument metadata unavailable",
			Err:    err.Error(),
			At:     trig.At,
		})
		return nil, err
	}

	prec := ladder.ResolvePrecision(r.precision, r.store.Precision(trig.Symbol), inst)
	reqs, err := r.builder.Build(trig, prec)
	for _, legErr := range multierr.Errors(err) {
		r.metrics.Rejected("build")
		r.log.Warn("ladder leg rejected",
			zap.String("symbol", trig.Symbol),
			zap.Int("price_decimals", prec.PriceDecimals),
			zap.Int("size_decimals", prec.SizeDecimals),
			zap.Error(legErr),
		)
	}
	if err != nil {
		r.notify(models.Event{
			Kind:     models.EventError,
			Symbol:   trig.Symbol,
			Baseline: trig.Baseline,
			Reason:   fmt.Sprintf("%d of %d legs rejected", len(multierr.Errors(err)), len(r.builder.Legs())),
			Err:      err.Error(),
			At:       trig.At,
		})
	}
	if len(reqs) == 0 {
		if err == nil {
			err = lifecycle.ErrEmptyLadder
		}
		return nil, err
	}
	return reqs, nil
}

// instrument метаданные из кэша; запрос к бирже только при первом триггере символа.
func (r *Runner) instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	r.mu.Lock()
	inst, ok := r.instruments[symbol]
	r.mu.Unlock()
	if ok {
		return inst, nil
	}

	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	inst, err := r.src.InstrumentMetadata(callCtx, symbol)
	if err != nil {
		return models.Instrument{}, err
	}
	r.store.SetSizeDecimals(symbol, inst.SizeDecimals)

	r.mu.Lock()
	r.instruments[symbol] = inst
	r.mu.Unlock()
	return inst, nil
}

func anomalyEvent(trig models.Trigger) models.Event {
	ev := models.Event{
		Kind:     models.EventAnomalyDetected,
		Symbol:   trig.Symbol,
		Price:    trig.Price,
		Baseline: trig.Baseline,
		Reason:   trig.Kind(),
		At:       trig.At,
	}
	if trig.HasZPrice {
		z := trig.ZPrice
		ev.ZPrice = &z
	}
	if trig.HasZVol {
		z := trig.ZVolume
		ev.ZVolume = &z
	}
	return ev
}

func (r *Runner) notify(ev models.Event) {
	if r.n == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = r.clock.Now()
	}
	r.n.Notify(ev)
}

func (r *Runner) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Runner) setLastErr(err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}

// Fatal останавливает торговлю: последняя нотификация и снимок окон.
func (r *Runner) Fatal(err error) {
	r.log.Error("fatal error, stopping monitor loop", zap.Error(err))
	r.setLastErr(err)
	r.health.SetReady(false)
	r.notify(models.Event{
		Kind:   models.EventError,
		Reason: "fatal, bot is stopping",
		Err:    err.Error(),
	})
}

// Restore поднимает окна из pebble, если хранилище настроено.
func (r *Runner) Restore() {
	if r.snapshots == nil {
		return
	}
	snaps, err := r.snapshots.Load()
	if err != nil {
		r.log.Warn("window snapshots not loaded", zap.Error(err))
		return
	}
	r.store.Restore(snaps)
	warm, total := r.store.Warm()
	r.log.Info("window snapshots restored", zap.Int("symbols", total), zap.Int("warm", warm))
}

func (r *Runner) SaveSnapshot() {
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.Save(r.store.Snapshot()); err != nil {
		r.log.Warn("window snapshots not saved", zap.Error(err))
	}
}

// Status снимок для /status.
type Status struct {
	Ticks     int64              `json:"ticks"`
	LastTick  time.Time          `json:"last_tick"`
	LastError string             `json:"last_error,omitempty"`
	Mode      string             `json:"mode"`
	DryRun    bool               `json:"dry_run"`
	Tracked   int                `json:"tracked_symbols"`
	Warm      int                `json:"warm_symbols"`
	Lifecycle lifecycle.Snapshot `json:"lifecycle"`
}

func (r *Runner) Status() any {
	return r.status()
}

func (r *Runner) status() Status {
	warm, total := r.store.Warm()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Ticks:     r.ticks,
		LastTick:  r.lastTick,
		LastError: r.lastErr,
		Mode:      string(r.decider.Mode()),
		DryRun:    r.cfg.DryRun,
		Tracked:   total,
		Warm:      warm,
		Lifecycle: r.lm.Snapshot(),
	}
}

func (r *Runner) statusEvent(now time.Time) models.Event {
	st := r.status()
	pending := 0
	for _, o := range st.Lifecycle.Orders {
		if o.State == models.OrderPending {
			pending++
		}
	}
	open := 0
	for _, p := range st.Lifecycle.Positions {
		if p.State == models.PositionOpen {
			open++
		}
	}

	fields := map[string]string{
		"tracked": strconv.Itoa(st.Tracked),
		"warm":    strconv.Itoa(st.Warm),
		"ledger":  fmt.Sprintf("%d/%d", st.Lifecycle.Ledger, st.Lifecycle.MaxConcurrent),
		"pending": strconv.Itoa(pending),
		"open":    strconv.Itoa(open),
		"mode":    st.Mode,
		"ticks":   strconv.FormatInt(st.Ticks, 10),
	}
	if st.DryRun {
		fields["dry_run"] = "true"
	}
	return models.Event{Kind: models.EventStatus, Fields: fields, At: now}
}

// StatusText ответ на /status в Telegram.
func (r *Runner) StatusText() string {
	return notify.Text(r.statusEvent(r.clock.Now()))
}
