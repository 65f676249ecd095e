package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/metrics"
	"anomaly_bot/internal/modules/config"
	"anomaly_bot/internal/modules/health/service"
)

type Config struct {
	Addr string // например ":8080"
	// readiness падает, если успешного тика не было дольше
	StaleAfter time.Duration
}

func NewConfig(cfg *config.Config) Config {
	return Config{
		Addr:       cfg.Service.HTTPAddr,
		StaleAfter: 3 * cfg.Monitor.Interval,
	}
}

// StatusProvider снимок состояния бота для /status.
type StatusProvider interface {
	Status() any
}

type Deps struct {
	fx.In

	Cfg     Config
	State   *service.State
	Status  StatusProvider
	Metrics *metrics.Metrics
	Breaker *exchange.Breaker `optional:"true"`
}

func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		// liveness: процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		// readiness: был свежий тик с данными рынка
		if !d.State.Ready() || d.State.Stale(time.Now(), d.Cfg.StaleAfter) {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{
			"ready":      d.State.Ready(),
			"uptimeSec":  int64(d.State.Uptime().Seconds()),
			"ticks":      d.State.Ticks(),
			"tickErrors": d.State.TickErrors(),
			"lastTickUnix": func() int64 {
				t := d.State.LastTick()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
		}
		if d.Breaker != nil {
			resp["exchangeBreaker"] = d.Breaker.State().String()
		}
		writeJSON(w, resp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, d.Status.Status())
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func RunHTTP(lc fx.Lifecycle, cfg Config, h http.Handler, log *zap.Logger) {
	if cfg.Addr == "" {
		log.Info("http api disabled")
		return
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			log.Info("http api listening", zap.String("addr", ln.Addr().String()))
			go func() { _ = srv.Serve(ln) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			NewConfig,
			NewRouter,
		),
		fx.Invoke(RunHTTP),
	)
}
