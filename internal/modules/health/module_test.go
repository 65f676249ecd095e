package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/metrics"
	"anomaly_bot/internal/modules/health/service"
	"anomaly_bot/pkg/clock"
)

type staticStatus struct{}

func (staticStatus) Status() any { return map[string]any{"ledger": 1} }

func newHandler(state *service.State) http.Handler {
	m := metrics.New()
	m.Anomaly("vol_only")
	return NewRouter(Deps{
		Cfg:     Config{StaleAfter: time.Minute},
		State:   state,
		Status:  staticStatus{},
		Metrics: m,
		Breaker: exchange.NewBreaker("test", 3, time.Second, clock.NewReal(), nil),
	})
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadiness(t *testing.T) {
	state := service.NewState()
	h := newHandler(state)

	if rec := get(h, "/livez"); rec.Code != http.StatusOK {
		t.Fatalf("livez = %d", rec.Code)
	}
	if rec := get(h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before first tick = %d", rec.Code)
	}

	state.SetReady(true)
	state.TouchTick(time.Now(), true)
	if rec := get(h, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestHealthzAndStatus(t *testing.T) {
	state := service.NewState()
	state.TouchTick(time.Now(), false)
	h := newHandler(state)

	rec := get(h, "/healthz")
	var body map[string]any
	if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("healthz body: %s", rec.Body)
	}
	if body["tickErrors"].(float64) != 1 || body["exchangeBreaker"] != "CLOSED" {
		t.Fatalf("healthz = %v", body)
	}

	rec = get(h, "/status")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ledger":1`) {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(newHandler(service.NewState()), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `anomaly_bot_anomalies_total{mode="vol_only"} 1`) {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body)
	}
}

func TestCORSHeaders(t *testing.T) {
	h := newHandler(service.NewState())
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("headers = %v", rec.Header())
	}
}
