package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"anomaly_bot/internal/models"
	"anomaly_bot/internal/modules/config"
	"anomaly_bot/pkg/clock"
)

const (
	snapshotFrame = `{"channel":"userFills","data":{"isSnapshot":true,"user":"0xabc","fills":[{"coin":"BTC","px":"1","sz":"1","side":"B","time":1,"oid":1}]}}`
	liveFrame     = `{"channel":"userFills","data":{"user":"0xabc","fills":[{"coin":"ARK","px":"0.5354","sz":"100","side":"B","time":1767225600000,"oid":77,"tid":901}]}}`
)

func TestDecodeFills(t *testing.T) {
	c := &Client{}
	if got := c.decodeFills([]byte(snapshotFrame)); len(got) != 0 {
		t.Fatalf("snapshot must be skipped, got %v", got)
	}
	if got := c.decodeFills([]byte(`{"channel":"pong"}`)); len(got) != 0 {
		t.Fatal("other channels must be ignored")
	}

	fills := c.decodeFills([]byte(liveFrame))
	if len(fills) != 1 {
		t.Fatalf("fills = %v", fills)
	}
	f := fills[0]
	if f.ID != "901" || f.OrderID != "77" || f.Symbol != "ARK" || f.Side != models.SideBuy || f.Price != 0.5354 || f.Size != 100 {
		t.Fatalf("fill = %+v", f)
	}
	if !f.At.Equal(time.UnixMilli(1767225600000)) {
		t.Fatalf("time = %s", f.At)
	}
}

func TestStreamFillsSubscribesAndDelivers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subs := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(snapshotFrame))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(liveFrame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Exchange.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Exchange.WalletAddress = "0xABC"
	c, err := NewClient(&cfg, zap.NewNop(), clock.NewReal())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan models.Fill, 4)
	done := make(chan struct{})
	go func() {
		c.StreamFills(ctx, func(f models.Fill) { got <- f })
		close(done)
	}()

	select {
	case sub := <-subs:
		s := sub["subscription"].(map[string]any)
		if sub["method"] != "subscribe" || s["type"] != "userFills" || s["user"] != "0xabc" {
			t.Fatalf("subscription = %v", sub)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription")
	}

	select {
	case f := <-got:
		if f.OrderID != "77" {
			t.Fatalf("fill = %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no fill delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
	if len(got) != 0 {
		t.Fatal("snapshot fills must not be delivered")
	}
}
