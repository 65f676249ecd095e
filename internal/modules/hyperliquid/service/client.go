package service

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"anomaly_bot/internal/exchange"
	"anomaly_bot/internal/models"
	"anomaly_bot/internal/modules/config"
	"anomaly_bot/pkg/clock"
)

const (
	pathInfo     = "/info"
	pathExchange = "/exchange"

	// метаданные вселенной перечитываем не чаще этого
	metaTTL = 10 * time.Minute
)

// Client REST + WS клиент Hyperliquid perpetuals.
type Client struct {
	cfg     config.ExchangeConfig
	log     *zap.Logger
	clock   clock.Clock
	http    *http.Client
	ws      *websocket.Dialer
	breaker *exchange.Breaker

	signer *Signer // nil: ключа нет, доступно только чтение рынка
	user   string  // кошелёк со средствами, по нему info-запросы

	mu     sync.RWMutex
	assets map[string]models.Instrument
	metaAt time.Time

	nonceMu   sync.Mutex
	lastNonce uint64
}

func NewClient(cfg *config.Config, log *zap.Logger, clk clock.Clock) (*Client, error) {
	ex := cfg.Exchange
	c := &Client{
		cfg:     ex,
		log:     log.Named("hyperliquid"),
		clock:   clk,
		http:    &http.Client{Timeout: 10 * time.Second},
		ws:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		breaker: exchange.NewBreaker("hyperliquid", ex.BreakerFailures, ex.BreakerCooldown, clk, log),
		assets:  make(map[string]models.Instrument),
		user:    strings.ToLower(ex.WalletAddress),
	}
	if ex.PrivateKey != "" {
		s, err := NewSigner(ex.PrivateKey, !ex.Testnet)
		if err != nil {
			return nil, err
		}
		c.signer = s
		if c.user == "" {
			c.user = strings.ToLower(s.Address().Hex())
		}
	}
	c.log.Info("hyperliquid client ready",
		zap.String("api", ex.APIURL),
		zap.Bool("testnet", ex.Testnet),
		zap.Bool("trading", c.signer != nil),
		zap.String("user", c.user),
	)
	return c, nil
}

// Breaker нужен health-модулю.
func (c *Client) Breaker() *exchange.Breaker { return c.breaker }

// post шлёт JSON и декодирует ответ. Сетевые сбои и 5xx/429 считаются breaker'ом.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if !c.breaker.Allow() {
		return exchange.ErrUnavailable
	}

	payload, err := sonic.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "marshal %s body", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "new request %s", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		return errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.Failure()
		return errors.Wrapf(err, "read %s", path)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		c.breaker.Failure()
		return errors.Errorf("POST %s: http %d: %s", path, resp.StatusCode, string(data))
	}
	c.breaker.Success()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("POST %s: http %d: %s", path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode %s: %s", path, string(data))
	}
	return nil
}

func (c *Client) info(ctx context.Context, req map[string]any, out any) error {
	return c.post(ctx, pathInfo, req, out)
}

// nonce миллисекунды, строго возрастающие.
func (c *Client) nonce() uint64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := uint64(c.clock.Now().UnixMilli())
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// act подписывает и отправляет действие, возвращает разобранный ответ "ok".
func (c *Client) act(ctx context.Context, action any) (actionResponse, error) {
	if c.signer == nil {
		return actionResponse{}, errors.Wrap(exchange.ErrAuth, "no private key configured")
	}
	nonce := c.nonce()
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return actionResponse{}, errors.Wrap(exchange.ErrAuth, err.Error())
	}

	var resp exchangeResponse
	if err := c.post(ctx, pathExchange, exchangeRequest{
		Action:    action,
		Nonce:     nonce,
		Signature: sig,
	}, &resp); err != nil {
		return actionResponse{}, err
	}
	if resp.Status != "ok" {
		var msg string
		if err := sonic.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return actionResponse{}, classify(msg)
	}

	var out actionResponse
	if err := sonic.Unmarshal(resp.Response, &out); err != nil {
		return actionResponse{}, errors.Wrapf(err, "decode action response: %s", string(resp.Response))
	}
	return out, nil
}

// classify переводит текст ошибки биржи в ошибки пакета exchange.
func classify(msg string) error {
	low := strings.ToLower(msg)
	switch {
	case strings.Contains(low, "does not exist"),
		strings.Contains(low, "signature"):
		return errors.Wrap(exchange.ErrAuth, msg)
	case strings.Contains(low, "never placed, already canceled, or filled"):
		return errors.Wrap(exchange.ErrAlreadyClosed, msg)
	default:
		return exchange.Rejected(msg)
	}
}
