package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDir         = "configs/"
	defaultConfigFile = "values_local.yaml"
)

const (
	ModeVolOnly     = "vol_only"
	ModePriceOnly   = "price_only"
	ModeVolAndPrice = "vol_and_price"
	ModeVolOrPrice  = "vol_or_price"

	PolicyBestEffort   = "best_effort"
	PolicyAllOrNothing = "all_or_nothing"

	PrecisionObserved = "observed"
	PrecisionDeclared = "declared"
)

type MonitorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Symbols     []string      `yaml:"symbols"` // пусто = все
	StatusEvery int           `yaml:"status_every"`
	DryRun      bool          `yaml:"dry_run"`
}

type DetectorConfig struct {
	WindowSize      int     `yaml:"window_size"`
	WarmupSamples   int     `yaml:"warmup_samples"`
	VolumeThreshold float64 `yaml:"volume_z_threshold"`
	PriceThreshold  float64 `yaml:"price_z_threshold"`
	Mode            string  `yaml:"mode"`
}

type LadderConfig struct {
	Multipliers     []float64 `yaml:"price_multipliers"`
	AmountsUSDC     []float64 `yaml:"order_amounts_usdc"`
	Policy          string    `yaml:"policy"`
	PricePrecision  string    `yaml:"price_precision"`
	MinNotionalUSDC float64   `yaml:"min_order_notional_usdc"`
}

type LifecycleConfig struct {
	OrderTimeout         time.Duration `yaml:"order_timeout"`
	PositionCloseTimeout time.Duration `yaml:"position_close_timeout"`
	MaxConcurrent        int           `yaml:"max_concurrent_orders"`
	CancelOnShutdown     bool          `yaml:"cancel_on_shutdown"`
	PollFills            bool          `yaml:"poll_fills"`
}

type ExchangeConfig struct {
	APIURL          string        `yaml:"api_url"`
	WSURL           string        `yaml:"ws_url"`
	PrivateKey      string        `yaml:"private_key"`
	WalletAddress   string        `yaml:"wallet_address"`
	Testnet         bool          `yaml:"testnet"`
	Slippage        float64       `yaml:"market_slippage"`
	FillStream      bool          `yaml:"fill_stream"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type NotifyConfig struct {
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	Telegram          struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	QueueSize int `yaml:"queue_size"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
}

type TracingConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config ...
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Detector  DetectorConfig  `yaml:"detector"`
	Ladder    LadderConfig    `yaml:"ladder"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Notify    NotifyConfig    `yaml:"notify"`
	Tracing   TracingConfig   `yaml:"tracing"`

	DB           string `yaml:"db_dsn"`
	SnapshotPath string `yaml:"snapshot_path"`
}

func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:     "anomaly_bot",
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		Monitor: MonitorConfig{
			Interval:    10 * time.Second,
			CallTimeout: 8 * time.Second,
			StatusEvery: 10,
		},
		Detector: DetectorConfig{
			WindowSize:      60,
			WarmupSamples:   10,
			VolumeThreshold: 3.0,
			PriceThreshold:  3.0,
			Mode:            ModeVolOnly,
		},
		Ladder: LadderConfig{
			Multipliers:     []float64{3.0},
			AmountsUSDC:     []float64{100},
			Policy:          PolicyBestEffort,
			PricePrecision:  PrecisionObserved,
			MinNotionalUSDC: 10,
		},
		Lifecycle: LifecycleConfig{
			OrderTimeout:         600 * time.Second,
			PositionCloseTimeout: 1800 * time.Second,
			MaxConcurrent:        1,
			CancelOnShutdown:     true,
			PollFills:            true,
		},
		Exchange: ExchangeConfig{
			APIURL:          "https://api.hyperliquid.xyz",
			WSURL:           "wss://api.hyperliquid.xyz/ws",
			Slippage:        0.01,
			FillStream:      true,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Notify: NotifyConfig{QueueSize: 256},
	}
}

// NewConfig собирает конфиг: .env -> configs/$CONFIG_FILE -> переменные окружения.
func NewConfig() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	name := os.Getenv(configFilePathENV)
	if name == "" {
		name = defaultConfigFile
	}
	return Load(configDir + name)
}

// Load читает YAML (если файл есть), накладывает env и валидирует.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case err == nil:
			defer func() {
				_ = file.Close()
			}()
			if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
				return nil, errors.Wrapf(err, "decode config file %s", path)
			}
		case os.IsNotExist(err):
			// только дефолты и env
		default:
			return nil, errors.Wrapf(err, "open config file %s", path)
		}
	}

	if err := applyEnv(&cfg, viper.New()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, v *viper.Viper) error {
	v.AutomaticEnv()

	var errs error
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}
	integer := func(key string, dst *int) {
		if !v.IsSet(key) {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "env %s", key))
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		if !v.IsSet(key) {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "env %s", key))
			return
		}
		*dst = f
	}
	boolean := func(key string, dst *bool) {
		if !v.IsSet(key) {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "env %s", key))
			return
		}
		*dst = b
	}
	duration := func(key string, dst *time.Duration) {
		if !v.IsSet(key) {
			return
		}
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "env %s", key))
			return
		}
		*dst = d
	}
	floats := func(key string, dst *[]float64) {
		if !v.IsSet(key) {
			return
		}
		list, err := ParseFloatList(v.GetString(key))
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "env %s", key))
			return
		}
		*dst = list
	}

	str("SERVICE_NAME", &cfg.Service.Name)
	str("HTTP_ADDR", &cfg.Service.HTTPAddr)
	str("LOG_LEVEL", &cfg.Service.LogLevel)

	duration("MONITORING_INTERVAL", &cfg.Monitor.Interval)
	duration("CALL_TIMEOUT", &cfg.Monitor.CallTimeout)
	integer("STATUS_EVERY", &cfg.Monitor.StatusEvery)
	boolean("DRY_RUN", &cfg.Monitor.DryRun)
	if v.IsSet("SYMBOLS") {
		cfg.Monitor.Symbols = ParseSymbols(v.GetString("SYMBOLS"))
	}

	integer("DETECTOR_WINDOW_SIZE", &cfg.Detector.WindowSize)
	integer("WARMUP_SAMPLES", &cfg.Detector.WarmupSamples)
	float("VOLUME_Z_THRESHOLD", &cfg.Detector.VolumeThreshold)
	float("PRICE_Z_THRESHOLD", &cfg.Detector.PriceThreshold)
	str("DETECTION_MODE", &cfg.Detector.Mode)

	floats("PRICE_MULTIPLIERS", &cfg.Ladder.Multipliers)
	floats("ORDER_AMOUNTS_USDC", &cfg.Ladder.AmountsUSDC)
	str("LADDER_POLICY", &cfg.Ladder.Policy)
	str("PRICE_PRECISION", &cfg.Ladder.PricePrecision)
	float("MIN_ORDER_NOTIONAL_USDC", &cfg.Ladder.MinNotionalUSDC)

	duration("ORDER_TIMEOUT", &cfg.Lifecycle.OrderTimeout)
	duration("POSITION_CLOSE_TIMEOUT", &cfg.Lifecycle.PositionCloseTimeout)
	integer("MAX_CONCURRENT_ORDERS", &cfg.Lifecycle.MaxConcurrent)
	boolean("CANCEL_ON_SHUTDOWN", &cfg.Lifecycle.CancelOnShutdown)
	boolean("POLL_FILLS", &cfg.Lifecycle.PollFills)

	str("HYPERLIQUID_API_URL", &cfg.Exchange.APIURL)
	str("HYPERLIQUID_WS_URL", &cfg.Exchange.WSURL)
	str("HYPERLIQUID_PRIVATE_KEY", &cfg.Exchange.PrivateKey)
	str("HYPERLIQUID_MAIN_WALLET_ADDRESS", &cfg.Exchange.WalletAddress)
	boolean("HYPERLIQUID_TESTNET", &cfg.Exchange.Testnet)
	float("MARKET_SLIPPAGE", &cfg.Exchange.Slippage)
	boolean("FILL_STREAM", &cfg.Exchange.FillStream)

	str("DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
	str("TELEGRAM_TOKEN", &cfg.Notify.Telegram.Token)
	if v.IsSet("TELEGRAM_CHAT_ID") {
		id, err := strconv.ParseInt(strings.TrimSpace(v.GetString("TELEGRAM_CHAT_ID")), 10, 64)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "env TELEGRAM_CHAT_ID"))
		} else {
			cfg.Notify.Telegram.ChatID = id
		}
	}

	str("DATABASE_DSN", &cfg.DB)
	str("SNAPSHOT_PATH", &cfg.SnapshotPath)

	str("JAEGER_HOST", &cfg.Tracing.Host)
	integer("JAEGER_PORT", &cfg.Tracing.Port)

	return errs
}

// Validate проверяет всё сразу и возвращает полный список нарушений.
func (c *Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, errors.Errorf(format, args...))
	}

	if c.Monitor.Interval <= 0 {
		fail("monitoring interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Monitor.CallTimeout <= 0 {
		fail("call timeout must be positive, got %s", c.Monitor.CallTimeout)
	}
	if c.Monitor.StatusEvery < 0 {
		fail("status_every must not be negative, got %d", c.Monitor.StatusEvery)
	}

	if c.Detector.WindowSize < 2 {
		fail("detector window size must be >= 2, got %d", c.Detector.WindowSize)
	}
	if c.Detector.WarmupSamples < 2 {
		fail("warmup samples must be >= 2, got %d", c.Detector.WarmupSamples)
	}
	if c.Detector.VolumeThreshold <= 0 {
		fail("volume z threshold must be positive, got %v", c.Detector.VolumeThreshold)
	}
	if c.Detector.PriceThreshold <= 0 {
		fail("price z threshold must be positive, got %v", c.Detector.PriceThreshold)
	}
	switch c.Detector.Mode {
	case ModeVolOnly, ModePriceOnly, ModeVolAndPrice, ModeVolOrPrice:
	default:
		fail("unknown detection mode %q", c.Detector.Mode)
	}

	if len(c.Ladder.Multipliers) == 0 {
		fail("price multipliers must not be empty")
	}
	if len(c.Ladder.Multipliers) != len(c.Ladder.AmountsUSDC) {
		fail("price multipliers (%d) and order amounts (%d) must have the same length",
			len(c.Ladder.Multipliers), len(c.Ladder.AmountsUSDC))
	}
	for i, m := range c.Ladder.Multipliers {
		if m <= 0 {
			fail("price multiplier #%d must be positive, got %v", i+1, m)
		}
		if m == 1.0 {
			fail("price multiplier #%d is 1.0, the order would sit at the baseline", i+1)
		}
	}
	for i, a := range c.Ladder.AmountsUSDC {
		if a <= 0 {
			fail("order amount #%d must be positive, got %v", i+1, a)
		}
	}
	switch c.Ladder.Policy {
	case PolicyBestEffort, PolicyAllOrNothing:
	default:
		fail("unknown ladder policy %q", c.Ladder.Policy)
	}
	switch c.Ladder.PricePrecision {
	case PrecisionObserved, PrecisionDeclared:
	default:
		fail("unknown price precision source %q", c.Ladder.PricePrecision)
	}
	if c.Ladder.MinNotionalUSDC < 0 {
		fail("min order notional must not be negative, got %v", c.Ladder.MinNotionalUSDC)
	}

	if c.Lifecycle.OrderTimeout <= 0 {
		fail("order timeout must be positive, got %s", c.Lifecycle.OrderTimeout)
	}
	if c.Lifecycle.PositionCloseTimeout <= 0 {
		fail("position close timeout must be positive, got %s", c.Lifecycle.PositionCloseTimeout)
	}
	if c.Lifecycle.MaxConcurrent < 1 {
		fail("max concurrent orders must be >= 1, got %d", c.Lifecycle.MaxConcurrent)
	}

	if c.Exchange.APIURL == "" {
		fail("exchange api url is required")
	}
	if c.Exchange.Slippage <= 0 || c.Exchange.Slippage >= 1 {
		fail("market slippage must be in (0,1), got %v", c.Exchange.Slippage)
	}
	if !c.Monitor.DryRun && c.Exchange.PrivateKey == "" {
		fail("HYPERLIQUID_PRIVATE_KEY is required unless DRY_RUN is set")
	}

	if errs != nil {
		return errors.Wrap(errs, "invalid config")
	}
	return nil
}

// ParseFloatList разбирает "1.5, 2,3" в []float64.
func ParseFloatList(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad number %q", p)
		}
		out = append(out, f)
	}
	return out, nil
}

func ParseSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseDuration понимает и "10s", и голые секунды "10".
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}
