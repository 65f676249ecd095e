package tracing

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"anomaly_bot/pkg/logger"
)

type Config struct {
	ServiceName string
	Host        string
	Port        int
}

// Enabled трейсинг включается только с адресом агента.
func (c Config) Enabled() bool { return c.Host != "" }

// InitTracer поднимает jaeger-трейсер и делает его глобальным.
// Без хоста возвращает NoopTracer, спаны в коде остаются бесплатными.
func InitTracer(conf Config) (opentracing.Tracer, func(), error) {
	if !conf.Enabled() {
		tracer := opentracing.NoopTracer{}
		opentracing.SetGlobalTracer(tracer)
		return tracer, func() {}, nil
	}

	name := conf.ServiceName
	if name == "" {
		name = "default"
	}
	port := conf.Port
	if port == 0 {
		port = 6831
	}

	cfg := &jCfg.Configuration{
		ServiceName: name,
		Sampler: &jCfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, port),
		},
	}

	tracer, closer, err := cfg.NewTracer(
		jCfg.Metrics(metrics.NullFactory),
	)
	if err != nil {
		return nil, nil, err
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, func() {
		if err := closer.Close(); err != nil {
			logger.Error("error closing jaeger tracer: %v", err)
		}
	}, nil
}

// Module ставит глобальный трейсер на старте и сбрасывает спаны на остановке.
func Module() fx.Option {
	return fx.Module("tracing",
		fx.Invoke(func(lc fx.Lifecycle, conf Config, log *zap.Logger) error {
			_, closeFn, err := InitTracer(conf)
			if err != nil {
				return err
			}
			if conf.Enabled() {
				log.Info("jaeger tracing enabled", zap.String("host", conf.Host), zap.Int("port", conf.Port))
			}
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					closeFn()
					return nil
				},
			})
			return nil
		}),
	)
}
