package client

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/device"
	"github.com/x-research-team/dtx-query/bus/notify"
	"github.com/x-research-team/dtx-query/bus/query"
)

// DefaultOptions — глобальные параметры запросов и мутаций.
type DefaultOptions struct {
	Queries   query.Options
	Mutations command.Options
}

// config содержит неэкспортируемую конфигурацию клиента.
type config struct {
	queryCache     *query.Cache
	mutationCache  *command.Cache
	defaults       DefaultOptions
	logger         *slog.Logger
	notifier       *notify.Manager
	focus          *device.FocusManager
	online         *device.OnlineManager
	server         bool
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator

	queryMiddlewares    []query.Middleware
	mutationMiddlewares []command.Middleware
}

// Option изменяет конфигурацию клиента.
type Option func(*config)

// WithQueryCache задает кеш запросов. Клиент настраивает его своими
// сервисами уведомлений, фокуса, сети и журналирования.
func WithQueryCache(c *query.Cache) Option {
	return func(cfg *config) {
		cfg.queryCache = c
	}
}

// WithMutationCache задает кеш мутаций.
func WithMutationCache(c *command.Cache) Option {
	return func(cfg *config) {
		cfg.mutationCache = c
	}
}

// WithDefaultOptions задает глобальные параметры запросов и мутаций.
func WithDefaultOptions(opts DefaultOptions) Option {
	return func(cfg *config) {
		cfg.defaults = opts
	}
}

// WithLogger задает логгер ошибок загрузок и мутаций.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithNotifyManager задает общий планировщик уведомлений обоих кешей.
func WithNotifyManager(m *notify.Manager) Option {
	return func(cfg *config) {
		cfg.notifier = m
	}
}

// WithFocusManager задает источник сигнала фокуса.
func WithFocusManager(m *device.FocusManager) Option {
	return func(cfg *config) {
		cfg.focus = m
	}
}

// WithOnlineManager задает источник сигнала сети.
func WithOnlineManager(m *device.OnlineManager) Option {
	return func(cfg *config) {
		cfg.online = m
	}
}

// WithServerMode отключает таймеры наблюдателей и сборку записей, как при
// выполнении на сервере.
func WithServerMode(server bool) Option {
	return func(cfg *config) {
		cfg.server = server
	}
}

// WithTracerProvider включает трассировку функций загрузки и мутаций.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = provider
	}
}

// WithMeterProvider включает метрики функций загрузки и мутаций.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(cfg *config) {
		cfg.meterProvider = provider
	}
}

// WithPropagator задает механизм передачи контекста трассировки.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(cfg *config) {
		cfg.propagator = propagator
	}
}

// WithQueryMiddleware добавляет промежуточные слои вокруг функций загрузки.
func WithQueryMiddleware(mw ...query.Middleware) Option {
	return func(cfg *config) {
		cfg.queryMiddlewares = append(cfg.queryMiddlewares, mw...)
	}
}

// WithMutationMiddleware добавляет промежуточные слои вокруг функций мутаций.
func WithMutationMiddleware(mw ...command.Middleware) Option {
	return func(cfg *config) {
		cfg.mutationMiddlewares = append(cfg.mutationMiddlewares, mw...)
	}
}
