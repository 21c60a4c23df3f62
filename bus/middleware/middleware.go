// Package middleware содержит промежуточные слои для функций загрузки
// запросов и функций мутаций: журналирование, метрики и трассировку
// OpenTelemetry.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/goccy/go-reflect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/query"
	"github.com/x-research-team/dtx-query/bus/retry"
)

const (
	instrumentationName    = "github.com/x-research-team/dtx-query/bus/middleware"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "cache."
)

const (
	statusSuccess   = "success"
	statusError     = "error"
	statusCancelled = "cancelled"
)

// Middleware — согласованная пара слоев для запросов и мутаций. Пустые поля
// не меняют функцию.
type Middleware struct {
	Query    query.Middleware
	Mutation command.Middleware
}

// Queries возвращает слои запросов из набора, пропуская пустые.
func Queries(mws ...Middleware) []query.Middleware {
	out := make([]query.Middleware, 0, len(mws))
	for _, mw := range mws {
		if mw.Query != nil {
			out = append(out, mw.Query)
		}
	}
	return out
}

// Mutations возвращает слои мутаций из набора, пропуская пустые.
func Mutations(mws ...Middleware) []command.Middleware {
	out := make([]command.Middleware, 0, len(mws))
	for _, mw := range mws {
		if mw.Mutation != nil {
			out = append(out, mw.Mutation)
		}
	}
	return out
}

func noop() Middleware {
	return Middleware{
		Query:    func(next query.QueryFunction) query.QueryFunction { return next },
		Mutation: func(next command.MutationFunction) command.MutationFunction { return next },
	}
}

// NewLogging журналирует начало каждой загрузки и мутации и их ошибки.
func NewLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		return noop()
	}
	return Middleware{
		Query: func(next query.QueryFunction) query.QueryFunction {
			name := functionName(next)
			return query.Wrap(next, func(ctx context.Context, fc query.FunctionContext) (data any, err error) {
				hash := query.HashKey(fc.QueryKey)
				logger.Debug("загрузка запроса", slog.String("query_hash", hash), slog.String("function", name))

				start := time.Now()
				defer func() {
					if err != nil && !retry.IsCancelled(err) {
						logger.Error("ошибка загрузки запроса",
							slog.String("query_hash", hash),
							slog.String("function", name),
							slog.Any("error", err),
							slog.Duration("duration", time.Since(start)),
						)
					}
				}()
				return next.Fetch(ctx, fc)
			})
		},
		Mutation: func(next command.MutationFunction) command.MutationFunction {
			name := functionName(next)
			return command.Wrap(next, func(ctx context.Context, fc command.FunctionContext) (data any, err error) {
				logger.Info("выполнение мутации", slog.Int64("mutation_id", fc.MutationID), slog.String("function", name))

				start := time.Now()
				defer func() {
					if err != nil && !retry.IsCancelled(err) {
						logger.Error("ошибка мутации",
							slog.Int64("mutation_id", fc.MutationID),
							slog.String("function", name),
							slog.Any("error", err),
							slog.Duration("duration", time.Since(start)),
						)
					}
				}()
				return next.Mutate(ctx, fc)
			})
		},
	}
}

// NewMetrics считает попытки загрузки и мутаций и их длительность.
func NewMetrics(provider metric.MeterProvider) Middleware {
	if provider == nil {
		return noop()
	}

	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion(instrumentationVersion))

	fetchCounter, err := meter.Int64Counter(
		metricKeyPrefix+"fetch.count",
		metric.WithDescription("Количество попыток загрузки запросов"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик fetch.count: %v", err))
	}
	fetchDuration, err := meter.Float64Histogram(
		metricKeyPrefix+"fetch.duration",
		metric.WithDescription("Длительность попытки загрузки запроса"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму fetch.duration: %v", err))
	}
	mutateCounter, err := meter.Int64Counter(
		metricKeyPrefix+"mutate.count",
		metric.WithDescription("Количество попыток выполнения мутаций"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик mutate.count: %v", err))
	}
	mutateDuration, err := meter.Float64Histogram(
		metricKeyPrefix+"mutate.duration",
		metric.WithDescription("Длительность попытки выполнения мутации"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму mutate.duration: %v", err))
	}

	return Middleware{
		Query: func(next query.QueryFunction) query.QueryFunction {
			return query.Wrap(next, func(ctx context.Context, fc query.FunctionContext) (any, error) {
				start := time.Now()
				data, err := next.Fetch(ctx, fc)
				attrs := metric.WithAttributes(
					attribute.String("query.scope", keyScope(fc.QueryKey)),
					attribute.String("status", status(err)),
				)
				fetchCounter.Add(ctx, 1, attrs)
				fetchDuration.Record(ctx, milliseconds(start), attrs)
				return data, err
			})
		},
		Mutation: func(next command.MutationFunction) command.MutationFunction {
			return command.Wrap(next, func(ctx context.Context, fc command.FunctionContext) (any, error) {
				start := time.Now()
				data, err := next.Mutate(ctx, fc)
				attrs := metric.WithAttributes(
					attribute.String("mutation.scope", keyScope(fc.MutationKey)),
					attribute.String("status", status(err)),
				)
				mutateCounter.Add(ctx, 1, attrs)
				mutateDuration.Record(ctx, milliseconds(start), attrs)
				return data, err
			})
		},
	}
}

// NewTracing открывает клиентский спан на каждую попытку и передает его
// контекст транспорту через FunctionContext.Headers. Входящие заголовки
// считаются родительским контекстом.
func NewTracing(tp trace.TracerProvider, p propagation.TextMapPropagator) Middleware {
	if tp == nil {
		return noop()
	}
	if p == nil {
		p = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	tracer := tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))

	return Middleware{
		Query: func(next query.QueryFunction) query.QueryFunction {
			return query.Wrap(next, func(ctx context.Context, fc query.FunctionContext) (data any, err error) {
				if len(fc.Headers) > 0 {
					ctx = p.Extract(ctx, propagation.MapCarrier(fc.Headers))
				}
				ctx, span := tracer.Start(ctx, keyScope(fc.QueryKey)+" fetch",
					trace.WithSpanKind(trace.SpanKindClient),
					trace.WithAttributes(attribute.String("query.hash", query.HashKey(fc.QueryKey))),
				)
				defer func() { endSpan(span, err) }()

				fc.Headers = inject(ctx, p, fc.Headers)
				return next.Fetch(ctx, fc)
			})
		},
		Mutation: func(next command.MutationFunction) command.MutationFunction {
			return command.Wrap(next, func(ctx context.Context, fc command.FunctionContext) (data any, err error) {
				if len(fc.Headers) > 0 {
					ctx = p.Extract(ctx, propagation.MapCarrier(fc.Headers))
				}
				ctx, span := tracer.Start(ctx, keyScope(fc.MutationKey)+" mutate",
					trace.WithSpanKind(trace.SpanKindClient),
					trace.WithAttributes(attribute.Int64("mutation.id", fc.MutationID)),
				)
				defer func() { endSpan(span, err) }()

				fc.Headers = inject(ctx, p, fc.Headers)
				return next.Mutate(ctx, fc)
			})
		},
	}
}

// inject копирует заголовки, чтобы не менять карту вызывающего.
func inject(ctx context.Context, p propagation.TextMapPropagator, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	p.Inject(ctx, propagation.MapCarrier(out))
	return out
}

func endSpan(span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case retry.IsCancelled(err):
		span.SetAttributes(attribute.Bool("cancelled", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func status(err error) string {
	switch {
	case err == nil:
		return statusSuccess
	case retry.IsCancelled(err):
		return statusCancelled
	default:
		return statusError
	}
}

func milliseconds(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// keyScope — первый элемент ключа. Полный ключ не используется в
// атрибутах метрик из-за кардинальности.
func keyScope(key query.QueryKey) string {
	if len(key) == 0 {
		return "unknown"
	}
	return fmt.Sprint(key[0])
}

// functionName извлекает имя функции или тип реализации.
func functionName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() == reflect.Func {
		if pc := v.Pointer(); pc != 0 {
			if f := runtime.FuncForPC(pc); f != nil {
				return f.Name()
			}
		}
	}
	if fn == nil {
		return "nil"
	}
	return reflect.TypeOf(fn).String()
}
