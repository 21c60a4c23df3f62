package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/middleware"
	"github.com/x-research-team/dtx-query/bus/query"
	"github.com/x-research-team/dtx-query/bus/retry"
)

var errUnavailable = errors.New("сервис недоступен")

func fetchFn(err error) query.QueryFunc {
	return func(_ context.Context, fc query.FunctionContext) (any, error) {
		if err != nil {
			return nil, err
		}
		return fc.Headers, nil
	}
}

func mutateFn(err error) command.MutationFunc {
	return func(_ context.Context, fc command.FunctionContext) (any, error) {
		if err != nil {
			return nil, err
		}
		return fc.Headers, nil
	}
}

// Тест журналирования.
func TestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mw := middleware.NewLogging(logger)

	_, err := mw.Query(fetchFn(errUnavailable)).Fetch(context.Background(), query.FunctionContext{QueryKey: query.Key("todos")})
	require.ErrorIs(t, err, errUnavailable)
	_, err = mw.Mutation(mutateFn(nil)).Mutate(context.Background(), command.FunctionContext{MutationID: 7})
	require.NoError(t, err)
	_, err = mw.Query(fetchFn(&retry.CancelledError{})).Fetch(context.Background(), query.FunctionContext{QueryKey: query.Key("users")})
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "загрузка запроса")
	assert.Contains(t, out, "ошибка загрузки запроса")
	assert.Contains(t, out, `query_hash="[\"todos\"]"`)
	assert.Contains(t, out, "mutation_id=7")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("ошибка загрузки запроса")), "Отмена не журналируется как ошибка")
}

// Тест пустых провайдеров.
func TestNilProviders(t *testing.T) {
	t.Parallel()

	fn := query.Abortable(fetchFn(nil))
	for name, mw := range map[string]middleware.Middleware{
		"Журнал":      middleware.NewLogging(nil),
		"Метрики":     middleware.NewMetrics(nil),
		"Трассировка": middleware.NewTracing(nil, nil),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			wrapped := mw.Query(fn)
			_, ok := wrapped.(retry.Cancelable)
			assert.True(t, ok, "Отмена транспорта сохраняется")
			data, err := wrapped.Fetch(context.Background(), query.FunctionContext{})
			require.NoError(t, err)
			assert.Nil(t, data)
		})
	}
}

// Тест сохранения отмены транспорта.
func TestKeepsTransportCancel(t *testing.T) {
	t.Parallel()

	cancelled := false
	fn := query.WithCancel(fetchFn(nil), func() { cancelled = true })
	wrapped := middleware.NewLogging(slog.Default()).Query(fn)

	c, ok := wrapped.(retry.Cancelable)
	require.True(t, ok, "Обертка сохраняет поддержку отмены")
	c.Cancel()
	assert.True(t, cancelled)
}

// Тест метрик.
func TestMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mw := middleware.NewMetrics(provider)

	ctx := context.Background()
	key := query.FunctionContext{QueryKey: query.Key("todos", 1)}
	_, _ = mw.Query(fetchFn(nil)).Fetch(ctx, key)
	_, _ = mw.Query(fetchFn(nil)).Fetch(ctx, key)
	_, _ = mw.Query(fetchFn(errUnavailable)).Fetch(ctx, key)
	_, _ = mw.Mutation(mutateFn(nil)).Mutate(ctx, command.FunctionContext{MutationKey: query.Key("addTodo")})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	histograms := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					st, _ := dp.Attributes.Value("status")
					counts[m.Name+"/"+st.AsString()] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histograms[m.Name] += dp.Count
				}
			}
		}
	}

	assert.Equal(t, int64(2), counts["cache.fetch.count/success"])
	assert.Equal(t, int64(1), counts["cache.fetch.count/error"])
	assert.Equal(t, int64(1), counts["cache.mutate.count/success"])
	assert.Equal(t, uint64(3), histograms["cache.fetch.duration"])
	assert.Equal(t, uint64(1), histograms["cache.mutate.duration"])
}

// Тест трассировки.
func TestTracing(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	mw := middleware.NewTracing(tp, propagation.TraceContext{})

	ctx := context.Background()
	data, err := mw.Query(fetchFn(nil)).Fetch(ctx, query.FunctionContext{QueryKey: query.Key("todos")})
	require.NoError(t, err)
	headers, ok := data.(map[string]string)
	require.True(t, ok)
	assert.NotEmpty(t, headers["traceparent"], "Контекст трассировки передается транспорту")

	_, err = mw.Mutation(mutateFn(errUnavailable)).Mutate(ctx, command.FunctionContext{MutationKey: query.Key("addTodo")})
	require.ErrorIs(t, err, errUnavailable)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "todos fetch", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, "addTodo mutate", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Len(t, spans[1].Events, 1, "Ошибка записывается в спан")

	t.Run("Входящие заголовки задают родителя", func(t *testing.T) {
		_, err := mw.Query(fetchFn(nil)).Fetch(ctx, query.FunctionContext{QueryKey: query.Key("child"), Headers: headers})
		require.NoError(t, err)
		child := exporter.GetSpans()[2]
		assert.Equal(t, spans[0].SpanContext.TraceID(), child.Parent.TraceID())
		assert.Equal(t, spans[0].SpanContext.SpanID(), child.Parent.SpanID())
	})
}

// Тест разделения набора слоев.
func TestQueriesAndMutations(t *testing.T) {
	t.Parallel()

	mws := []middleware.Middleware{
		middleware.NewLogging(slog.Default()),
		{Query: func(next query.QueryFunction) query.QueryFunction { return next }},
	}
	assert.Len(t, middleware.Queries(mws...), 2)
	assert.Len(t, middleware.Mutations(mws...), 1)
}
