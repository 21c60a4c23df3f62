package client_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/x-research-team/dtx-query/bus/client"
	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/device"
	"github.com/x-research-team/dtx-query/bus/notify"
	"github.com/x-research-team/dtx-query/bus/query"
	"github.com/x-research-team/dtx-query/bus/retry"
)

var errUnavailable = errors.New("сервис недоступен")

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

func newClient(opts ...client.Option) *client.QueryClient {
	base := []client.Option{
		client.WithNotifyManager(notify.New(notify.WithScheduler(notify.Immediate))),
	}
	return client.New(append(base, opts...)...)
}

func testCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

type todo struct {
	ID int `json:"id"`
}

func countingFn(calls *atomic.Int32, value any) query.QueryFunc {
	return func(context.Context, query.FunctionContext) (any, error) {
		calls.Add(1)
		return value, nil
	}
}

// Тест FetchQuery со StaleTime.
func TestFetchQuery_StaleTime(t *testing.T) {
	t.Parallel()

	c := newClient()
	var calls atomic.Int32
	opts := query.Options{
		QueryKey: query.Key("todos"),
		QueryFn: query.QueryFunc(func(context.Context, query.FunctionContext) (any, error) {
			calls.Add(1)
			time.Sleep(10 * time.Millisecond)
			return []todo{{ID: 1}}, nil
		}),
		StaleTime: query.Duration(100 * time.Millisecond),
	}

	ctx, cancel := testCtx()
	defer cancel()

	first, err := c.FetchQuery(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []todo{{ID: 1}}, first)

	time.Sleep(40 * time.Millisecond)
	second, err := c.FetchQuery(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "Свежие данные берутся из кеша")
	assert.Equal(t, first, second)

	time.Sleep(100 * time.Millisecond)
	_, err = c.FetchQuery(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "Устаревшие данные загружаются заново")
}

// Тест отключенных по умолчанию повторов FetchQuery.
func TestFetchQuery_NoRetryByDefault(t *testing.T) {
	t.Parallel()

	c := newClient()
	var calls atomic.Int32
	fn := query.QueryFunc(func(context.Context, query.FunctionContext) (any, error) {
		calls.Add(1)
		return nil, errUnavailable
	})

	ctx, cancel := testCtx()
	defer cancel()

	_, err := c.FetchQuery(ctx, query.Options{QueryKey: query.Key("todos"), QueryFn: fn})
	require.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, int32(1), calls.Load())

	t.Run("Prefetch не возвращает ошибку", func(t *testing.T) {
		c.PrefetchQuery(ctx, query.Options{QueryKey: query.Key("users"), QueryFn: fn})
		state, ok := c.GetQueryState(query.Key("users"))
		require.True(t, ok)
		assert.Equal(t, query.StatusError, state.Status)
	})
}

// Тест приоритета параметров по умолчанию.
func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	c := newClient(client.WithDefaultOptions(client.DefaultOptions{
		Queries: query.Options{StaleTime: query.Duration(time.Minute), Meta: map[string]any{"уровень": "глобальный"}},
	}))
	c.SetQueryDefaults(query.Key("todos"), query.Options{Meta: map[string]any{"уровень": "ключ"}})

	tests := []struct {
		name string
		opts query.Options
		want string
	}{
		{name: "Глобальные", opts: query.Options{QueryKey: query.Key("users")}, want: "глобальный"},
		{name: "По частичному ключу", opts: query.Options{QueryKey: query.Key("todos", 1)}, want: "ключ"},
		{name: "Параметры вызова", opts: query.Options{QueryKey: query.Key("todos"), Meta: map[string]any{"уровень": "вызов"}}, want: "вызов"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.DefaultQueryOptions(tt.opts)
			assert.Equal(t, tt.want, got.Meta["уровень"])
			assert.Equal(t, time.Minute, *got.StaleTime)
			assert.NotEmpty(t, got.QueryHash)
		})
	}
}

// Тест ручной записи и чтения данных.
func TestQueryData(t *testing.T) {
	t.Parallel()

	c := newClient()
	c.SetQueryData(query.Key("todos", 1), func(any) any { return "первая" })
	c.SetQueryData(query.Key("todos", 2), func(any) any { return "вторая" })
	c.SetQueryData(query.Key("users"), func(any) any { return "пользователи" })

	assert.Equal(t, "первая", c.GetQueryData(query.Key("todos", 1)))
	assert.Nil(t, c.GetQueryData(query.Key("todos")), "Чтение сравнивает ключ точно")

	updated := c.SetQueriesData(query.Filters{QueryKey: query.Key("todos")}, func(prev any) any {
		return prev.(string) + "!"
	})
	assert.Len(t, updated, 2)
	assert.ElementsMatch(t, []client.QueryData{
		{QueryKey: query.Key("todos", 1), Data: "первая!"},
		{QueryKey: query.Key("todos", 2), Data: "вторая!"},
	}, c.GetQueriesData(query.Filters{QueryKey: query.Key("todos")}))

	state, ok := c.GetQueryState(query.Key("users"))
	require.True(t, ok)
	assert.Equal(t, query.StatusSuccess, state.Status)

	c.RemoveQueries(query.Filters{QueryKey: query.Key("todos")})
	assert.Len(t, c.QueryCache().GetAll(), 1)

	c.Clear()
	assert.Empty(t, c.QueryCache().GetAll())
}

// Тест инвалидации: загружаются заново только активные записи.
func TestInvalidateQueries(t *testing.T) {
	t.Parallel()

	c := newClient()
	var active, inactive atomic.Int32
	obs := c.NewObserver(query.Options{QueryKey: query.Key("todos"), QueryFn: countingFn(&active, "активные")})
	unsubscribe := obs.Subscribe(func(query.Result) {})
	defer unsubscribe()
	require.Eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, waitFor, tick)

	ctx, cancel := testCtx()
	defer cancel()
	_, err := c.FetchQuery(ctx, query.Options{QueryKey: query.Key("todos", "done"), QueryFn: countingFn(&inactive, "неактивные")})
	require.NoError(t, err)

	require.NoError(t, c.InvalidateQueries(ctx, client.InvalidateFilters{
		RefetchFilters: client.RefetchFilters{Filters: query.Filters{QueryKey: query.Key("todos")}},
	}, client.RefetchOptions{}))

	assert.Equal(t, int32(2), active.Load())
	assert.Equal(t, int32(1), inactive.Load())
	state, _ := c.GetQueryState(query.Key("todos", "done"))
	assert.True(t, state.IsInvalidated, "Неактивная запись остается недействительной")

	t.Run("С RefetchInactive", func(t *testing.T) {
		require.NoError(t, c.InvalidateQueries(ctx, client.InvalidateFilters{
			RefetchFilters:  client.RefetchFilters{Filters: query.Filters{QueryKey: query.Key("todos", "done")}},
			RefetchInactive: query.Bool(true),
		}, client.RefetchOptions{}))
		assert.Equal(t, int32(2), inactive.Load())
	})
}

// Тест сброса записей с повторной загрузкой активных.
func TestResetQueries(t *testing.T) {
	t.Parallel()

	c := newClient()
	var active, inactive atomic.Int32
	obs := c.NewObserver(query.Options{QueryKey: query.Key("todos"), QueryFn: countingFn(&active, "активные")})
	unsubscribe := obs.Subscribe(func(query.Result) {})
	defer unsubscribe()
	require.Eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, waitFor, tick)

	ctx, cancel := testCtx()
	defer cancel()
	_, err := c.FetchQuery(ctx, query.Options{QueryKey: query.Key("todos", "done"), QueryFn: countingFn(&inactive, "неактивные")})
	require.NoError(t, err)

	require.NoError(t, c.ResetQueries(ctx, client.RefetchFilters{
		Filters: query.Filters{QueryKey: query.Key("todos"), Active: query.Bool(false)},
	}, client.RefetchOptions{}))

	assert.GreaterOrEqual(t, active.Load(), int32(2), "Активная запись загружается заново")
	assert.Equal(t, "активные", c.GetQueryData(query.Key("todos")))
	assert.Equal(t, int32(1), inactive.Load(), "Неактивная запись не загружается")
	state, ok := c.GetQueryState(query.Key("todos", "done"))
	require.True(t, ok)
	assert.Equal(t, query.StatusIdle, state.Status)
	assert.Nil(t, state.Data)
}

// Тест ошибок пакетной загрузки.
func TestRefetchQueries_ThrowOnError(t *testing.T) {
	t.Parallel()

	c := newClient()
	c.SetQueryDefaults(query.Key("todos"), query.Options{
		QueryFn: query.QueryFunc(func(context.Context, query.FunctionContext) (any, error) { return nil, errUnavailable }),
		Retry:   retry.Never(),
	})
	c.SetQueryData(query.Key("todos"), func(any) any { return "старые" })

	ctx, cancel := testCtx()
	defer cancel()
	f := client.RefetchFilters{Filters: query.Filters{QueryKey: query.Key("todos")}}
	assert.NoError(t, c.RefetchQueries(ctx, f, client.RefetchOptions{}))
	assert.ErrorIs(t, c.RefetchQueries(ctx, f, client.RefetchOptions{ThrowOnError: true}), errUnavailable)
	assert.Equal(t, "старые", c.GetQueryData(query.Key("todos")), "Данные сохраняются при ошибке")
}

// Тест отмены загрузок с откатом состояния.
func TestCancelQueries(t *testing.T) {
	t.Parallel()

	c := newClient()
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := testCtx()
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.PrefetchQuery(ctx, query.Options{
			QueryKey: query.Key("todos"),
			QueryFn: query.QueryFunc(func(ctx context.Context, _ query.FunctionContext) (any, error) {
				select {
				case <-release:
					return "данные", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		})
	}()

	require.Eventually(t, func() bool { return c.IsFetching(query.Filters{}) == 1 }, waitFor, tick)
	c.CancelQueries(query.Filters{QueryKey: query.Key("todos")}, nil)
	<-done

	state, ok := c.GetQueryState(query.Key("todos"))
	require.True(t, ok)
	assert.False(t, state.IsFetching)
	assert.Equal(t, query.StatusIdle, state.Status, "Состояние откатывается")
	assert.Zero(t, c.IsFetching(query.Filters{}))
}

// Тест продолжения восстановленной мутации через параметры по ключу.
func TestResumeRestoredMutation(t *testing.T) {
	t.Parallel()

	c := newClient()
	var calls, mutates atomic.Int32
	c.SetMutationDefaults(query.Key("addTodo"), command.Options{
		MutationFn: client.MutationFn(func(_ context.Context, v todo) (todo, error) {
			calls.Add(1)
			return v, nil
		}),
		OnMutate: func(any) (any, error) {
			mutates.Add(1)
			return nil, nil
		},
	})

	m := c.MutationCache().Build(c, command.Options{MutationKey: query.Key("addTodo")}, &command.State{
		Status:    query.StatusLoading,
		IsPaused:  true,
		Variables: map[string]any{"id": 7},
		Context:   "снимок",
	})
	assert.Equal(t, 1, c.IsMutating(command.Filters{}))

	ctx, cancel := testCtx()
	defer cancel()
	c.ResumePausedMutations(ctx)

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, mutates.Load())
	state := m.State()
	assert.Equal(t, query.StatusSuccess, state.Status)
	assert.Equal(t, todo{ID: 7}, state.Data)
	assert.Zero(t, c.IsMutating(command.Filters{}))
}

// Тест подписки на сигналы окружения.
func TestMount(t *testing.T) {
	t.Parallel()

	focus := device.NewFocusManager()
	c := newClient(client.WithFocusManager(focus))
	var calls atomic.Int32
	c.SetMutationDefaults(query.Key("addTodo"), command.Options{
		MutationFn: command.MutationFunc(func(context.Context, command.FunctionContext) (any, error) {
			calls.Add(1)
			return nil, nil
		}),
	})
	paused := &command.State{Status: query.StatusLoading, IsPaused: true}
	c.MutationCache().Build(c, command.Options{MutationKey: query.Key("addTodo")}, paused)

	c.Mount()
	c.Mount()
	focus.OnFocus()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick, "Фокус продолжает мутации")

	c.Unmount()
	c.MutationCache().Build(c, command.Options{MutationKey: query.Key("addTodo")}, paused)
	focus.OnFocus()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "После Unmount сигналы не обрабатываются")
}

// Тест отмены мутаций.
func TestCancelMutations(t *testing.T) {
	t.Parallel()

	c := newClient()
	started := make(chan struct{})
	ctx, cancel := testCtx()
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.ExecuteMutation(ctx, command.Options{
			MutationFn: command.MutationFunc(func(ctx context.Context, _ command.FunctionContext) (any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		})
		done <- err
	}()
	<-started
	c.CancelMutations()
	assert.True(t, retry.IsCancelled(<-done))
}

// Тест подключения метрик через параметры клиента.
func TestTelemetryWiring(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	c := newClient(client.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))

	ctx, cancel := testCtx()
	defer cancel()
	var calls atomic.Int32
	_, err := c.FetchQuery(ctx, query.Options{QueryKey: query.Key("todos"), QueryFn: countingFn(&calls, 1)})
	require.NoError(t, err)
	_, err = c.ExecuteMutation(ctx, command.Options{
		MutationFn: command.MutationFunc(func(context.Context, command.FunctionContext) (any, error) { return nil, nil }),
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["cache.fetch.count"])
	assert.True(t, names["cache.mutate.count"])
}

// Тест бесконечного запроса через клиента.
func TestFetchInfiniteQuery(t *testing.T) {
	t.Parallel()

	c := newClient()
	ctx, cancel := testCtx()
	defer cancel()

	data, err := c.FetchInfiniteQuery(ctx, query.Options{
		QueryKey: query.Key("feed"),
		QueryFn: query.QueryFunc(func(_ context.Context, fc query.FunctionContext) (any, error) {
			if fc.PageParam == nil {
				return 1, nil
			}
			return fc.PageParam, nil
		}),
		GetNextPageParam: func(last any, _ []any) any { return last.(int) + 1 },
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1}, data.Pages)
	assert.Equal(t, []any{nil}, data.PageParams)
}
