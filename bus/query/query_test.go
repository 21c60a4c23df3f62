package query_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-query/bus/device"
	"github.com/x-research-team/dtx-query/bus/query"
	"github.com/x-research-team/dtx-query/bus/retry"
)

var errBoom = errors.New("сервер недоступен")

// Тест дедупликации параллельных загрузок.
func TestQuery_Deduplication(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls atomic.Int32
	release := make(chan struct{})
	q := client.build(query.Options{
		QueryKey: query.Key("todos"),
		QueryFn:  blockingFn(&calls, release, "данные"),
	})

	// Обе загрузки запускаются до завершения первой.
	ctx, cancel := testCtx()
	defer cancel()
	first := q.StartFetch(ctx, nil, nil)
	second := q.StartFetch(ctx, nil, nil)
	require.Same(t, first, second, "Параллельные загрузки должны разделять исполнителя")
	close(release)

	var wg sync.WaitGroup
	values := make([]any, 2)
	for i, r := range []*retry.Retryer{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values[i], _ = r.Wait(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "Функция загрузки должна быть вызвана один раз")
	assert.Equal(t, []any{"данные", "данные"}, values)
}

// Тест устаревания данных без явного staleTime.
func TestQuery_StaleByDefault(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls atomic.Int32
	q := client.build(query.Options{QueryKey: query.Key("todos"), QueryFn: countingFn(&calls, 1)})
	assert.True(t, q.IsStale(), "Запись без данных устарела")

	ctx, cancel := testCtx()
	defer cancel()
	_, err := q.Fetch(ctx, nil, nil)
	require.NoError(t, err)

	assert.True(t, q.IsStaleByTime(0), "Без staleTime данные сразу устаревают")
	assert.False(t, q.IsStaleByTime(time.Hour))
	assert.False(t, q.IsStaleByTime(query.Infinity))

	q.Invalidate()
	assert.True(t, q.IsStaleByTime(query.Infinity), "Недействительные данные всегда устаревшие")
}

// Тест удаления записи с cacheTime 0 после завершения загрузки.
func TestQuery_CacheTimeZero(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls atomic.Int32
	q := client.build(query.Options{
		QueryKey:  query.Key("temp"),
		QueryFn:   countingFn(&calls, "x"),
		CacheTime: query.Duration(0),
	})

	ctx, cancel := testCtx()
	defer cancel()
	data, err := q.Fetch(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", data)

	_, ok := client.QueryCache().Get(q.Hash())
	assert.False(t, ok, "Запись без наблюдателей с cacheTime 0 должна быть удалена")
}

// Тест отсутствия сборки записи с бесконечным cacheTime.
func TestQuery_CacheTimeInfinity(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls atomic.Int32
	opts := query.Options{
		QueryKey:  query.Key("forever"),
		QueryFn:   countingFn(&calls, "x"),
		CacheTime: query.Duration(query.Infinity),
	}

	obs := query.NewObserver(client, opts)
	unsubscribe := obs.Subscribe(func(query.Result) {})
	require.Eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, waitFor, tick)
	unsubscribe()

	time.Sleep(20 * time.Millisecond)
	q, ok := client.QueryCache().Find(query.Key("forever"))
	require.True(t, ok, "Запись с бесконечным cacheTime не удаляется")
	assert.Zero(t, q.ObserversCount())
}

// Тест сохранения ошибки и вызова обработчика кеша.
func TestQuery_Error(t *testing.T) {
	t.Parallel()

	var reported atomic.Value
	client := newTestClient(query.WithOnError(func(err error, _ *query.Query) { reported.Store(err) }))
	q := client.build(query.Options{
		QueryKey: query.Key("broken"),
		QueryFn:  query.QueryFunc(func(context.Context, query.FunctionContext) (any, error) { return nil, errBoom }),
		Retry:    retry.Never(),
	})

	ctx, cancel := testCtx()
	defer cancel()
	_, err := q.Fetch(ctx, nil, nil)
	require.ErrorIs(t, err, errBoom)

	state := q.State()
	assert.Equal(t, query.StatusError, state.Status)
	assert.ErrorIs(t, state.Error, errBoom)
	assert.Equal(t, 1, state.ErrorUpdateCount)
	assert.Equal(t, 1, state.FetchFailureCount)
	assert.False(t, state.IsFetching)
	assert.ErrorIs(t, reported.Load().(error), errBoom, "Ошибка должна попасть в обработчик кеша")
}

// Тест ошибки конфигурации без функции загрузки.
func TestQuery_MissingQueryFn(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	q := client.build(query.Options{QueryKey: query.Key("nofn"), Retry: retry.Never()})

	ctx, cancel := testCtx()
	defer cancel()
	_, err := q.Fetch(ctx, nil, nil)
	assert.ErrorIs(t, err, query.ErrMissingQueryFn)
}

// Тест возврата состояния при отмене с Revert.
func TestQuery_CancelRevert(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls atomic.Int32
	release := make(chan struct{})
	q := client.build(query.Options{
		QueryKey: query.Key("todos"),
		QueryFn:  blockingFn(&calls, release, "новые"),
	})
	q.SetData(func(any) any { return "старые" }, time.Time{})

	ctx, cancel := testCtx()
	defer cancel()
	r := q.StartFetch(ctx, nil, nil)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	assert.True(t, q.State().IsFetching)

	q.Cancel(retry.CancelOptions{Revert: true})
	_, err := r.Wait(ctx)
	require.True(t, retry.IsCancelled(err))

	state := q.State()
	assert.Equal(t, query.StatusSuccess, state.Status, "Статус должен вернуться к предыдущему")
	assert.Equal(t, "старые", state.Data)
	assert.False(t, state.IsFetching)
	close(release)
}

// Тест замены текущей загрузки через CancelRefetch.
func TestQuery_CancelRefetch(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls atomic.Int32
	release := make(chan struct{})
	q := client.build(query.Options{
		QueryKey: query.Key("todos"),
		QueryFn:  blockingFn(&calls, release, "новые"),
	})
	q.SetData(func(any) any { return "старые" }, time.Time{})

	ctx, cancel := testCtx()
	defer cancel()
	first := q.StartFetch(ctx, nil, nil)
	second := q.StartFetch(ctx, nil, &query.FetchOptions{CancelRefetch: true})
	require.NotSame(t, first, second, "CancelRefetch должен начать новую загрузку")

	_, err := first.Wait(ctx)
	ce, ok := retry.AsCancelled(err)
	require.True(t, ok)
	assert.True(t, ce.Silent)

	close(release)
	data, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "новые", data)
	assert.Equal(t, "новые", q.State().Data)
}

// Тест начальных данных и сброса.
func TestQuery_InitialDataAndReset(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	updatedAt := time.Now().Add(-time.Minute)
	q := client.build(query.Options{
		QueryKey:             query.Key("seeded"),
		InitialData:          "начальные",
		InitialDataUpdatedAt: updatedAt,
	})

	state := q.State()
	assert.Equal(t, query.StatusSuccess, state.Status)
	assert.Equal(t, "начальные", state.Data)
	assert.True(t, updatedAt.Equal(state.DataUpdatedAt))

	q.SetData(func(prev any) any { return prev.(string) + "+" }, time.Time{})
	assert.Equal(t, "начальные+", q.State().Data)
	assert.Equal(t, 1, q.State().DataUpdateCount)

	q.Reset()
	assert.Equal(t, "начальные", q.State().Data, "Сброс возвращает начальное состояние")
	assert.Zero(t, q.State().DataUpdateCount)
}

// Тест структурного разделения и проверки равенства данных.
func TestQuery_SetDataSharing(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	q := client.build(query.Options{QueryKey: query.Key("shared")})

	first := []any{map[string]any{"id": 1.0}}
	q.SetData(func(any) any { return first }, time.Time{})
	q.SetData(func(any) any { return []any{map[string]any{"id": 1.0}} }, time.Time{})
	assert.True(t, query.Identical(first, q.State().Data), "Равные данные должны сохранить ссылку")

	eq := client.build(query.Options{
		QueryKey:    query.Key("custom-equal"),
		IsDataEqual: func(prev, next any) bool { return prev != nil },
	})
	eq.SetData(func(any) any { return "a" }, time.Time{})
	eq.SetData(func(any) any { return "b" }, time.Time{})
	assert.Equal(t, "a", eq.State().Data, "IsDataEqual должен сохранить предыдущие данные")
}

// Тест промежуточных слоев функции загрузки.
func TestQuery_Middleware(t *testing.T) {
	t.Parallel()

	var order []string
	var mu sync.Mutex
	record := func(name string) query.Middleware {
		return func(next query.QueryFunction) query.QueryFunction {
			return query.Wrap(next, func(ctx context.Context, fc query.FunctionContext) (any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next.Fetch(ctx, fc)
			})
		}
	}
	client := newTestClient(query.WithMiddleware(record("внешний"), record("внутренний")))

	q := client.build(query.Options{
		QueryKey: query.Key("mw"),
		QueryFn: query.Abortable(func(_ context.Context, fc query.FunctionContext) (any, error) {
			return fc.QueryKey[0], nil
		}),
	})

	ctx, cancel := testCtx()
	defer cancel()
	r := q.StartFetch(ctx, nil, nil)
	assert.True(t, r.IsTransportCancelable(), "Слои должны сохранять поддержку отмены транспорта")
	data, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mw", data)
	assert.Equal(t, []string{"внешний", "внутренний"}, order)
}

// Тест повторов записи с паузой счетчика в состоянии.
func TestQuery_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	var calls atomic.Int32
	q := client.build(query.Options{
		QueryKey: query.Key("flaky"),
		QueryFn: query.QueryFunc(func(context.Context, query.FunctionContext) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errBoom
			}
			return "ok", nil
		}),
		Retry:      retry.Times(2),
		RetryDelay: retry.ConstantDelay(0),
	})

	ctx, cancel := testCtx()
	defer cancel()
	data, err := q.Fetch(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", data)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, q.State().FetchFailureCount, "Успех сбрасывает счетчик неудач")
}

// Тест отписки последнего наблюдателя во время загрузки.
func TestQuery_LastObserverDetach(t *testing.T) {
	t.Parallel()

	subscribe := func(client *testClient, opts query.Options) (*query.Query, func()) {
		obs := query.NewObserver(client, opts)
		unsubscribe := obs.Subscribe(func(query.Result) {})
		return obs.CurrentQuery(), unsubscribe
	}

	t.Run("Загрузка без отмены транспорта наполняет кеш", func(t *testing.T) {
		t.Parallel()

		client := newTestClient()
		var calls atomic.Int32
		release := make(chan struct{})
		q, unsubscribe := subscribe(client, query.Options{
			QueryKey: query.Key("todos"),
			QueryFn:  blockingFn(&calls, release, "данные"),
		})
		require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

		unsubscribe()
		assert.True(t, q.State().IsFetching, "Загрузка продолжается в фоне")
		close(release)

		require.Eventually(t, func() bool { return q.State().Status == query.StatusSuccess }, waitFor, tick)
		assert.Equal(t, "данные", q.State().Data)
		_, ok := client.QueryCache().Get(q.Hash())
		assert.True(t, ok, "Запись остается в кеше до сборки")
	})

	t.Run("Отписка запрещает повторы", func(t *testing.T) {
		t.Parallel()

		client := newTestClient()
		var calls atomic.Int32
		release := make(chan struct{})
		q, unsubscribe := subscribe(client, query.Options{
			QueryKey: query.Key("flaky"),
			QueryFn: query.QueryFunc(func(context.Context, query.FunctionContext) (any, error) {
				calls.Add(1)
				<-release
				return nil, errBoom
			}),
			Retry:      retry.Times(3),
			RetryDelay: retry.ConstantDelay(0),
		})
		require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

		unsubscribe()
		close(release)

		require.Eventually(t, func() bool { return q.State().Status == query.StatusError }, waitFor, tick)
		assert.ErrorIs(t, q.State().Error, errBoom)
		assert.Equal(t, int32(1), calls.Load(), "После отписки повторов быть не должно")
	})

	t.Run("Прерываемая загрузка отменяется", func(t *testing.T) {
		t.Parallel()

		client := newTestClient()
		var calls atomic.Int32
		var cancelled atomic.Bool
		release := make(chan struct{})
		q, unsubscribe := subscribe(client, query.Options{
			QueryKey: query.Key("users"),
			QueryFn:  query.WithCancel(blockingFn(&calls, release, "данные"), func() { cancelled.Store(true) }),
		})
		require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

		unsubscribe()
		defer close(release)

		assert.True(t, cancelled.Load(), "Отмена транспорта должна быть вызвана")
		state := q.State()
		assert.Equal(t, query.StatusIdle, state.Status, "Состояние должно вернуться к исходному")
		assert.False(t, state.IsFetching)
		assert.Nil(t, state.Data)
	})
}

// Тест снятия паузы повторов при восстановлении сети.
func TestQuery_OnOnlineResumesPaused(t *testing.T) {
	t.Parallel()

	online := device.NewOnlineManager()
	online.SetOnline(device.Bool(false))
	client := newTestClient(query.WithOnlineManager(online))

	var calls atomic.Int32
	q := client.build(query.Options{
		QueryKey: query.Key("offline"),
		QueryFn: query.QueryFunc(func(context.Context, query.FunctionContext) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errBoom
			}
			return "сеть", nil
		}),
		Retry:      retry.Times(1),
		RetryDelay: retry.ConstantDelay(time.Millisecond),
	})

	ctx, cancel := testCtx()
	defer cancel()
	r := q.StartFetch(ctx, nil, nil)
	require.Eventually(t, func() bool { return q.State().IsPaused }, waitFor, tick)
	assert.Equal(t, int32(1), calls.Load(), "Без сети повтор ждет")

	online.SetOnline(device.Bool(true))
	q.OnOnline()

	data, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "сеть", data)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, q.State().IsPaused)
}
