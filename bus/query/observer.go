package query

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x-research-team/dtx-query/bus/event"
	"github.com/x-research-team/dtx-query/bus/retry"
)

// RefetchOptions управляют явной повторной загрузкой.
type RefetchOptions struct {
	ThrowOnError  bool
	CancelRefetch bool
	// RefetchPage выбирает страницы бесконечного запроса для повторной
	// загрузки; nil загружает все.
	RefetchPage func(page any, index int, allPages []any) bool
}

type notifyOptions struct {
	onSuccess     bool
	onError       bool
	listeners     bool
	cache         bool
	skipListeners bool
}

// Observer — представление записи кеша для одного потребителя. Вычисляет
// результат, управляет таймерами устаревания и периодической загрузки и
// уведомляет подписчиков только об изменениях, прошедших фильтр.
//
// Observer не вызывает методы записи, удерживая собственную блокировку,
// кроме чтения ее состояния. Select и PlaceholderDataFn выполняются под этой
// блокировкой: из них можно вызывать только Options, CurrentQuery и
// GetCurrentResult.
type Observer struct {
	event.Subscribable[func(Result)]

	client  Client
	options atomic.Pointer[Options]
	current atomic.Pointer[Result]

	mu                       sync.Mutex
	currentQuery             atomic.Pointer[Query]
	currentQueryInitialState State
	currentResultState       *State
	currentResultOptions     *Options
	previousQueryResult      *Result
	selectFn                 func(any) (any, error)
	selectResult             any
	selectError              error
	staleTimer               *time.Timer
	refetchStop              chan struct{}
	currentRefetchInterval   time.Duration
	trackedProps             map[string]struct{}
}

// NewObserver создает наблюдателя. Запись создается сразу, загрузка
// начинается с первой подпиской.
func NewObserver(client Client, opts Options) *Observer {
	o := &Observer{
		client:       client,
		trackedProps: make(map[string]struct{}),
	}
	o.options.Store(&opts)
	o.SetHooks(event.Hooks{
		OnSubscribe:   o.onSubscribe,
		OnUnsubscribe: o.onUnsubscribe,
	})
	o.setOptions(opts, nil)
	return o
}

// Options возвращает разрешенные параметры наблюдателя.
func (o *Observer) Options() Options {
	if p := o.options.Load(); p != nil {
		return *p
	}
	return Options{}
}

// CurrentQuery возвращает текущую запись.
func (o *Observer) CurrentQuery() *Query {
	return o.currentQuery.Load()
}

// GetCurrentResult возвращает последний вычисленный результат.
func (o *Observer) GetCurrentResult() Result {
	if p := o.current.Load(); p != nil {
		return *p
	}
	return Result{}
}

// Result возвращает результат и, если включены UseErrorBoundary или
// Suspense, сохраненную ошибку завершившейся загрузки.
func (o *Observer) Result() (Result, error) {
	res := o.GetCurrentResult()
	opts := o.Options()
	if (isSet(opts.UseErrorBoundary) || isSet(opts.Suspense)) && res.IsError && !res.IsFetching {
		return res, res.Error
	}
	return res, nil
}

// TrackProps объявляет поля результата, которые читает потребитель.
// Используется с NotifyOnChangeProps = []string{PropsTracked}.
func (o *Observer) TrackProps(props ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range props {
		o.trackedProps[p] = struct{}{}
	}
}

func (o *Observer) onSubscribe(listeners int) {
	if listeners != 1 {
		return
	}
	q := o.CurrentQuery()
	q.addObserver(o)
	if shouldFetchOnMount(q, o.Options()) {
		o.executeFetch(nil)
	}
	o.updateTimers()
}

func (o *Observer) onUnsubscribe(listeners int) {
	if listeners == 0 {
		o.Destroy()
	}
}

// Destroy отписывает всех слушателей, останавливает таймеры и отсоединяет
// наблюдателя от записи.
func (o *Observer) Destroy() {
	o.Clear()
	o.clearTimers()
	if q := o.CurrentQuery(); q != nil {
		q.removeObserver(o)
	}
}

func (o *Observer) shouldFetchOnReconnect() bool {
	opts := o.Options()
	return shouldFetchOn(o.CurrentQuery(), opts, opts.RefetchOnReconnect)
}

func (o *Observer) shouldFetchOnWindowFocus() bool {
	opts := o.Options()
	return shouldFetchOn(o.CurrentQuery(), opts, opts.RefetchOnWindowFocus)
}

// SetOptions заменяет параметры. Смена ключа переключает наблюдателя на
// другую запись.
func (o *Observer) SetOptions(opts Options) {
	o.setOptions(opts, nil)
}

func (o *Observer) setOptions(opts Options, n *notifyOptions) {
	prevOptions := o.Options()
	prevQuery := o.CurrentQuery()

	if opts.QueryKey == nil {
		opts.QueryKey = prevOptions.QueryKey
	}
	options := o.client.DefaultQueryOptions(opts)
	o.options.Store(&options)

	o.updateQuery()
	q := o.CurrentQuery()
	mounted := o.HasListeners()

	if mounted && shouldFetchOptionally(q, prevQuery, options, prevOptions) {
		o.executeFetch(nil)
	}

	o.updateResult(n)

	changed := q != prevQuery || options.enabled() != prevOptions.enabled()
	if mounted && (changed || options.staleTime() != prevOptions.staleTime()) {
		o.updateStaleTimeout()
	}

	next := o.computeRefetchInterval()
	if mounted && (changed || next != o.refetchInterval()) {
		o.updateRefetchInterval(next)
	}
}

// GetOptimisticResult вычисляет результат для opts, не меняя параметры
// наблюдателя. Нужен потребителю до первой подписки.
func (o *Observer) GetOptimisticResult(opts Options) Result {
	defaulted := o.client.DefaultQueryOptions(opts)
	q := o.client.QueryCache().Build(o.client, defaulted, nil)

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.createResultLocked(q, defaulted)
}

// GetNextResult ожидает первый результат без идущей загрузки.
func (o *Observer) GetNextResult(ctx context.Context, throwOnError bool) (Result, error) {
	ch := make(chan Result, 1)
	unsubscribe := o.Subscribe(func(r Result) {
		if r.IsFetching {
			return
		}
		select {
		case ch <- r:
		default:
		}
	})
	defer unsubscribe()

	select {
	case r := <-ch:
		if r.IsError && throwOnError {
			return r, r.Error
		}
		return r, nil
	case <-ctx.Done():
		return o.GetCurrentResult(), ctx.Err()
	}
}

// Remove удаляет текущую запись из кеша.
func (o *Observer) Remove() {
	if q := o.CurrentQuery(); q != nil {
		o.client.QueryCache().Remove(q)
	}
}

// Refetch загружает данные заново и ожидает результата.
func (o *Observer) Refetch(ctx context.Context, opts RefetchOptions) (Result, error) {
	r := o.executeFetch(&FetchOptions{
		ThrowOnError:  opts.ThrowOnError,
		CancelRefetch: opts.CancelRefetch,
		Meta:          &FetchMeta{RefetchPage: opts.RefetchPage},
	})
	return o.awaitFetch(ctx, r, opts.ThrowOnError)
}

// FetchOptimistic загружает данные для opts и возвращает результат,
// вычисленный для них.
func (o *Observer) FetchOptimistic(ctx context.Context, opts Options) (Result, error) {
	defaulted := o.client.DefaultQueryOptions(opts)
	q := o.client.QueryCache().Build(o.client, defaulted, nil)
	_, err := q.Fetch(ctx, &defaulted, nil)

	o.mu.Lock()
	res := o.createResultLocked(q, defaulted)
	o.mu.Unlock()
	return res, err
}

func (o *Observer) awaitFetch(ctx context.Context, r *retry.Retryer, throwOnError bool) (Result, error) {
	_, err := r.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return o.GetCurrentResult(), ctxErr
	}
	o.updateResult(nil)
	res := o.GetCurrentResult()
	if throwOnError && err != nil {
		return res, err
	}
	return res, nil
}

func (o *Observer) refetchInBackground() {
	o.executeFetch(&FetchOptions{Meta: &FetchMeta{}})
}

func (o *Observer) executeFetch(fetchOpts *FetchOptions) *retry.Retryer {
	o.updateQuery()
	opts := o.Options()
	return o.CurrentQuery().StartFetch(context.Background(), &opts, fetchOpts)
}

func (o *Observer) updateQuery() {
	q := o.client.QueryCache().Build(o.client, o.Options(), nil)

	o.mu.Lock()
	if q == o.currentQuery.Load() {
		o.mu.Unlock()
		return
	}
	prev := o.currentQuery.Load()
	o.currentQuery.Store(q)
	o.currentQueryInitialState = q.State()
	o.previousQueryResult = o.current.Load()
	o.mu.Unlock()

	if o.HasListeners() {
		if prev != nil {
			prev.removeObserver(o)
		}
		q.addObserver(o)
	}
}

func (o *Observer) onQueryUpdate(action Action) {
	n := notifyOptions{}
	switch a := action.(type) {
	case SuccessAction:
		n.onSuccess = true
	case ErrorAction:
		n.onError = !retry.IsCancelled(a.Error)
	}
	o.updateResult(&n)
	if o.HasListeners() {
		o.updateTimers()
	}
}

func (o *Observer) createResultLocked(q *Query, options Options) Result {
	prevQuery := o.currentQuery.Load()
	prevOptions := o.Options()
	prevResult := o.current.Load()
	prevResultState := o.currentResultState
	prevResultOptions := o.currentResultOptions

	queryChange := q != prevQuery
	queryInitialState := o.currentQueryInitialState
	prevQueryResult := o.previousQueryResult
	if queryChange {
		queryInitialState = q.State()
		prevQueryResult = prevResult
	}

	state := q.State()
	dataUpdatedAt := state.DataUpdatedAt
	isFetching := state.IsFetching
	status := state.Status
	isPreviousData := false
	isPlaceholderData := false
	var data any
	var selectErr error

	// Результат заранее отражает загрузку, которая вот-вот начнется.
	if isSet(options.OptimisticResults) {
		mounted := o.HasListeners()
		fetchOnMount := !mounted && shouldFetchOnMount(q, options)
		fetchOptionally := mounted && shouldFetchOptionally(q, prevQuery, options, prevOptions)
		if fetchOnMount || fetchOptionally {
			isFetching = true
			if dataUpdatedAt.IsZero() {
				status = StatusLoading
			}
		}
	}

	var prevData any
	if prevResult != nil {
		prevData = prevResult.Data
	}

	switch {
	case isSet(options.KeepPreviousData) && state.DataUpdateCount == 0 &&
		prevQueryResult != nil && prevQueryResult.IsSuccess && status != StatusError:
		data = prevQueryResult.Data
		dataUpdatedAt = prevQueryResult.DataUpdatedAt
		status = prevQueryResult.Status
		isPreviousData = true
	case options.Select != nil && state.Data != nil:
		cached := prevResult != nil && prevResultState != nil &&
			Identical(state.Data, prevResultState.Data) && Identical(options.Select, o.selectFn)
		if !cached {
			o.selectFn = options.Select
			selected, err := options.Select(state.Data)
			if err != nil {
				o.client.QueryCache().Logger().Error("ошибка преобразования данных запроса",
					slog.String("query_hash", q.queryHash),
					slog.Any("error", err),
				)
				o.selectError = err
			} else {
				if options.structuralSharing() {
					selected = ReplaceEqualDeep(prevData, selected)
				}
				o.selectResult = selected
				o.selectError = nil
			}
		}
		data = o.selectResult
		selectErr = o.selectError
	default:
		data = state.Data
	}

	if options.hasPlaceholder() && data == nil && status == StatusLoading {
		var placeholder any
		if prevResult != nil && prevResult.IsPlaceholderData && prevResultOptions != nil &&
			Identical(options.PlaceholderData, prevResultOptions.PlaceholderData) &&
			Identical(options.PlaceholderDataFn, prevResultOptions.PlaceholderDataFn) {
			placeholder = prevResult.Data
		} else {
			placeholder = options.placeholderData()
			if options.Select != nil && placeholder != nil {
				selected, err := options.Select(placeholder)
				if err != nil {
					o.client.QueryCache().Logger().Error("ошибка преобразования заполнителя запроса",
						slog.String("query_hash", q.queryHash),
						slog.Any("error", err),
					)
					selectErr = err
					placeholder = nil
				} else {
					placeholder = selected
					if options.structuralSharing() {
						placeholder = ReplaceEqualDeep(prevData, placeholder)
					}
				}
			}
		}
		if placeholder != nil {
			status = StatusSuccess
			data = placeholder
			isPlaceholderData = true
		}
	}

	err := state.Error
	errorUpdatedAt := state.ErrorUpdatedAt
	if selectErr != nil {
		err = selectErr
		errorUpdatedAt = time.Now()
		status = StatusError
	}

	return Result{
		Status:           status,
		Data:             data,
		DataUpdatedAt:    dataUpdatedAt,
		Error:            err,
		ErrorUpdatedAt:   errorUpdatedAt,
		FailureCount:     state.FetchFailureCount,
		ErrorUpdateCount: state.ErrorUpdateCount,

		IsError:   status == StatusError,
		IsIdle:    status == StatusIdle,
		IsLoading: status == StatusLoading,
		IsSuccess: status == StatusSuccess,

		IsFetched: state.DataUpdateCount > 0 || state.ErrorUpdateCount > 0,
		IsFetchedAfterMount: state.DataUpdateCount > queryInitialState.DataUpdateCount ||
			state.ErrorUpdateCount > queryInitialState.ErrorUpdateCount,
		IsFetching:        isFetching,
		IsRefetching:      isFetching && status != StatusLoading,
		IsLoadingError:    status == StatusError && state.DataUpdatedAt.IsZero(),
		IsRefetchError:    status == StatusError && !state.DataUpdatedAt.IsZero(),
		IsPlaceholderData: isPlaceholderData,
		IsPreviousData:    isPreviousData,
		IsStale:           isStale(q, options),

		state: state,
	}
}

func (o *Observer) shouldNotifyListenersLocked(res, prev *Result) bool {
	if prev == nil {
		return true
	}
	opts := o.Options()
	props := opts.NotifyOnChangeProps
	exclusions := opts.NotifyOnChangePropsExclusions
	if props == nil && exclusions == nil {
		return true
	}

	included := props
	if len(props) == 1 && props[0] == PropsTracked {
		if len(o.trackedProps) == 0 {
			return true
		}
		included = make([]string, 0, len(o.trackedProps))
		for p := range o.trackedProps {
			included = append(included, p)
		}
	}

	for name, get := range resultProps {
		if Identical(get(res), get(prev)) {
			continue
		}
		if slices.Contains(exclusions, name) {
			continue
		}
		if included == nil || slices.Contains(included, name) {
			return true
		}
	}
	return false
}

func (o *Observer) updateResult(n *notifyOptions) {
	o.mu.Lock()
	q := o.currentQuery.Load()
	if q == nil {
		o.mu.Unlock()
		return
	}
	prev := o.current.Load()
	options := o.Options()
	res := o.createResultLocked(q, options)
	o.currentResultState = &res.state
	o.currentResultOptions = &options
	o.current.Store(&res)

	if prev != nil && shallowEqualResults(&res, prev) {
		o.mu.Unlock()
		return
	}

	out := notifyOptions{cache: true}
	if n != nil {
		out.onSuccess = n.onSuccess
		out.onError = n.onError
	}
	if (n == nil || !n.skipListeners) && o.shouldNotifyListenersLocked(&res, prev) {
		out.listeners = true
	}
	o.mu.Unlock()

	o.notify(out)
}

func (o *Observer) notify(n notifyOptions) {
	res := o.GetCurrentResult()
	opts := o.Options()
	q := o.CurrentQuery()
	cache := o.client.QueryCache()
	notifier := cache.Notifier()

	notifier.Batch(func() {
		if n.onSuccess {
			if opts.OnSuccess != nil {
				opts.OnSuccess(res.Data)
			}
			if opts.OnSettled != nil {
				opts.OnSettled(res.Data, nil)
			}
		} else if n.onError {
			if opts.OnError != nil {
				opts.OnError(res.Error)
			}
			if opts.OnSettled != nil {
				opts.OnSettled(nil, res.Error)
			}
		}

		if n.listeners {
			for _, l := range o.Listeners() {
				notifier.Schedule(func() { l(res) })
			}
		}

		if n.cache {
			cache.notify(Event{Type: EventObserverResultsUpdated, Query: q, Observer: o})
		}
	})
}

func (o *Observer) updateTimers() {
	o.updateStaleTimeout()
	o.updateRefetchInterval(o.computeRefetchInterval())
}

func (o *Observer) clearTimers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearStaleTimeoutLocked()
	o.clearRefetchIntervalLocked()
}

func (o *Observer) clearStaleTimeoutLocked() {
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
}

func (o *Observer) clearRefetchIntervalLocked() {
	if o.refetchStop != nil {
		close(o.refetchStop)
		o.refetchStop = nil
	}
}

// updateStaleTimeout пересчитывает результат в момент устаревания данных.
func (o *Observer) updateStaleTimeout() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearStaleTimeoutLocked()

	res := o.current.Load()
	staleTime := o.Options().staleTime()
	if o.client.QueryCache().IsServer() || !o.HasListeners() || res == nil || res.IsStale || !isValidTimeout(staleTime) {
		return
	}

	timeout := timeUntilStale(res.DataUpdatedAt, staleTime) + time.Millisecond
	o.staleTimer = time.AfterFunc(timeout, func() {
		if !o.GetCurrentResult().IsStale {
			o.updateResult(nil)
		}
	})
}

func (o *Observer) computeRefetchInterval() time.Duration {
	opts := o.Options()
	if opts.RefetchIntervalFn != nil {
		return opts.RefetchIntervalFn(o.GetCurrentResult().Data, o.CurrentQuery())
	}
	return opts.RefetchInterval
}

func (o *Observer) refetchInterval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentRefetchInterval
}

func (o *Observer) updateRefetchInterval(next time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clearRefetchIntervalLocked()
	o.currentRefetchInterval = next

	if o.client.QueryCache().IsServer() || !o.HasListeners() || !o.Options().enabled() || next <= 0 || next == Infinity {
		return
	}

	stop := make(chan struct{})
	o.refetchStop = stop
	go func() {
		ticker := time.NewTicker(next)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if isSet(o.Options().RefetchIntervalInBackground) || o.client.QueryCache().isFocused() {
					o.executeFetch(nil)
				}
			case <-stop:
				return
			}
		}
	}()
}

func isStale(q *Query, opts Options) bool {
	return q.IsStaleByTime(opts.staleTime())
}

func shouldLoadOnMount(q *Query, opts Options) bool {
	state := q.State()
	retryOnMountOff := opts.RetryOnMount != nil && !*opts.RetryOnMount
	return opts.enabled() && state.DataUpdatedAt.IsZero() &&
		!(state.Status == StatusError && retryOnMountOff)
}

func shouldFetchOnMount(q *Query, opts Options) bool {
	return shouldLoadOnMount(q, opts) ||
		(!q.State().DataUpdatedAt.IsZero() && shouldFetchOn(q, opts, opts.RefetchOnMount))
}

func shouldFetchOn(q *Query, opts Options, mode RefetchMode) bool {
	if q == nil || !opts.enabled() {
		return false
	}
	if mode == RefetchAlways {
		return true
	}
	return mode != RefetchNever && isStale(q, opts)
}

func shouldFetchOptionally(q, prevQuery *Query, opts, prevOpts Options) bool {
	return opts.enabled() &&
		(q != prevQuery || !prevOpts.enabled()) &&
		(!isSet(opts.Suspense) || q.State().Status != StatusError) &&
		isStale(q, opts)
}
