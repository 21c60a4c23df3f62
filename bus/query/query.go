// Package query реализует кеш асинхронных запросов: записи с машиной
// состояний, реестр записей по хешу ключа и наблюдателей, которые
// превращают состояние записи в результат для потребителя.
package query

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/x-research-team/dtx-query/bus/retry"
)

// ErrMissingQueryFn возвращается загрузкой без функции загрузки.
var ErrMissingQueryFn = errors.New("функция загрузки не задана")

// Client — часть клиента, которая нужна кешу и наблюдателям.
type Client interface {
	QueryCache() *Cache
	DefaultQueryOptions(opts Options) Options
	QueryDefaults(key QueryKey) Options
}

// Query — запись кеша для одного хеша ключа. Владеет состоянием, текущей
// загрузкой, списком наблюдателей и таймером сборщика.
type Query struct {
	cache     *Cache
	queryKey  QueryKey
	queryHash string

	mu             sync.Mutex
	options        Options
	defaultOptions Options
	cacheTime      time.Duration
	state          State
	initialState   State
	revertState    *State
	observers      []*Observer
	hadObservers   bool
	retryer        *retry.Retryer
	gcTimer        *time.Timer
}

func newQuery(cache *Cache, key QueryKey, hash string, opts, defaults Options, state *State) *Query {
	q := &Query{
		cache:          cache,
		queryKey:       key,
		queryHash:      hash,
		defaultOptions: defaults,
	}
	q.setOptionsLocked(opts)
	q.initialState = defaultState(q.options)
	if state != nil {
		q.initialState = *state
	}
	q.state = q.initialState
	q.scheduleGcLocked()
	return q
}

// Key возвращает ключ записи.
func (q *Query) Key() QueryKey {
	return q.queryKey
}

// Hash возвращает хеш ключа.
func (q *Query) Hash() string {
	return q.queryHash
}

// State возвращает снимок состояния.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Options возвращает текущие параметры записи.
func (q *Query) Options() Options {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.options
}

// CacheTime возвращает время хранения без наблюдателей.
func (q *Query) CacheTime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cacheTime
}

// Meta возвращает метаданные из параметров.
func (q *Query) Meta() map[string]any {
	return q.Options().Meta
}

// Observers возвращает снимок наблюдателей.
func (q *Query) Observers() []*Observer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.observers)
}

// ObserversCount возвращает количество наблюдателей.
func (q *Query) ObserversCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

// Время хранения может только расти: запись живет столько, сколько нужно
// самому требовательному наблюдателю.
func (q *Query) setOptionsLocked(opts Options) {
	q.options = Merge(q.defaultOptions, opts)
	q.cacheTime = max(q.cacheTime, q.options.cacheTime())
}

// SetDefaultOptions заменяет параметры по умолчанию записи.
func (q *Query) SetDefaultOptions(opts Options) {
	q.mu.Lock()
	q.defaultOptions = opts
	q.mu.Unlock()
}

func (q *Query) scheduleGcLocked() {
	q.clearGcLocked()
	if isValidTimeout(q.cacheTime) {
		q.gcTimer = time.AfterFunc(q.cacheTime, q.optionalRemove)
	}
}

func (q *Query) clearGcLocked() {
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
}

func (q *Query) optionalRemove() {
	q.mu.Lock()
	if len(q.observers) > 0 {
		q.mu.Unlock()
		return
	}
	if q.state.IsFetching {
		if q.hadObservers {
			q.scheduleGcLocked()
		}
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.cache.Remove(q)
}

// SetData записывает данные как результат успешной загрузки. updater
// получает предыдущие данные. Нулевой updatedAt означает текущее время.
func (q *Query) SetData(updater func(prev any) any, updatedAt time.Time) any {
	q.mu.Lock()
	prev := q.state.Data
	opts := q.options
	q.mu.Unlock()

	data := updater(prev)
	switch {
	case opts.IsDataEqual != nil && opts.IsDataEqual(prev, data):
		data = prev
	case opts.structuralSharing():
		data = ReplaceEqualDeep(prev, data)
	}

	q.dispatch(SuccessAction{Data: data, UpdatedAt: updatedAt})
	return data
}

// SetState полностью заменяет состояние.
func (q *Query) SetState(state State) {
	q.dispatch(SetStateAction{State: state})
}

// Cancel отменяет текущую загрузку.
func (q *Query) Cancel(opts retry.CancelOptions) {
	q.mu.Lock()
	r := q.retryer
	q.mu.Unlock()
	if r != nil {
		r.Cancel(opts)
	}
}

func (q *Query) destroy() {
	q.mu.Lock()
	q.clearGcLocked()
	q.mu.Unlock()
	q.Cancel(retry.CancelOptions{Silent: true})
}

// Reset возвращает запись в начальное состояние.
func (q *Query) Reset() {
	q.destroy()
	q.mu.Lock()
	initial := q.initialState
	q.mu.Unlock()
	q.SetState(initial)
}

// IsActive сообщает, есть ли включенный наблюдатель.
func (q *Query) IsActive() bool {
	for _, o := range q.Observers() {
		if o.Options().enabled() {
			return true
		}
	}
	return false
}

// IsFetching сообщает, идет ли загрузка.
func (q *Query) IsFetching() bool {
	return q.State().IsFetching
}

// IsStale сообщает, устарели ли данные: запись помечена недействительной,
// данных нет или результат хотя бы одного наблюдателя устарел.
func (q *Query) IsStale() bool {
	state := q.State()
	if state.IsInvalidated || state.DataUpdatedAt.IsZero() {
		return true
	}
	for _, o := range q.Observers() {
		if o.GetCurrentResult().IsStale {
			return true
		}
	}
	return false
}

// IsStaleByTime сообщает, устарели ли данные относительно staleTime.
func (q *Query) IsStaleByTime(staleTime time.Duration) bool {
	state := q.State()
	if state.IsInvalidated || state.DataUpdatedAt.IsZero() {
		return true
	}
	return timeUntilStale(state.DataUpdatedAt, staleTime) <= 0
}

func timeUntilStale(updatedAt time.Time, staleTime time.Duration) time.Duration {
	if staleTime == Infinity {
		return Infinity
	}
	return max(time.Until(updatedAt.Add(staleTime)), 0)
}

// Invalidate помечает данные недействительными.
func (q *Query) Invalidate() {
	if !q.State().IsInvalidated {
		q.dispatch(InvalidateAction{})
	}
}

// OnFocus запускает не более одной повторной загрузки, если какой-либо
// наблюдатель загрузил бы данные при возврате фокуса, и снимает паузу.
func (q *Query) OnFocus() {
	q.onTrigger(func(o *Observer) bool { return o.shouldFetchOnWindowFocus() })
}

// OnOnline делает то же при восстановлении сети.
func (q *Query) OnOnline() {
	q.onTrigger(func(o *Observer) bool { return o.shouldFetchOnReconnect() })
}

func (q *Query) onTrigger(should func(o *Observer) bool) {
	for _, o := range q.Observers() {
		if should(o) {
			o.refetchInBackground()
			break
		}
	}
	q.mu.Lock()
	r := q.retryer
	q.mu.Unlock()
	if r != nil {
		r.Proceed()
	}
}

func (q *Query) addObserver(o *Observer) {
	q.mu.Lock()
	if slices.Contains(q.observers, o) {
		q.mu.Unlock()
		return
	}
	q.observers = append(q.observers, o)
	q.hadObservers = true
	q.clearGcLocked()
	q.mu.Unlock()

	q.cache.notify(Event{Type: EventObserverAdded, Query: q, Observer: o})
}

func (q *Query) removeObserver(o *Observer) {
	q.mu.Lock()
	idx := slices.Index(q.observers, o)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.observers = slices.Delete(slices.Clone(q.observers), idx, idx+1)
	last := len(q.observers) == 0
	r := q.retryer
	q.mu.Unlock()

	if last {
		// Загрузка без отмены транспорта завершается и наполняет кеш.
		if r != nil {
			if r.IsTransportCancelable() {
				r.Cancel(retry.CancelOptions{Revert: true})
			} else {
				r.CancelRetry()
			}
		}
		q.mu.Lock()
		remove := q.cacheTime == 0
		if !remove {
			q.scheduleGcLocked()
		}
		q.mu.Unlock()
		if remove {
			q.cache.Remove(q)
		}
	}

	q.cache.notify(Event{Type: EventObserverRemoved, Query: q, Observer: o})
}

// Fetch загружает данные и ожидает результата. Параллельные вызовы
// разделяют одну загрузку. Отмена ctx прекращает ожидание, но не загрузку.
func (q *Query) Fetch(ctx context.Context, opts *Options, fetchOpts *FetchOptions) (any, error) {
	return q.StartFetch(ctx, opts, fetchOpts).Wait(ctx)
}

// StartFetch запускает загрузку, если она еще не идет, и возвращает ее
// исполнителя, не ожидая результата.
func (q *Query) StartFetch(ctx context.Context, opts *Options, fetchOpts *FetchOptions) *retry.Retryer {
	var fo FetchOptions
	if fetchOpts != nil {
		fo = *fetchOpts
	}

	q.mu.Lock()
	if q.state.IsFetching && q.retryer != nil {
		if !q.state.DataUpdatedAt.IsZero() && fo.CancelRefetch {
			r := q.retryer
			q.mu.Unlock()
			r.Cancel(retry.CancelOptions{Silent: true})
			q.mu.Lock()
		} else {
			r := q.retryer
			q.mu.Unlock()
			// Загрузка могла остаться без повторов после отписки.
			r.ContinueRetry()
			return r
		}
	}

	if opts != nil {
		q.setOptionsLocked(*opts)
	}
	if q.options.QueryFn == nil {
		for _, o := range q.observers {
			if oo := o.Options(); oo.QueryFn != nil {
				q.setOptionsLocked(oo)
				break
			}
		}
	}

	options := q.options
	options.QueryFn = q.cache.wrap(options.QueryFn)
	queryFn := options.QueryFn
	fc := &FetchContext{
		FetchOptions: fo,
		Options:      options,
		QueryKey:     q.queryKey,
		State:        q.state,
		Meta:         options.Meta,
	}
	fc.FetchFn = func(ctx context.Context) (any, error) {
		if queryFn == nil {
			return nil, ErrMissingQueryFn
		}
		return queryFn.Fetch(ctx, FunctionContext{QueryKey: q.queryKey, Meta: options.Meta})
	}
	if options.Behavior != nil {
		options.Behavior.OnFetch(fc)
	}

	revert := q.state
	q.revertState = &revert

	var fetchAction Action
	if !q.state.IsFetching || q.state.FetchMeta != fo.Meta {
		fetchAction = FetchAction{Meta: fo.Meta}
		q.state = reduce(q.state, q.revertState, fetchAction, time.Now())
	}

	r := retry.New(retry.Config{
		Work:       newWork(fc.FetchFn, queryFn),
		Context:    context.WithoutCancel(ctx),
		Retry:      options.Retry,
		RetryDelay: options.RetryDelay,
		Focus:      q.cache.cfg.focus,
		Online:     q.cache.cfg.online,
		OnSuccess:  q.onFetchSuccess,
		OnError:    q.onFetchError,
		OnFail:     func(int, error) { q.dispatch(FailedAction{}) },
		OnPause:    func() { q.dispatch(PauseAction{}) },
		OnContinue: func() { q.dispatch(ContinueAction{}) },
	})
	q.retryer = r
	observers := slices.Clone(q.observers)
	q.mu.Unlock()

	if fetchAction != nil {
		q.publish(fetchAction, observers)
	}
	return r
}

func (q *Query) onFetchSuccess(data any) {
	q.SetData(func(any) any { return data }, time.Time{})
	q.cache.cfg.onSuccess(data, q)
	if q.CacheTime() == 0 {
		q.optionalRemove()
	}
}

func (q *Query) onFetchError(err error) {
	ce, cancelled := retry.AsCancelled(err)
	if !cancelled || !ce.Silent {
		q.dispatch(ErrorAction{Error: err})
	}
	if !cancelled {
		q.cache.cfg.onError(err, q)
		q.cache.cfg.logger.Error("ошибка загрузки запроса",
			slog.String("query_hash", q.queryHash),
			slog.Any("error", err),
		)
	}
	if q.CacheTime() == 0 {
		q.optionalRemove()
	}
}

func (q *Query) dispatch(action Action) {
	q.mu.Lock()
	q.state = reduce(q.state, q.revertState, action, time.Now())
	observers := slices.Clone(q.observers)
	q.mu.Unlock()

	q.publish(action, observers)
}

func (q *Query) publish(action Action, observers []*Observer) {
	q.cache.cfg.notifier.Batch(func() {
		for _, o := range observers {
			o.onQueryUpdate(action)
		}
		q.cache.notify(Event{Type: EventQueryUpdated, Query: q, Action: action})
	})
}

type work struct {
	fetch func(ctx context.Context) (any, error)
}

func (w work) Do(ctx context.Context) (any, error) {
	return w.fetch(ctx)
}

type cancelableWork struct {
	work
	cancel retry.Cancelable
}

func (w cancelableWork) Cancel() {
	w.cancel.Cancel()
}

func newWork(fetch func(ctx context.Context) (any, error), fn QueryFunction) retry.Work {
	w := work{fetch: fetch}
	if c, ok := fn.(retry.Cancelable); ok {
		return cancelableWork{work: w, cancel: c}
	}
	return w
}
