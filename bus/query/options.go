package query

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/x-research-team/dtx-query/bus/retry"
)

// Infinity отключает таймер: данные никогда не устаревают, запись никогда
// не удаляется сборщиком.
const Infinity = time.Duration(math.MaxInt64)

// Время хранения записи без наблюдателей по умолчанию.
const DefaultCacheTime = 5 * time.Minute

// Bool возвращает указатель на v.
func Bool(v bool) *bool {
	return &v
}

// Duration возвращает указатель на d.
func Duration(d time.Duration) *time.Duration {
	return &d
}

func isValidTimeout(d time.Duration) bool {
	return d >= 0 && d != Infinity
}

// RefetchMode управляет повторной загрузкой по триггеру: монтирование,
// возврат фокуса, восстановление сети.
type RefetchMode int

const (
	// RefetchUnset — не задано, действует как RefetchIfStale.
	RefetchUnset RefetchMode = iota
	// RefetchIfStale загружает заново только устаревшие данные.
	RefetchIfStale
	// RefetchNever отключает триггер.
	RefetchNever
	// RefetchAlways загружает заново независимо от свежести.
	RefetchAlways
)

// Props — имена полей Result для фильтра уведомлений.
const (
	PropStatus              = "status"
	PropData                = "data"
	PropDataUpdatedAt       = "dataUpdatedAt"
	PropError               = "error"
	PropErrorUpdatedAt      = "errorUpdatedAt"
	PropFailureCount        = "failureCount"
	PropErrorUpdateCount    = "errorUpdateCount"
	PropIsFetched           = "isFetched"
	PropIsFetchedAfterMount = "isFetchedAfterMount"
	PropIsFetching          = "isFetching"
	PropIsRefetching        = "isRefetching"
	PropIsLoadingError      = "isLoadingError"
	PropIsRefetchError      = "isRefetchError"
	PropIsPlaceholderData   = "isPlaceholderData"
	PropIsPreviousData      = "isPreviousData"
	PropIsStale             = "isStale"

	// PropsTracked включает режим, в котором уведомление вызывают только
	// поля, объявленные через Observer.TrackProps.
	PropsTracked = "tracked"
)

// FunctionContext передается функции загрузки.
type FunctionContext struct {
	QueryKey  QueryKey
	PageParam any
	Meta      map[string]any
	// Headers переносит метаданные транспорта, например контекст трассировки.
	Headers map[string]string
}

// QueryFunction загружает данные запроса. Контекст отменяется при отмене
// загрузки. Реализация, которая дополнительно реализует retry.Cancelable,
// считается поддерживающей отмену транспорта.
type QueryFunction interface {
	Fetch(ctx context.Context, fc FunctionContext) (any, error)
}

// QueryFunc адаптирует функцию к интерфейсу QueryFunction.
type QueryFunc func(ctx context.Context, fc FunctionContext) (any, error)

// Fetch реализует QueryFunction.
func (f QueryFunc) Fetch(ctx context.Context, fc FunctionContext) (any, error) {
	return f(ctx, fc)
}

type cancelableFunc struct {
	QueryFunc
	cancel func()
}

func (f cancelableFunc) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Abortable помечает функцию как прерываемую: она соблюдает отмену
// контекста, и при отписке последнего наблюдателя загрузка отменяется
// вместо того, чтобы завершиться в фоне.
func Abortable(fn QueryFunc) QueryFunction {
	return cancelableFunc{QueryFunc: fn}
}

// WithCancel связывает функцию с собственным механизмом отмены транспорта.
func WithCancel(fn QueryFunc, cancel func()) QueryFunction {
	return cancelableFunc{QueryFunc: fn, cancel: cancel}
}

// Wrap оборачивает next функцией fn, сохраняя поддержку отмены транспорта.
// Предназначена для промежуточных слоев.
func Wrap(next QueryFunction, fn QueryFunc) QueryFunction {
	if c, ok := next.(retry.Cancelable); ok {
		return cancelableFunc{QueryFunc: fn, cancel: c.Cancel}
	}
	return fn
}

// Middleware оборачивает функцию загрузки.
type Middleware func(next QueryFunction) QueryFunction

// Direction задает направление загрузки страницы.
type Direction int

const (
	Forward Direction = iota + 1
	Backward
)

// FetchMore описывает загрузку одной дополнительной страницы.
type FetchMore struct {
	Direction Direction
	PageParam any
}

// FetchMeta хранит метаданные текущей загрузки.
type FetchMeta struct {
	FetchMore   *FetchMore
	RefetchPage func(page any, index int, allPages []any) bool
}

// FetchOptions управляют отдельным вызовом загрузки.
type FetchOptions struct {
	// CancelRefetch отменяет текущую загрузку, если данные уже есть.
	CancelRefetch bool
	ThrowOnError  bool
	Meta          *FetchMeta
}

// FetchContext передается поведению и позволяет заменить функцию загрузки.
type FetchContext struct {
	FetchOptions FetchOptions
	Options      Options
	QueryKey     QueryKey
	State        State
	Meta         map[string]any
	FetchFn      func(ctx context.Context) (any, error)
}

// Behavior перехватывает загрузку; используется бесконечными запросами.
type Behavior interface {
	OnFetch(fc *FetchContext)
}

// Options — параметры запроса и наблюдателя. Нулевые поля означают
// "не задано" и заполняются значениями по умолчанию.
type Options struct {
	QueryKey       QueryKey
	QueryHash      string
	QueryKeyHashFn KeyHashFunc
	QueryFn        QueryFunction

	Retry      retry.Policy
	RetryDelay retry.DelayFunc

	CacheTime         *time.Duration
	StaleTime         *time.Duration
	StructuralSharing *bool
	IsDataEqual       func(prev, next any) bool

	InitialData          any
	InitialDataFn        func() any
	InitialDataUpdatedAt time.Time

	Meta     map[string]any
	Behavior Behavior

	GetNextPageParam     func(lastPage any, allPages []any) any
	GetPreviousPageParam func(firstPage any, allPages []any) any

	Enabled              *bool
	RetryOnMount         *bool
	RefetchOnMount       RefetchMode
	RefetchOnWindowFocus RefetchMode
	RefetchOnReconnect   RefetchMode

	RefetchInterval             time.Duration
	RefetchIntervalFn           func(data any, q *Query) time.Duration
	RefetchIntervalInBackground *bool

	NotifyOnChangeProps           []string
	NotifyOnChangePropsExclusions []string

	OnSuccess func(data any)
	OnError   func(err error)
	OnSettled func(data any, err error)

	Select            func(data any) (any, error)
	KeepPreviousData  *bool
	PlaceholderData   any
	PlaceholderDataFn func() any

	Suspense          *bool
	UseErrorBoundary  *bool
	OptimisticResults *bool

	defaulted bool
}

func (o Options) cacheTime() time.Duration {
	if o.CacheTime != nil {
		return *o.CacheTime
	}
	return DefaultCacheTime
}

func (o Options) staleTime() time.Duration {
	if o.StaleTime != nil {
		return *o.StaleTime
	}
	return 0
}

func (o Options) enabled() bool {
	return o.Enabled == nil || *o.Enabled
}

func isSet(v *bool) bool {
	return v != nil && *v
}

func (o Options) structuralSharing() bool {
	return o.StructuralSharing == nil || *o.StructuralSharing
}

func (o Options) initialData() any {
	if o.InitialDataFn != nil {
		return o.InitialDataFn()
	}
	return o.InitialData
}

func (o Options) placeholderData() any {
	if o.PlaceholderDataFn != nil {
		return o.PlaceholderDataFn()
	}
	return o.PlaceholderData
}

func (o Options) hasPlaceholder() bool {
	return o.PlaceholderData != nil || o.PlaceholderDataFn != nil
}

// Merge накладывает заданные поля over поверх base.
func Merge(base, over Options) Options {
	out := base
	if over.QueryKey != nil {
		out.QueryKey = over.QueryKey
	}
	if over.QueryHash != "" {
		out.QueryHash = over.QueryHash
	}
	if over.QueryKeyHashFn != nil {
		out.QueryKeyHashFn = over.QueryKeyHashFn
	}
	if over.QueryFn != nil {
		out.QueryFn = over.QueryFn
	}
	if over.Retry != nil {
		out.Retry = over.Retry
	}
	if over.RetryDelay != nil {
		out.RetryDelay = over.RetryDelay
	}
	if over.CacheTime != nil {
		out.CacheTime = over.CacheTime
	}
	if over.StaleTime != nil {
		out.StaleTime = over.StaleTime
	}
	if over.StructuralSharing != nil {
		out.StructuralSharing = over.StructuralSharing
	}
	if over.IsDataEqual != nil {
		out.IsDataEqual = over.IsDataEqual
	}
	if over.InitialData != nil {
		out.InitialData = over.InitialData
	}
	if over.InitialDataFn != nil {
		out.InitialDataFn = over.InitialDataFn
	}
	if !over.InitialDataUpdatedAt.IsZero() {
		out.InitialDataUpdatedAt = over.InitialDataUpdatedAt
	}
	if over.Meta != nil {
		out.Meta = over.Meta
	}
	if over.Behavior != nil {
		out.Behavior = over.Behavior
	}
	if over.GetNextPageParam != nil {
		out.GetNextPageParam = over.GetNextPageParam
	}
	if over.GetPreviousPageParam != nil {
		out.GetPreviousPageParam = over.GetPreviousPageParam
	}
	if over.Enabled != nil {
		out.Enabled = over.Enabled
	}
	if over.RetryOnMount != nil {
		out.RetryOnMount = over.RetryOnMount
	}
	if over.RefetchOnMount != RefetchUnset {
		out.RefetchOnMount = over.RefetchOnMount
	}
	if over.RefetchOnWindowFocus != RefetchUnset {
		out.RefetchOnWindowFocus = over.RefetchOnWindowFocus
	}
	if over.RefetchOnReconnect != RefetchUnset {
		out.RefetchOnReconnect = over.RefetchOnReconnect
	}
	if over.RefetchInterval != 0 {
		out.RefetchInterval = over.RefetchInterval
	}
	if over.RefetchIntervalFn != nil {
		out.RefetchIntervalFn = over.RefetchIntervalFn
	}
	if over.RefetchIntervalInBackground != nil {
		out.RefetchIntervalInBackground = over.RefetchIntervalInBackground
	}
	if over.NotifyOnChangeProps != nil {
		out.NotifyOnChangeProps = over.NotifyOnChangeProps
	}
	if over.NotifyOnChangePropsExclusions != nil {
		out.NotifyOnChangePropsExclusions = over.NotifyOnChangePropsExclusions
	}
	if over.OnSuccess != nil {
		out.OnSuccess = over.OnSuccess
	}
	if over.OnError != nil {
		out.OnError = over.OnError
	}
	if over.OnSettled != nil {
		out.OnSettled = over.OnSettled
	}
	if over.Select != nil {
		out.Select = over.Select
	}
	if over.KeepPreviousData != nil {
		out.KeepPreviousData = over.KeepPreviousData
	}
	if over.PlaceholderData != nil {
		out.PlaceholderData = over.PlaceholderData
	}
	if over.PlaceholderDataFn != nil {
		out.PlaceholderDataFn = over.PlaceholderDataFn
	}
	if over.Suspense != nil {
		out.Suspense = over.Suspense
	}
	if over.UseErrorBoundary != nil {
		out.UseErrorBoundary = over.UseErrorBoundary
	}
	if over.OptimisticResults != nil {
		out.OptimisticResults = over.OptimisticResults
	}
	out.defaulted = over.defaulted
	return out
}

// Defaults хранит глобальные параметры и параметры по ключу.
// Приоритет: параметры вызова, затем первые совпавшие по частичному ключу,
// затем глобальные.
type Defaults struct {
	mu      sync.RWMutex
	global  Options
	entries []keyDefaults
}

type keyDefaults struct {
	key     QueryKey
	hash    string
	options Options
}

// SetGlobal заменяет глобальные параметры.
func (d *Defaults) SetGlobal(opts Options) {
	d.mu.Lock()
	d.global = opts
	d.mu.Unlock()
}

// Global возвращает глобальные параметры.
func (d *Defaults) Global() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.global
}

// Set регистрирует параметры для ключа. Повторная регистрация того же
// ключа заменяет параметры.
func (d *Defaults) Set(key QueryKey, opts Options) {
	hash := HashKey(key)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.entries {
		if d.entries[i].hash == hash {
			d.entries[i].options = opts
			return
		}
	}
	d.entries = append(d.entries, keyDefaults{key: key, hash: hash, options: opts})
}

// Get возвращает параметры первой регистрации, ключ которой частично
// совпадает с key.
func (d *Defaults) Get(key QueryKey) (Options, bool) {
	if key == nil {
		return Options{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if PartialMatchKey(key, e.key) {
			return e.options, true
		}
	}
	return Options{}, false
}

// Apply разрешает итоговые параметры и вычисляет хеш ключа. Повторное
// применение к уже разрешенным параметрам ничего не меняет.
func (d *Defaults) Apply(opts Options) Options {
	if opts.defaulted {
		// Ключ мог смениться в копии уже разрешенных параметров.
		if opts.QueryKey != nil {
			opts.QueryHash = hashByOptions(opts.QueryKey, opts)
		}
		return opts
	}
	out := d.Global()
	if keyed, ok := d.Get(opts.QueryKey); ok {
		out = Merge(out, keyed)
	}
	out = Merge(out, opts)
	out.defaulted = true
	if out.QueryHash == "" && out.QueryKey != nil {
		out.QueryHash = hashByOptions(out.QueryKey, out)
	}
	return out
}
