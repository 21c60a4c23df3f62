package command

import (
	"context"
	"sync"
	"time"

	"github.com/x-research-team/dtx-query/bus/query"
	"github.com/x-research-team/dtx-query/bus/retry"
)

// Время хранения завершенной мутации без наблюдателей.
const DefaultCacheTime = 5 * time.Minute

// FunctionContext передается функции мутации.
type FunctionContext struct {
	MutationKey query.QueryKey
	MutationID  int64
	Variables   any
	Meta        map[string]any
	// Headers заполняются промежуточными слоями, например контекстом
	// трассировки, и передаются транспорту.
	Headers map[string]string
}

// MutationFunction выполняет запись.
type MutationFunction interface {
	Mutate(ctx context.Context, fc FunctionContext) (any, error)
}

// MutationFunc адаптирует функцию к интерфейсу MutationFunction.
type MutationFunc func(ctx context.Context, fc FunctionContext) (any, error)

// Mutate реализует MutationFunction.
func (f MutationFunc) Mutate(ctx context.Context, fc FunctionContext) (any, error) {
	return f(ctx, fc)
}

type cancelableFunc struct {
	MutationFunc
	cancel func()
}

func (f cancelableFunc) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Wrap оборачивает next функцией fn, сохраняя поддержку отмены транспорта.
func Wrap(next MutationFunction, fn MutationFunc) MutationFunction {
	if c, ok := next.(retry.Cancelable); ok {
		return cancelableFunc{MutationFunc: fn, cancel: c.Cancel}
	}
	return fn
}

// Middleware оборачивает функцию мутации.
type Middleware func(next MutationFunction) MutationFunction

// Options задает параметры мутации.
type Options struct {
	// MutationKey нужен только для поиска параметров по умолчанию и
	// фильтров: мутации не дедуплицируются по ключу.
	MutationKey query.QueryKey
	MutationFn  MutationFunction
	Variables   any

	// Retry по умолчанию запрещает повторы.
	Retry      retry.Policy
	RetryDelay retry.DelayFunc
	CacheTime  *time.Duration
	Meta       map[string]any

	// OnMutate вызывается до выполнения и возвращает контекст
	// оптимистичного обновления. Ошибка завершает мутацию без вызова
	// функции мутации.
	OnMutate  func(variables any) (any, error)
	OnSuccess func(data, variables, mctx any)
	OnError   func(err error, variables, mctx any)
	OnSettled func(data any, err error, variables, mctx any)

	defaulted bool
}

func (o Options) cacheTime() time.Duration {
	if o.CacheTime != nil {
		return *o.CacheTime
	}
	return DefaultCacheTime
}

func (o Options) retry() retry.Policy {
	if o.Retry != nil {
		return o.Retry
	}
	return retry.Never()
}

// Merge накладывает заданные поля over поверх base.
func Merge(base, over Options) Options {
	out := base
	if over.MutationKey != nil {
		out.MutationKey = over.MutationKey
	}
	if over.MutationFn != nil {
		out.MutationFn = over.MutationFn
	}
	if over.Variables != nil {
		out.Variables = over.Variables
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
	if over.Meta != nil {
		out.Meta = over.Meta
	}
	if over.OnMutate != nil {
		out.OnMutate = over.OnMutate
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
	out.defaulted = over.defaulted
	return out
}

// Defaults хранит глобальные параметры мутаций и параметры по ключу.
type Defaults struct {
	mu      sync.RWMutex
	global  Options
	entries []keyDefaults
}

type keyDefaults struct {
	key     query.QueryKey
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

// Set регистрирует параметры для ключа мутации.
func (d *Defaults) Set(key query.QueryKey, opts Options) {
	hash := query.HashKey(key)
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
func (d *Defaults) Get(key query.QueryKey) (Options, bool) {
	if key == nil {
		return Options{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if query.PartialMatchKey(key, e.key) {
			return e.options, true
		}
	}
	return Options{}, false
}

// Apply разрешает итоговые параметры: вызов, затем ключ, затем глобальные.
func (d *Defaults) Apply(opts Options) Options {
	if opts.defaulted {
		return opts
	}
	out := d.Global()
	if keyed, ok := d.Get(opts.MutationKey); ok {
		out = Merge(out, keyed)
	}
	out = Merge(out, opts)
	out.defaulted = true
	return out
}
