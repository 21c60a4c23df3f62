package query

import (
	"slices"
	"sync"

	"github.com/x-research-team/dtx-query/bus/event"
)

// QueriesObserver наблюдает за списком запросов и публикует список
// результатов. Наблюдатели сохраняются между вызовами SetQueries по хешу
// ключа, поэтому перестановка запросов не порождает новых загрузок.
type QueriesObserver struct {
	event.Subscribable[func([]Result)]

	client Client

	mu        sync.Mutex
	result    []Result
	observers []*Observer
	byHash    map[string]*Observer
}

// NewQueriesObserver создает наблюдателя списка запросов.
func NewQueriesObserver(client Client, queries []Options) *QueriesObserver {
	o := &QueriesObserver{
		client: client,
		byHash: make(map[string]*Observer),
	}
	o.SetHooks(event.Hooks{
		OnSubscribe:   o.onSubscribe,
		OnUnsubscribe: o.onUnsubscribe,
	})
	o.SetQueries(queries)
	return o
}

func (o *QueriesObserver) onSubscribe(listeners int) {
	if listeners != 1 {
		return
	}
	for _, obs := range o.Observers() {
		obs.Subscribe(o.listenerFor(obs))
	}
}

func (o *QueriesObserver) onUnsubscribe(listeners int) {
	if listeners == 0 {
		o.Destroy()
	}
}

func (o *QueriesObserver) listenerFor(obs *Observer) func(Result) {
	return func(r Result) { o.onUpdate(obs, r) }
}

// Destroy отписывает слушателей и уничтожает вложенных наблюдателей.
func (o *QueriesObserver) Destroy() {
	o.Clear()
	for _, obs := range o.Observers() {
		obs.Destroy()
	}
}

// Observers возвращает вложенных наблюдателей в порядке запросов.
func (o *QueriesObserver) Observers() []*Observer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.observers)
}

// GetCurrentResult возвращает результаты в порядке запросов.
func (o *QueriesObserver) GetCurrentResult() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.result)
}

// GetOptimisticResult вычисляет результаты для списка запросов, не меняя
// состояние наблюдателя.
func (o *QueriesObserver) GetOptimisticResult(queries []Options) []Result {
	matches := o.findMatchingObservers(queries)
	out := make([]Result, len(matches))
	for i, m := range matches {
		out[i] = m.observer.GetOptimisticResult(m.options)
	}
	return out
}

// SetQueries заменяет список запросов.
func (o *QueriesObserver) SetQueries(queries []Options) {
	o.client.QueryCache().Notifier().Batch(func() {
		o.updateObservers(queries)
	})
}

type observerMatch struct {
	options  Options
	observer *Observer
}

func (o *QueriesObserver) findMatchingObservers(queries []Options) []observerMatch {
	o.mu.Lock()
	prevObservers := slices.Clone(o.observers)
	byHash := o.byHash
	o.mu.Unlock()

	defaulted := make([]Options, len(queries))
	for i, q := range queries {
		defaulted[i] = o.client.DefaultQueryOptions(q)
	}

	matches := make([]observerMatch, len(defaulted))
	matched := make(map[*Observer]bool)
	var unmatched []int
	for i, opts := range defaulted {
		if obs, ok := byHash[opts.QueryHash]; ok {
			matches[i] = observerMatch{options: opts, observer: obs}
			matched[obs] = true
			continue
		}
		unmatched = append(unmatched, i)
	}

	// Освободившиеся наблюдатели переиспользуются запросами с
	// KeepPreviousData, чтобы сохранить предыдущий результат.
	var free []*Observer
	for _, obs := range prevObservers {
		if !matched[obs] {
			free = append(free, obs)
		}
	}
	for _, i := range unmatched {
		opts := defaulted[i]
		if isSet(opts.KeepPreviousData) && len(free) > 0 {
			matches[i] = observerMatch{options: opts, observer: free[0]}
			free = free[1:]
			continue
		}
		matches[i] = observerMatch{options: opts, observer: NewObserver(o.client, opts)}
	}

	return matches
}

func (o *QueriesObserver) updateObservers(queries []Options) {
	matches := o.findMatchingObservers(queries)

	// Вложенные наблюдатели не уведомляют своих слушателей: список
	// публикуется одним уведомлением.
	for _, m := range matches {
		m.observer.setOptions(m.options, &notifyOptions{skipListeners: true})
	}

	next := make([]*Observer, len(matches))
	byHash := make(map[string]*Observer, len(matches))
	result := make([]Result, len(matches))
	for i, m := range matches {
		next[i] = m.observer
		byHash[m.options.QueryHash] = m.observer
		result[i] = m.observer.GetCurrentResult()
	}

	o.mu.Lock()
	prev := o.observers
	indexChanged := len(prev) != len(next)
	for i := 0; !indexChanged && i < len(next); i++ {
		indexChanged = prev[i] != next[i]
	}
	o.result = result
	if !indexChanged {
		o.mu.Unlock()
		return
	}
	o.observers = next
	o.byHash = byHash
	o.mu.Unlock()

	if !o.HasListeners() {
		return
	}
	for _, obs := range prev {
		if !slices.Contains(next, obs) {
			obs.Destroy()
		}
	}
	for _, obs := range next {
		if !slices.Contains(prev, obs) {
			obs.Subscribe(o.listenerFor(obs))
		}
	}
	o.notify()
}

func (o *QueriesObserver) onUpdate(obs *Observer, r Result) {
	o.mu.Lock()
	idx := slices.Index(o.observers, obs)
	if idx < 0 {
		o.mu.Unlock()
		return
	}
	result := slices.Clone(o.result)
	result[idx] = r
	o.result = result
	o.mu.Unlock()

	o.notify()
}

func (o *QueriesObserver) notify() {
	notifier := o.client.QueryCache().Notifier()
	notifier.Batch(func() {
		result := o.GetCurrentResult()
		for _, l := range o.Listeners() {
			notifier.Schedule(func() { l(result) })
		}
	})
}
