// Package command реализует мутации: однократные асинхронные записи с
// оптимистичным обновлением, их реестр и наблюдателей.
package command

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/x-research-team/dtx-query/bus/query"
	"github.com/x-research-team/dtx-query/bus/retry"
)

// ErrMissingMutationFn возвращается выполнением без функции мутации.
var ErrMissingMutationFn = errors.New("функция мутации не задана")

// Client — часть клиента, которая нужна кешу мутаций и наблюдателям.
type Client interface {
	MutationCache() *Cache
	DefaultMutationOptions(opts Options) Options
}

// Mutation — одна запись. Создается на каждый вызов и не разделяется между
// вызовами с одинаковым ключом.
type Mutation struct {
	cache *Cache
	id    int64

	mu        sync.Mutex
	options   Options
	state     State
	observers []*Observer
	retryer   *retry.Retryer
	exec      *execution
	gcTimer   *time.Timer
}

// execution описывает одно выполнение протокола мутации.
type execution struct {
	done chan struct{}
	data any
	err  error
}

func (e *execution) wait(ctx context.Context) (any, error) {
	select {
	case <-e.done:
		return e.data, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newMutation(cache *Cache, id int64, opts Options, state *State) *Mutation {
	m := &Mutation{
		cache:   cache,
		id:      id,
		options: opts,
		state:   DefaultState(),
	}
	if state != nil {
		m.state = *state
	}
	// Восстановленная завершенная мутация без наблюдателей подлежит сборке.
	if m.state.Status == query.StatusSuccess || m.state.Status == query.StatusError {
		m.scheduleGc()
	}
	return m
}

// ID возвращает порядковый номер мутации в кеше.
func (m *Mutation) ID() int64 {
	return m.id
}

// Options возвращает параметры мутации.
func (m *Mutation) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

// Key возвращает ключ мутации.
func (m *Mutation) Key() query.QueryKey {
	return m.Options().MutationKey
}

// Meta возвращает метаданные из параметров.
func (m *Mutation) Meta() map[string]any {
	return m.Options().Meta
}

// State возвращает снимок состояния.
func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState заменяет состояние.
func (m *Mutation) SetState(state State) {
	m.dispatch(SetStateAction{State: state})
}

// ObserversCount возвращает количество наблюдателей.
func (m *Mutation) ObserversCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

func (m *Mutation) addObserver(o *Observer) {
	m.mu.Lock()
	if slices.Contains(m.observers, o) {
		m.mu.Unlock()
		return
	}
	m.observers = append(m.observers, o)
	m.clearGcLocked()
	m.mu.Unlock()

	m.cache.notify(Event{Type: EventObserverAdded, Mutation: m, Observer: o})
}

func (m *Mutation) removeObserver(o *Observer) {
	m.mu.Lock()
	idx := slices.Index(m.observers, o)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.observers = slices.Delete(slices.Clone(m.observers), idx, idx+1)
	m.mu.Unlock()

	m.scheduleGc()
	m.cache.notify(Event{Type: EventObserverRemoved, Mutation: m, Observer: o})
}

// Execute выполняет мутацию и ожидает результата. Отмена ctx прекращает
// ожидание, но не выполнение.
func (m *Mutation) Execute(ctx context.Context) (any, error) {
	return m.start(ctx).wait(ctx)
}

// Continue продолжает приостановленное выполнение. Если выполнения нет,
// например после восстановления из снимка, оно начинается заново; мутация
// в статусе loading при этом не вызывает OnMutate повторно.
func (m *Mutation) Continue(ctx context.Context) (any, error) {
	m.mu.Lock()
	e := m.exec
	r := m.retryer
	m.mu.Unlock()

	if e == nil {
		return m.Execute(ctx)
	}
	if r != nil {
		r.Proceed()
	}
	return e.wait(ctx)
}

// Cancel отменяет текущую попытку.
func (m *Mutation) Cancel() {
	m.mu.Lock()
	r := m.retryer
	m.mu.Unlock()
	if r != nil {
		r.Cancel(retry.CancelOptions{})
	}
}

func (m *Mutation) start(ctx context.Context) *execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec != nil {
		return m.exec
	}
	e := &execution{done: make(chan struct{})}
	m.exec = e
	go m.run(context.WithoutCancel(ctx), e)
	return e
}

func (m *Mutation) run(ctx context.Context, e *execution) {
	e.data, e.err = m.execute(ctx)

	m.mu.Lock()
	if m.exec == e {
		m.exec = nil
	}
	m.mu.Unlock()
	close(e.done)
}

func (m *Mutation) execute(ctx context.Context) (any, error) {
	opts := m.Options()

	if m.State().Status != query.StatusLoading {
		m.dispatch(LoadingAction{Variables: opts.Variables})
		m.cache.cfg.onMutate(opts.Variables, m)
		if opts.OnMutate != nil {
			mctx, err := opts.OnMutate(opts.Variables)
			if err != nil {
				return nil, m.fail(err)
			}
			if !query.Identical(mctx, m.State().Context) {
				m.dispatch(LoadingAction{Variables: opts.Variables, Context: mctx})
			}
		}
	}

	data, err := m.executeFn(ctx, opts)
	if err != nil {
		return nil, m.fail(err)
	}

	state := m.State()
	m.cache.cfg.onSuccess(data, state.Variables, state.Context, m)
	if opts.OnSuccess != nil {
		opts.OnSuccess(data, state.Variables, state.Context)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(data, nil, state.Variables, state.Context)
	}
	m.dispatch(SuccessAction{Data: data})
	m.scheduleGc()
	return data, nil
}

// fail вызывает обработчики ошибки и фиксирует ее в состоянии. Отмена не
// считается ошибкой приложения, но обработчики параметров вызываются, чтобы
// откатить оптимистичное обновление.
func (m *Mutation) fail(err error) error {
	opts := m.Options()
	state := m.State()

	if !retry.IsCancelled(err) {
		m.cache.cfg.onError(err, state.Variables, state.Context, m)
		m.cache.cfg.logger.Error("ошибка выполнения мутации",
			slog.Int64("mutation_id", m.id),
			slog.Any("error", err),
		)
	}
	if opts.OnError != nil {
		opts.OnError(err, state.Variables, state.Context)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(nil, err, state.Variables, state.Context)
	}
	m.dispatch(ErrorAction{Error: err})
	m.scheduleGc()
	return err
}

func (m *Mutation) executeFn(ctx context.Context, opts Options) (any, error) {
	state := m.State()
	fc := FunctionContext{
		MutationKey: opts.MutationKey,
		MutationID:  m.id,
		Variables:   state.Variables,
		Meta:        opts.Meta,
	}

	// Retryer создается под блокировкой, чтобы Cancel не пропустил его.
	m.mu.Lock()
	r := retry.New(retry.Config{
		Work:       newWork(m.cache.wrap(opts.MutationFn), fc),
		Context:    ctx,
		Retry:      opts.retry(),
		RetryDelay: opts.RetryDelay,
		Focus:      m.cache.cfg.focus,
		Online:     m.cache.cfg.online,
		OnFail:     func(int, error) { m.dispatch(FailedAction{}) },
		OnPause:    func() { m.dispatch(PauseAction{}) },
		OnContinue: func() { m.dispatch(ContinueAction{}) },
	})
	m.retryer = r
	m.mu.Unlock()

	<-r.Done()
	return r.Result()
}

func (m *Mutation) dispatch(action Action) {
	m.mu.Lock()
	m.state = reduce(m.state, action)
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	m.cache.cfg.notifier.Batch(func() {
		for _, o := range observers {
			o.onMutationUpdate(m, action)
		}
		m.cache.notify(Event{Type: EventMutationUpdated, Mutation: m, Action: action})
	})
}

func (m *Mutation) scheduleGc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearGcLocked()
	cacheTime := m.options.cacheTime()
	if len(m.observers) > 0 || m.state.Status == query.StatusLoading {
		return
	}
	if cacheTime >= 0 && cacheTime != query.Infinity {
		m.gcTimer = time.AfterFunc(cacheTime, m.optionalRemove)
	}
}

func (m *Mutation) clearGcLocked() {
	if m.gcTimer != nil {
		m.gcTimer.Stop()
		m.gcTimer = nil
	}
}

func (m *Mutation) optionalRemove() {
	m.mu.Lock()
	keep := len(m.observers) > 0 || m.state.Status == query.StatusLoading
	m.mu.Unlock()
	if !keep {
		m.cache.Remove(m)
	}
}

func (m *Mutation) destroy() {
	m.mu.Lock()
	m.clearGcLocked()
	m.mu.Unlock()
	m.Cancel()
}

type work struct {
	fn MutationFunction
	fc FunctionContext
}

func (w work) Do(ctx context.Context) (any, error) {
	if w.fn == nil {
		return nil, ErrMissingMutationFn
	}
	return w.fn.Mutate(ctx, w.fc)
}

type cancelableWork struct {
	work
	cancel retry.Cancelable
}

func (w cancelableWork) Cancel() {
	w.cancel.Cancel()
}

func newWork(fn MutationFunction, fc FunctionContext) retry.Work {
	w := work{fn: fn, fc: fc}
	if c, ok := fn.(retry.Cancelable); ok {
		return cancelableWork{work: w, cancel: c}
	}
	return w
}
