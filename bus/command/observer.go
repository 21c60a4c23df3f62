package command

import (
	"context"
	"sync"

	"github.com/x-research-team/dtx-query/bus/event"
	"github.com/x-research-team/dtx-query/bus/query"
)

// Result — состояние текущей мутации наблюдателя с признаками статуса.
type Result struct {
	State

	IsIdle    bool
	IsLoading bool
	IsSuccess bool
	IsError   bool
}

func newResult(state State) Result {
	return Result{
		State:     state,
		IsIdle:    state.Status == query.StatusIdle,
		IsLoading: state.Status == query.StatusLoading,
		IsSuccess: state.Status == query.StatusSuccess,
		IsError:   state.Status == query.StatusError,
	}
}

// MutateOptions — обработчики одного вызова Mutate. Вызываются после
// обработчиков параметров и только для последнего вызова.
type MutateOptions struct {
	OnSuccess func(data, variables, mctx any)
	OnError   func(err error, variables, mctx any)
	OnSettled func(data any, err error, variables, mctx any)
}

// Observer — представление последней мутации для одного потребителя.
type Observer struct {
	event.Subscribable[func(Result)]

	client Client

	mu              sync.Mutex
	options         Options
	current         Result
	currentMutation *Mutation
	mutateOptions   *MutateOptions
}

// NewObserver создает наблюдателя мутаций.
func NewObserver(client Client, opts Options) *Observer {
	o := &Observer{
		client:  client,
		current: newResult(DefaultState()),
	}
	o.SetHooks(event.Hooks{OnUnsubscribe: o.onUnsubscribe})
	o.SetOptions(opts)
	return o
}

// SetOptions заменяет параметры следующих вызовов Mutate.
func (o *Observer) SetOptions(opts Options) {
	defaulted := o.client.DefaultMutationOptions(opts)
	o.mu.Lock()
	o.options = defaulted
	o.mu.Unlock()
}

// Options возвращает разрешенные параметры.
func (o *Observer) Options() Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options
}

// GetCurrentResult возвращает последний результат.
func (o *Observer) GetCurrentResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Observer) onUnsubscribe(listeners int) {
	if listeners > 0 {
		return
	}
	o.mu.Lock()
	m := o.currentMutation
	o.mu.Unlock()
	if m != nil {
		m.removeObserver(o)
	}
}

// Mutate создает новую мутацию с переменными variables и ожидает ее
// результата. Наблюдатель переключается на новую мутацию.
func (o *Observer) Mutate(ctx context.Context, variables any, mo *MutateOptions) (any, error) {
	o.mu.Lock()
	prev := o.currentMutation
	opts := o.options
	o.mutateOptions = mo
	o.mu.Unlock()

	if prev != nil {
		prev.removeObserver(o)
	}
	if variables != nil {
		opts.Variables = variables
	}

	m := o.client.MutationCache().Build(o.client, opts, nil)
	o.mu.Lock()
	o.currentMutation = m
	o.mu.Unlock()
	m.addObserver(o)

	return m.Execute(ctx)
}

// Reset отсоединяет наблюдателя от мутации и возвращает начальный результат.
func (o *Observer) Reset() {
	o.mu.Lock()
	prev := o.currentMutation
	o.currentMutation = nil
	o.mutateOptions = nil
	o.current = newResult(DefaultState())
	o.mu.Unlock()

	if prev != nil {
		prev.removeObserver(o)
	}
	o.notify(false, false)
}

func (o *Observer) onMutationUpdate(m *Mutation, action Action) {
	o.mu.Lock()
	if o.currentMutation != m {
		o.mu.Unlock()
		return
	}
	o.current = newResult(m.State())
	o.mu.Unlock()

	_, success := action.(SuccessAction)
	_, failure := action.(ErrorAction)
	o.notify(success, failure)
}

func (o *Observer) notify(success, failure bool) {
	o.mu.Lock()
	res := o.current
	mo := o.mutateOptions
	o.mu.Unlock()

	notifier := o.client.MutationCache().Notifier()
	notifier.Batch(func() {
		if mo != nil {
			switch {
			case success:
				if mo.OnSuccess != nil {
					mo.OnSuccess(res.Data, res.Variables, res.Context)
				}
				if mo.OnSettled != nil {
					mo.OnSettled(res.Data, nil, res.Variables, res.Context)
				}
			case failure:
				if mo.OnError != nil {
					mo.OnError(res.Error, res.Variables, res.Context)
				}
				if mo.OnSettled != nil {
					mo.OnSettled(nil, res.Error, res.Variables, res.Context)
				}
			}
		}
		for _, l := range o.Listeners() {
			notifier.Schedule(func() { l(res) })
		}
	})
}
