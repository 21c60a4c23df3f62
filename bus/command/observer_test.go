package command_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/query"
)

// results собирает уведомления наблюдателя.
type results struct {
	mu  sync.Mutex
	all []command.Result
}

func (r *results) listen(res command.Result) {
	r.mu.Lock()
	r.all = append(r.all, res)
	r.mu.Unlock()
}

func (r *results) statuses() []query.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]query.Status, 0, len(r.all))
	for _, res := range r.all {
		out = append(out, res.Status)
	}
	return out
}

func echoFn() command.MutationFunction {
	return command.MutationFunc(func(_ context.Context, fc command.FunctionContext) (any, error) {
		if fc.Variables == "плохие" {
			return nil, errRejected
		}
		return fc.Variables, nil
	})
}

// Тест выполнения через наблюдателя.
func TestObserver_Mutate(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	obs := command.NewObserver(client, command.Options{MutationFn: echoFn()})
	rec := &results{}
	unsubscribe := obs.Subscribe(rec.listen)
	defer unsubscribe()

	j := &journal{}
	ctx, cancel := testCtx()
	defer cancel()
	data, err := obs.Mutate(ctx, "запись", &command.MutateOptions{
		OnSuccess: func(data, _, _ any) { j.add("onSuccess %v", data) },
		OnSettled: func(data any, err error, _, _ any) { j.add("onSettled %v %v", data, err) },
	})
	require.NoError(t, err)
	assert.Equal(t, "запись", data)

	res := obs.GetCurrentResult()
	assert.True(t, res.IsSuccess)
	assert.Equal(t, "запись", res.Data)
	assert.Equal(t, []query.Status{query.StatusLoading, query.StatusSuccess}, rec.statuses())
	assert.Equal(t, []string{"onSuccess запись", "onSettled запись <nil>"}, j.list())
}

// Тест ошибки через наблюдателя.
func TestObserver_MutateError(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	obs := command.NewObserver(client, command.Options{MutationFn: echoFn()})
	unsubscribe := obs.Subscribe(func(command.Result) {})
	defer unsubscribe()

	var got error
	ctx, cancel := testCtx()
	defer cancel()
	_, err := obs.Mutate(ctx, "плохие", &command.MutateOptions{
		OnError: func(err error, _, _ any) { got = err },
	})
	require.ErrorIs(t, err, errRejected)
	assert.ErrorIs(t, got, errRejected)
	assert.True(t, obs.GetCurrentResult().IsError)
}

// Тест переключения наблюдателя на новую мутацию и сброса.
func TestObserver_SwitchAndReset(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	obs := command.NewObserver(client, command.Options{MutationFn: echoFn()})
	rec := &results{}
	unsubscribe := obs.Subscribe(rec.listen)
	defer unsubscribe()

	ctx, cancel := testCtx()
	defer cancel()
	_, err := obs.Mutate(ctx, "первая", nil)
	require.NoError(t, err)
	_, err = obs.Mutate(ctx, "вторая", nil)
	require.NoError(t, err)

	all := client.MutationCache().GetAll()
	require.Len(t, all, 2, "Каждый вызов создает отдельную мутацию")
	assert.Zero(t, all[0].ObserversCount(), "Предыдущая мутация теряет наблюдателя")
	assert.Equal(t, 1, all[1].ObserversCount())

	t.Run("Обновления прежней мутации игнорируются", func(t *testing.T) {
		all[0].SetState(command.State{Status: query.StatusError})
		assert.True(t, obs.GetCurrentResult().IsSuccess)
		assert.Equal(t, "вторая", obs.GetCurrentResult().Data)
	})

	t.Run("Сброс", func(t *testing.T) {
		obs.Reset()
		res := obs.GetCurrentResult()
		assert.True(t, res.IsIdle)
		assert.Nil(t, res.Data)
		assert.Zero(t, all[1].ObserversCount())
		statuses := rec.statuses()
		assert.Equal(t, query.StatusIdle, statuses[len(statuses)-1])
	})
}

// Тест отписки последнего слушателя.
func TestObserver_UnsubscribeDetaches(t *testing.T) {
	t.Parallel()

	client := newTestClient()
	obs := command.NewObserver(client, command.Options{MutationFn: echoFn()})
	unsubscribe := obs.Subscribe(func(command.Result) {})

	ctx, cancel := testCtx()
	defer cancel()
	_, err := obs.Mutate(ctx, "запись", nil)
	require.NoError(t, err)

	m := client.MutationCache().GetAll()[0]
	assert.Equal(t, 1, m.ObserversCount())
	unsubscribe()
	assert.Zero(t, m.ObserversCount())
}
