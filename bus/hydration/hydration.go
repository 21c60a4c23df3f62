// Package hydration переносит состояние кешей между процессами: снимает
// сериализуемый снимок запросов и мутаций и восстанавливает его в другом
// клиенте, не затирая более свежие данные.
package hydration

import (
	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/query"
)

// Client — часть клиента, которая нужна для снятия и восстановления снимка.
type Client interface {
	query.Client
	command.Client
}

// DehydratedQuery — сериализуемое представление записи кеша запросов.
type DehydratedQuery struct {
	QueryKey  query.QueryKey `json:"queryKey" msgpack:"queryKey"`
	QueryHash string         `json:"queryHash" msgpack:"queryHash"`
	State     query.State    `json:"state" msgpack:"state"`
}

// DehydratedMutation — сериализуемое представление мутации. Функция мутации
// не сохраняется и восстанавливается по ключу из параметров по умолчанию.
type DehydratedMutation struct {
	MutationKey query.QueryKey `json:"mutationKey,omitempty" msgpack:"mutationKey,omitempty"`
	State       command.State  `json:"state" msgpack:"state"`
}

// DehydratedState содержит снимок кешей.
type DehydratedState struct {
	Mutations []DehydratedMutation `json:"mutations" msgpack:"mutations"`
	Queries   []DehydratedQuery    `json:"queries" msgpack:"queries"`
}

// DehydrateOptions управляют снятием снимка.
type DehydrateOptions struct {
	// DehydrateQueries и DehydrateMutations по умолчанию включены.
	DehydrateQueries   *bool
	DehydrateMutations *bool
	// ShouldDehydrateQuery по умолчанию выбирает успешные запросы.
	ShouldDehydrateQuery func(q *query.Query) bool
	// ShouldDehydrateMutation по умолчанию выбирает приостановленные мутации.
	ShouldDehydrateMutation func(m *command.Mutation) bool
}

// DefaultShouldDehydrateQuery выбирает запросы со статусом success.
func DefaultShouldDehydrateQuery(q *query.Query) bool {
	return q.State().Status == query.StatusSuccess
}

// DefaultShouldDehydrateMutation выбирает приостановленные мутации.
func DefaultShouldDehydrateMutation(m *command.Mutation) bool {
	return m.State().IsPaused
}

// Dehydrate снимает снимок кешей клиента.
func Dehydrate(c Client, opts DehydrateOptions) DehydratedState {
	out := DehydratedState{
		Mutations: []DehydratedMutation{},
		Queries:   []DehydratedQuery{},
	}

	if opts.DehydrateMutations == nil || *opts.DehydrateMutations {
		should := opts.ShouldDehydrateMutation
		if should == nil {
			should = DefaultShouldDehydrateMutation
		}
		for _, m := range c.MutationCache().GetAll() {
			if should(m) {
				out.Mutations = append(out.Mutations, DehydratedMutation{MutationKey: m.Key(), State: m.State()})
			}
		}
	}

	if opts.DehydrateQueries == nil || *opts.DehydrateQueries {
		should := opts.ShouldDehydrateQuery
		if should == nil {
			should = DefaultShouldDehydrateQuery
		}
		for _, q := range c.QueryCache().GetAll() {
			if !should(q) {
				continue
			}
			state := q.State()
			// Восстановленная запись не загружается.
			state.IsFetching = false
			state.IsPaused = false
			state.FetchMeta = nil
			out.Queries = append(out.Queries, DehydratedQuery{QueryKey: q.Key(), QueryHash: q.Hash(), State: state})
		}
	}
	return out
}

// HydrateOptions задают параметры восстановленных записей.
type HydrateOptions struct {
	Queries   query.Options
	Mutations command.Options
}

// Hydrate восстанавливает снимок в кешах клиента. Существующая запись
// заменяется, только если данные снимка новее. Параметры по умолчанию, в
// том числе функции мутаций, подставляются по ключу при создании записей;
// приостановленные мутации продолжаются отдельным вызовом
// ResumePausedMutations.
func Hydrate(c Client, state DehydratedState, opts *HydrateOptions) {
	var ho HydrateOptions
	if opts != nil {
		ho = *opts
	}

	mutationCache := c.MutationCache()
	mutationCache.Notifier().Batch(func() {
		for _, dm := range state.Mutations {
			mo := command.Merge(ho.Mutations, command.Options{MutationKey: dm.MutationKey})
			st := dm.State
			mutationCache.Build(c, mo, &st)
		}
	})

	queryCache := c.QueryCache()
	queryCache.Notifier().Batch(func() {
		for _, dq := range state.Queries {
			if q, ok := queryCache.Get(dq.QueryHash); ok {
				if q.State().DataUpdatedAt.Before(dq.State.DataUpdatedAt) {
					q.SetState(dq.State)
				}
				continue
			}
			qo := query.Merge(ho.Queries, query.Options{QueryKey: dq.QueryKey, QueryHash: dq.QueryHash})
			st := dq.State
			queryCache.Build(c, qo, &st)
		}
	})
}
