package command

import (
	"github.com/x-research-team/dtx-query/bus/query"
)

// Filters выбирает мутации. Нулевые поля не ограничивают выборку.
type Filters struct {
	MutationKey query.QueryKey
	Exact       bool
	// Fetching выбирает выполняющиеся мутации или завершенные.
	Fetching  *bool
	Predicate func(m *Mutation) bool
}

// Match сообщает, подходит ли мутация под фильтр.
func (f Filters) Match(m *Mutation) bool {
	if f.MutationKey != nil {
		key := m.Key()
		if f.Exact {
			if key == nil || query.HashKey(key) != query.HashKey(f.MutationKey) {
				return false
			}
		} else if !query.PartialMatchKey(key, f.MutationKey) {
			return false
		}
	}
	if f.Fetching != nil && (m.State().Status == query.StatusLoading) != *f.Fetching {
		return false
	}
	if f.Predicate != nil && !f.Predicate(m) {
		return false
	}
	return true
}
