package query

// Filters выбирает записи кеша для пакетных операций. Нулевые поля не
// ограничивают выборку.
type Filters struct {
	QueryKey QueryKey
	// Exact требует совпадения хеша; иначе ключ сравнивается частично.
	Exact bool
	// Active и Inactive выбирают записи с включенными наблюдателями и без
	// них. Если заданы оба со значением true или оба не заданы, выбираются
	// все записи; оба false не выбирают ничего.
	Active   *bool
	Inactive *bool
	Stale    *bool
	Fetching *bool
	// Дополнительное условие.
	Predicate func(q *Query) bool
}

type activeFilter int

const (
	activeAll activeFilter = iota
	activeOnly
	inactiveOnly
	activeNone
)

func (f Filters) activeFilter() activeFilter {
	switch {
	case f.Active == nil && f.Inactive == nil:
		return activeAll
	case f.Active != nil && f.Inactive != nil && *f.Active && *f.Inactive:
		return activeAll
	case f.Active != nil && f.Inactive != nil && !*f.Active && !*f.Inactive:
		return activeNone
	}
	active := false
	if f.Active != nil {
		active = *f.Active
	} else {
		active = !*f.Inactive
	}
	if active {
		return activeOnly
	}
	return inactiveOnly
}

// Match сообщает, подходит ли запись под фильтр.
func (f Filters) Match(q *Query) bool {
	if f.QueryKey != nil {
		if f.Exact {
			if q.queryHash != hashByOptions(f.QueryKey, q.Options()) {
				return false
			}
		} else if !PartialMatchKey(q.queryKey, f.QueryKey) {
			return false
		}
	}

	switch f.activeFilter() {
	case activeNone:
		return false
	case activeOnly:
		if !q.IsActive() {
			return false
		}
	case inactiveOnly:
		if q.IsActive() {
			return false
		}
	}

	if f.Stale != nil && q.IsStale() != *f.Stale {
		return false
	}
	if f.Fetching != nil && q.IsFetching() != *f.Fetching {
		return false
	}
	if f.Predicate != nil && !f.Predicate(q) {
		return false
	}
	return true
}
