package query

import (
	"time"
)

// Result — производный результат наблюдателя. Вычисляется из состояния
// записи и параметров наблюдателя и никогда не изменяет запись.
type Result struct {
	Status           Status
	Data             any
	DataUpdatedAt    time.Time
	Error            error
	ErrorUpdatedAt   time.Time
	FailureCount     int
	ErrorUpdateCount int

	IsError             bool
	IsFetched           bool
	IsFetchedAfterMount bool
	IsFetching          bool
	IsIdle              bool
	IsLoading           bool
	IsLoadingError      bool
	IsPlaceholderData   bool
	IsPreviousData      bool
	IsRefetchError      bool
	IsRefetching        bool
	IsStale             bool
	IsSuccess           bool

	// state — состояние записи, из которого получен результат.
	state State
}

// resultProps — поля результата, участвующие в фильтре уведомлений.
var resultProps = map[string]func(r *Result) any{
	PropStatus:              func(r *Result) any { return r.Status },
	PropData:                func(r *Result) any { return r.Data },
	PropDataUpdatedAt:       func(r *Result) any { return r.DataUpdatedAt },
	PropError:               func(r *Result) any { return r.Error },
	PropErrorUpdatedAt:      func(r *Result) any { return r.ErrorUpdatedAt },
	PropFailureCount:        func(r *Result) any { return r.FailureCount },
	PropErrorUpdateCount:    func(r *Result) any { return r.ErrorUpdateCount },
	PropIsFetched:           func(r *Result) any { return r.IsFetched },
	PropIsFetchedAfterMount: func(r *Result) any { return r.IsFetchedAfterMount },
	PropIsFetching:          func(r *Result) any { return r.IsFetching },
	PropIsRefetching:        func(r *Result) any { return r.IsRefetching },
	PropIsLoadingError:      func(r *Result) any { return r.IsLoadingError },
	PropIsRefetchError:      func(r *Result) any { return r.IsRefetchError },
	PropIsPlaceholderData:   func(r *Result) any { return r.IsPlaceholderData },
	PropIsPreviousData:      func(r *Result) any { return r.IsPreviousData },
	PropIsStale:             func(r *Result) any { return r.IsStale },
	"isError":               func(r *Result) any { return r.IsError },
	"isIdle":                func(r *Result) any { return r.IsIdle },
	"isLoading":             func(r *Result) any { return r.IsLoading },
	"isSuccess":             func(r *Result) any { return r.IsSuccess },
}

// shallowEqualResults сравнивает результаты поле за полем по ссылке.
func shallowEqualResults(a, b *Result) bool {
	for _, get := range resultProps {
		if !Identical(get(a), get(b)) {
			return false
		}
	}
	return true
}
