package query

import (
	"time"

	"github.com/x-research-team/dtx-query/bus/retry"
)

// Status описывает статус запроса.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusError   Status = "error"
	StatusSuccess Status = "success"
)

// State — состояние записи кеша.
type State struct {
	Status            Status     `json:"status" msgpack:"status"`
	Data              any        `json:"data,omitempty" msgpack:"data,omitempty"`
	DataUpdatedAt     time.Time  `json:"dataUpdatedAt" msgpack:"dataUpdatedAt"`
	DataUpdateCount   int        `json:"dataUpdateCount" msgpack:"dataUpdateCount"`
	Error             error      `json:"-" msgpack:"-"`
	ErrorUpdatedAt    time.Time  `json:"errorUpdatedAt" msgpack:"errorUpdatedAt"`
	ErrorUpdateCount  int        `json:"errorUpdateCount" msgpack:"errorUpdateCount"`
	FetchFailureCount int        `json:"fetchFailureCount" msgpack:"fetchFailureCount"`
	FetchMeta         *FetchMeta `json:"-" msgpack:"-"`
	IsFetching        bool       `json:"isFetching" msgpack:"isFetching"`
	IsPaused          bool       `json:"isPaused" msgpack:"isPaused"`
	IsInvalidated     bool       `json:"isInvalidated" msgpack:"isInvalidated"`
}

// Action — закрытое множество переходов состояния запроса.
type Action interface {
	isAction()
}

// FetchAction начинает загрузку.
type FetchAction struct {
	Meta *FetchMeta
}

// SuccessAction сохраняет данные. Нулевой UpdatedAt означает текущее время.
type SuccessAction struct {
	Data      any
	UpdatedAt time.Time
}

// ErrorAction сохраняет ошибку загрузки.
type ErrorAction struct {
	Error error
}

// FailedAction увеличивает счетчик неудачных попыток между повторами.
type FailedAction struct{}

// PauseAction отмечает паузу повторов.
type PauseAction struct{}

// ContinueAction снимает паузу.
type ContinueAction struct{}

// InvalidateAction помечает данные недействительными.
type InvalidateAction struct{}

// SetStateAction полностью заменяет состояние.
type SetStateAction struct {
	State State
}

func (FetchAction) isAction()      {}
func (SuccessAction) isAction()    {}
func (ErrorAction) isAction()      {}
func (FailedAction) isAction()     {}
func (PauseAction) isAction()      {}
func (ContinueAction) isAction()   {}
func (InvalidateAction) isAction() {}
func (SetStateAction) isAction()   {}

// reduce вычисляет переход без побочных эффектов. revert хранит состояние до начала текущей
// загрузки, к которому возвращает отмена с Revert.
func reduce(state State, revert *State, action Action, now time.Time) State {
	switch a := action.(type) {
	case FailedAction:
		state.FetchFailureCount++
	case PauseAction:
		state.IsPaused = true
	case ContinueAction:
		state.IsPaused = false
	case FetchAction:
		state.FetchFailureCount = 0
		state.FetchMeta = a.Meta
		state.IsFetching = true
		state.IsPaused = false
		if state.DataUpdatedAt.IsZero() {
			state.Error = nil
			state.Status = StatusLoading
		}
	case SuccessAction:
		updatedAt := a.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		state.Data = a.Data
		state.DataUpdateCount++
		state.DataUpdatedAt = updatedAt
		state.Error = nil
		state.FetchFailureCount = 0
		state.IsFetching = false
		state.IsInvalidated = false
		state.IsPaused = false
		state.Status = StatusSuccess
	case ErrorAction:
		if ce, ok := retry.AsCancelled(a.Error); ok && ce.Revert && revert != nil {
			return *revert
		}
		state.Error = a.Error
		state.ErrorUpdateCount++
		state.ErrorUpdatedAt = now
		state.FetchFailureCount++
		state.IsFetching = false
		state.IsPaused = false
		state.Status = StatusError
	case InvalidateAction:
		state.IsInvalidated = true
	case SetStateAction:
		return a.State
	}
	return state
}

func defaultState(opts Options) State {
	data := opts.initialData()
	state := State{Status: StatusIdle, Data: data}
	if data != nil {
		state.Status = StatusSuccess
		state.DataUpdatedAt = opts.InitialDataUpdatedAt
		if state.DataUpdatedAt.IsZero() {
			state.DataUpdatedAt = time.Now()
		}
	}
	return state
}
