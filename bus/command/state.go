package command

import (
	"github.com/x-research-team/dtx-query/bus/query"
)

// Статус мутации.
type Status = query.Status

// State описывает состояние мутации. В Context хранится значение, возвращенное OnMutate.
type State struct {
	Context      any    `json:"context,omitempty" msgpack:"context,omitempty"`
	Data         any    `json:"data,omitempty" msgpack:"data,omitempty"`
	Error        error  `json:"-" msgpack:"-"`
	FailureCount int    `json:"failureCount" msgpack:"failureCount"`
	IsPaused     bool   `json:"isPaused" msgpack:"isPaused"`
	Status       Status `json:"status" msgpack:"status"`
	Variables    any    `json:"variables,omitempty" msgpack:"variables,omitempty"`
}

// DefaultState возвращает состояние новой мутации.
func DefaultState() State {
	return State{Status: query.StatusIdle}
}

// Action — закрытое множество переходов состояния мутации.
type Action interface {
	isAction()
}

// LoadingAction начинает выполнение.
type LoadingAction struct {
	Variables any
	Context   any
}

// SuccessAction сохраняет результат.
type SuccessAction struct {
	Data any
}

// ErrorAction сохраняет ошибку.
type ErrorAction struct {
	Error error
}

// FailedAction увеличивает счетчик неудачных попыток.
type FailedAction struct{}

// PauseAction отмечает паузу повторов.
type PauseAction struct{}

// ContinueAction снимает паузу.
type ContinueAction struct{}

// SetStateAction заменяет состояние.
type SetStateAction struct {
	State State
}

func (LoadingAction) isAction()  {}
func (SuccessAction) isAction()  {}
func (ErrorAction) isAction()    {}
func (FailedAction) isAction()   {}
func (PauseAction) isAction()    {}
func (ContinueAction) isAction() {}
func (SetStateAction) isAction() {}

func reduce(state State, action Action) State {
	switch a := action.(type) {
	case FailedAction:
		state.FailureCount++
	case PauseAction:
		state.IsPaused = true
	case ContinueAction:
		state.IsPaused = false
	case LoadingAction:
		state.Context = a.Context
		state.Data = nil
		state.Error = nil
		state.IsPaused = false
		state.Status = query.StatusLoading
		state.Variables = a.Variables
	case SuccessAction:
		state.Data = a.Data
		state.Error = nil
		state.IsPaused = false
		state.Status = query.StatusSuccess
	case ErrorAction:
		state.Data = nil
		state.Error = a.Error
		state.FailureCount++
		state.IsPaused = false
		state.Status = query.StatusError
	case SetStateAction:
		return a.State
	}
	return state
}
