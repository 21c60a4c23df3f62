// Package device содержит внедряемые сервисы сигналов окружения: фокус
// приложения и доступность сети. Ядро кеша только опрашивает их и
// подписывается на изменения; подключение к реальным источникам событий
// платформы выполняет вызывающая сторона через SetEventListener.
package device

import (
	"sync"

	"github.com/x-research-team/dtx-query/bus/event"
)

// SetupFunc подключает источник событий платформы. Она получает функцию
// установки состояния и возвращает функцию отключения.
type SetupFunc func(set func(bool)) (teardown func())

// signal — общее ядро менеджеров фокуса и сети.
type signal struct {
	event.Subscribable[func()]

	mu      sync.RWMutex
	value   *bool
	setup   SetupFunc
	cleanup func()
}

func newSignal() *signal {
	s := &signal{}
	s.SetHooks(event.Hooks{
		OnSubscribe: func(int) {
			s.mu.RLock()
			attached := s.cleanup != nil
			setup := s.setup
			s.mu.RUnlock()
			if !attached && setup != nil {
				s.setEventListener(setup)
			}
		},
		OnUnsubscribe: func(listeners int) {
			if listeners == 0 {
				s.teardown()
			}
		},
	})
	return s
}

func (s *signal) setEventListener(setup SetupFunc) {
	s.teardown()

	s.mu.Lock()
	s.setup = setup
	s.mu.Unlock()

	if setup == nil {
		return
	}
	cleanup := setup(func(v bool) { s.set(&v) })

	s.mu.Lock()
	s.cleanup = cleanup
	s.mu.Unlock()
}

func (s *signal) teardown() {
	s.mu.Lock()
	cleanup := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
}

// set сохраняет явное значение; nil возвращает значение по умолчанию.
// Слушатели уведомляются только при переходе в true.
func (s *signal) set(v *bool) {
	s.mu.Lock()
	if v == nil {
		s.value = nil
	} else {
		value := *v
		s.value = &value
	}
	s.mu.Unlock()

	if v != nil && *v {
		s.fire()
	}
}

func (s *signal) fire() {
	for _, l := range s.Listeners() {
		l()
	}
}

// get возвращает явное значение, иначе true.
func (s *signal) get() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.value == nil {
		return true
	}
	return *s.value
}

// FocusManager отслеживает, находится ли приложение в фокусе.
type FocusManager struct {
	*signal
}

// NewFocusManager создает менеджер фокуса. Пока состояние не задано явно,
// приложение считается находящимся в фокусе.
func NewFocusManager() *FocusManager {
	return &FocusManager{signal: newSignal()}
}

// SetEventListener подключает источник событий фокуса, отключая предыдущий.
func (m *FocusManager) SetEventListener(setup SetupFunc) {
	m.setEventListener(setup)
}

// SetFocused задает состояние фокуса; nil сбрасывает его к значению по умолчанию.
func (m *FocusManager) SetFocused(focused *bool) {
	m.set(focused)
}

// OnFocus уведомляет слушателей о получении фокуса.
func (m *FocusManager) OnFocus() {
	m.fire()
}

// IsFocused сообщает текущее состояние фокуса.
func (m *FocusManager) IsFocused() bool {
	return m.get()
}

// Teardown отключает источник событий.
func (m *FocusManager) Teardown() {
	m.teardown()
}

// OnlineManager отслеживает доступность сети.
type OnlineManager struct {
	*signal
}

// NewOnlineManager создает менеджер сети. Пока состояние не задано явно,
// сеть считается доступной.
func NewOnlineManager() *OnlineManager {
	return &OnlineManager{signal: newSignal()}
}

// SetEventListener подключает источник событий сети, отключая предыдущий.
func (m *OnlineManager) SetEventListener(setup SetupFunc) {
	m.setEventListener(setup)
}

// SetOnline задает доступность сети; nil сбрасывает ее к значению по умолчанию.
func (m *OnlineManager) SetOnline(online *bool) {
	m.set(online)
}

// OnOnline уведомляет слушателей о восстановлении сети.
func (m *OnlineManager) OnOnline() {
	m.fire()
}

// IsOnline сообщает текущую доступность сети.
func (m *OnlineManager) IsOnline() bool {
	return m.get()
}

// Teardown отключает источник событий.
func (m *OnlineManager) Teardown() {
	m.teardown()
}

// Bool возвращает указатель на значение; удобно для SetFocused и SetOnline.
func Bool(v bool) *bool {
	return &v
}
