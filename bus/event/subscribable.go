// Package event определяет обобщенный реестр слушателей, на котором построены
// все наблюдаемые компоненты кеша: кеши запросов и мутаций, наблюдатели и
// менеджеры сигналов окружения.
package event

import (
	"sync"

	"github.com/google/uuid"
)

// Hooks задает обработчики жизненного цикла подписок. Каждый обработчик
// получает количество слушателей после изменения.
type Hooks struct {
	// OnSubscribe вызывается после добавления слушателя.
	OnSubscribe func(listeners int)
	// OnUnsubscribe вызывается после удаления слушателя.
	OnUnsubscribe func(listeners int)
}

// subscription хранит слушателя вместе с уникальным идентификатором,
// по которому выполняется отписка.
type subscription[L any] struct {
	id       string
	listener L
}

// Subscribable — потокобезопасный реестр слушателей типа L.
// Нулевое значение готово к использованию.
type Subscribable[L any] struct {
	mu        sync.RWMutex
	listeners []*subscription[L]
	hooks     Hooks
}

// SetHooks устанавливает обработчики жизненного цикла подписок.
func (s *Subscribable[L]) SetHooks(hooks Hooks) {
	s.mu.Lock()
	s.hooks = hooks
	s.mu.Unlock()
}

// Subscribe добавляет слушателя и возвращает функцию отписки.
// Повторный вызов функции отписки ничего не делает.
func (s *Subscribable[L]) Subscribe(listener L) (unsubscribe func()) {
	sub := &subscription[L]{
		id:       uuid.NewString(),
		listener: listener,
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, sub)
	count := len(s.listeners)
	hooks := s.hooks
	s.mu.Unlock()

	if hooks.OnSubscribe != nil {
		hooks.OnSubscribe(count)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(sub.id) })
	}
}

func (s *Subscribable[L]) remove(id string) {
	s.mu.Lock()
	removed := false
	for i, sub := range s.listeners {
		if sub.id == id {
			// Новый срез, чтобы ранее выданные снимки оставались неизменными.
			next := make([]*subscription[L], 0, len(s.listeners)-1)
			next = append(next, s.listeners[:i]...)
			s.listeners = append(next, s.listeners[i+1:]...)
			removed = true
			break
		}
	}
	count := len(s.listeners)
	hooks := s.hooks
	s.mu.Unlock()

	if removed && hooks.OnUnsubscribe != nil {
		hooks.OnUnsubscribe(count)
	}
}

// HasListeners сообщает, есть ли хотя бы один слушатель.
func (s *Subscribable[L]) HasListeners() bool {
	return s.ListenerCount() > 0
}

// ListenerCount возвращает текущее количество слушателей.
func (s *Subscribable[L]) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// Listeners возвращает снимок слушателей в порядке подписки.
func (s *Subscribable[L]) Listeners() []L {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]L, len(s.listeners))
	for i, sub := range s.listeners {
		out[i] = sub.listener
	}
	return out
}

// Clear удаляет всех слушателей без вызова обработчиков жизненного цикла.
func (s *Subscribable[L]) Clear() {
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}
