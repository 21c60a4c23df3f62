// Package notify реализует планировщик уведомлений с поддержкой вложенных
// пакетов. Все уведомления, порожденные внутри пакета, доставляются одним
// сбросом после закрытия самого внешнего пакета и никогда синхронно внутри него.
package notify

import (
	"sync"
)

// Callback описывает отложенное уведомление.
type Callback func()

// NotifyFunc вызывает одно уведомление. Замена позволяет, например,
// оборачивать каждое уведомление в обработчик паники.
type NotifyFunc func(cb Callback)

// BatchNotifyFunc вызывает сброс очереди целиком. Замена позволяет внешнему
// слою объединить уведомления со своим циклом отрисовки.
type BatchNotifyFunc func(flush func())

// ScheduleFunc откладывает выполнение функции до границы текущей синхронной
// работы.
type ScheduleFunc func(fn func())

// Manager — планировщик уведомлений. Нулевое значение непригодно,
// используйте New.
type Manager struct {
	mu            sync.Mutex
	queue         []Callback
	transactions  int
	notifyFn      NotifyFunc
	batchNotifyFn BatchNotifyFunc
	scheduleFn    ScheduleFunc
}

// Option настраивает Manager.
type Option func(*Manager)

// WithScheduler заменяет функцию отложенного выполнения.
func WithScheduler(fn ScheduleFunc) Option {
	return func(m *Manager) {
		m.scheduleFn = fn
	}
}

// WithNotifyFunction заменяет функцию вызова отдельного уведомления.
func WithNotifyFunction(fn NotifyFunc) Option {
	return func(m *Manager) {
		m.notifyFn = fn
	}
}

// WithBatchNotifyFunction заменяет функцию сброса очереди.
func WithBatchNotifyFunction(fn BatchNotifyFunc) Option {
	return func(m *Manager) {
		m.batchNotifyFn = fn
	}
}

// New создает планировщик. По умолчанию уведомления выполняются
// последовательно в порядке постановки на отдельной горутине.
func New(opts ...Option) *Manager {
	m := &Manager{
		notifyFn:      func(cb Callback) { cb() },
		batchNotifyFn: func(flush func()) { flush() },
		scheduleFn:    NewSerialScheduler().Schedule,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Batch выполняет fn как один пакет. Вложенные вызовы лишь увеличивают
// счетчик; очередь сбрасывается при закрытии самого внешнего пакета.
func (m *Manager) Batch(fn func()) {
	m.mu.Lock()
	m.transactions++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.transactions--
		flush := m.transactions == 0
		m.mu.Unlock()
		if flush {
			m.flush()
		}
	}()

	fn()
}

// BatchValue выполняет fn как один пакет и возвращает ее результат.
func BatchValue[T any](m *Manager, fn func() T) T {
	var result T
	m.Batch(func() {
		result = fn()
	})
	return result
}

// Schedule ставит уведомление в очередь открытого пакета, а вне пакета
// откладывает его через планировщик.
func (m *Manager) Schedule(cb Callback) {
	m.mu.Lock()
	if m.transactions > 0 {
		m.queue = append(m.queue, cb)
		m.mu.Unlock()
		return
	}
	notifyFn := m.notifyFn
	scheduleFn := m.scheduleFn
	m.mu.Unlock()

	scheduleFn(func() { notifyFn(cb) })
}

// BatchCalls оборачивает fn так, что каждый ее вызов проходит через Schedule.
func BatchCalls[T any](m *Manager, fn func(T)) func(T) {
	return func(v T) {
		m.Schedule(func() { fn(v) })
	}
}

// SetNotifyFunction заменяет функцию вызова отдельного уведомления.
func (m *Manager) SetNotifyFunction(fn NotifyFunc) {
	m.mu.Lock()
	m.notifyFn = fn
	m.mu.Unlock()
}

// SetBatchNotifyFunction заменяет функцию сброса очереди.
func (m *Manager) SetBatchNotifyFunction(fn BatchNotifyFunc) {
	m.mu.Lock()
	m.batchNotifyFn = fn
	m.mu.Unlock()
}

// SetScheduler заменяет функцию отложенного выполнения.
func (m *Manager) SetScheduler(fn ScheduleFunc) {
	m.mu.Lock()
	m.scheduleFn = fn
	m.mu.Unlock()
}

func (m *Manager) flush() {
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	notifyFn := m.notifyFn
	batchNotifyFn := m.batchNotifyFn
	scheduleFn := m.scheduleFn
	m.mu.Unlock()

	if len(queue) == 0 {
		return
	}

	scheduleFn(func() {
		batchNotifyFn(func() {
			for _, cb := range queue {
				notifyFn(cb)
			}
		})
	})
}
