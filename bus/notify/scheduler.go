package notify

import "sync"

// Immediate выполняет функцию синхронно. Подходит для тестов, где нужен
// детерминированный порядок: уведомления все равно откладываются до
// закрытия внешнего пакета.
func Immediate(fn func()) {
	fn()
}

// SerialScheduler выполняет функции строго по одной в порядке постановки на
// горутине, которая запускается по требованию и завершается при пустой очереди.
type SerialScheduler struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
	idle    *sync.Cond
}

// NewSerialScheduler создает последовательный планировщик.
func NewSerialScheduler() *SerialScheduler {
	s := &SerialScheduler{}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Schedule ставит функцию в очередь.
func (s *SerialScheduler) Schedule(fn func()) {
	s.mu.Lock()
	s.tasks = append(s.tasks, fn)
	if !s.running {
		s.running = true
		go s.drain()
	}
	s.mu.Unlock()
}

// Wait блокируется, пока очередь не опустеет.
func (s *SerialScheduler) Wait() {
	s.mu.Lock()
	for s.running {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

func (s *SerialScheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.running = false
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		fn := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		fn()
	}
}
