// Package retry выполняет асинхронную единицу работы с повторами,
// экспоненциальной задержкой, кооперативной паузой при потере фокуса или
// сети и отменой.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Work выполняет единицу работы без аргументов. Контекст отменяется при Cancel.
type Work interface {
	Do(ctx context.Context) (any, error)
}

// WorkFunc адаптирует функцию к интерфейсу Work.
type WorkFunc func(ctx context.Context) (any, error)

// Do реализует Work.
func (f WorkFunc) Do(ctx context.Context) (any, error) {
	return f(ctx)
}

// Cancelable реализуется единицей работы, которая поддерживает отмену на
// уровне транспорта. Такая работа прерывается при Cancel вместо того, чтобы
// завершиться и быть проигнорированной.
type Cancelable interface {
	Cancel()
}

// Focus сообщает, находится ли приложение в фокусе.
type Focus interface {
	IsFocused() bool
}

// Online сообщает, доступна ли сеть.
type Online interface {
	IsOnline() bool
}

// Config описывает выполнение. Нулевые поля заменяются значениями по умолчанию.
type Config struct {
	Work Work
	// Базовый контекст работы. Его отмена не завершает Retryer,
	// но передается в Work.
	Context context.Context

	Retry      Policy
	RetryDelay DelayFunc
	Focus      Focus
	Online     Online

	OnSuccess  func(data any)
	OnError    func(err error)
	OnFail     func(failureCount int, err error)
	OnPause    func()
	OnContinue func()
}

// Retryer выполняет работу сразу при создании. Итог доступен через Wait
// после закрытия Done.
type Retryer struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	failureCount int
	paused       bool
	resolved     bool
	retryOff     bool
	continueCh   chan struct{}
	data         any
	err          error

	stop chan struct{}
	done chan struct{}
}

// New запускает выполнение работы.
func New(cfg Config) *Retryer {
	if cfg.Retry == nil {
		cfg.Retry = DefaultPolicy()
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = DefaultDelay
	}
	base := cfg.Context
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	r := &Retryer{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Done закрывается после окончательного завершения и вызова OnSuccess/OnError.
func (r *Retryer) Done() <-chan struct{} {
	return r.done
}

// Wait ожидает завершения. Отмена ctx прекращает ожидание, но не работу.
func (r *Retryer) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result возвращает итог; до закрытия Done результат пуст.
func (r *Retryer) Result() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.err
}

// Cancel немедленно завершает выполнение ошибкой CancelledError и прерывает
// текущую попытку.
func (r *Retryer) Cancel(opts CancelOptions) {
	if !r.settle(nil, &CancelledError{Revert: opts.Revert, Silent: opts.Silent}) {
		return
	}
	if c, ok := r.cfg.Work.(Cancelable); ok {
		c.Cancel()
	}
}

// CancelRetry запрещает следующие повторы; текущая попытка завершается сама.
func (r *Retryer) CancelRetry() {
	r.mu.Lock()
	r.retryOff = true
	r.mu.Unlock()
}

// ContinueRetry снимает запрет, установленный CancelRetry.
func (r *Retryer) ContinueRetry() {
	r.mu.Lock()
	r.retryOff = false
	r.mu.Unlock()
}

// Proceed выводит выполнение из паузы.
func (r *Retryer) Proceed() {
	r.mu.Lock()
	ch := r.continueCh
	r.continueCh = nil
	r.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// IsTransportCancelable сообщает, поддерживает ли работа отмену транспорта.
func (r *Retryer) IsTransportCancelable() bool {
	_, ok := r.cfg.Work.(Cancelable)
	return ok
}

// IsPaused сообщает, находится ли выполнение на паузе.
func (r *Retryer) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// IsResolved сообщает, завершено ли выполнение.
func (r *Retryer) IsResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// FailureCount возвращает количество неудачных попыток, после которых
// был запланирован повтор.
func (r *Retryer) FailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureCount
}

func (r *Retryer) run() {
	for {
		if r.IsResolved() {
			return
		}

		data, err := r.attempt()
		if err == nil {
			r.settle(data, nil)
			return
		}
		if r.IsResolved() {
			return
		}

		r.mu.Lock()
		failureCount := r.failureCount
		retryOff := r.retryOff
		r.mu.Unlock()

		if retryOff || IsCancelled(err) || !r.cfg.Retry(failureCount, err) {
			r.settle(nil, err)
			return
		}

		delay := r.cfg.RetryDelay(failureCount, err)

		r.mu.Lock()
		r.failureCount++
		failureCount = r.failureCount
		r.mu.Unlock()

		if r.cfg.OnFail != nil {
			r.cfg.OnFail(failureCount, err)
		}

		if !r.sleep(delay) {
			return
		}
		if !r.environmentReady() && !r.pause() {
			return
		}

		r.mu.Lock()
		retryOff = r.retryOff
		r.mu.Unlock()
		if retryOff {
			r.settle(nil, err)
			return
		}
	}
}

func (r *Retryer) attempt() (data any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("паника в единице работы: %v", p)
		}
	}()
	if r.cfg.Work == nil {
		return nil, fmt.Errorf("единица работы не задана")
	}
	return r.cfg.Work.Do(r.ctx)
}

func (r *Retryer) environmentReady() bool {
	if r.cfg.Focus != nil && !r.cfg.Focus.IsFocused() {
		return false
	}
	if r.cfg.Online != nil && !r.cfg.Online.IsOnline() {
		return false
	}
	return true
}

// sleep возвращает false, если выполнение завершилось во время ожидания.
func (r *Retryer) sleep(d time.Duration) bool {
	if d <= 0 {
		return !r.IsResolved()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stop:
		return false
	}
}

// pause ожидает Proceed и возвращает false, если выполнение завершилось.
func (r *Retryer) pause() bool {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return false
	}
	ch := make(chan struct{})
	r.continueCh = ch
	r.paused = true
	r.mu.Unlock()

	// Сигнал мог прийти до регистрации continueCh.
	if r.environmentReady() {
		r.mu.Lock()
		if r.continueCh == ch {
			r.continueCh = nil
		}
		r.paused = false
		r.mu.Unlock()
		return true
	}

	if r.cfg.OnPause != nil {
		r.cfg.OnPause()
	}

	select {
	case <-ch:
	case <-r.stop:
		r.mu.Lock()
		r.paused = false
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()

	if r.cfg.OnContinue != nil {
		r.cfg.OnContinue()
	}
	return true
}

// settle фиксирует итог ровно один раз.
func (r *Retryer) settle(data any, err error) bool {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return false
	}
	r.resolved = true
	r.data = data
	r.err = err
	r.mu.Unlock()

	close(r.stop)
	r.cancel()

	if err == nil {
		if r.cfg.OnSuccess != nil {
			r.cfg.OnSuccess(data)
		}
	} else if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}

	close(r.done)
	return true
}
