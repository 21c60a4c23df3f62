package retry

import (
	"time"
)

// Policy решает, нужна ли повторная попытка после failureCount уже
// неудачных повторов и ошибки err.
type Policy func(failureCount int, err error) bool

// DelayFunc вычисляет задержку перед следующей попыткой.
type DelayFunc func(failureCount int, err error) time.Duration

// Количество повторов по умолчанию.
const DefaultRetries = 3

// MaxDelay ограничивает задержку DefaultDelay.
const MaxDelay = 30 * time.Second

// Never запрещает повторы.
func Never() Policy {
	return func(int, error) bool { return false }
}

// Always повторяет попытки без ограничений.
func Always() Policy {
	return func(int, error) bool { return true }
}

// Times разрешает не более n повторов после первой попытки.
func Times(n int) Policy {
	return func(failureCount int, _ error) bool { return failureCount < n }
}

// DefaultPolicy равна Times(DefaultRetries).
func DefaultPolicy() Policy {
	return Times(DefaultRetries)
}

// DefaultDelay возвращает экспоненциальную задержку min(1s * 2^failureCount, 30s).
func DefaultDelay(failureCount int, _ error) time.Duration {
	if failureCount >= 15 {
		return MaxDelay
	}
	return min(time.Second*time.Duration(1<<failureCount), MaxDelay)
}

// ConstantDelay возвращает одну и ту же задержку для каждой попытки.
func ConstantDelay(d time.Duration) DelayFunc {
	return func(int, error) time.Duration { return d }
}
