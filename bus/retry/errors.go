package retry

import (
	"errors"
)

// ErrCancelled сопоставляется через errors.Is с любой ошибкой отмены.
var ErrCancelled = errors.New("операция отменена")

// CancelOptions управляют тем, как отмена отражается на состоянии владельца.
type CancelOptions struct {
	// Revert восстанавливает состояние, предшествовавшее загрузке.
	Revert bool
	// Silent подавляет любые изменения состояния.
	Silent bool
}

// CancelledError — отдельный вид ошибки для отмены. Она никогда не
// повторяется и не журналируется как ошибка приложения.
type CancelledError struct {
	Revert bool
	Silent bool
}

// Error реализует интерфейс error.
func (e *CancelledError) Error() string {
	return ErrCancelled.Error()
}

// Is позволяет сопоставлять ошибку с ErrCancelled.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// AsCancelled извлекает CancelledError из цепочки ошибок.
func AsCancelled(err error) (*CancelledError, bool) {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsCancelled сообщает, является ли err ошибкой отмены.
func IsCancelled(err error) bool {
	_, ok := AsCancelled(err)
	return ok
}
