package hydration

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoSnapshot возвращается хранилищем без сохраненных снимков.
var ErrNoSnapshot = errors.New("снимок не найден")

// Snapshot хранит сериализованный снимок.
type Snapshot struct {
	ID        uuid.UUID         // Уникальный идентификатор снимка
	Codec     string            // Имя формата Payload
	Payload   []byte            // Сериализованный DehydratedState
	Metadata  map[string]string // Произвольные метки, например версия приложения
	CreatedAt time.Time         // Время создания
}

// Storage определяет контракт хранилища снимков. Все операции должны быть
// потокобезопасными.
type Storage interface {
	// Save сохраняет снимок.
	Save(ctx context.Context, snap *Snapshot) error

	// Latest возвращает последний по времени создания снимок или
	// ErrNoSnapshot.
	Latest(ctx context.Context) (*Snapshot, error)

	// Prune оставляет keep последних снимков.
	Prune(ctx context.Context, keep int) error
}

// Encode сериализует состояние в новый снимок.
func Encode(state DehydratedState, codec Codec, metadata map[string]string) (*Snapshot, error) {
	payload, err := codec.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:        uuid.New(),
		Codec:     codec.Name(),
		Payload:   payload,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode восстанавливает состояние из снимка по формату, указанному в нем.
func Decode(snap *Snapshot) (DehydratedState, error) {
	var state DehydratedState
	codec, err := CodecByName(snap.Codec)
	if err != nil {
		return state, err
	}
	err = codec.Unmarshal(snap.Payload, &state)
	return state, err
}
