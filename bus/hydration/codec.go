package hydration

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownCodec возвращается для снимка в неизвестном формате.
var ErrUnknownCodec = errors.New("неизвестный формат снимка")

// Codec сериализует снимок.
type Codec interface {
	Name() string
	Marshal(state DehydratedState) ([]byte, error)
	Unmarshal(data []byte, state *DehydratedState) error
}

// JSONCodec хранит снимок в JSON.
type JSONCodec struct{}

// Name реализует Codec.
func (JSONCodec) Name() string { return "json" }

// Marshal реализует Codec.
func (JSONCodec) Marshal(state DehydratedState) ([]byte, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации снимка в json: %w", err)
	}
	return b, nil
}

// Unmarshal реализует Codec.
func (JSONCodec) Unmarshal(data []byte, state *DehydratedState) error {
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("ошибка десериализации снимка из json: %w", err)
	}
	return nil
}

// MsgpackCodec хранит снимок в msgpack.
type MsgpackCodec struct{}

// Name реализует Codec.
func (MsgpackCodec) Name() string { return "msgpack" }

// Marshal реализует Codec.
func (MsgpackCodec) Marshal(state DehydratedState) ([]byte, error) {
	b, err := msgpack.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации снимка в msgpack: %w", err)
	}
	return b, nil
}

// Unmarshal реализует Codec.
func (MsgpackCodec) Unmarshal(data []byte, state *DehydratedState) error {
	if err := msgpack.Unmarshal(data, state); err != nil {
		return fmt.Errorf("ошибка десериализации снимка из msgpack: %w", err)
	}
	return nil
}

// CodecByName возвращает формат по имени.
func CodecByName(name string) (Codec, error) {
	switch name {
	case JSONCodec{}.Name():
		return JSONCodec{}, nil
	case MsgpackCodec{}.Name():
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}
