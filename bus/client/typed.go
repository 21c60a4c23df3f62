package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/query"
)

// ErrUnexpectedType возвращается типизированными функциями, если данные
// записи нельзя привести к запрошенному типу.
var ErrUnexpectedType = errors.New("неожиданный тип данных")

// As приводит данные записи к T. Данные, восстановленные из снимка,
// приходят в виде отображений и срезов и декодируются в T по тегам json.
func As[T any](data any) (T, error) {
	var out T
	if data == nil {
		return out, nil
	}
	if v, ok := data.(T); ok {
		return v, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return out, fmt.Errorf("ошибка создания декодера: %w", err)
	}
	if err := decoder.Decode(data); err != nil {
		return out, fmt.Errorf("%w: %T в %T: %v", ErrUnexpectedType, data, out, err)
	}
	return out, nil
}

// QueryFn адаптирует типизированную функцию загрузки.
func QueryFn[T any](fn func(ctx context.Context, fc query.FunctionContext) (T, error)) query.QueryFunc {
	return func(ctx context.Context, fc query.FunctionContext) (any, error) {
		return fn(ctx, fc)
	}
}

// MutationFn адаптирует типизированную функцию мутации. Переменные
// приводятся к V тем же способом, что и данные в As.
func MutationFn[V, T any](fn func(ctx context.Context, variables V) (T, error)) command.MutationFunc {
	return func(ctx context.Context, fc command.FunctionContext) (any, error) {
		variables, err := As[V](fc.Variables)
		if err != nil {
			return nil, err
		}
		return fn(ctx, variables)
	}
}

// FetchQuery вызывает QueryClient.FetchQuery и приводит данные к T.
func FetchQuery[T any](ctx context.Context, c *QueryClient, opts query.Options) (T, error) {
	data, err := c.FetchQuery(ctx, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return As[T](data)
}

// GetQueryData — типизированный QueryClient.GetQueryData. Второе значение
// сообщает, есть ли у записи данные нужного типа.
func GetQueryData[T any](c *QueryClient, key query.QueryKey, filters ...query.Filters) (T, bool) {
	data := c.GetQueryData(key, filters...)
	if data == nil {
		var zero T
		return zero, false
	}
	v, err := As[T](data)
	return v, err == nil
}

// SetQueryData — типизированный QueryClient.SetQueryData. updater получает
// текущие данные и признак их наличия.
func SetQueryData[T any](c *QueryClient, key query.QueryKey, updater func(prev T, ok bool) T, opts ...SetDataOptions) T {
	var out T
	c.SetQueryData(key, func(prev any) any {
		var typed T
		ok := false
		if prev != nil {
			v, err := As[T](prev)
			typed, ok = v, err == nil
		}
		out = updater(typed, ok)
		return out
	}, opts...)
	return out
}

// ExecuteMutation вызывает QueryClient.ExecuteMutation и приводит результат к T.
func ExecuteMutation[T any](ctx context.Context, c *QueryClient, opts command.Options) (T, error) {
	data, err := c.ExecuteMutation(ctx, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return As[T](data)
}
