package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/x-research-team/dtx-query/bus/query"
)

// Тест возврата предыдущего значения при полном равенстве.
func TestReplaceEqualDeep_Equal(t *testing.T) {
	t.Parallel()

	prev := []any{map[string]any{"id": 1.0, "title": "купить молоко"}}
	next := []any{map[string]any{"id": 1.0, "title": "купить молоко"}}

	out := query.ReplaceEqualDeep(prev, next)
	assert.True(t, query.Identical(prev, out), "Равное значение должно сохранить ссылку на предыдущее")
}

// Тест переиспользования равных поддеревьев.
func TestReplaceEqualDeep_Partial(t *testing.T) {
	t.Parallel()

	first := map[string]any{"id": 1.0}
	prev := []any{first, map[string]any{"id": 2.0}}
	next := []any{map[string]any{"id": 1.0}, map[string]any{"id": 3.0}}

	out := query.ReplaceEqualDeep(prev, next).([]any)
	assert.False(t, query.Identical(prev, out), "Измененный список должен быть новым")
	assert.True(t, query.Identical(first, out[0]), "Неизменный элемент должен сохранить ссылку")
	assert.Equal(t, map[string]any{"id": 3.0}, out[1])
}

// Тест сравнения типизированных значений целиком.
func TestReplaceEqualDeep_Typed(t *testing.T) {
	t.Parallel()

	type todo struct{ ID int }
	prev := []todo{{ID: 1}}

	assert.True(t, query.Identical(prev, query.ReplaceEqualDeep(prev, []todo{{ID: 1}})))
	assert.Equal(t, []todo{{ID: 2}}, query.ReplaceEqualDeep(prev, []todo{{ID: 2}}))
	assert.Equal(t, "b", query.ReplaceEqualDeep("a", "b"))
	assert.Nil(t, query.ReplaceEqualDeep("a", nil))
}

// Тест поверхностного сравнения по ссылке.
func TestIdentical(t *testing.T) {
	t.Parallel()

	s := []any{1}
	m := map[string]any{"a": 1}

	assert.True(t, query.Identical(s, s))
	assert.False(t, query.Identical(s, []any{1}), "Равные по содержимому срезы не идентичны")
	assert.True(t, query.Identical(m, m))
	assert.False(t, query.Identical(m, map[string]any{"a": 1}))
	assert.True(t, query.Identical(1, 1))
	assert.False(t, query.Identical(1, int64(1)), "Разные типы не идентичны")
	assert.True(t, query.Identical(nil, nil))
	assert.False(t, query.Identical(nil, 0))
}
