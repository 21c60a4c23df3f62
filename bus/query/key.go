package query

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-reflect"
)

// QueryKey — упорядоченный структурный идентификатор запроса. Элементы
// должны сериализоваться в JSON: строки, числа, логические значения,
// срезы, отображения и структуры.
type QueryKey []any

// Key собирает ключ из частей.
func Key(parts ...any) QueryKey {
	return QueryKey(parts)
}

// KeyHashFunc вычисляет хеш ключа. Ключи эквивалентны, если их хеши равны.
type KeyHashFunc func(key QueryKey) string

// HashKey — хеш по умолчанию: каноническая JSON-запись ключа. Ключи
// отображений сортируются при сериализации, поэтому порядок их объявления
// не влияет на хеш.
func HashKey(key QueryKey) string {
	if key == nil {
		key = QueryKey{}
	}
	b, err := json.Marshal(key)
	if err != nil {
		return fmt.Sprintf("%#v", []any(key))
	}
	return string(b)
}

// DigestKeyHashFn — компактный хеш фиксированной длины на основе xxhash
// от канонической JSON-записи. Подходит для длинных ключей.
func DigestKeyHashFn(key QueryKey) string {
	return strconv.FormatUint(xxhash.Sum64String(HashKey(key)), 16)
}

func hashByOptions(key QueryKey, opts Options) string {
	if opts.QueryKeyHashFn != nil {
		return opts.QueryKeyHashFn(key)
	}
	return HashKey(key)
}

// PartialMatchKey сообщает, является ли b частичным совпадением a: срез b
// совпадает с префиксом a, отображение b совпадает с подмножеством ключей a.
func PartialMatchKey(a, b QueryKey) bool {
	return partialDeepEqual(normalize([]any(a)), normalize([]any(b)))
}

// normalize приводит значение к каноническим JSON-типам, чтобы структуры и
// отображения с одинаковой записью сравнивались одинаково. Значение без
// JSON-записи возвращается как есть.
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func partialDeepEqual(a, b any) bool {
	switch bv := b.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range bv {
			if !partialDeepEqual(av[k], v) {
				return false
			}
		}
		return true
	case []any:
		av, ok := a.([]any)
		if !ok || len(bv) > len(av) {
			return false
		}
		for i := range bv {
			if !partialDeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
