package query

import (
	"github.com/goccy/go-reflect"
)

// ReplaceEqualDeep возвращает next, в котором равные prev поддеревья
// заменены значениями из prev. Если значения равны целиком, возвращается
// prev. Рекурсивно обходятся []any и map[string]any; значения остальных
// типов сравниваются целиком.
func ReplaceEqualDeep(prev, next any) any {
	if Identical(prev, next) {
		return prev
	}

	switch nv := next.(type) {
	case []any:
		pv, ok := prev.([]any)
		if !ok {
			break
		}
		out := make([]any, len(nv))
		equal := 0
		for i := range nv {
			if i >= len(pv) {
				out[i] = nv[i]
				continue
			}
			out[i] = ReplaceEqualDeep(pv[i], nv[i])
			if Identical(out[i], pv[i]) {
				equal++
			}
		}
		if len(pv) == len(nv) && equal == len(pv) {
			return prev
		}
		return out
	case map[string]any:
		pv, ok := prev.(map[string]any)
		if !ok {
			break
		}
		out := make(map[string]any, len(nv))
		equal := 0
		for k, v := range nv {
			old, exists := pv[k]
			if !exists {
				out[k] = v
				continue
			}
			out[k] = ReplaceEqualDeep(old, v)
			if Identical(out[k], old) {
				equal++
			}
		}
		if len(pv) == len(nv) && equal == len(pv) {
			return prev
		}
		return out
	}

	if prev != nil && next != nil && reflect.DeepEqual(prev, next) {
		return prev
	}
	return next
}

// Identical — поверхностное сравнение по ссылке. Срезы, отображения,
// функции, каналы и указатели равны, только если указывают на одни и те же
// данные. Значения остальных типов сравниваются по содержимому.
func Identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Slice:
		if va.Len() != vb.Len() {
			return false
		}
		return va.Len() == 0 || va.Pointer() == vb.Pointer()
	case reflect.Map, reflect.Func, reflect.Chan, reflect.Ptr, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Struct, reflect.Array, reflect.Interface:
		return reflect.DeepEqual(a, b)
	default:
		return a == b
	}
}
