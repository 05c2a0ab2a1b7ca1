package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

type sentinelKind int

const (
	kindServerTimestamp sentinelKind = iota + 1
	kindArrayUnion
	kindArrayRemove
	kindDelete
)

type sentinel struct {
	kind   sentinelKind
	values []any
}

var (
	// ServerTimestamp заменяется хранилищем на его собственное текущее время (мс).
	ServerTimestamp any = &sentinel{kind: kindServerTimestamp}
	// DeleteField удаляет поле при Update.
	DeleteField any = &sentinel{kind: kindDelete}
)

// ArrayUnion добавляет в массив значения, которых в нём ещё нет.
func ArrayUnion(values ...any) any {
	return &sentinel{kind: kindArrayUnion, values: values}
}

// ArrayRemove убирает из массива все вхождения значений.
func ArrayRemove(values ...any) any {
	return &sentinel{kind: kindArrayRemove, values: values}
}

// Millis переводит время в формат хранения меток времени.
func Millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Time читает метку времени, записанную как миллисекунды.
func Time(v any) (time.Time, bool) {
	n, ok := v.(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(n)).UTC(), true
}

// Normalize приводит значение к JSON-совместимому виду (глубокая копия).
// Сентинелы сохраняются как есть и разрешаются при записи.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *sentinel:
		return x, nil
	case string:
		return x, nil
	case bool:
		return x, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("docstore: number %q: %w", x, err)
		}
		return f, nil
	case time.Time:
		return Millis(x), nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out, nil
	case map[string]bool:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out, nil
	}
	// Остальное (структуры и т.п.): через JSON.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: unsupported value %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("docstore: unsupported value %T: %w", v, err)
	}
	return out, nil
}

// Clone возвращает глубокую копию данных документа.
func Clone(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out, err := Normalize(data)
	if err != nil {
		return map[string]any{}
	}
	return out.(map[string]any)
}

// ResolveWrite готовит данные для полной записи (Add/Create/Set): нормализует значения
// и разрешает сентинелы. ArrayUnion превращается в массив своих значений, ArrayRemove: в пустой массив,
// DeleteField убирает ключ.
func ResolveWrite(data map[string]any, now time.Time) (map[string]any, error) {
	n, err := Normalize(data)
	if err != nil {
		return nil, err
	}
	m, _ := n.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	resolveNested(m, now)
	return m, nil
}

func resolveNested(m map[string]any, now time.Time) {
	for k, v := range m {
		switch x := v.(type) {
		case *sentinel:
			switch x.kind {
			case kindServerTimestamp:
				m[k] = Millis(now)
			case kindArrayUnion:
				m[k] = unionValues(nil, x.values)
			case kindArrayRemove:
				m[k] = []any{}
			case kindDelete:
				delete(m, k)
			}
		case map[string]any:
			resolveNested(x, now)
		}
	}
}

// ApplyUpdate применяет частичное обновление к копии данных. Ключи fields: пути через точку;
// промежуточные карты создаются при необходимости. Каждое поле применяется независимо.
func ApplyUpdate(data map[string]any, fields map[string]any, now time.Time) (map[string]any, error) {
	out := Clone(data)
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, path := range paths {
		segs, err := splitPath(path)
		if err != nil {
			return nil, err
		}
		val, err := Normalize(fields[path])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", path, err)
		}
		parent := out
		for _, seg := range segs[:len(segs)-1] {
			next, ok := parent[seg].(map[string]any)
			if !ok {
				next = map[string]any{}
				parent[seg] = next
			}
			parent = next
		}
		leaf := segs[len(segs)-1]
		if s, ok := val.(*sentinel); ok {
			switch s.kind {
			case kindServerTimestamp:
				parent[leaf] = Millis(now)
			case kindDelete:
				delete(parent, leaf)
			case kindArrayUnion:
				existing, _ := parent[leaf].([]any)
				parent[leaf] = unionValues(existing, s.values)
			case kindArrayRemove:
				existing, _ := parent[leaf].([]any)
				parent[leaf] = removeValues(existing, s.values)
			}
			continue
		}
		if m, ok := val.(map[string]any); ok {
			resolveNested(m, now)
		}
		parent[leaf] = val
	}
	return out, nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// SplitPath разбивает путь поля на сегменты (нужен SQL-бэкенду для #>).
func SplitPath(path string) ([]string, error) {
	return splitPath(path)
}

func unionValues(existing []any, values []any) []any {
	out := make([]any, 0, len(existing)+len(values))
	out = append(out, existing...)
	for _, v := range values {
		nv, err := Normalize(v)
		if err != nil {
			continue
		}
		if !containsValue(out, nv) {
			out = append(out, nv)
		}
	}
	return out
}

func removeValues(existing []any, values []any) []any {
	out := make([]any, 0, len(existing))
	for _, e := range existing {
		drop := false
		for _, v := range values {
			nv, err := Normalize(v)
			if err == nil && reflect.DeepEqual(e, nv) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, e)
		}
	}
	return out
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

// Lookup возвращает значение по пути через точку.
func Lookup(data map[string]any, path string) (any, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	var cur any = data
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
