package docstore

import (
	"reflect"
	"sort"
	"strings"
)

// Match проверяет документ по всем фильтрам запроса.
func Match(doc Document, filters []Filter) bool {
	for _, f := range filters {
		want, err := Normalize(f.Value)
		if err != nil {
			return false
		}
		got, ok := doc.Field(f.Field)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEq:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		case OpArrayContains:
			arr, ok := got.([]any)
			if !ok || !containsValue(arr, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Run применяет запрос к документам одной коллекции: фильтры, сортировку и окно.
// Используется бэкендами, которые выполняют запросы в процессе.
func Run(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if !Match(d, q.Filters) {
			continue
		}
		if q.OrderBy != "" {
			if _, ok := d.Field(q.OrderBy); !ok {
				continue
			}
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return compareDocs(out[i], out[j], q) < 0
	})
	return Window(out, q)
}

// Window отрезает Limit документов с начала или, при LimitToLast, с конца.
func Window(docs []Document, q Query) []Document {
	if q.Limit <= 0 || len(docs) <= q.Limit {
		return docs
	}
	if q.LimitToLast {
		return docs[len(docs)-q.Limit:]
	}
	return docs[:q.Limit]
}

func compareDocs(a, b Document, q Query) int {
	c := 0
	if q.OrderBy != "" {
		av, _ := a.Field(q.OrderBy)
		bv, _ := b.Field(q.OrderBy)
		c = Compare(av, bv)
	}
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if q.Desc {
		c = -c
	}
	return c
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	case map[string]any:
		return 5
	default:
		return 6
	}
}

// Compare упорядочивает значения: null < bool < число < строка < массив < карта.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(x, b.(string))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return compareInt(len(x), len(y))
	case map[string]any:
		return compareInt(len(x), len(b.(map[string]any)))
	}
	return 0
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
