package schema

import (
	"strconv"

	"jsoncsv/internal/value"
)

// FlatField is one column-addressed scalar produced by flattening a record.
// The root of a scalar record has the empty path.
type FlatField struct {
	Path string
	V    value.Value
}

// Flatten walks v depth-first in source order and returns its scalar leaves.
// Object members join their parent path with a dot; array elements append
// their index, or the whole array collapses to one JSON-encoded string field
// under ArrayJSON. Empty objects contribute no fields, and neither do empty
// arrays under indexed flattening (under ArrayJSON they become "[]").
func Flatten(v value.Value, mode ArrayMode) []FlatField {
	return appendFlat(make([]FlatField, 0, 8), "", v, mode)
}

func appendFlat(dst []FlatField, path string, v value.Value, mode ArrayMode) []FlatField {
	switch v.Kind {
	case value.KindObject:
		for _, m := range v.Obj {
			dst = appendFlat(dst, joinPath(path, m.Name), m.V, mode)
		}
		return dst
	case value.KindArray:
		if mode == ArrayJSON {
			return append(dst, FlatField{Path: path, V: value.String(string(v.AppendJSON(nil)))})
		}
		for i, el := range v.Arr {
			dst = appendFlat(dst, joinPath(path, strconv.Itoa(i)), el, mode)
		}
		return dst
	default:
		return append(dst, FlatField{Path: path, V: v})
	}
}

func joinPath(base, seg string) string {
	if base == "" {
		return seg
	}
	return base + "." + seg
}
