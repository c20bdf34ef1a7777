// Package value defines the tagged variant used for every JSON value that
// flows through the conversion pipeline: raw decoded records, flattened
// cells, and the text finally rendered into CSV fields.
//
// The pipeline never walks map[string]any trees with type switches in the
// hot path; it decodes each record once into a Value and dispatches on Kind
// from then on. Object members keep their source order, which is what makes
// first-seen column ordering deterministic.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags a Value. Scalar kinds are ordered to match the widening lattice
// used by schema inference (Null < Bool < Integer < Float < String); Array
// and Object sit outside the lattice and never coerce to scalars.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindFloat
	KindString
	KindArray
	KindObject
)

// String returns the lowercase kind name used in schema reports and error
// messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Scalar reports whether k sits inside the widening lattice.
func (k Kind) Scalar() bool {
	return k <= KindString
}

// MarshalText encodes the kind name, so schema files and checkpoints carry
// readable type names instead of lattice ordinals.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText restores a kind from its name, as written by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "null":
		*k = KindNull
	case "bool":
		*k = KindBool
	case "integer":
		*k = KindInteger
	case "float":
		*k = KindFloat
	case "string":
		*k = KindString
	case "array":
		*k = KindArray
	case "object":
		*k = KindObject
	default:
		return fmt.Errorf("unknown kind %q", b)
	}
	return nil
}

// Member is one ordered key/value pair of a JSON object.
type Member struct {
	Name string
	V    Value
}

// Value is the tagged variant. Exactly the field selected by Kind is
// meaningful; the rest stay zero.
type Value struct {
	Kind Kind
	B    bool
	I    int64
	F    float64
	S    string
	Arr  []Value
	Obj  []Member
}

// Constructors. These keep call sites readable and make the zero Value
// (KindNull) explicit where a null is intended.

func Null() Value            { return Value{Kind: KindNull} }
func Bool(b bool) Value      { return Value{Kind: KindBool, B: b} }
func Int(i int64) Value      { return Value{Kind: KindInteger, I: i} }
func Float(f float64) Value  { return Value{Kind: KindFloat, F: f} }
func String(s string) Value  { return Value{Kind: KindString, S: s} }
func Array(vs ...Value) Value {
	return Value{Kind: KindArray, Arr: vs}
}
func Object(ms ...Member) Value {
	return Value{Kind: KindObject, Obj: ms}
}

// Parse decodes one complete JSON value from b, preserving object member
// order and the integer/float distinction (encoding/json's default decoding
// into any loses both). Trailing non-whitespace bytes after the value are an
// error: a record is exactly one value.
func Parse(b []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return Value{}, err
	}
	// Anything left beyond the first value means the caller mis-sliced the
	// record.
	if _, err := dec.Token(); err == nil {
		return Value{}, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

// parseValue consumes exactly one value from the token stream.
func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return valueFromToken(dec, tok)
}

func valueFromToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return numberValue(t), nil
	case json.Delim:
		switch t {
		case '{':
			var obj []Member
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("object key is %T, not string", keyTok)
				}
				v, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj = append(obj, Member{Name: key, V: v})
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return Value{}, err
			}
			return Value{Kind: KindObject, Obj: obj}, nil
		case '[':
			var arr []Value
			for dec.More() {
				v, err := parseValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return Value{}, err
			}
			return Value{Kind: KindArray, Arr: arr}, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected JSON token %v", tok)
}

// numberValue keeps integers exact when they fit int64 and falls back to
// float64 otherwise (very large magnitudes, decimals, exponents).
func numberValue(n json.Number) Value {
	s := n.String()
	if !bytes.ContainsAny([]byte(s), ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i)
		}
	}
	if f, err := n.Float64(); err == nil {
		return Float(f)
	}
	// Unparseable numbers should not reach here (the tokenizer accepted the
	// literal), but keep the raw text rather than dropping data.
	return String(s)
}

// Text renders a scalar Value as the CSV cell text. floatPrec is the number
// of decimal places for floats; -1 renders the shortest form that
// round-trips. Null renders empty here; null policy is the transformer's
// concern. Array/Object render as compact JSON, which is the json_string
// flatten mode.
func (v Value) Text(floatPrec int) string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindBool:
		if v.B {
			return "true"
		}
		return "false"
	case KindInteger:
		if floatPrec >= 0 {
			// Declared/widened float columns render integers with the same
			// fixed precision so a column is uniformly formatted.
			return strconv.FormatFloat(float64(v.I), 'f', floatPrec, 64)
		}
		return strconv.FormatInt(v.I, 10)
	case KindFloat:
		if floatPrec >= 0 {
			return strconv.FormatFloat(v.F, 'f', floatPrec, 64)
		}
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindString:
		return v.S
	case KindArray, KindObject:
		return string(v.AppendJSON(nil))
	}
	return ""
}

// AppendJSON appends the compact JSON encoding of v to dst and returns the
// extended slice. Member order is preserved, which json.Marshal of a map
// would not do.
func (v Value) AppendJSON(dst []byte) []byte {
	switch v.Kind {
	case KindNull:
		return append(dst, "null"...)
	case KindBool:
		if v.B {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	case KindInteger:
		return strconv.AppendInt(dst, v.I, 10)
	case KindFloat:
		return strconv.AppendFloat(dst, v.F, 'g', -1, 64)
	case KindString:
		return appendJSONString(dst, v.S)
	case KindArray:
		dst = append(dst, '[')
		for i, e := range v.Arr {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = e.AppendJSON(dst)
		}
		return append(dst, ']')
	case KindObject:
		dst = append(dst, '{')
		for i, m := range v.Obj {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendJSONString(dst, m.Name)
			dst = append(dst, ':')
			dst = m.V.AppendJSON(dst)
		}
		return append(dst, '}')
	}
	return dst
}

// appendJSONString writes s as a JSON string literal. Control characters use
// \u00XX escapes; everything else passes through as UTF-8.
func appendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c < 0x20:
			dst = append(dst, fmt.Sprintf(`\u%04x`, c)...)
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}
