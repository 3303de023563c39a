// Package key implements structured query keys and their canonical encoding.
//
// A Key is an ordered list of segments drawn from a closed set: null, bool,
// int64, finite float64, string, list and object (string field names). Keys
// are built from ordinary Go values with New and rejected at construction
// time if any part falls outside that set. Two keys are equal iff their
// canonical encodings are byte-equal; object fields are sorted by name, so
// map iteration order never matters.
//
//	k := key.Must("user", 1, map[string]any{"page": 2, "sort": "name"})
//	k.String() // ["user",1,{"page":2,"sort":"name"}]
package key

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/querycache/errs"
)

// Kind tags a segment.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Segment is one element of a key. The zero value is null.
type Segment struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	items  []Segment
	fields []Field // sorted by Name, names unique
}

// Field is a named member of an object segment.
type Field struct {
	Name  string
	Value Segment
}

// Null returns the null segment.
func Null() Segment { return Segment{} }

// Bool returns a boolean segment.
func Bool(b bool) Segment { return Segment{kind: KindBool, b: b} }

// Int returns an integer segment.
func Int(i int64) Segment { return Segment{kind: KindInt, i: i} }

// String returns a string segment. s must be valid UTF-8; keys holding
// anything else are rejected when built.
func String(s string) Segment { return Segment{kind: KindString, s: s} }

// List returns a list segment.
func List(items ...Segment) Segment {
	return Segment{kind: KindList, items: append([]Segment(nil), items...)}
}

// Float returns a numeric segment. Integral values within int64 range
// normalise to KindInt so 1 and 1.0 encode identically. NaN and ±Inf are
// rejected.
func Float(f float64) (Segment, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Segment{}, errors.Wrapf(errs.ErrInvalidKey, "non-finite number %v", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return Int(int64(f)), nil
	}
	return Segment{kind: KindFloat, f: f}, nil
}

// Object returns an object segment. Fields are sorted by name; a duplicate
// or non-UTF-8 name is an invalid key.
func Object(fields ...Field) (Segment, error) {
	fs := append([]Field(nil), fields...)
	for _, f := range fs {
		if !utf8.ValidString(f.Name) {
			return Segment{}, errors.Wrapf(errs.ErrInvalidKey, "object field %q is not valid UTF-8", f.Name)
		}
	}
	sort.Slice(fs, func(a, b int) bool { return fs[a].Name < fs[b].Name })
	for i := 1; i < len(fs); i++ {
		if fs[i].Name == fs[i-1].Name {
			return Segment{}, errors.Wrapf(errs.ErrInvalidKey, "duplicate object field %q", fs[i].Name)
		}
	}
	return Segment{kind: KindObject, fields: fs}, nil
}

// Kind reports the segment's kind.
func (s Segment) Kind() Kind { return s.kind }

// Value converts the segment back to a plain Go value
// (nil, bool, int64, float64, string, []any, map[string]any).
func (s Segment) Value() any {
	switch s.kind {
	case KindBool:
		return s.b
	case KindInt:
		return s.i
	case KindFloat:
		return s.f
	case KindString:
		return s.s
	case KindList:
		out := make([]any, len(s.items))
		for i, it := range s.items {
			out[i] = it.Value()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(s.fields))
		for _, f := range s.fields {
			out[f.Name] = f.Value.Value()
		}
		return out
	default:
		return nil
	}
}

// Equal reports structural equality.
func (s Segment) Equal(o Segment) bool {
	var a, b strings.Builder
	s.encode(&a)
	o.encode(&b)
	return a.String() == b.String()
}

func (s Segment) encode(w *strings.Builder) {
	switch s.kind {
	case KindNull:
		w.WriteString("null")
	case KindBool:
		w.WriteString(strconv.FormatBool(s.b))
	case KindInt:
		w.WriteString(strconv.FormatInt(s.i, 10))
	case KindFloat:
		w.WriteString(strconv.FormatFloat(s.f, 'g', -1, 64))
	case KindString:
		writeQuoted(w, s.s)
	case KindList:
		w.WriteByte('[')
		for i, it := range s.items {
			if i > 0 {
				w.WriteByte(',')
			}
			it.encode(w)
		}
		w.WriteByte(']')
	case KindObject:
		w.WriteByte('{')
		for i, f := range s.fields {
			if i > 0 {
				w.WriteByte(',')
			}
			writeQuoted(w, f.Name)
			w.WriteByte(':')
			f.Value.encode(w)
		}
		w.WriteByte('}')
	}
}

// validUTF8 reports whether every string and field name in s is valid UTF-8.
// JSON can't carry other bytes without mapping distinct strings together.
func (s Segment) validUTF8() bool {
	switch s.kind {
	case KindString:
		return utf8.ValidString(s.s)
	case KindList:
		for _, it := range s.items {
			if !it.validUTF8() {
				return false
			}
		}
	case KindObject:
		for _, f := range s.fields {
			if !utf8.ValidString(f.Name) || !f.Value.validUTF8() {
				return false
			}
		}
	}
	return true
}

func writeQuoted(w *strings.Builder, s string) {
	b, _ := json.Marshal(s)
	w.Write(b)
}

// Key is an immutable structured query identifier. The zero Key is invalid.
type Key struct {
	segs []Segment
	enc  string
}

// New builds a key from plain Go values. Accepted: nil, bool, signed and
// unsigned integers, finite floats, json.Number, string, Segment, Key (nested
// as a list), slices/arrays of accepted values and maps keyed by string.
func New(parts ...any) (Key, error) {
	segs := make([]Segment, len(parts))
	for i, p := range parts {
		s, err := segmentOf(p, 0)
		if err != nil {
			return Key{}, errors.WithMessagef(err, "segment %d", i)
		}
		segs[i] = s
	}
	return fromSegments(segs), nil
}

// Must is New that panics on an invalid key. Intended for literals.
func Must(parts ...any) Key {
	k, err := New(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

// FromSegments builds a key from segments. A string or field name that is
// not valid UTF-8 is an invalid key.
func FromSegments(segs ...Segment) (Key, error) {
	for i, s := range segs {
		if !s.validUTF8() {
			return Key{}, errors.Wrapf(errs.ErrInvalidKey, "segment %d is not valid UTF-8", i)
		}
	}
	return fromSegments(append([]Segment(nil), segs...)), nil
}

func fromSegments(segs []Segment) Key {
	k := Key{segs: segs}
	var w strings.Builder
	List(k.segs...).encode(&w)
	k.enc = w.String()
	return k
}

// Encode returns the canonical encoding of the key built from parts.
func Encode(parts ...any) (string, error) {
	k, err := New(parts...)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

// String returns the canonical encoding (a JSON array).
func (k Key) String() string { return k.enc }

// IsZero reports whether k was never constructed.
func (k Key) IsZero() bool { return k.enc == "" }

// Validate returns ErrInvalidKey for the zero Key.
func (k Key) Validate() error {
	if k.IsZero() {
		return errors.Wrap(errs.ErrInvalidKey, "zero key")
	}
	return nil
}

// Len returns the number of segments.
func (k Key) Len() int { return len(k.segs) }

// Segment returns the i-th segment.
func (k Key) Segment(i int) Segment { return k.segs[i] }

// Segments returns a copy of the segments.
func (k Key) Segments() []Segment { return append([]Segment(nil), k.segs...) }

// Equal reports whether both keys encode identically.
func (k Key) Equal(o Key) bool { return k.enc == o.enc }

// Hash returns a 64-bit hash of the canonical encoding.
func (k Key) Hash() uint64 { return xxhash.Sum64String(k.enc) }

// Resource returns the first segment when it is a string, "" otherwise.
// It selects the resource profile and fetch function for the key.
func (k Key) Resource() string {
	if len(k.segs) == 0 || k.segs[0].kind != KindString {
		return ""
	}
	return k.segs[0].s
}

// Append returns a new key extended with parts.
func (k Key) Append(parts ...any) (Key, error) {
	tail, err := New(parts...)
	if err != nil {
		return Key{}, err
	}
	return fromSegments(append(k.Segments(), tail.segs...)), nil
}

// IsPrefixOf reports whether every segment of prefix equals the segment at the
// same position in k. The empty key (no segments) is a prefix of every key.
func IsPrefixOf(prefix, k Key) bool {
	if len(prefix.segs) > len(k.segs) {
		return false
	}
	if len(prefix.segs) == len(k.segs) {
		return prefix.enc == k.enc
	}
	for i := range prefix.segs {
		if !prefix.segs[i].Equal(k.segs[i]) {
			return false
		}
	}
	return true
}

// MarshalJSON emits the canonical encoding.
func (k Key) MarshalJSON() ([]byte, error) {
	if k.IsZero() {
		return nil, k.Validate()
	}
	return []byte(k.enc), nil
}

// UnmarshalJSON parses a JSON array back into a key.
func (k *Key) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var parts []any
	if err := dec.Decode(&parts); err != nil {
		return errors.Wrap(errs.ErrInvalidKey, err.Error())
	}
	nk, err := New(parts...)
	if err != nil {
		return err
	}
	*k = nk
	return nil
}

const maxDepth = 32

func segmentOf(v any, depth int) (Segment, error) {
	if depth > maxDepth {
		return Segment{}, errors.Wrap(errs.ErrInvalidKey, "nesting too deep")
	}
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Segment:
		if !x.validUTF8() {
			return Segment{}, errors.Wrap(errs.ErrInvalidKey, "segment is not valid UTF-8")
		}
		return x, nil
	case Key:
		if x.IsZero() {
			return Segment{}, x.Validate()
		}
		return List(x.segs...), nil
	case bool:
		return Bool(x), nil
	case string:
		if !utf8.ValidString(x) {
			return Segment{}, errors.Wrapf(errs.ErrInvalidKey, "string %q is not valid UTF-8", x)
		}
		return String(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return uintSegment(uint64(x))
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return uintSegment(x)
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Segment{}, errors.Wrapf(errs.ErrInvalidKey, "bad number %q", x.String())
		}
		return Float(f)
	case []any:
		return listOf(len(x), func(i int) any { return x[i] }, depth)
	case map[string]any:
		fields := make([]Field, 0, len(x))
		for name, fv := range x {
			s, err := segmentOf(fv, depth+1)
			if err != nil {
				return Segment{}, errors.WithMessagef(err, "field %q", name)
			}
			fields = append(fields, Field{Name: name, Value: s})
		}
		return Object(fields...)
	}
	return reflectSegment(reflect.ValueOf(v), depth)
}

// reflectSegment handles typed slices, arrays and string-keyed maps
// ([]string, []int, map[string]string, ...). Everything else is rejected.
func reflectSegment(rv reflect.Value, depth int) (Segment, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return List(), nil
		}
		return listOf(rv.Len(), func(i int) any { return rv.Index(i).Interface() }, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Segment{}, errors.Wrapf(errs.ErrInvalidKey, "map key type %s", rv.Type().Key())
		}
		fields := make([]Field, 0, rv.Len())
		it := rv.MapRange()
		for it.Next() {
			s, err := segmentOf(it.Value().Interface(), depth+1)
			if err != nil {
				return Segment{}, errors.WithMessagef(err, "field %q", it.Key().String())
			}
			fields = append(fields, Field{Name: it.Key().String(), Value: s})
		}
		return Object(fields...)
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintSegment(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float())
	case reflect.Invalid:
		return Null(), nil
	}
	return Segment{}, errors.Wrapf(errs.ErrInvalidKey, "unsupported segment type %s", rv.Type())
}

func listOf(n int, at func(int) any, depth int) (Segment, error) {
	items := make([]Segment, n)
	for i := 0; i < n; i++ {
		s, err := segmentOf(at(i), depth+1)
		if err != nil {
			return Segment{}, errors.WithMessagef(err, "item %d", i)
		}
		items[i] = s
	}
	return Segment{kind: KindList, items: items}, nil
}

func uintSegment(u uint64) (Segment, error) {
	if u > math.MaxInt64 {
		return Segment{}, errors.Wrap(errs.ErrInvalidKey, fmt.Sprintf("integer %d overflows int64", u))
	}
	return Int(int64(u)), nil
}
