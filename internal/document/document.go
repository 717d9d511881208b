// Package document decodes untyped JSON payloads into typed values with
// errors that name the offending path, e.g. "virtualMachines[2].sku".
//
// Every lookup distinguishes three outcomes: the key is absent (or null),
// the key is present with the wrong shape, or the value was extracted.
// Required lookups turn the first two into errors; optional lookups only
// fail on the second.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissing is returned when a required key is absent or null.
	ErrMissing = errors.New("missing")
	// ErrWrongType is returned when a value has an unexpected JSON type.
	ErrWrongType = errors.New("wrong type")
	// ErrEmpty is returned when a string is empty or only whitespace.
	ErrEmpty = errors.New("empty")
	// ErrInvalid is returned when a value has the right type but cannot
	// be converted (out of range, malformed timestamp, ...).
	ErrInvalid = errors.New("invalid")
)

// Error reports which path in the document failed and why.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const rootPath = "$"

// Object is a decoded JSON object that remembers where it sits in the
// enclosing document.
type Object struct {
	path   string
	fields map[string]any
}

// Parse decodes data, which must hold exactly one JSON object.
func Parse(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return Object{}, &Error{Path: rootPath, Err: fmt.Errorf("%w: %v", ErrInvalid, err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Object{}, &Error{Path: rootPath, Err: fmt.Errorf("%w: trailing data after object", ErrInvalid)}
	}

	fields, ok := v.(map[string]any)
	if !ok {
		return Object{}, &Error{Path: rootPath, Err: fmt.Errorf("%w: expected object, got %s", ErrWrongType, typeName(v))}
	}
	return Object{path: rootPath, fields: fields}, nil
}

// Path returns the location of o within the parsed document.
func (o Object) Path() string { return o.path }

// Has reports whether key is present and not null.
func (o Object) Has(key string) bool {
	v, ok := o.fields[key]
	return ok && v != nil
}

// Keys returns the object's keys in sorted order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o.fields))
	for k := range o.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o Object) child(key string) string {
	if o.path == rootPath {
		return key
	}
	return o.path + "." + key
}

// Get extracts a required value at key using coerce.
func Get[T any](o Object, key string, coerce func(any) (T, error)) (T, error) {
	v, ok, err := Optional(o, key, coerce)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, &Error{Path: o.child(key), Err: ErrMissing}
	}
	return v, nil
}

// Optional extracts a value at key using coerce.  An absent or null key
// yields ok == false and no error.
func Optional[T any](o Object, key string, coerce func(any) (T, error)) (value T, ok bool, err error) {
	raw, present := o.fields[key]
	if !present || raw == nil {
		return value, false, nil
	}
	value, err = coerce(raw)
	if err != nil {
		return value, false, &Error{Path: o.child(key), Err: err}
	}
	return value, true, nil
}

// Object extracts a required nested object.
func (o Object) Object(key string) (Object, error) {
	return Get(o, key, o.nested(key))
}

// OptionalObject extracts a nested object that may be absent.
func (o Object) OptionalObject(key string) (Object, bool, error) {
	return Optional(o, key, o.nested(key))
}

func (o Object) nested(key string) func(any) (Object, error) {
	return func(v any) (Object, error) {
		fields, ok := v.(map[string]any)
		if !ok {
			return Object{}, wrongType("object", v)
		}
		return Object{path: o.child(key), fields: fields}, nil
	}
}

// Objects extracts a required array whose elements are all objects.
func (o Object) Objects(key string) ([]Object, error) {
	items, err := Get(o, key, array)
	if err != nil {
		return nil, err
	}
	out := make([]Object, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, &Error{Path: index(o.child(key), i), Err: wrongType("object", item)}
		}
		out = append(out, Object{path: index(o.child(key), i), fields: fields})
	}
	return out, nil
}

// Each extracts a required array and coerces every element.
func Each[T any](o Object, key string, coerce func(any) (T, error)) ([]T, error) {
	items, err := Get(o, key, array)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for i, item := range items {
		if item == nil {
			return nil, &Error{Path: index(o.child(key), i), Err: ErrMissing}
		}
		v, err := coerce(item)
		if err != nil {
			return nil, &Error{Path: index(o.child(key), i), Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}

func index(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

// ---------------------------------------------------------------------------
// Coercions
// ---------------------------------------------------------------------------

func array(v any) ([]any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, wrongType("array", v)
	}
	return items, nil
}

// String accepts any JSON string.
func String(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", wrongType("string", v)
	}
	return s, nil
}

// NonEmptyString accepts a string that is not blank.
func NonEmptyString(v any) (string, error) {
	s, err := String(v)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", ErrEmpty
	}
	return s, nil
}

// Bool accepts a JSON boolean.
func Bool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, wrongType("boolean", v)
	}
	return b, nil
}

// Int accepts an integral JSON number that fits in an int64.
func Int(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, wrongType("integer", v)
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an int64", ErrInvalid, n)
	}
	return i, nil
}

// Uint accepts a non-negative integral JSON number.
func Uint(v any) (uint64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, wrongType("unsigned integer", v)
	}
	u, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an unsigned integer", ErrInvalid, n)
	}
	return u, nil
}

// Decimal accepts any JSON number and returns it without loss of
// precision.
func Decimal(v any) (*big.Rat, error) {
	n, ok := v.(json.Number)
	if !ok {
		return nil, wrongType("number", v)
	}
	r, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a decimal", ErrInvalid, n)
	}
	return r, nil
}

// Timestamp accepts an RFC 3339 string with an explicit offset.
func Timestamp(v any) (time.Time, error) {
	s, err := String(v)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not an RFC 3339 timestamp", ErrInvalid, s)
	}
	return t, nil
}

// UUID accepts a string in any form google/uuid understands.
func UUID(v any) (uuid.UUID, error) {
	s, err := String(v)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not a UUID", ErrInvalid, s)
	}
	return id, nil
}

func wrongType(want string, got any) error {
	return fmt.Errorf("%w: expected %s, got %s", ErrWrongType, want, typeName(got))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
