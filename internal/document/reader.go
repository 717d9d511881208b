package document

// Reader chains several extractions from one Object.  The first failure
// is kept and every later extraction becomes a no-op returning the zero
// value, so a decoder can read all fields and check Err once.
type Reader struct {
	obj Object
	err error
}

// NewReader returns a Reader over o.
func NewReader(o Object) *Reader {
	return &Reader{obj: o}
}

// Err returns the first extraction error, if any.
func (r *Reader) Err() error { return r.err }

// Read extracts a required value through r.
func Read[T any](r *Reader, key string, coerce func(any) (T, error)) T {
	var zero T
	if r.err != nil {
		return zero
	}
	v, err := Get(r.obj, key, coerce)
	if err != nil {
		r.err = err
		return zero
	}
	return v
}

// ReadOptional extracts a value that may be absent through r.
func ReadOptional[T any](r *Reader, key string, coerce func(any) (T, error)) (T, bool) {
	var zero T
	if r.err != nil {
		return zero, false
	}
	v, ok, err := Optional(r.obj, key, coerce)
	if err != nil {
		r.err = err
		return zero, false
	}
	return v, ok
}

// Objects extracts a required array of objects through r.
func (r *Reader) Objects(key string) []Object {
	if r.err != nil {
		return nil
	}
	objs, err := r.obj.Objects(key)
	if err != nil {
		r.err = err
		return nil
	}
	return objs
}

// Object extracts a required nested object through r.
func (r *Reader) Object(key string) Object {
	if r.err != nil {
		return Object{}
	}
	o, err := r.obj.Object(key)
	if err != nil {
		r.err = err
		return Object{}
	}
	return o
}
