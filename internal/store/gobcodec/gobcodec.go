// Package gobcodec wraps encoding/gob with the capitalization and
// zero-value sanity checks the teacher's RPC layer used to run on every
// argument and reply. Here the checks run on whatever gets written to or
// read from the durable store file instead of an RPC argument: a lower-case
// struct field in PersistentState would silently fail to round-trip through
// gob, and a corrupt decode target would silently keep its old field values.
package gobcodec

import (
	"encoding/gob"
	"io"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

var (
	mu         sync.Mutex
	errorCount int
	checked    map[reflect.Type]bool
)

// Logger receives capitalization/default-value warnings. Tests and
// command-line entry points may swap it for a no-op or a real logger.
var Logger = zap.NewNop().Sugar()

// Encoder is a capitalization-checked wrapper around *gob.Encoder.
type Encoder struct {
	gob *gob.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{gob: gob.NewEncoder(w)}
}

// Encode checks e's type for exported fields, then gob-encodes it.
func (enc *Encoder) Encode(e interface{}) error {
	checkValue(e)
	return enc.gob.Encode(e)
}

// Decoder is a capitalization-checked wrapper around *gob.Decoder.
type Decoder struct {
	gob *gob.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{gob: gob.NewDecoder(r)}
}

// Decode checks e's type and zero-value state, then gob-decodes into e.
func (dec *Decoder) Decode(e interface{}) error {
	checkValue(e)
	checkDefault(e)
	return dec.gob.Decode(e)
}

func checkValue(value interface{}) {
	checkType(reflect.TypeOf(value))
}

func checkType(t reflect.Type) {
	if t == nil {
		return
	}
	k := t.Kind()

	mu.Lock()
	if checked == nil {
		checked = map[reflect.Type]bool{}
	}
	if checked[t] {
		mu.Unlock()
		return
	}
	checked[t] = true
	mu.Unlock()

	switch k {
	case reflect.Ptr:
		checkType(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			r, _ := utf8.DecodeRuneInString(f.Name)
			if !unicode.IsUpper(r) {
				Logger.Warnf("gobcodec: lower-case field %s of %s won't round-trip through persist", f.Name, t.Name())
				mu.Lock()
				errorCount++
				mu.Unlock()
			}
			checkType(f.Type)
		}
	case reflect.Slice, reflect.Array:
		checkType(t.Elem())
	case reflect.Map:
		checkType(t.Elem())
		checkType(t.Key())
	}
}

// checkDefault warns when decoding into a value that already holds
// non-zero data: gob does not clear fields absent from the wire data, so
// decoding into a reused PersistentState can leave stale values behind.
func checkDefault(value interface{}) {
	if value == nil {
		return
	}
	checkDefault1(reflect.ValueOf(value), 1, "")
}

func checkDefault1(value reflect.Value, depth int, name string) {
	if depth > 3 || !value.IsValid() {
		return
	}

	t := value.Type()
	switch t.Kind() {
	case reflect.Ptr:
		if value.IsNil() {
			return
		}
		checkDefault1(value.Elem(), depth+1, name)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			fieldName := t.Field(i).Name
			if name != "" {
				fieldName = name + "." + fieldName
			}
			checkDefault1(value.Field(i), depth+1, fieldName)
		}
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		if !reflect.DeepEqual(reflect.Zero(t).Interface(), value.Interface()) {
			mu.Lock()
			if errorCount < 1 {
				what := name
				if what == "" {
					what = t.Name()
				}
				Logger.Warnf("gobcodec: decoding into non-default field %s may not overwrite it", what)
			}
			errorCount++
			mu.Unlock()
		}
	}
}
