package protocol

import (
	"bytes"
	"fmt"
	"iter"
	"strconv"
	"unicode/utf8"

	"github.com/danmuck/ymsgd/internal/protocol/frame"
)

// Field is one key/value pair of a packet payload.
type Field struct {
	Key   uint32
	Value string
}

// Fields is an ordered key/value list. The wire allows a key to repeat, so
// every pair is kept in order; single-value lookups are last write wins.
// A nil list and an empty one are the same payload; decoded packets always
// carry a non-nil list.
type Fields []Field

// Get returns the last value stored under key.
func (f Fields) Get(key uint32) (string, bool) {
	for i := len(f) - 1; i >= 0; i-- {
		if f[i].Key == key {
			return f[i].Value, true
		}
	}
	return "", false
}

// Values returns every value stored under key in wire order.
func (f Fields) Values(key uint32) []string {
	var out []string
	for _, field := range f {
		if field.Key == key {
			out = append(out, field.Value)
		}
	}
	return out
}

// Add appends a pair, keeping any earlier pair with the same key.
func (f *Fields) Add(key uint32, value string) {
	*f = append(*f, Field{Key: key, Value: value})
}

// Set stores value under key at the key's first position and drops later
// duplicates. A new key is appended.
func (f *Fields) Set(key uint32, value string) {
	out := (*f)[:0]
	found := false
	for _, field := range *f {
		if field.Key != key {
			out = append(out, field)
			continue
		}
		if found {
			continue
		}
		found = true
		out = append(out, Field{Key: key, Value: value})
	}
	if !found {
		out = append(out, Field{Key: key, Value: value})
	}
	*f = out
}

func (f Fields) Len() int {
	return len(f)
}

// All iterates pairs in wire order, duplicates included.
func (f Fields) All() iter.Seq2[uint32, string] {
	return func(yield func(uint32, string) bool) {
		for _, field := range f {
			if !yield(field.Key, field.Value) {
				return
			}
		}
	}
}

// Map collapses duplicates, last write wins.
func (f Fields) Map() map[uint32]string {
	out := make(map[uint32]string, len(f))
	for _, field := range f {
		out[field.Key] = field.Value
	}
	return out
}

func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	copy(out, f)
	return out
}

// ParseFields splits a payload into pairs. A single trailing separator ends
// the list; a key without a value is malformed. An empty payload yields an
// empty, non-nil list.
func ParseFields(payload []byte) (Fields, error) {
	if len(payload) == 0 {
		return Fields{}, nil
	}
	pieces := bytes.Split(payload, frame.Separator)
	if len(pieces[len(pieces)-1]) == 0 {
		pieces = pieces[:len(pieces)-1]
	}
	if len(pieces)%2 != 0 {
		return nil, fmt.Errorf("%w: key %q has no value", ErrMalformedField, pieces[len(pieces)-1])
	}
	fields := make(Fields, 0, len(pieces)/2)
	for i := 0; i < len(pieces); i += 2 {
		key, err := parseKey(pieces[i])
		if err != nil {
			return nil, err
		}
		value := pieces[i+1]
		if !utf8.Valid(value) {
			return nil, fmt.Errorf("%w: value of key %d", ErrInvalidEncoding, key)
		}
		fields = append(fields, Field{Key: key, Value: string(value)})
	}
	return fields, nil
}

// AppendFields appends the wire form of f to dst. Values must be valid UTF-8,
// which also guarantees they never contain the separator.
func AppendFields(dst []byte, f Fields) ([]byte, error) {
	for _, field := range f {
		if !utf8.ValidString(field.Value) {
			return nil, fmt.Errorf("%w: value of key %d", ErrInvalidEncoding, field.Key)
		}
		dst = strconv.AppendUint(dst, uint64(field.Key), 10)
		dst = append(dst, frame.Separator...)
		dst = append(dst, field.Value...)
		dst = append(dst, frame.Separator...)
	}
	return dst, nil
}

func parseKey(b []byte) (uint32, error) {
	key, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q is not a decimal integer", ErrMalformedField, b)
	}
	return uint32(key), nil
}
