package datasource

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MetaEntry is one key of a data source's schema description.
type MetaEntry struct {
	Key   string
	Value any
}

// Meta is an insertion-ordered mapping describing a data source (tables,
// columns, notes). Order is preserved so prompt renders are stable.
type Meta []MetaEntry

// Get returns the value stored under key.
func (m Meta) Get(key string) (any, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of an existing key or appends a new one.
func (m Meta) Set(key string, value any) Meta {
	for i := range m {
		if m[i].Key == key {
			m[i].Value = value
			return m
		}
	}
	return append(m, MetaEntry{Key: key, Value: value})
}

// Keys returns the keys in insertion order.
func (m Meta) Keys() []string {
	keys := make([]string, 0, len(m))
	for _, e := range m {
		keys = append(keys, e.Key)
	}
	return keys
}

// Clone returns a shallow copy.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	copy(out, m)
	return out
}

// MarshalJSON renders the entries as a JSON object in insertion order.
func (m Meta) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("meta key %q: %w", e.Key, err)
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
