package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Fields is an insertion-ordered map of captured values. The zero value is ready to use.
type Fields struct {
	keys   []string
	values map[string]any
}

// Set stores v under k. Overwriting keeps the original position.
func (f *Fields) Set(k string, v any) {
	if f.values == nil {
		f.values = make(map[string]any)
	}
	if _, ok := f.values[k]; !ok {
		f.keys = append(f.keys, k)
	}
	f.values[k] = v
}

// Get returns the value stored under k.
func (f Fields) Get(k string) (any, bool) {
	v, ok := f.values[k]
	return v, ok
}

// Delete removes k.
func (f *Fields) Delete(k string) {
	if _, ok := f.values[k]; !ok {
		return
	}
	delete(f.values, k)
	for i, key := range f.keys {
		if key == k {
			f.keys = append(f.keys[:i:i], f.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of stored fields.
func (f Fields) Len() int { return len(f.keys) }

// Keys returns field names in insertion order.
func (f Fields) Keys() []string { return append([]string(nil), f.keys...) }

// Clone returns an independent copy. Values are copied shallowly.
func (f Fields) Clone() Fields {
	c := Fields{keys: append([]string(nil), f.keys...)}
	if f.values != nil {
		c.values = make(map[string]any, len(f.values))
		for k, v := range f.values {
			c.values[k] = v
		}
	}
	return c
}

// String returns the value under k formatted as text.
func (f Fields) String(k string) string {
	v, ok := f.values[k]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the value under k as an integer. Values that went through
// JSON storage come back as json.Number and are handled here too.
func (f Fields) Int(k string) (int64, bool) {
	switch v := f.values[k].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Equal reports whether both hold the same keys in the same order with
// values that format identically.
func (f Fields) Equal(o Fields) bool {
	if len(f.keys) != len(o.keys) {
		return false
	}
	for i, k := range f.keys {
		if o.keys[i] != k || fmt.Sprint(f.values[k]) != fmt.Sprint(o.values[k]) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order. Numbers decode as json.Number.
func (f *Fields) UnmarshalJSON(data []byte) error {
	*f = Fields{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("session fields: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("session fields: expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		f.Set(key, v)
	}
	_, err = dec.Token()
	return err
}
