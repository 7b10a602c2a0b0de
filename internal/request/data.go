package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the shape of a Data value.
type Kind int

const (
	KindString Kind = iota + 1
	KindList
	KindMap
)

// Value is one entry of a Data payload.
type Value struct {
	Kind Kind
	Str  string
	List []string
	Map  map[string]string
}

// Data is an ordered set of named values. Each value is a string, a list of
// strings or a string map. Keys are unique; blank keys and blank values are
// refused.
type Data struct {
	keys   []string
	values map[string]Value
}

// NewData returns an empty payload.
func NewData() *Data {
	return &Data{values: make(map[string]Value)}
}

// DataFromMap copies m into a new payload in sorted key order.
func DataFromMap(m map[string]string) *Data {
	d := NewData()
	for _, k := range sortedKeys(m) {
		d.AddString(k, m[k])
	}
	return d
}

func (d *Data) add(key string, v Value) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	if d.values == nil {
		d.values = make(map[string]Value)
	}
	if _, ok := d.values[key]; ok {
		return false
	}
	d.keys = append(d.keys, key)
	d.values[key] = v
	return true
}

// AddString adds a string value. It returns false if nothing was added.
func (d *Data) AddString(key, value string) bool {
	if strings.TrimSpace(value) == "" {
		return false
	}
	return d.add(key, Value{Kind: KindString, Str: value})
}

// AddList adds a list value. A nil list is refused; an empty list is kept.
func (d *Data) AddList(key string, values []string) bool {
	if values == nil {
		return false
	}
	return d.add(key, Value{Kind: KindList, List: append([]string(nil), values...)})
}

// AddMap adds a map value. A nil map is refused; an empty map is kept.
func (d *Data) AddMap(key string, values map[string]string) bool {
	if values == nil {
		return false
	}
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return d.add(key, Value{Kind: KindMap, Map: cp})
}

// Get returns the value stored under key.
func (d *Data) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.values[key]
	return v, ok
}

// String returns the string stored under key.
func (d *Data) String(key string) (string, bool) {
	v, ok := d.Get(key)
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// Keys returns the keys in insertion order.
func (d *Data) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

// Merge adds the entries of o whose keys are not already present, in o's
// order. It returns the number of entries added.
func (d *Data) Merge(o *Data) int {
	if o == nil {
		return 0
	}
	n := 0
	for _, k := range o.keys {
		if d.add(k, o.values[k]) {
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (d *Data) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

func (d *Data) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		var vb []byte
		switch v := d.values[k]; v.Kind {
		case KindString:
			vb, err = json.Marshal(v.Str)
		case KindList:
			vb, err = json.Marshal(v.List)
		case KindMap:
			vb, err = json.Marshal(v.Map)
		default:
			err = fmt.Errorf("data key %q has no value", k)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Data) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("response data must be a JSON object")
	}

	out := NewData()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := out.addRaw(key, raw); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*d = *out
	return nil
}

func (d *Data) addRaw(key string, raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return fmt.Errorf("data key %q: empty value", key)
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("data key %q: %w", key, err)
		}
		d.AddString(key, s)
	case '[':
		var l []string
		if err := json.Unmarshal(trimmed, &l); err != nil {
			return fmt.Errorf("data key %q: %w", key, err)
		}
		d.AddList(key, l)
	case '{':
		var m map[string]string
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return fmt.Errorf("data key %q: %w", key, err)
		}
		d.AddMap(key, m)
	default:
		return fmt.Errorf("data key %q: unsupported value %s", key, trimmed)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
