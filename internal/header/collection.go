// Package header provides an ordered header collection with case-insensitive
// lookup, plus the request allow-list and response framing filters applied by
// the proxy.
package header

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// Field is a single header line. Name keeps the case it arrived with.
type Field struct {
	Name  string
	Value string
}

// Collection is an ordered list of header fields. Lookups are
// case-insensitive; insertion order and name case are preserved.
// The zero value is an empty collection ready to use.
type Collection struct {
	fields []Field
}

// New returns a collection holding the given fields in order.
func New(fields ...Field) *Collection {
	c := &Collection{fields: make([]Field, 0, len(fields))}
	c.fields = append(c.fields, fields...)
	return c
}

// FromHTTP builds a collection from an http.Header. Keys are emitted in
// sorted order so the result is deterministic; values keep their wire order.
func FromHTTP(h http.Header) *Collection {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := &Collection{}
	for _, k := range keys {
		for _, v := range h[k] {
			c.fields = append(c.fields, Field{Name: k, Value: v})
		}
	}
	return c
}

// Add appends a field.
func (c *Collection) Add(name, value string) {
	c.fields = append(c.fields, Field{Name: name, Value: value})
}

// Len returns the number of fields.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.fields)
}

// Fields returns a copy of the fields in order.
func (c *Collection) Fields() []Field {
	if c == nil {
		return nil
	}
	out := make([]Field, len(c.fields))
	copy(out, c.fields)
	return out
}

// Lookup finds the field for name. A field whose name matches exactly wins;
// otherwise the first field whose name matches case-insensitively is returned.
func (c *Collection) Lookup(name string) (Field, bool) {
	if c == nil {
		return Field{}, false
	}
	for _, f := range c.fields {
		if f.Name == name {
			return f, true
		}
	}
	for _, f := range c.fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// Get returns the value Lookup finds for name, or "".
func (c *Collection) Get(name string) string {
	f, _ := c.Lookup(name)
	return f.Value
}

// Has reports whether any field matches name case-insensitively.
func (c *Collection) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// HTTP converts the collection to an http.Header without canonicalizing
// names, so the original case goes out on the wire for HTTP/1.x.
func (c *Collection) HTTP() http.Header {
	h := make(http.Header, c.Len())
	if c == nil {
		return h
	}
	for _, f := range c.fields {
		h[f.Name] = append(h[f.Name], f.Value)
	}
	return h
}

// MarshalJSON encodes the collection as a JSON object in insertion order.
// Names are merged case-insensitively under the first spelling seen and
// repeated values are joined with ", ".
func (c *Collection) MarshalJSON() ([]byte, error) {
	type entry struct {
		name   string
		values []string
	}
	var entries []*entry
	index := make(map[string]*entry)
	for _, f := range c.Fields() {
		key := strings.ToLower(f.Name)
		e, ok := index[key]
		if !ok {
			e = &entry{name: f.Name}
			index[key] = e
			entries = append(entries, e)
		}
		e.values = append(e.values, f.Value)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(strings.Join(e.values, ", "))
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
