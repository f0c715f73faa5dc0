package filestore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is a single file of a demo.
type Record struct {
	Content    string
	EntryPoint bool

	// Fields holds any extra keys stored alongside the file.
	Fields map[string]interface{}
}

// MarshalJSON encodes the record using the demo wire keys ("c", "en").
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["c"] = r.Content
	if r.EntryPoint {
		m["en"] = true
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a record, keeping unknown keys in Fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	*r = Record{}
	if c, ok := m["c"]; ok {
		s, ok := c.(string)
		if !ok && c != nil {
			return fmt.Errorf("file content must be a string, got %T", c)
		}
		r.Content = s
		delete(m, "c")
	}
	if en, ok := m["en"]; ok {
		b, _ := en.(bool)
		r.EntryPoint = b
		delete(m, "en")
	}
	if len(m) > 0 {
		r.Fields = m
	}
	return nil
}

func (r Record) clone() Record {
	if r.Fields != nil {
		fields := make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		r.Fields = fields
	}
	return r
}

// Update is a partial record. Nil fields are left untouched.
type Update struct {
	Content    *string
	EntryPoint *bool
	Fields     map[string]interface{}
}

// Content returns an update that sets the file content.
func Content(c string) Update {
	return Update{Content: &c}
}

// EntryPoint returns an update that sets the entry point flag.
func EntryPoint(en bool) Update {
	return Update{EntryPoint: &en}
}

func (u Update) apply(r Record) Record {
	if u.Content != nil {
		r.Content = *u.Content
	}
	if u.EntryPoint != nil {
		r.EntryPoint = *u.EntryPoint
	}
	if len(u.Fields) > 0 {
		if r.Fields == nil {
			r.Fields = make(map[string]interface{}, len(u.Fields))
		}
		for k, v := range u.Fields {
			r.Fields[k] = v
		}
	}
	return r
}

// Entry pairs a filename with its record.
type Entry struct {
	Name   string
	Record Record
}

// Files is an ordered filename -> record mapping. It encodes as a JSON
// object whose key order is the slice order.
type Files []Entry

// MarshalJSON writes the files as an object in slice order.
func (f Files) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Record)
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", e.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping the key order of the document.
// A repeated key keeps its first position and its last value.
func (f *Files) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("files must be a JSON object")
	}

	out := Files{}
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("invalid file name token %v", tok)
		}

		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("file %q: %w", name, err)
		}

		if i, exists := index[name]; exists {
			out[i].Record = rec
			continue
		}
		index[name] = len(out)
		out = append(out, Entry{Name: name, Record: rec})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	*f = out
	return nil
}

// Names returns the filenames in order.
func (f Files) Names() []string {
	names := make([]string, len(f))
	for i, e := range f {
		names[i] = e.Name
	}
	return names
}
