package heuristic

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entry is one configured heuristic.
type Entry struct {
	Name  string
	Value any
}

// Config is an ordered heuristic configuration. In JSON it is an object whose
// key order defines the order the heuristics run in.
type Config []Entry

// Get returns the value configured for name.
func (c Config) Get(name string) (any, bool) {
	for _, e := range c {
		if e.Name == name {
			return e.Value, true
		}
	}
	return nil, false
}

// With returns a copy of c with name set to value. An existing entry keeps
// its position; a new one is appended.
func (c Config) With(name string, value any) Config {
	out := make(Config, 0, len(c)+1)
	found := false
	for _, e := range c {
		if e.Name == name {
			e.Value = value
			found = true
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, Entry{Name: name, Value: value})
	}
	return out
}

func (c *Config) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*c = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("heuristics: expected object, got %v", tok)
	}
	var out Config
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("heuristics: expected key, got %v", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("heuristics: %s: %w", key, err)
		}
		out = out.With(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}

func (c Config) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
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
