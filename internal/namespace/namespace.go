// Package namespace is a small in-memory name/value store that agents expose
// through the getvalue, setvalue and listnames requests.
package namespace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	bound  map[string]func() any
}

// New creates an empty store.
func New() *Store {
	return &Store{
		values: make(map[string]any),
		bound:  make(map[string]func() any),
	}
}

// Bind publishes a live, read-only value computed by get.
func (s *Store) Bind(name string, get func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound[name] = get
	delete(s.values, name)
}

// Set stores a value. Bound names cannot be overwritten.
func (s *Store) Set(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bound[name]; ok {
		return fmt.Errorf("%s is read-only", name)
	}
	s.values[name] = v
	return nil
}

// Value returns a single value.
func (s *Store) Value(name string) (any, bool) {
	s.mu.RLock()
	get, bound := s.bound[name]
	v, ok := s.values[name]
	s.mu.RUnlock()
	if bound {
		return get(), true
	}
	return v, ok
}

// Get returns a JSON object holding the named values in the order given.
// Unknown names are left out.
func (s *Store) Get(names []string) (string, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	n := 0
	for _, name := range names {
		v, ok := s.Value(name)
		if !ok {
			continue
		}
		key, _ := json.Marshal(name)
		val, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding %s: %w", name, err)
		}
		if n > 0 {
			b.WriteByte(',')
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
		n++
	}
	b.WriteByte('}')
	return b.String(), nil
}

// SetJSON applies one object or a comma separated run of objects, such as
// {"a":1},{"b":"x"}. It returns the number of values set.
func (s *Store) SetJSON(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("no values given")
	}
	var objs []map[string]any
	if err := json.Unmarshal([]byte("["+text+"]"), &objs); err != nil {
		return 0, fmt.Errorf("parsing values: %w", err)
	}

	count := 0
	for _, obj := range objs {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := s.Set(k, obj[k]); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// Names returns every name, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values)+len(s.bound))
	for k := range s.values {
		names = append(names, k)
	}
	for k := range s.bound {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ListNames returns Names as a JSON array.
func (s *Store) ListNames() (string, error) {
	b, err := json.Marshal(s.Names())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseNames reads a getvalue argument list: {"a","b"}, ["a","b"] or a
// plain comma or space separated list.
func ParseNames(args string) []string {
	args = strings.TrimSpace(args)
	args = strings.TrimPrefix(args, "{")
	args = strings.TrimSuffix(args, "}")
	args = strings.TrimPrefix(args, "[")
	args = strings.TrimSuffix(args, "]")

	var names []string
	for _, f := range strings.FieldsFunc(args, func(r rune) bool { return r == ',' || r == ' ' }) {
		f = strings.Trim(f, "\"")
		if f != "" {
			names = append(names, f)
		}
	}
	return names
}
