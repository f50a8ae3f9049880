package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Record is an ordered field-name to value mapping. Keys are unique.
type Record struct {
	keys   []string
	values map[string]any
}

func NewRecord() *Record {
	return &Record{values: make(map[string]any)}
}

// Set appends a field. Setting an existing key is an error.
func (r *Record) Set(key string, value any) error {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, ok := r.values[key]; ok {
		return fmt.Errorf("record: duplicate key %q", key)
	}
	r.keys = append(r.keys, key)
	r.values[key] = value
	return nil
}

func (r *Record) Get(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.values[key]
	return v, ok
}

func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.keys...)
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// MarshalJSON writes the fields in insertion order.
func (r *Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("record: field %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores the fields in document order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected object")
	}
	r.keys = nil
	r.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("record: expected string key")
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return err
		}
		if err := r.Set(key, v); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}

// CrawlResult is produced once per visited page.
type CrawlResult struct {
	URL       string    `json:"url"`
	Data      *Record   `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"taskId"`
	Errors    []string  `json:"errors,omitempty"`
}

// PendingBatch is a batch that exhausted its delivery retries.
type PendingBatch struct {
	TaskID    string        `json:"taskId"`
	Data      []CrawlResult `json:"data"`
	CreatedAt time.Time     `json:"createdAt"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"lastError,omitempty"`
}
