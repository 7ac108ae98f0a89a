// Package canonical produces deterministic JSON so that conformance reports and
// attempt journal entries hash identically across runs and hosts.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal encodes v with object keys sorted lexicographically and array order
// preserved. Numbers keep their textual form.
func Marshal(v interface{}) ([]byte, error) {
	tree, err := generic(v)
	if err != nil {
		return nil, err
	}
	w := &writer{}
	w.value(tree)
	return w.Bytes(), nil
}

// Digest returns the hex sha256 of Marshal(v).
func Digest(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Chain hashes canonical payload bytes together with the previous hex digest,
// sha256(payload || prev). An empty prev starts a new chain.
func Chain(payload []byte, prev string) (string, error) {
	h := sha256.New()
	h.Write(payload)
	if prev != "" {
		raw, err := hex.DecodeString(prev)
		if err != nil {
			return "", fmt.Errorf("decode prev hash: %w", err)
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// generic turns any JSON-encodable value into maps, slices, json.Number,
// strings, bools and nil.
func generic(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return out, nil
}

type writer struct {
	bytes.Buffer
}

func (w *writer) value(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		w.object(t)
	case []interface{}:
		w.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				w.WriteByte(',')
			}
			w.value(elem)
		}
		w.WriteByte(']')
	case json.Number:
		w.WriteString(t.String())
	case nil:
		w.WriteString("null")
	default:
		// strings and bools
		w.scalar(t)
	}
}

func (w *writer) object(m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			w.WriteByte(',')
		}
		w.scalar(k)
		w.WriteByte(':')
		w.value(m[k])
	}
	w.WriteByte('}')
}

func (w *writer) scalar(v interface{}) {
	b, _ := json.Marshal(v)
	w.Write(b)
}
