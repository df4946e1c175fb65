package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// Canonicalize re-encodes a JSON document with object keys sorted and
// insignificant whitespace removed. Number literals are kept as written.
func Canonicalize(data json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", tasks.ErrInvalidInput, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", tasks.ErrInvalidInput)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode canonical json: %w", err)
	}
	return out, nil
}

// Key returns the cache key for one input: scraperName-sha256(canonical data).
func Key(h tasks.Hasher, scraperName string, data json.RawMessage) (string, error) {
	canonical, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	sum, err := h.Hash(canonical)
	if err != nil {
		return "", fmt.Errorf("hash task data: %w", err)
	}
	return scraperName + "-" + sum, nil
}
