package models

import (
	"encoding/json"
	"fmt"
)

// The store speaks raw JSON rows; everything above it speaks the typed
// records in this package. These helpers are the whole mapping layer.

// DecodeRow decodes a single raw row into dst.
func DecodeRow[T any](row json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(row, &v); err != nil {
		return v, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}

// DecodeRows decodes a slice of raw rows, skipping rows that fail to
// decode (a malformed row from the feed must degrade, not poison the
// whole batch).
func DecodeRows[T any](rows []json.RawMessage) []T {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		v, err := DecodeRow[T](r)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// EncodeRow encodes a typed record for an insert/update payload.
func EncodeRow(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return b, nil
}
