// Package pagination implements opaque keyset cursors for list endpoints.
// A cursor is URL-safe base64 over a small JSON document so callers can pass
// it back as a query parameter without escaping.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100

	kindKeyset   = "k"
	kindSequence = "s"
)

var ErrInvalidCursor = errors.New("invalid cursor")

type Params struct {
	Limit  int
	Cursor string
}

// Cursor is the (created_at, id) position of the last row already returned.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type wireCursor struct {
	Kind string     `json:"k"`
	At   *time.Time `json:"t,omitempty"`
	ID   *uuid.UUID `json:"i,omitempty"`
	Seq  *int64     `json:"s,omitempty"`
}

func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// LimitWithBuffer asks for one extra row so the caller can tell whether a
// next page exists.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// Split cuts a buffered result down to limit rows and reports the last row
// kept when more rows remain.
func Split[T any](rows []T, limit int) ([]T, *T) {
	if limit <= 0 || len(rows) <= limit {
		return rows, nil
	}
	page := rows[:limit]
	return page, &page[limit-1]
}

func EncodeCursor(cursor Cursor) string {
	at := cursor.CreatedAt.UTC()
	id := cursor.ID
	return encode(wireCursor{Kind: kindKeyset, At: &at, ID: &id})
}

// ParseCursor returns nil for a blank cursor, meaning the first page.
func ParseCursor(value string) (*Cursor, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	wc, err := decode(value, kindKeyset)
	if err != nil {
		return nil, err
	}
	if wc.At == nil || wc.ID == nil || *wc.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing position", ErrInvalidCursor)
	}
	return &Cursor{CreatedAt: *wc.At, ID: *wc.ID}, nil
}

// EncodeSequenceCursor encodes a position in a per-aggregate sequence.
func EncodeSequenceCursor(sequence int64) string {
	return encode(wireCursor{Kind: kindSequence, Seq: &sequence})
}

func ParseSequenceCursor(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	wc, err := decode(value, kindSequence)
	if err != nil {
		return 0, err
	}
	if wc.Seq == nil || *wc.Seq < 0 {
		return 0, fmt.Errorf("%w: bad sequence", ErrInvalidCursor)
	}
	return *wc.Seq, nil
}

func encode(wc wireCursor) string {
	raw, _ := json.Marshal(wc)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decode(value, kind string) (wireCursor, error) {
	var wc wireCursor
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return wc, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(raw, &wc); err != nil {
		return wc, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if wc.Kind != kind {
		return wc, fmt.Errorf("%w: wrong cursor kind %q", ErrInvalidCursor, wc.Kind)
	}
	return wc, nil
}
