package mcpservice

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Page is one page of a listing. A nil NextCursor means the listing is
// complete. Cursors are opaque to clients and stable for an unchanged
// registry, so repeating a listing yields an identical sequence.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// NewPage builds a page over items.
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	p := Page[T]{Items: items}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// PageOption configures a Page.
type PageOption[T any] func(*Page[T])

// WithNextCursor marks the page as partial with a continuation cursor.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) { p.NextCursor = &cursor }
}

// encodeCursor renders an item offset as an opaque cursor.
func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// decodeCursor parses an opaque cursor back into an item offset. A nil
// cursor means offset 0.
func decodeCursor(cursor *string) (int, error) {
	if cursor == nil || *cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(*cursor)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor: %w", err)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed cursor")
	}
	return n, nil
}

// pageSlice returns the window [offset, offset+size) of items plus a cursor
// for the remainder, if any.
func pageSlice[T any](items []T, cursor *string, size int) (Page[T], error) {
	offset, err := decodeCursor(cursor)
	if err != nil {
		return Page[T]{}, err
	}
	if offset >= len(items) {
		return NewPage[T](nil), nil
	}
	end := offset + size
	if size < 1 || end > len(items) {
		end = len(items)
	}
	out := make([]T, end-offset)
	copy(out, items[offset:end])
	if end < len(items) {
		return NewPage(out, WithNextCursor[T](encodeCursor(end))), nil
	}
	return NewPage(out), nil
}
