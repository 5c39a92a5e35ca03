package ledger

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pagination defaults and limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a page ordered by created_at DESC, id DESC.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        uuid.UUID `json:"id"`
}

func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// Before reports whether a row sorts after the cursor, i.e. belongs to the
// next page.
func (c Cursor) Before(createdAt time.Time, id uuid.UUID) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id.String() < c.ID.String()
	}
	return createdAt.Before(c.CreatedAt)
}

// DecodeCursor parses an opaque cursor. An empty string yields nil.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.ID == uuid.Nil || c.CreatedAt.IsZero() {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
