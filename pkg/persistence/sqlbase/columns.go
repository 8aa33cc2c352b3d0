package sqlbase

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB encodes v for a nullable JSONB column. Nil values, empty maps, empty slices and
// empty raw messages are stored as NULL.
func JSONB(v any) (any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(value) == 0 {
			return nil, nil
		}

		return []byte(value), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSONB column: %w", err)
	}

	switch string(data) {
	case "null", "{}", "[]":
		return nil, nil
	}

	return data, nil
}

// ScanJSONB decodes a JSONB column into dest. NULL leaves dest untouched.
func ScanJSONB(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}

	err := json.Unmarshal(data, dest)
	if err != nil {
		return fmt.Errorf("failed to decode JSONB column: %w", err)
	}

	return nil
}

// RawJSON returns the column bytes as a raw message, nil for NULL.
func RawJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}

	return json.RawMessage(append([]byte(nil), data...))
}

func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func TimePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}

	t := n.Time.UTC()

	return &t
}

func NullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func IntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}

	i := int(n.Int64)

	return &i
}

func NullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}

	return sql.NullBool{Bool: *b, Valid: true}
}

func BoolPtr(n sql.NullBool) *bool {
	if !n.Valid {
		return nil
	}

	b := n.Bool

	return &b
}
