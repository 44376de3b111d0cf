package store

import (
	"database/sql"
	"errors"
	"time"

	"aideps/internal/stage"
)

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullablePayload(value stage.Payload) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func payloadFrom(value sql.NullString) stage.Payload {
	if !value.Valid || value.String == "" {
		return nil
	}
	return stage.Payload(value.String)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
