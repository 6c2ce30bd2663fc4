package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a flat string-to-string map stored as a JSON text column.
// Used for repository backend options (s3.*, rclone.*).
type JSONMap map[string]string

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("db: JSONMap marshal: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	data, err := textColumn(value)
	if err != nil {
		return fmt.Errorf("db: JSONMap scan: %w", err)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("db: JSONMap unmarshal: %w", err)
	}
	*m = out
	return nil
}

// Clone returns an independent copy so callers can enrich options without
// mutating the loaded repository row.
func (m JSONMap) Clone() JSONMap {
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StringSlice is a list of strings stored as a JSON text column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("db: StringSlice marshal: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(value interface{}) error {
	data, err := textColumn(value)
	if err != nil {
		return fmt.Errorf("db: StringSlice scan: %w", err)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("db: StringSlice unmarshal: %w", err)
	}
	*s = out
	return nil
}

// JSONAny is an arbitrary JSON object stored as a text column. Used for
// backup event details, which have no fixed schema.
type JSONAny map[string]any

// Value implements driver.Valuer.
func (j JSONAny) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("db: JSONAny marshal: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (j *JSONAny) Scan(value interface{}) error {
	data, err := textColumn(value)
	if err != nil {
		return fmt.Errorf("db: JSONAny scan: %w", err)
	}
	if len(data) == 0 {
		*j = JSONAny{}
		return nil
	}
	out := JSONAny{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("db: JSONAny unmarshal: %w", err)
	}
	*j = out
	return nil
}

// textColumn normalizes the driver representations of a text column.
func textColumn(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("expected string or []byte, got %T", value)
	}
}
