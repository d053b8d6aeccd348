package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// StringSlice is a []string stored as a jsonb column
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("cannot scan %T into StringSlice", src)
	}

	return json.Unmarshal(data, s)
}

// Contains reports whether the slice holds the given value
func (s StringSlice) Contains(value string) bool {
	for _, v := range s {
		if v == value {
			return true
		}
	}
	return false
}
