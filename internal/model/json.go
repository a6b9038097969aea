package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// scanJSON decodes a TEXT/JSON column value into dst. Drivers hand back
// either []byte or string depending on the backend.
func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}

func valueJSON(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Payload is the opaque structured data attached to a notification.
type Payload map[string]interface{}

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	return valueJSON(map[string]interface{}(p))
}

func (p *Payload) Scan(src interface{}) error {
	m := map[string]interface{}{}
	if err := scanJSON(src, &m); err != nil {
		return err
	}
	*p = m
	return nil
}
