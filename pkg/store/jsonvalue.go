package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// jsonMap adapts map[string]interface{} to the database/sql Valuer/Scanner
// interfaces so it can be stored in a jsonb column via lib/pq.
type jsonMap map[string]interface{}

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(m))
}

func (m *jsonMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		s, ok := src.(string)
		if !ok {
			return fmt.Errorf("jsonMap: unsupported scan type %T", src)
		}
		b = []byte(s)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, (*map[string]interface{})(m))
}

// jsonValue adapts arbitrary JSON-marshalable values (slices, structs) the
// same way, for columns like data_lineage that aren't plain string maps.
type jsonValue struct {
	V interface{}
}

func (j jsonValue) Value() (driver.Value, error) {
	if j.V == nil {
		return []byte("null"), nil
	}
	return json.Marshal(j.V)
}

func (j *jsonValue) Scan(src interface{}) error {
	if src == nil {
		j.V = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		s, ok := src.(string)
		if !ok {
			return fmt.Errorf("jsonValue: unsupported scan type %T", src)
		}
		b = []byte(s)
	}
	return json.Unmarshal(b, &j.V)
}
