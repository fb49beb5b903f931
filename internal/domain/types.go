package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringArray is stored as a JSON array in a text column.
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	return jsonValue(a)
}

func (a *StringArray) Scan(value interface{}) error {
	*a = StringArray{}
	return jsonScan(value, a)
}

// JSONMap is stored as a JSON object in a text column. Used for notification
// payloads and provider echoes.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return jsonValue(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	*m = JSONMap{}
	return jsonScan(value, m)
}

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// jsonScan decodes a text or blob column into dst. NULL leaves dst untouched.
func jsonScan(value, dst interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan %T: unexpected column type %T", dst, value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
