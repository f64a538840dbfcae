package dbtypes

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON holds a raw JSON document. It is written to the database as text so
// the same column works for Postgres jsonb under the simple protocol and for
// SQLite.
type JSON json.RawMessage

func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case string:
		*j = append((*j)[:0], v...)
		return nil
	case []byte:
		*j = append((*j)[:0], v...)
		return nil
	default:
		return fmt.Errorf("JSON: unsupported Scan type %T", src)
	}
}

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// MarshalJSON emits the document verbatim.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// Raw exposes the document as json.RawMessage.
func (j JSON) Raw() json.RawMessage {
	return json.RawMessage(j)
}

// IsEmpty reports whether the document is absent or JSON null.
func (j JSON) IsEmpty() bool {
	trimmed := bytes.TrimSpace(j)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// MustMarshal encodes v, panicking on failure. Only use with values that
// cannot fail to encode (maps of plain values, tagged structs).
func MustMarshal(v any) JSON {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("dbtypes: marshal %T: %v", v, err))
	}
	return JSON(data)
}
