package clients

import (
	"encoding/json"
	"strconv"
)

// Record is the loosely-typed payload both clients exchange with their APIs.
// Field mappers in crmsync read and build these.
type Record map[string]any

// String reads a top-level string field; numbers are formatted, everything
// else is the zero value.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

// Map reads a nested object field (e.g. the CRM "properties" envelope).
func (r Record) Map(key string) Record {
	switch v := r[key].(type) {
	case Record:
		return v
	case map[string]any:
		return Record(v)
	}
	return nil
}

// PropString reads properties.<key> for CRM-shaped records and falls back to
// the top-level field for rental-shaped ones.
func (r Record) PropString(key string) string {
	if props := r.Map("properties"); props != nil {
		if s := props.String(key); s != "" {
			return s
		}
	}
	return r.String(key)
}
