package gombus

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"gitlab.com/d21d3q/gombus/internal/records"
)

// FieldSet gives typed access to the decoded records by field name.
type FieldSet struct {
	records map[string]records.Record
}

// FieldSet indexes the result's records by FieldName.
func (r Result) FieldSet() FieldSet {
	return FieldSet{records: r.named()}
}

// Map returns the fields as Result.Fields does.
func (fs FieldSet) Map() map[string]any {
	out := make(map[string]any, len(fs.records))
	for name, rec := range fs.records {
		out[name] = fieldValue(rec)
	}
	return out
}

// Keys lists the field names in lexical order.
func (fs FieldSet) Keys() []string {
	keys := make([]string, 0, len(fs.records))
	for name := range fs.records {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

// Record returns the decoded record behind a field.
func (fs FieldSet) Record(key string) (records.Record, bool) {
	rec, ok := fs.records[key]
	return rec, ok
}

func (fs FieldSet) lookup(key string) (records.Record, error) {
	rec, ok := fs.records[key]
	if !ok {
		return rec, fmt.Errorf("field %q missing", key)
	}
	if rec.Unparsed {
		return rec, fmt.Errorf("field %q was not decoded", key)
	}
	return rec, nil
}

// Float returns a numeric field already scaled to its unit. Text fields
// holding a number are parsed.
func (fs FieldSet) Float(key string) (float64, error) {
	rec, err := fs.lookup(key)
	if err != nil {
		return 0, err
	}
	switch rec.Kind {
	case records.KindNumber:
		return rec.Value, nil
	case records.KindText:
		f, err := strconv.ParseFloat(rec.Text, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not numeric: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("field %q is a %s, not a number", key, rec.Kind)
}

// Int returns a numeric field truncated to an integer.
func (fs FieldSet) Int(key string) (int64, error) {
	f, err := fs.Float(key)
	return int64(f), err
}

// Time returns a date or date-time field.
func (fs FieldSet) Time(key string) (time.Time, error) {
	rec, err := fs.lookup(key)
	if err != nil {
		return time.Time{}, err
	}
	if rec.Kind != records.KindTime {
		return time.Time{}, fmt.Errorf("field %q is a %s, not a time", key, rec.Kind)
	}
	return rec.Timestamp, nil
}

// String formats any field as text.
func (fs FieldSet) String(key string) (string, error) {
	rec, ok := fs.records[key]
	if !ok {
		return "", fmt.Errorf("field %q missing", key)
	}
	if v, ok := fieldValue(rec).(float64); ok {
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return fieldValue(rec).(string), nil
}
