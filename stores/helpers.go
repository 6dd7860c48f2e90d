package stores

import (
	"fmt"
	"strconv"
	"time"

	"github.com/oarkflow/date"

	"github.com/relward/relward"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// decodeTime accepts whatever a driver scans time columns into.
func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return parseFlexibleTime(t)
	case []byte:
		return parseFlexibleTime(string(t))
	case int64:
		return time.Unix(t, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot read %T as a time", v)
}

// fieldFromSQL coerces a scanned column value into the declared field
// type. NULL columns come back nil.
func fieldFromSQL(t relward.FieldType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch t {
	case relward.TypeString, relward.TypeEnum:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case relward.TypeInt:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			return int64(v), nil
		}
	case relward.TypeFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
	case relward.TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		}
	case relward.TypeTime:
		return decodeTime(raw)
	}
	return nil, fmt.Errorf("cannot read %T as %s", raw, t)
}

// fieldFromRedis decodes a hash field string into the declared type.
func fieldFromRedis(t relward.FieldType, s string) (any, error) {
	switch t {
	case relward.TypeString, relward.TypeEnum:
		return s, nil
	case relward.TypeInt:
		return strconv.ParseInt(s, 10, 64)
	case relward.TypeFloat:
		return strconv.ParseFloat(s, 64)
	case relward.TypeBool:
		return strconv.ParseBool(s)
	case relward.TypeTime:
		return parseFlexibleTime(s)
	}
	return nil, fmt.Errorf("unknown field type %s", t)
}

// encodeRedisField renders a field value into its hash string form.
func encodeRedisField(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	}
	return "", fmt.Errorf("cannot store %T in a hash field", v)
}
