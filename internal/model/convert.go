package model

// ConvertTo converts a stored property value to T. Numeric widening is
// applied (a stored int is readable as float64 and a whole float64 as int);
// no other coercion happens.
func ConvertTo[T any](v any) (T, bool) {
	var zero T
	if t, ok := v.(T); ok {
		return t, true
	}
	// Stored numbers round-trip through JSON as float64, and callers ask
	// for the type they wrote.
	switch any(zero).(type) {
	case float64:
		if f, ok := AsFloat(v); ok {
			return any(f).(T), true
		}
	case int:
		if f, ok := AsFloat(v); ok && f == float64(int(f)) {
			return any(int(f)).(T), true
		}
	case int64:
		if f, ok := AsFloat(v); ok && f == float64(int64(f)) {
			return any(int64(f)).(T), true
		}
	}
	return zero, false
}

// AsFloat widens any numeric value to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
