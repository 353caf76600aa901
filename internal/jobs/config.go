package jobs

import (
	"fmt"
	"math"
)

// intField reads a whole number from a decoded config map. JSON and YAML
// both decode numbers as float64, so fractional values are rejected here.
func intField(cfg map[string]any, key string, def, min, max int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%s must be a whole number, got %v", key, x)
		}
		n = int(x)
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s must be between %d and %d, got %d", key, min, max, n)
	}
	return n, nil
}

func boolField(cfg map[string]any, key string, def bool) (bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", key, v)
	}
	return b, nil
}
