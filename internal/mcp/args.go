package mcp

import (
	"fmt"
	"time"
)

// parseStringArg extracts a string argument from an MCP arguments map.
// Returns an error if the argument is required but missing or invalid.
func parseStringArg(argsMap map[string]any, key string, required bool) (string, error) {
	val, ok := argsMap[key]
	if !ok || val == nil {
		if required {
			return "", fmt.Errorf("%s parameter is required", key)
		}
		return "", nil
	}

	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}

	if required && str == "" {
		return "", fmt.Errorf("%s cannot be empty", key)
	}

	return str, nil
}

// parseIntArgPtr extracts an optional integer argument as a pointer.
// Returns nil if the argument is missing. MCP sends numbers as float64.
func parseIntArgPtr(argsMap map[string]any, key string) (*int64, error) {
	val, ok := argsMap[key]
	if !ok || val == nil {
		return nil, nil
	}

	f, ok := val.(float64)
	if !ok {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	if f != float64(int64(f)) {
		return nil, fmt.Errorf("%s must be a whole number", key)
	}
	n := int64(f)
	return &n, nil
}

// parseClampedInt extracts an integer argument and clamps it to [min, max].
// Returns defaultVal if the argument is missing or invalid.
func parseClampedInt(argsMap map[string]any, key string, defaultVal, min, max int) int {
	val := defaultVal
	if f, ok := argsMap[key].(float64); ok {
		val = int(f)
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// parseFloatArg extracts a number argument, or defaultVal when missing.
func parseFloatArg(argsMap map[string]any, key string, defaultVal float64) (float64, error) {
	val, ok := argsMap[key]
	if !ok || val == nil {
		return defaultVal, nil
	}
	f, ok := val.(float64)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	return f, nil
}

// parseBoolArg extracts a boolean argument from an MCP arguments map.
// Returns defaultVal if the argument is missing or invalid.
func parseBoolArg(argsMap map[string]any, key string, defaultVal bool) bool {
	if b, ok := argsMap[key].(bool); ok {
		return b
	}
	return defaultVal
}

// parseBoolArgPtr distinguishes "not provided" from false.
func parseBoolArgPtr(argsMap map[string]any, key string) (*bool, error) {
	val, ok := argsMap[key]
	if !ok || val == nil {
		return nil, nil
	}
	b, ok := val.(bool)
	if !ok {
		return nil, fmt.Errorf("%s must be a boolean", key)
	}
	return &b, nil
}

// parseArrayArg extracts a string array argument. Returns nil if the argument
// is missing, or an empty slice if present but empty.
func parseArrayArg(argsMap map[string]any, key string) ([]string, error) {
	val, ok := argsMap[key]
	if !ok || val == nil {
		return nil, nil
	}

	arr, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}

	result := make([]string, 0, len(arr))
	for i, item := range arr {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", key, i)
		}
		result = append(result, str)
	}
	return result, nil
}

// parseDurationArg accepts a Go duration string ("500ms", "2s") or a number
// of milliseconds. Returns nil if the argument is missing.
func parseDurationArg(argsMap map[string]any, key string) (*time.Duration, error) {
	val, ok := argsMap[key]
	if !ok || val == nil {
		return nil, nil
	}

	var d time.Duration
	switch v := val.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		d = parsed
	case float64:
		d = time.Duration(v * float64(time.Millisecond))
	default:
		return nil, fmt.Errorf("%s must be a duration string or milliseconds", key)
	}
	return &d, nil
}
