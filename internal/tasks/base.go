package tasks

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// decodeArgs converts loosely typed task arguments into out
func decodeArgs(args map[string]interface{}, out interface{}) error {
	if len(args) == 0 {
		return nil
	}
	argsBytes, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	if err := json.Unmarshal(argsBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal args: %w", err)
	}
	return nil
}

// intArg reads a numeric argument that may arrive as a JSON number, a Go
// integer, or a string from the command line
func intArg(args map[string]interface{}, key string, defaultVal int) (int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return defaultVal, nil
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s has unsupported type %T", key, raw)
}
