package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON rewrites a YAML config file as JSON so one strict decoder
// (DisallowUnknownFields) covers both formats. Files without a yaml
// extension pass through untouched.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(jsonSafe(v))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return j, nil
}

// jsonSafe rewrites every map key to a string; yaml.v3 can decode
// non-string keys, which json.Marshal rejects.
func jsonSafe(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = jsonSafe(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = jsonSafe(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonSafe(x[i])
		}
		return x
	default:
		return in
	}
}
