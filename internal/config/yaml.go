package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// isYAMLPath reports whether the config file should be treated as YAML.
// Everything else goes straight through the JSON decoder.
func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// coerceToJSONBytes makes YAML input digestible by the strict JSON decoder
// (DisallowUnknownFields), so both formats share one set of struct tags and
// one unknown-field policy. JSON input is passed through untouched.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if !isYAMLPath(path) {
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	j, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// stringifyKeys rewrites every map key to a string. YAML permits non-string
// keys, which json.Marshal rejects for map[any]any.
func stringifyKeys(in any) any {
	switch node := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range node {
			node[k] = stringifyKeys(v)
		}
		return node
	case []any:
		for i, v := range node {
			node[i] = stringifyKeys(v)
		}
		return node
	default:
		return in
	}
}
