// Package config loads component-tree configuration from YAML.
//
// A configuration file describes the root component and its children:
//
//	type: app
//	components:
//	  server:
//	    port: 8080
//	  worker/reports:
//	    interval: 30
//
// The loaded tree is a plain map[string]any, ready to be passed to
// trellis.StartComponent.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load decodes a YAML component-tree configuration from r.
func Load(r io.Reader) (map[string]any, error) {
	var raw any
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	normalized := normalize(raw)
	cfg, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("configuration root must be a mapping, not %T", raw)
	}
	return cfg, nil
}

// LoadFile decodes a YAML component-tree configuration from the named file.
func LoadFile(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening configuration file: %w", err)
	}
	defer f.Close()

	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// normalize rewrites any map[any]any nodes the YAML decoder may produce into
// map[string]any, so configuration trees have a uniform shape.
func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	default:
		return value
	}
}
