package trellis

import (
	"fmt"
	"strings"

	"dario.cat/mergo"
)

// MergeConfig deep-merges override into base and returns the result as a new
// map; neither input is modified. Scalar and list values from the override
// replace the base's, nested maps are merged key by key, and dotted-path
// keys in the override ("b.x") are equivalent to their nested-mapping form.
func MergeConfig(base, override map[string]any) (map[string]any, error) {
	merged := deepCopyMap(base)
	if merged == nil {
		merged = make(map[string]any)
	}

	expanded, err := expandDottedKeys(override)
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(&merged, expanded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging configuration: %w", err)
	}
	return merged, nil
}

// expandDottedKeys rewrites {"b.x": 5} into {"b": {"x": 5}}, merging with any
// sibling nested form of the same key.
func expandDottedKeys(config map[string]any) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}

	out := make(map[string]any, len(config))
	for key, value := range config {
		if nested, ok := value.(map[string]any); ok {
			expanded, err := expandDottedKeys(nested)
			if err != nil {
				return nil, err
			}
			value = expanded
		}

		head, rest, dotted := strings.Cut(key, ".")
		if !dotted {
			if err := setConfigKey(out, key, value); err != nil {
				return nil, err
			}
			continue
		}
		if head == "" || rest == "" {
			return nil, &ValidationError{
				Reason: fmt.Sprintf("malformed dotted configuration key %q", key),
			}
		}

		expanded, err := expandDottedKeys(map[string]any{rest: value})
		if err != nil {
			return nil, err
		}
		if err := setConfigKey(out, head, expanded); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// setConfigKey stores value under key, merging map values with an existing
// map entry instead of replacing it.
func setConfigKey(out map[string]any, key string, value any) error {
	existing, ok := out[key]
	if !ok {
		out[key] = value
		return nil
	}

	existingMap, ok1 := existing.(map[string]any)
	valueMap, ok2 := value.(map[string]any)
	if !ok1 || !ok2 {
		out[key] = value
		return nil
	}

	merged, err := MergeConfig(existingMap, valueMap)
	if err != nil {
		return err
	}
	out[key] = merged
	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		if nested, ok := value.(map[string]any); ok {
			out[key] = deepCopyMap(nested)
		} else {
			out[key] = value
		}
	}
	return out
}
