package trellis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeConfig(t *testing.T) {
	base := map[string]any{
		"a": 1,
		"b": map[string]any{"x": 2, "y": 3},
	}
	override := map[string]any{
		"a":   2,
		"b.x": 5,
	}

	merged, err := MergeConfig(base, override)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": 2,
		"b": map[string]any{"x": 5, "y": 3},
	}, merged)

	// The inputs are untouched.
	assert.Equal(t, 1, base["a"])
	assert.Equal(t, map[string]any{"a": 2, "b.x": 5}, override)
}

func TestMergeConfigNilInputs(t *testing.T) {
	merged, err := MergeConfig(nil, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, merged)

	merged, err = MergeConfig(map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, merged)
}

func TestMergeConfigScalarReplacesMap(t *testing.T) {
	merged, err := MergeConfig(
		map[string]any{"a": map[string]any{"x": 1}},
		map[string]any{"a": "flat"},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "flat"}, merged)
}

func TestMergeConfigListsReplaceWholesale(t *testing.T) {
	merged, err := MergeConfig(
		map[string]any{"hosts": []any{"a", "b"}},
		map[string]any{"hosts": []any{"c"}},
	)
	require.NoError(t, err)
	assert.Equal(t, []any{"c"}, merged["hosts"])
}

func TestExpandDottedKeys(t *testing.T) {
	expanded, err := expandDottedKeys(map[string]any{
		"a.b.c": 1,
		"a.b.d": 2,
		"e":     3,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 1, "d": 2}},
		"e": 3,
	}, expanded)
}

func TestExpandDottedKeysMergesWithNestedForm(t *testing.T) {
	expanded, err := expandDottedKeys(map[string]any{
		"a.b": 1,
		"a":   map[string]any{"c": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": map[string]any{"b": 1, "c": 2},
	}, expanded)
}

func TestExpandDottedKeysMalformed(t *testing.T) {
	var validationErr *ValidationError
	_, err := expandDottedKeys(map[string]any{".x": 1})
	require.ErrorAs(t, err, &validationErr)

	_, err = expandDottedKeys(map[string]any{"x.": 1})
	require.ErrorAs(t, err, &validationErr)
}
