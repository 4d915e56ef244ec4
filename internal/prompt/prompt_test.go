package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kireilab/armory/internal/model"
)

func TestBaseUnknownVersion(t *testing.T) {
	_, ok := Base("v999")
	assert.False(t, ok)
}

func TestBaseReturnsCopy(t *testing.T) {
	a, ok := Base(DefaultVersion)
	require.True(t, ok)
	a["tone"].(Tree)["style"] = "mutated"

	b, ok := Base(DefaultVersion)
	require.True(t, ok)
	assert.NotEqual(t, "mutated", b["tone"].(Tree)["style"])
}

func TestApplyReplacesLeaf(t *testing.T) {
	base, _ := Base(DefaultVersion)
	diff := model.Diff{Changes: []model.DiffChange{
		{Path: "tone.style", Op: "replace", Text: "Dramatic, editorial finish."},
	}}

	got, err := Apply(base, diff)
	require.NoError(t, err)
	assert.Equal(t, "Dramatic, editorial finish.", got["tone"].(Tree)["style"])
	// Original untouched.
	assert.NotEqual(t, "Dramatic, editorial finish.", base["tone"].(Tree)["style"])
}

func TestApplyErrors(t *testing.T) {
	base, _ := Base(DefaultVersion)
	tests := []struct {
		name string
		path string
	}{
		{"unknown path", "tone.missing"},
		{"branch not leaf", "safety"},
		{"descends through leaf", "tone.style.deeper"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(base, model.Diff{Changes: []model.DiffChange{
				{Path: tt.path, Op: "replace", Text: "x"},
			}})
			assert.Error(t, err)
		})
	}
}

func TestRenderStable(t *testing.T) {
	base, _ := Base(DefaultVersion)
	first := Render(base)
	for range 10 {
		assert.Equal(t, first, Render(base))
	}
	assert.True(t, strings.Contains(first, "cosmetic simulation"))
}

func TestDiffHashDeterministic(t *testing.T) {
	d := model.Diff{Changes: []model.DiffChange{
		{Path: "tone.style", Op: "replace", Text: "a"},
	}}
	h1 := DiffHash(d)
	h2 := DiffHash(d)
	require.Len(t, h1, 64)
	assert.Equal(t, h1, h2)

	d.Changes[0].Text = "b"
	assert.NotEqual(t, h1, DiffHash(d))
}
