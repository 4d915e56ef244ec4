// Package prompt holds the base edit-prompt templates and applies arm
// diffs to them. A template is a guidance tree: nested sections of
// instruction text addressed by dotted paths ("tone.style",
// "safety.disclaimer"). An arm's diff replaces the text at up to five
// paths; the flattened tree becomes the instruction sent to the image
// editor.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kireilab/armory/internal/model"
)

// Tree is a guidance tree node: leaves are strings, branches are subtrees.
type Tree map[string]any

// baseVersions maps a prompt version tag to its guidance tree. New
// versions are appended when a version-bump diff is promoted; existing
// entries are never edited in place.
var baseVersions = map[string]Tree{
	"v1": {
		"task": Tree{
			"goal":      "Apply the requested cosmetic adjustment to the portrait while keeping the person recognizable.",
			"fidelity":  "Preserve skin texture, lighting, and background exactly. Change only the named facial region.",
			"intensity": "Scale the adjustment with the provided slider values. 0 means no change, 10 means the strongest natural-looking change.",
		},
		"tone": Tree{
			"style": "Natural, subtle result. Avoid any plastic or artificial look.",
		},
		"safety": Tree{
			"claims":     "Describe the edit as a simulation. Do not promise surgical outcomes.",
			"disclaimer": "This image is a cosmetic simulation and not a guarantee of results.",
		},
	},
}

// DefaultVersion is the base prompt version used when an arm does not
// specify one.
const DefaultVersion = "v1"

// Base returns a deep copy of the guidance tree for a version, or false
// when the version is unknown.
func Base(version string) (Tree, bool) {
	t, ok := baseVersions[version]
	if !ok {
		return nil, false
	}
	return deepCopy(t), true
}

// Apply returns a copy of the tree with the diff's replacements applied.
// Unknown paths are an error: a proposal that addresses a path the base
// template doesn't have would silently change nothing, which hides bugs
// in the proposer.
func Apply(base Tree, diff model.Diff) (Tree, error) {
	out := deepCopy(base)
	for i, ch := range diff.Changes {
		if err := replaceAt(out, ch.Path, ch.Text); err != nil {
			return nil, fmt.Errorf("prompt: change %d: %w", i, err)
		}
	}
	return out, nil
}

// Render flattens a guidance tree into the instruction text sent to the
// image editor. Sections are ordered by path so rendering is stable.
func Render(t Tree) string {
	flat := map[string]string{}
	flatten("", t, flat)

	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(flat[p])
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// DiffHash returns the SHA-256 hex digest of the diff's canonical JSON.
// encoding/json sorts map keys, and Diff is all structs and slices, so
// equal diffs always hash equal.
func DiffHash(diff model.Diff) string {
	raw, err := json.Marshal(diff)
	if err != nil {
		// Diff contains only marshalable types; treat failure as empty.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func replaceAt(t Tree, path, text string) error {
	parts := strings.Split(path, ".")
	cur := t
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return fmt.Errorf("path %q not found", path)
		}
		if i == len(parts)-1 {
			if _, isLeaf := v.(string); !isLeaf {
				return fmt.Errorf("path %q is a section, not a text leaf", path)
			}
			cur[part] = text
			return nil
		}
		sub, ok := v.(Tree)
		if !ok {
			return fmt.Errorf("path %q descends through a text leaf", path)
		}
		cur = sub
	}
	return fmt.Errorf("path %q is empty", path)
}

func flatten(prefix string, t Tree, out map[string]string) {
	for k, v := range t {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		switch vv := v.(type) {
		case string:
			out[p] = vv
		case Tree:
			flatten(p, vv, out)
		}
	}
}

func deepCopy(t Tree) Tree {
	out := make(Tree, len(t))
	for k, v := range t {
		if sub, ok := v.(Tree); ok {
			out[k] = deepCopy(sub)
		} else {
			out[k] = v
		}
	}
	return out
}
