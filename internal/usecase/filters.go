package usecase

import (
	"sort"
	"strings"
)

// ResourceFilters declares the filter vocabulary of one queryable resource:
// the canonical keys plus the alias table mapping caller spellings onto them.
type ResourceFilters struct {
	Canonical []string
	Aliases   map[string]string // alias -> canonical key
}

// FilterCatalog normalizes caller-supplied filter keys per resource and
// merges a new turn's filters onto a remembered base so follow-up questions
// compose without restating every prior constraint.
type FilterCatalog struct {
	// resource -> lowercased alias/canonical -> canonical key
	resources map[string]map[string]string
}

// NewFilterCatalog builds the catalog from per-resource declarations.
// Canonical keys map to themselves so they are always accepted as-is.
func NewFilterCatalog(decls map[string]ResourceFilters) *FilterCatalog {
	c := &FilterCatalog{resources: make(map[string]map[string]string, len(decls))}
	for resource, rf := range decls {
		table := make(map[string]string, len(rf.Canonical)+len(rf.Aliases))
		for _, key := range rf.Canonical {
			table[strings.ToLower(strings.TrimSpace(key))] = key
		}
		for alias, canonical := range rf.Aliases {
			table[strings.ToLower(strings.TrimSpace(alias))] = canonical
		}
		c.resources[strings.ToLower(resource)] = table
	}
	return c
}

// KnowsResource reports whether the catalog has a vocabulary for resource.
func (c *FilterCatalog) KnowsResource(resource string) bool {
	_, ok := c.resources[strings.ToLower(resource)]
	return ok
}

// Canonicalize trims keys and values and resolves aliases to canonical
// keys. Keys with no mapping are collected in rejected, reported rather than
// silently passed through, and never fatal: the recognized subset proceeds.
// Blank values are preserved; they signal "clear this filter" to MergePatch.
func (c *FilterCatalog) Canonicalize(resource string, in map[string]string) (out map[string]string, rejected []string) {
	table := c.resources[strings.ToLower(resource)]
	out = make(map[string]string, len(in))

	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		canonical, ok := table[strings.ToLower(key)]
		if !ok {
			rejected = append(rejected, key)
			continue
		}
		out[canonical] = strings.TrimSpace(v)
	}
	sort.Strings(rejected)
	return out, rejected
}

// MergePatch merges a new turn's raw filters onto a remembered base.
// The base is canonicalized again with its rejects dropped, since a stored
// base is expected to already be canonical; the patch is
// canonicalized and its unrecognized keys reported. An empty patch leaves
// the base unchanged. A blank patch value removes the key; anything else
// overwrites or adds.
func (c *FilterCatalog) MergePatch(resource string, base, patch map[string]string) (merged map[string]string, rejected []string) {
	canonBase, _ := c.Canonicalize(resource, base)
	canonPatch, rejected := c.Canonicalize(resource, patch)

	merged = make(map[string]string, len(canonBase)+len(canonPatch))
	for k, v := range canonBase {
		if v != "" {
			merged[k] = v
		}
	}
	for k, v := range canonPatch {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged, rejected
}
