// Package toolspec loads the catalog of tool specs that steer AI processing
// and resolves which of them apply to a thought.
package toolspec

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/thoughtd/internal/thought"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Match decides whether a spec applies to a thought. An empty Match never applies.
type Match struct {
	Always    bool     `yaml:"always"`
	Tags      []string `yaml:"tags"`
	Keywords  []string `yaml:"keywords"`
	MinLength int      `yaml:"min_length"`
}

// Spec is one tool the user can enroll in.
type Spec struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Guidance    string `yaml:"guidance"`
	AppliesTo   Match  `yaml:"applies_to"`
}

// Catalog is an ordered set of specs keyed by id.
type Catalog struct {
	specs []Spec
	byID  map[string]int
}

type catalogFile struct {
	Tools []Spec `yaml:"tools"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path. An empty path loads the embedded catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tool catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing tool catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]int, len(f.Tools))}
	for _, s := range f.Tools {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("tool spec %q has no id", s.Name)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate tool spec id %q", s.ID)
		}
		s.Guidance = strings.TrimSpace(s.Guidance)
		c.byID[s.ID] = len(c.specs)
		c.specs = append(c.specs, s)
	}
	return c, nil
}

// Specs returns all specs in catalog order.
func (c *Catalog) Specs() []Spec {
	return slices.Clone(c.specs)
}

// Get returns the spec with id.
func (c *Catalog) Get(id string) (Spec, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Spec{}, false
	}
	return c.specs[i], true
}

// Applicable returns the ids of specs that apply to t, in catalog order.
func (c *Catalog) Applicable(t thought.Thought) []string {
	var ids []string
	for _, s := range c.specs {
		if s.AppliesTo.matches(t) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Resolve intersects the applicable specs with the user's enrolled tools and,
// when requested is non-empty, with the explicitly requested ids.
func (c *Catalog) Resolve(t thought.Thought, enrolled, requested []string) []string {
	ids := []string{}
	for _, id := range c.Applicable(t) {
		if !slices.Contains(enrolled, id) {
			continue
		}
		if len(requested) > 0 && !slices.Contains(requested, id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Guidance joins the guidance of the given specs for the prompt. Unknown ids
// are skipped.
func (c *Catalog) Guidance(ids []string) string {
	var sb strings.Builder
	for _, id := range ids {
		s, ok := c.Get(id)
		if !ok || s.Guidance == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- %s: %s", s.Name, s.Guidance)
	}
	return sb.String()
}

func (m Match) matches(t thought.Thought) bool {
	if m.Always {
		return true
	}
	matched := false
	if m.MinLength > 0 {
		if len([]rune(strings.TrimSpace(t.Text))) < m.MinLength {
			return false
		}
		matched = true
	}
	if len(m.Tags) > 0 {
		if !slices.ContainsFunc(m.Tags, func(tag string) bool { return slices.Contains(t.Tags, tag) }) {
			return false
		}
		matched = true
	}
	if len(m.Keywords) > 0 {
		lower := strings.ToLower(t.Text)
		if !slices.ContainsFunc(m.Keywords, func(kw string) bool { return strings.Contains(lower, strings.ToLower(kw)) }) {
			return false
		}
		matched = true
	}
	return matched
}
