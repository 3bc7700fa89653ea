package format

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed formats.yaml
var embeddedFormats []byte

// FormatSet represents the top-level YAML structure
type FormatSet struct {
	Formats []Descriptor `yaml:"formats"`
}

// Catalog holds validated descriptors in detection order
type Catalog struct {
	formats []*Descriptor // Sorted by priority (highest first)
}

// NewCatalog creates a catalog from YAML data. Every descriptor is validated;
// a descriptor without an invoice rule fails with InvoiceRuleUndefinedError.
func NewCatalog(data []byte) (*Catalog, error) {
	var set FormatSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse YAML formats (check syntax, indentation, and field names): %w", err)
	}

	seen := make(map[string]int)
	formats := make([]*Descriptor, 0, len(set.Formats))
	for i := range set.Formats {
		d := &set.Formats[i]
		if err := d.compile(); err != nil {
			return nil, fmt.Errorf("format %d (%s): %w", i, d.ID, err)
		}
		if prev, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("format %d (%s): duplicate id (first defined at %d)", i, d.ID, prev)
		}
		seen[d.ID] = i
		formats = append(formats, d)
	}

	c := &Catalog{formats: formats}
	c.sort()
	return c, nil
}

// Use SliceStable so descriptors with equal priority keep YAML file order
// (deterministic detection).
func (c *Catalog) sort() {
	sort.SliceStable(c.formats, func(i, j int) bool {
		return c.formats[i].Priority > c.formats[j].Priority
	})
}

// LoadEmbedded loads the embedded formats.yaml file
func LoadEmbedded() (*Catalog, error) {
	catalog, err := NewCatalog(embeddedFormats)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded formats (possible binary corruption): %w", err)
	}
	return catalog, nil
}

// LoadFromFile loads descriptors from a filesystem path
func LoadFromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read formats file: %w", err)
	}
	catalog, err := NewCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load formats from %q: %w", path, err)
	}
	return catalog, nil
}

// Load returns the embedded catalog, overridden by the descriptors in path
// when path is non-empty.
func Load(path string) (*Catalog, error) {
	catalog, err := LoadEmbedded()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return catalog, nil
	}
	override, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return catalog.Merge(override), nil
}

// Merge returns a catalog where descriptors of other replace same-ID
// descriptors of c and new IDs are added.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	byID := make(map[string]int, len(c.formats))
	merged := make([]*Descriptor, len(c.formats))
	copy(merged, c.formats)
	for i, d := range merged {
		byID[d.ID] = i
	}
	for _, d := range other.formats {
		if i, ok := byID[d.ID]; ok {
			merged[i] = d
			continue
		}
		byID[d.ID] = len(merged)
		merged = append(merged, d)
	}
	out := &Catalog{formats: merged}
	out.sort()
	return out
}

// Detect returns the highest-priority descriptor matching the file
func (c *Catalog) Detect(path string, header []byte) (*Descriptor, bool) {
	for _, d := range c.formats {
		if d.Matches(path, header) {
			return d, true
		}
	}
	return nil, false
}

// Candidates returns every descriptor matching the file, in detection order
func (c *Catalog) Candidates(path string, header []byte) []*Descriptor {
	var out []*Descriptor
	for _, d := range c.formats {
		if d.Matches(path, header) {
			out = append(out, d)
		}
	}
	return out
}

// Get returns the descriptor with the given ID
func (c *Catalog) Get(id string) (*Descriptor, bool) {
	for _, d := range c.formats {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Formats returns the descriptors in detection order. The slice is a copy;
// the descriptors are shared and must not be modified.
func (c *Catalog) Formats() []*Descriptor {
	out := make([]*Descriptor, len(c.formats))
	copy(out, c.formats)
	return out
}
