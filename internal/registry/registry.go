// Package registry describes each collection's fields and how they map onto
// sheet columns and document keys. The registry is data, loaded from YAML.
package registry

import (
	"os"
	"slices"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Store names used for field ownership and reconciliation direction.
const (
	StoreSheet = "sheet"
	StoreDocs  = "docs"
)

// FieldType is the semantic type of a field. Values are always stored as strings.
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeChoice  FieldType = "choice"
	TypeURL     FieldType = "url"
)

// FieldDef maps one semantic field onto both stores.
type FieldDef struct {
	Name     string    `yaml:"name" validate:"required"`
	Column   int       `yaml:"column" validate:"min=0"`
	DocKey   string    `yaml:"doc_key"`
	Type     FieldType `yaml:"type" validate:"omitempty,oneof=text number boolean choice url"`
	Options  []string  `yaml:"options" validate:"required_if=Type choice"`
	Required bool      `yaml:"required"`
	Owner    string    `yaml:"owner" validate:"omitempty,oneof=sheet docs"`
}

// SheetDef locates a collection inside the spreadsheet.
type SheetDef struct {
	Tab string `yaml:"tab" validate:"required"`
}

// Collection is a named partition of records sharing one schema.
type Collection struct {
	Name          string     `yaml:"name" validate:"required"`
	Type          string     `yaml:"type"`
	Sheet         SheetDef   `yaml:"sheet"`
	NaturalKey    string     `yaml:"natural_key"`
	Authoritative string     `yaml:"authoritative" validate:"omitempty,oneof=sheet docs"`
	Fields        []FieldDef `yaml:"fields" validate:"required,min=1,dive"`

	byName   map[string]int
	byColumn map[int]int
}

// Registry indexes collections by name.
type Registry struct {
	collections map[string]*Collection
}

type document struct {
	Collections []*Collection `yaml:"collections" validate:"required,min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read file")
	}
	return Parse(data)
}

// Parse decodes and validates registry YAML.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal")
	}
	return New(doc.Collections...)
}

// New builds a registry from collections, applying defaults and checking that
// names, columns and doc keys are unique within each collection.
func New(collections ...*Collection) (*Registry, error) {
	if err := validate.Struct(document{Collections: collections}); err != nil {
		return nil, eris.Wrap(err, "registry: validate")
	}

	r := &Registry{collections: make(map[string]*Collection, len(collections))}
	for _, c := range collections {
		if _, dup := r.collections[c.Name]; dup {
			return nil, eris.Errorf("registry: duplicate collection %q", c.Name)
		}
		if err := c.index(); err != nil {
			return nil, err
		}
		r.collections[c.Name] = c
	}
	return r, nil
}

func (c *Collection) index() error {
	if c.Type == "" {
		c.Type = c.Name
	}
	if c.Authoritative == "" {
		c.Authoritative = StoreSheet
	}

	c.byName = make(map[string]int, len(c.Fields))
	c.byColumn = make(map[int]int, len(c.Fields))
	keys := make(map[string]bool, len(c.Fields))
	for i := range c.Fields {
		f := &c.Fields[i]
		if f.DocKey == "" {
			f.DocKey = f.Name
		}
		if f.Type == "" {
			f.Type = TypeText
		}
		if _, dup := c.byName[f.Name]; dup {
			return eris.Errorf("registry: %s: duplicate field %q", c.Name, f.Name)
		}
		if _, dup := c.byColumn[f.Column]; dup {
			return eris.Errorf("registry: %s: column %d mapped twice", c.Name, f.Column)
		}
		if keys[f.DocKey] {
			return eris.Errorf("registry: %s: doc key %q mapped twice", c.Name, f.DocKey)
		}
		c.byName[f.Name] = i
		c.byColumn[f.Column] = i
		keys[f.DocKey] = true
	}

	if c.NaturalKey != "" {
		if _, ok := c.byName[c.NaturalKey]; !ok {
			return eris.Errorf("registry: %s: natural key %q is not a field", c.Name, c.NaturalKey)
		}
	}
	return nil
}

// Collection returns the named collection.
func (r *Registry) Collection(name string) (*Collection, error) {
	c, ok := r.collections[name]
	if !ok {
		return nil, eris.Errorf("registry: unknown collection %q", name)
	}
	return c, nil
}

// Names returns the collection names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.collections))
	for n := range r.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Field returns the named field definition.
func (c *Collection) Field(name string) (FieldDef, bool) {
	i, ok := c.byName[name]
	if !ok {
		return FieldDef{}, false
	}
	return c.Fields[i], true
}

// FieldNames returns field names in column order.
func (c *Collection) FieldNames() []string {
	fields := slices.Clone(c.Fields)
	slices.SortFunc(fields, func(a, b FieldDef) int { return a.Column - b.Column })
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// ColumnOf returns the 0-based sheet column of a field.
func (c *Collection) ColumnOf(name string) (int, bool) {
	i, ok := c.byName[name]
	if !ok {
		return 0, false
	}
	return c.Fields[i].Column, true
}

// FieldAt returns the field mapped to a 0-based sheet column.
func (c *Collection) FieldAt(col int) (FieldDef, bool) {
	i, ok := c.byColumn[col]
	if !ok {
		return FieldDef{}, false
	}
	return c.Fields[i], true
}

// LastColumn returns the highest mapped column index.
func (c *Collection) LastColumn() int {
	last := 0
	for _, f := range c.Fields {
		last = max(last, f.Column)
	}
	return last
}

// DocKeyOf returns the document key of a field, or the name itself when the
// field is not registered.
func (c *Collection) DocKeyOf(name string) string {
	if f, ok := c.Field(name); ok {
		return f.DocKey
	}
	return name
}

// FieldByDocKey resolves a document key back to its field.
func (c *Collection) FieldByDocKey(key string) (FieldDef, bool) {
	for _, f := range c.Fields {
		if f.DocKey == key {
			return f, true
		}
	}
	return FieldDef{}, false
}

// OwnerOf returns the store authoritative for a field: the field's own owner,
// falling back to the collection's authoritative store.
func (c *Collection) OwnerOf(name string) string {
	if f, ok := c.Field(name); ok && f.Owner != "" {
		return f.Owner
	}
	return c.Authoritative
}

// OwnedBy returns the names of fields owned by store.
func (c *Collection) OwnedBy(store string) []string {
	var out []string
	for _, name := range c.FieldNames() {
		if c.OwnerOf(name) == store {
			out = append(out, name)
		}
	}
	return out
}
