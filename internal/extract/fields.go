// Package extract turns product pages into raw field values. HTMLExtractor
// reads spec tables directly; LLMExtractor reads the page through Jina and
// asks Anthropic for the fields.
package extract

import (
	"slices"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
)

// ErrNoFields is returned when a page yields no recognizable field.
var ErrNoFields = eris.New("extract: no fields found")

// aliases maps common spec-sheet labels onto field names.
var aliases = map[string]string{
	"name":              model.FieldTitle,
	"product_name":      model.FieldTitle,
	"manufacturer":      model.FieldBrand,
	"brand_name":        model.FieldBrand,
	"supplier":          model.FieldVendor,
	"product_code":      model.FieldSKU,
	"model":             model.FieldSKU,
	"model_number":      model.FieldSKU,
	"code":              model.FieldSKU,
	"material":          model.FieldMaterial,
	"finish":            model.FieldMaterial,
	"grade":             model.FieldGrade,
	"installation":      model.FieldInstallationType,
	"mounting":          model.FieldInstallationType,
	"mounting_type":     model.FieldInstallationType,
	"installation_type": model.FieldInstallationType,
	"location":          model.FieldLocation,
	"application":       model.FieldLocation,
	"drain":             model.FieldDrainPosition,
	"waste_position":    model.FieldDrainPosition,
	"warranty":          model.FieldWarranty,
	"length":            model.FieldLength,
	"overall_length":    model.FieldLength,
	"width":             model.FieldWidth,
	"overall_width":     model.FieldWidth,
	"depth":             model.FieldDepth,
	"overall_depth":     model.FieldDepth,
	"height":            model.FieldDepth,
	"number_of_bowls":   model.FieldBowlsNumber,
	"bowls":             model.FieldBowlsNumber,
	"overflow":          model.FieldHasOverflow,
}

// fieldSet resolves labels for one collection type.
type fieldSet struct {
	names map[string]registry.FieldDef
}

func fieldsFor(reg *registry.Registry, collectionType string) (*fieldSet, error) {
	if reg == nil {
		return nil, eris.New("extract: no registry")
	}
	for _, name := range reg.Names() {
		c, err := reg.Collection(name)
		if err != nil {
			return nil, err
		}
		if c.Type != collectionType && c.Name != collectionType {
			continue
		}
		fs := &fieldSet{names: make(map[string]registry.FieldDef, len(c.Fields))}
		for _, f := range c.Fields {
			if model.MetaFields[f.Name] || f.Name == model.FieldEnrichmentStatus || f.Name == model.FieldQualityScore {
				continue
			}
			fs.names[f.Name] = f
		}
		return fs, nil
	}
	return nil, eris.Errorf("extract: unknown collection type %q", collectionType)
}

// resolve maps a free-text label to a field name, or "".
func (fs *fieldSet) resolve(label string) string {
	key := labelKey(label)
	if key == "" {
		return ""
	}
	if _, ok := fs.names[key]; ok {
		return key
	}
	for _, suffix := range []string{"_mm", "_years"} {
		if _, ok := fs.names[key+suffix]; ok {
			return key + suffix
		}
	}
	if name, ok := aliases[key]; ok {
		if _, ok := fs.names[name]; ok {
			return name
		}
	}
	return ""
}

// list returns the field names sorted for prompts.
func (fs *fieldSet) list() []string {
	out := make([]string, 0, len(fs.names))
	for name := range fs.names {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// clean normalizes a raw value for its field: whitespace is collapsed,
// numeric fields lose their unit and booleans become TRUE/FALSE.
func (fs *fieldSet) clean(field, raw string) string {
	v := strings.Join(strings.Fields(raw), " ")
	def := fs.names[field]
	switch def.Type {
	case registry.TypeNumber:
		return leadingNumber(v)
	case registry.TypeBoolean:
		switch strings.ToLower(v) {
		case "yes", "y", "true", "1":
			return model.BoolTrue
		case "no", "n", "false", "0":
			return model.BoolFalse
		}
		return ""
	}
	return v
}

func labelKey(label string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(label), ":"))) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			underscore = false
		case b.Len() > 0 && !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(strings.TrimSuffix(b.String(), "_"), "_mm")
}

// leadingNumber returns the first decimal number in s, "" when none.
func leadingNumber(s string) string {
	start := -1
	for i, r := range s {
		if unicode.IsDigit(r) || (r == '.' && start >= 0) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return strings.TrimSuffix(s[start:i], ".")
		}
	}
	if start < 0 {
		return ""
	}
	return strings.TrimSuffix(s[start:], ".")
}
