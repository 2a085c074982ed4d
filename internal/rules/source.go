package rules

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/pkg/sheets"
)

// SheetReader reads a range of cell values as strings.
type SheetReader interface {
	ReadRange(ctx context.Context, spreadsheetID, a1Range string) ([][]string, error)
}

// SheetSource loads one tab per category. Each tab has a header row followed
// by rows of search_term, standard_value.
type SheetSource struct {
	Reader        SheetReader
	SpreadsheetID string
	// Tabs overrides the tab name per category; the category name is the default.
	Tabs map[string]string
}

// Load reads every category tab in turn.
func (s *SheetSource) Load(ctx context.Context) ([]model.Rule, error) {
	var out []model.Rule
	for _, c := range model.AllCategories {
		tab := string(c)
		if t, ok := s.Tabs[tab]; ok && t != "" {
			tab = t
		}
		rows, err := s.Reader.ReadRange(ctx, s.SpreadsheetID, sheets.QuoteTab(tab)+"!A2:B")
		if err != nil {
			return nil, eris.Wrapf(err, "rules: read tab %s", tab)
		}
		for _, row := range rows {
			if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
				continue
			}
			r := model.Rule{Category: c, SearchTerm: strings.TrimSpace(row[0])}
			if len(row) > 1 {
				r.StandardValue = strings.TrimSpace(row[1])
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// FileSource loads rules from a YAML fixture mapping each category to an
// ordered list of {search_term, standard_value} entries.
type FileSource struct {
	Path string
}

type fileRule struct {
	SearchTerm    string `yaml:"search_term"`
	StandardValue string `yaml:"standard_value"`
}

// Load reads and parses the fixture.
func (f *FileSource) Load(_ context.Context) ([]model.Rule, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, eris.Wrap(err, "rules: read fixture")
	}
	return ParseYAML(data)
}

// ParseYAML decodes the fixture format used by FileSource. Categories are
// emitted in their canonical order so rule order within each is preserved.
func ParseYAML(data []byte) ([]model.Rule, error) {
	var doc map[string][]fileRule
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "rules: unmarshal fixture")
	}

	known := make(map[string]bool, len(model.AllCategories))
	for _, c := range model.AllCategories {
		known[string(c)] = true
	}
	for k := range doc {
		if !known[k] {
			return nil, eris.Errorf("rules: unknown category %q", k)
		}
	}

	var out []model.Rule
	for _, c := range model.AllCategories {
		for _, fr := range doc[string(c)] {
			out = append(out, model.Rule{Category: c, SearchTerm: fr.SearchTerm, StandardValue: fr.StandardValue})
		}
	}
	return out, nil
}
