package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/config"
	"github.com/sells-group/catalog-cli/internal/extract"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/rules"
)

func TestRulesSource(t *testing.T) {
	cfg = &config.Config{
		Sheets: config.SheetsConfig{SpreadsheetID: "catalog-sheet"},
		Rules:  config.RulesConfig{Source: "sheets", Tabs: map[string]string{"style": "Styles"}},
	}
	src, ok := rulesSource(nil).(*rules.SheetSource)
	require.True(t, ok)
	assert.Equal(t, "catalog-sheet", src.SpreadsheetID, "falls back to the catalog spreadsheet")
	assert.Equal(t, "Styles", src.Tabs["style"])

	cfg.Rules.SpreadsheetID = "rules-sheet"
	src = rulesSource(nil).(*rules.SheetSource)
	assert.Equal(t, "rules-sheet", src.SpreadsheetID)

	cfg.Rules = config.RulesConfig{Source: "file", FilePath: "rules.yaml"}
	file, ok := rulesSource(nil).(*rules.FileSource)
	require.True(t, ok)
	assert.Equal(t, "rules.yaml", file.Path)
}

func TestInitExtractor(t *testing.T) {
	reg, err := registry.Parse([]byte(apiRegistryYAML))
	require.NoError(t, err)

	cfg = &config.Config{Extract: config.ExtractConfig{Mode: "html", TimeoutSecs: 5}}
	_, ok := initExtractor(reg, nil).(*extract.HTMLExtractor)
	assert.True(t, ok)

	cfg.Extract.Mode = "llm"
	cfg.Jina = config.JinaConfig{BaseURL: "http://localhost"}
	_, ok = initExtractor(reg, nil).(*extract.LLMExtractor)
	assert.True(t, ok)
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	cfg = &config.Config{}
	_, err := initEnv(context.Background(), "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry.path is required")
}
