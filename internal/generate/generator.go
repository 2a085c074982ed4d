// Package generate writes product content fields with Anthropic.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/pkg/anthropic"
)

const systemPrompt = `You write e-commerce product copy for a bathroom and kitchen catalog.
Reply with one JSON object. Use only the keys you are asked for, each holding a string.
body_html is a short HTML description using <p> and <ul> tags only.
features is a newline-separated list of short feature lines.
care_instructions is plain text.`

// skipped are fields never sent to the model as context.
var skipped = map[string]bool{
	model.FieldBodyHTML:         true,
	model.FieldFeatures:         true,
	model.FieldCareInstructions: true,
	model.FieldEnrichmentStatus: true,
	model.FieldQualityScore:     true,
	model.FieldSourceURL:        true,
}

// Generator implements jobs.Generator with one Anthropic call per record.
type Generator struct {
	ai        anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Generator.
func New(ai anthropic.Client, model string, maxTokens int) *Generator {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Generator{ai: ai, model: model, maxTokens: int64(maxTokens)}
}

// Generate returns the requested content fields for record. Fields the model
// leaves out are absent from the result.
func (g *Generator) Generate(ctx context.Context, record *model.Record, fields []string) (map[string]string, error) {
	if len(fields) == 0 {
		return map[string]string{}, nil
	}

	resp, err := g.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    systemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt(record, fields)}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "generate: create message")
	}
	resp.Usage.Log(g.model, "generate")

	js, err := anthropic.ExtractJSON(resp.Text())
	if err != nil {
		return nil, eris.Wrap(err, "generate: parse response")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(js), &raw); err != nil {
		return nil, eris.Wrap(err, "generate: decode response")
	}

	out := make(map[string]string, len(fields))
	for _, f := range fields {
		switch v := raw[f].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				out[f] = s
			}
		case []any:
			lines := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					lines = append(lines, strings.TrimSpace(s))
				}
			}
			if len(lines) > 0 {
				out[f] = strings.Join(lines, "\n")
			}
		}
	}
	if len(out) == 0 {
		return nil, eris.New("generate: response held none of the requested fields")
	}

	zap.L().Debug("generate: content ready",
		zap.Int("row", record.RowNumber),
		zap.Int("fields", len(out)),
	)
	return out, nil
}

func prompt(record *model.Record, fields []string) string {
	var b strings.Builder
	b.WriteString("Product:\n")
	all := record.Fields()
	names := make([]string, 0, len(all))
	for k := range all {
		if !skipped[k] && !model.MetaFields[k] {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	for _, k := range names {
		fmt.Fprintf(&b, "- %s: %s\n", k, all[k])
	}
	fmt.Fprintf(&b, "\nWrite these keys: %s\n", strings.Join(fields, ", "))
	return b.String()
}
