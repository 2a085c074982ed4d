package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/pkg/anthropic"
	"github.com/sells-group/catalog-cli/pkg/jina"
)

// maxPageRunes caps the page text sent to the model.
const maxPageRunes = 40_000

const extractSystemPrompt = `You extract product specifications from web pages.
Reply with a single JSON object whose keys are taken only from the field list
you are given. Use strings for every value. Omit fields the page does not state.`

// LLMExtractor reads a page through Jina and asks Anthropic for the fields.
type LLMExtractor struct {
	registry  *registry.Registry
	reader    jina.Client
	ai        anthropic.Client
	model     string
	maxTokens int64
}

// NewLLM creates an LLMExtractor.
func NewLLM(reg *registry.Registry, reader jina.Client, ai anthropic.Client, model string, maxTokens int) *LLMExtractor {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &LLMExtractor{registry: reg, reader: reader, ai: ai, model: model, maxTokens: int64(maxTokens)}
}

// Extract implements jobs.Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, locator, collectionType string) (map[string]string, error) {
	fs, err := fieldsFor(e.registry, collectionType)
	if err != nil {
		return nil, err
	}

	page, err := e.reader.Read(ctx, locator)
	if err != nil {
		return nil, eris.Wrap(err, "extract: read page")
	}
	content := strings.TrimSpace(page.Data.Content)
	if content == "" {
		return nil, eris.Errorf("extract: empty page %s", locator)
	}
	if utf8.RuneCountInString(content) > maxPageRunes {
		content = string([]rune(content)[:maxPageRunes])
	}

	prompt := fmt.Sprintf("Collection: %s\nFields: %s\nPage title: %s\n\n%s",
		collectionType, strings.Join(fs.list(), ", "), page.Data.Title, content)
	resp, err := e.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    extractSystemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: llm")
	}
	resp.Usage.Log(e.model, "extract")

	raw, err := decodeObject(resp.Text())
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		field := fs.resolve(k)
		if field == "" {
			continue
		}
		if s := fs.clean(field, v); s != "" {
			out[field] = s
		}
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(ErrNoFields, "extract: %s", locator)
	}
	if _, ok := out[model.FieldTitle]; !ok && page.Data.Title != "" && fs.has(model.FieldTitle) {
		out[model.FieldTitle] = page.Data.Title
	}
	out[model.FieldSourceURL] = locator
	return out, nil
}

// decodeObject parses a JSON object from model output, converting scalar
// values to strings and dropping nested values.
func decodeObject(text string) (map[string]string, error) {
	js, err := anthropic.ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(js), &raw); err != nil {
		return nil, eris.Wrap(err, "extract: decode llm json")
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			if t {
				out[k] = model.BoolTrue
			} else {
				out[k] = model.BoolFalse
			}
		}
	}
	return out, nil
}
