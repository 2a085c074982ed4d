package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/pkg/anthropic"
)

type mockAI struct {
	mock.Mock
}

func (m *mockAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func reply(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s}}}
}

var requested = []string{model.FieldBodyHTML, model.FieldFeatures, model.FieldCareInstructions}

func sampleRecord() *model.Record {
	r := model.NewRecord("sinks", 4, map[string]string{
		"title":            "Alfresco Granite Sink",
		"product_material": "Granite",
		"body_html":        "<p>old</p>",
		"updated_at":       "2026-01-01T00:00:00Z",
	})
	return &r
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	ai := &mockAI{}
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		content := req.Messages[0].Content
		return req.Model == "test-model" &&
			assert.ObjectsAreEqual(int64(2048), req.MaxTokens) &&
			strings.Contains(content, "- title: Alfresco Granite Sink") &&
			strings.Contains(content, "- product_material: Granite") &&
			!strings.Contains(content, "<p>old</p>") &&
			!strings.Contains(content, "updated_at")
	})).Return(reply(`Here you go: {"body_html": "<p>Solid granite.</p>", "features": ["Scratch resistant", " ", "Heat proof"], "care_instructions": "", "extra": "x"}`), nil)

	out, err := New(ai, "test-model", 0).Generate(context.Background(), sampleRecord(), requested)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"body_html": "<p>Solid granite.</p>",
		"features":  "Scratch resistant\nHeat proof",
	}, out)
	ai.AssertExpectations(t)
}

func TestGenerate_Errors(t *testing.T) {
	t.Parallel()

	t.Run("api error", func(t *testing.T) {
		ai := &mockAI{}
		ai.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))
		_, err := New(ai, "m", 0).Generate(context.Background(), sampleRecord(), requested)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "overloaded")
	})

	t.Run("nothing usable", func(t *testing.T) {
		ai := &mockAI{}
		ai.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(`{"other": "x"}`), nil)
		_, err := New(ai, "m", 0).Generate(context.Background(), sampleRecord(), requested)
		assert.Error(t, err)
	})

	t.Run("no fields requested", func(t *testing.T) {
		out, err := New(&mockAI{}, "m", 0).Generate(context.Background(), sampleRecord(), nil)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}
