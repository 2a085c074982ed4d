package sheets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), WithEndpoint(srv.URL+"/"), WithRateLimit(0, 0))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestReadRange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Contains(t, r.URL.Path, "/v4/spreadsheets/sheet-1/values/")
		assert.Equal(t, "FORMATTED_VALUE", r.URL.Query().Get("valueRenderOption"))
		writeJSON(w, http.StatusOK, map[string]any{
			"range":  "'Sinks'!A2:C3",
			"values": [][]any{{"Granite Sink", "S-1", 500}, {"Basin"}},
		})
	})

	rows, err := c.ReadRange(context.Background(), "sheet-1", "'Sinks'!A2:C")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Granite Sink", "S-1", "500"}, {"Basin"}}, rows)
}

func TestUpdateCells(t *testing.T) {
	var body struct {
		ValueInputOption string `json:"valueInputOption"`
		Data             []struct {
			Range  string  `json:"range"`
			Values [][]any `json:"values"`
		} `json:"data"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "values:batchUpdate"), r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		writeJSON(w, http.StatusOK, map[string]any{"totalUpdatedCells": 2})
	})

	err := c.UpdateCells(context.Background(), "sheet-1", []Cell{
		{Range: A1("Sinks", 0, 5), Value: "Granite Sink"},
		{Range: A1("Sinks", 3, 5), Value: "Granite"},
	})
	require.NoError(t, err)
	assert.Equal(t, "RAW", body.ValueInputOption)
	require.Len(t, body.Data, 2)
	assert.Equal(t, "'Sinks'!D5", body.Data[1].Range)
	assert.Equal(t, "Granite", body.Data[1].Values[0][0])

	require.NoError(t, c.UpdateCells(context.Background(), "sheet-1", nil))
}

func TestAppendRow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":append"), r.URL.Path)
		assert.Equal(t, "INSERT_ROWS", r.URL.Query().Get("insertDataOption"))
		writeJSON(w, http.StatusOK, map[string]any{
			"updates": map[string]any{"updatedRange": "'Sinks'!A12:C12"},
		})
	})

	row, err := c.AppendRow(context.Background(), "sheet-1", "'Sinks'!A1:C", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 12, row)
}

func TestClearRange(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.True(t, strings.HasSuffix(r.URL.Path, ":clear"), r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"clearedRange": "'Sinks'!A4:C4"})
	})

	require.NoError(t, c.ClearRange(context.Background(), "sheet-1", RowRange("Sinks", 2, 4)))
	assert.True(t, called)
}

func TestRateLimitedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{"code": 429, "message": "Quota exceeded"},
		})
	})

	_, err := c.ReadRange(context.Background(), "sheet-1", "'Sinks'!A2:C")
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))

	var rl *resilience.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "3s", rl.RetryAfter.String())
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": map[string]any{"code": 503, "message": "backend error"},
		})
	})

	err := c.ClearRange(context.Background(), "sheet-1", "'Sinks'!A2:C2")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.False(t, resilience.IsRateLimited(err))
}

func TestA1Helpers(t *testing.T) {
	tests := []struct {
		col  int
		want string
	}{
		{0, "A"}, {1, "B"}, {25, "Z"}, {26, "AA"}, {27, "AB"}, {51, "AZ"}, {52, "BA"}, {701, "ZZ"}, {702, "AAA"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ColumnLetter(tt.col), "col %d", tt.col)
	}

	assert.Equal(t, "'Sinks'!C5", A1("Sinks", 2, 5))
	assert.Equal(t, "'Bob''s'!A3:H3", RowRange("Bob's", 7, 3))

	row, err := RowOf("'Sinks'!A12:H12")
	require.NoError(t, err)
	assert.Equal(t, 12, row)
	_, err = RowOf("Sinks")
	assert.Error(t, err)
}
