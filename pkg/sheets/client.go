// Package sheets wraps the Google Sheets values API with a token-bucket
// limiter and maps quota errors onto resilience.RateLimitError.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/sells-group/catalog-cli/internal/resilience"
)

// Client defines the spreadsheet operations used by this application.
type Client interface {
	// ReadRange returns the formatted cell values of an A1 range.
	ReadRange(ctx context.Context, spreadsheetID, a1Range string) ([][]string, error)
	// UpdateCells writes each value into its A1 cell in one batch request.
	UpdateCells(ctx context.Context, spreadsheetID string, cells []Cell) error
	// AppendRow appends values after the last row of a table range and
	// returns the 1-based row number written.
	AppendRow(ctx context.Context, spreadsheetID, a1Range string, values []string) (int, error)
	// ClearRange blanks the values of an A1 range.
	ClearRange(ctx context.Context, spreadsheetID, a1Range string) error
}

// Cell is a single-cell write.
type Cell struct {
	Range string
	Value string
}

// ClientOption configures the Sheets client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	google  []option.ClientOption
	limiter *rate.Limiter
}

// WithCredentialsFile authenticates with a service-account JSON key.
func WithCredentialsFile(path string) ClientOption {
	return func(c *clientConfig) {
		if path != "" {
			c.google = append(c.google, option.WithCredentialsFile(path))
		}
	}
}

// WithEndpoint points the client at a different API root (for testing).
func WithEndpoint(url string) ClientOption {
	return func(c *clientConfig) {
		if url != "" {
			c.google = append(c.google, option.WithEndpoint(url), option.WithoutAuthentication())
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.google = append(c.google, option.WithHTTPClient(hc))
	}
}

// WithRateLimit overrides the default budget of 1 request per second.
// rps <= 0 disables client-side limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *clientConfig) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

type sheetsClient struct {
	values  *gsheets.SpreadsheetsValuesService
	limiter *rate.Limiter
}

// NewClient builds a Sheets client. Without options it uses application
// default credentials.
func NewClient(ctx context.Context, opts ...ClientOption) (Client, error) {
	cfg := &clientConfig{limiter: rate.NewLimiter(1, 1)}
	for _, o := range opts {
		o(cfg)
	}
	cfg.google = append(cfg.google, option.WithScopes(gsheets.SpreadsheetsScope))

	svc, err := gsheets.NewService(ctx, cfg.google...)
	if err != nil {
		return nil, eris.Wrap(err, "sheets: create service")
	}
	return &sheetsClient{values: svc.Spreadsheets.Values, limiter: cfg.limiter}, nil
}

func (c *sheetsClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *sheetsClient) ReadRange(ctx context.Context, spreadsheetID, a1Range string) ([][]string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "sheets: rate limit")
	}
	resp, err := c.values.Get(spreadsheetID, a1Range).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(err, "sheets: read "+a1Range)
	}

	rows := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		rows[i] = make([]string, len(row))
		for j, v := range row {
			rows[i][j] = fmt.Sprint(v)
		}
	}
	return rows, nil
}

func (c *sheetsClient) UpdateCells(ctx context.Context, spreadsheetID string, cells []Cell) error {
	if len(cells) == 0 {
		return nil
	}
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "sheets: rate limit")
	}

	data := make([]*gsheets.ValueRange, len(cells))
	for i, cell := range cells {
		data[i] = &gsheets.ValueRange{
			Range:  cell.Range,
			Values: [][]any{{cell.Value}},
		}
	}
	_, err := c.values.BatchUpdate(spreadsheetID, &gsheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	if err != nil {
		return classify(err, "sheets: batch update")
	}
	return nil
}

func (c *sheetsClient) AppendRow(ctx context.Context, spreadsheetID, a1Range string, values []string) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, eris.Wrap(err, "sheets: rate limit")
	}

	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	resp, err := c.values.Append(spreadsheetID, a1Range, &gsheets.ValueRange{Values: [][]any{row}}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return 0, classify(err, "sheets: append")
	}
	if resp.Updates == nil {
		return 0, eris.New("sheets: append: response has no updated range")
	}
	return RowOf(resp.Updates.UpdatedRange)
}

func (c *sheetsClient) ClearRange(ctx context.Context, spreadsheetID, a1Range string) error {
	if err := c.wait(ctx); err != nil {
		return eris.Wrap(err, "sheets: rate limit")
	}
	_, err := c.values.Clear(spreadsheetID, a1Range, &gsheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return classify(err, "sheets: clear "+a1Range)
	}
	return nil
}

// classify wraps err and tags quota and server errors so callers can back off.
func classify(err error, msg string) error {
	wrapped := eris.Wrap(err, msg)
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return wrapped
	}
	var retryAfter time.Duration
	if s := gerr.Header.Get("Retry-After"); s != "" {
		if secs, perr := strconv.Atoi(s); perr == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return resilience.ClassifyHTTPStatus(wrapped, gerr.Code, retryAfter)
}

var rowPattern = regexp.MustCompile(`![A-Z]+(\d+)`)

// RowOf returns the first row number of an A1 range such as "Sinks!A12:H12".
func RowOf(a1Range string) (int, error) {
	m := rowPattern.FindStringSubmatch(a1Range)
	if m == nil {
		return 0, eris.Errorf("sheets: no row in range %q", a1Range)
	}
	return strconv.Atoi(m[1])
}

// ColumnLetter converts a 0-based column index to its A1 letters.
func ColumnLetter(col int) string {
	letters := ""
	for col++; col > 0; col = (col - 1) / 26 {
		letters = string(rune('A'+(col-1)%26)) + letters
	}
	return letters
}

// A1 builds a quoted single-cell reference, e.g. 'Sinks'!C5.
func A1(tab string, col, row int) string {
	return fmt.Sprintf("%s!%s%d", QuoteTab(tab), ColumnLetter(col), row)
}

// RowRange builds the range covering columns 0..lastCol of one row.
func RowRange(tab string, lastCol, row int) string {
	return fmt.Sprintf("%s!A%d:%s%d", QuoteTab(tab), row, ColumnLetter(lastCol), row)
}

// QuoteTab quotes a tab name for use in an A1 reference.
func QuoteTab(tab string) string {
	out := []rune{'\''}
	for _, r := range tab {
		if r == '\'' {
			out = append(out, '\'')
		}
		out = append(out, r)
	}
	return string(append(out, '\''))
}
