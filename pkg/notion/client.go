// Package notion keeps catalog records as pages of Notion databases, one
// database per collection. Each page carries a numeric key property so a
// record can be found without reading the whole database.
package notion

import (
	"context"
	"errors"
	"net/http"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-cli/internal/resilience"
)

// Client is the page API the document store uses.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	// CreatePage adds a page with props to a database.
	CreatePage(ctx context.Context, dbID string, props notionapi.Properties) (*notionapi.Page, error)
	// UpdatePage patches props; properties not named are left as they are.
	UpdatePage(ctx context.Context, pageID string, props notionapi.Properties) (*notionapi.Page, error)
	// ArchivePage moves a page to the trash.
	ArchivePage(ctx context.Context, pageID string) error
}

// Option configures a Client.
type Option func(*client)

// WithRateLimit overrides the default budget of 3 req/s. Zero disables it.
func WithRateLimit(rps float64) Option {
	return func(c *client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.apiOpts = append(c.apiOpts, notionapi.WithHTTPClient(hc))
	}
}

// WithMaxRetries sets how many 429 responses a call absorbs before it
// fails with a rate-limit error. Values below 1 keep the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *client) {
		if n > 0 {
			c.apiOpts = append(c.apiOpts, notionapi.WithRetry(n))
		}
	}
}

type client struct {
	api     *notionapi.Client
	limiter *rate.Limiter
	apiOpts []notionapi.ClientOption
}

// NewClient creates a Client for an integration token.
func NewClient(token string, opts ...Option) Client {
	c := &client{limiter: rate.NewLimiter(3, 1)}
	for _, opt := range opts {
		opt(c)
	}
	c.api = notionapi.NewClient(notionapi.Token(token), c.apiOpts...)
	return c
}

func (c *client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return eris.Wrap(c.limiter.Wait(ctx), "notion: rate limit")
}

func (c *client) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, classify(err, "notion: query database "+dbID)
	}
	return resp, nil
}

func (c *client) CreatePage(ctx context.Context, dbID string, props notionapi.Properties) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	page, err := c.api.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: props,
	})
	if err != nil {
		return nil, classify(err, "notion: create page in "+dbID)
	}
	return page, nil
}

func (c *client) UpdatePage(ctx context.Context, pageID string, props notionapi.Properties) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	page, err := c.api.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{Properties: props})
	if err != nil {
		return nil, classify(err, "notion: update page "+pageID)
	}
	return page, nil
}

func (c *client) ArchivePage(ctx context.Context, pageID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.api.Page.Update(ctx, notionapi.PageID(pageID), &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{},
		Archived:   true,
	})
	if err != nil {
		return classify(err, "notion: archive page "+pageID)
	}
	return nil
}

// conflictError is Notion's code for a write that lost a race with another
// edit of the same page; repeating it is safe.
const conflictError notionapi.ErrorCode = "conflict_error"

// classify wraps err so the store's retry policy can act on it: exhausted
// 429 retries become rate-limit errors, edit conflicts and 5xx responses
// become transient.
func classify(err error, msg string) error {
	wrapped := eris.Wrap(err, msg)

	var limited *notionapi.RateLimitedError
	if errors.As(err, &limited) {
		return resilience.NewRateLimitError(wrapped, 0)
	}
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == conflictError {
			return resilience.NewTransientError(wrapped, apiErr.Status)
		}
		return resilience.ClassifyHTTPStatus(wrapped, apiErr.Status, 0)
	}
	return wrapped
}
