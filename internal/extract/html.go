package extract

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

const (
	defaultUserAgent = "catalog-cli/1.0"
	maxPageBytes     = 8 << 20
)

// HTMLOption configures an HTMLExtractor.
type HTMLOption func(*HTMLExtractor)

// WithHTTPClient sets the HTTP client used to fetch pages.
func WithHTTPClient(hc *http.Client) HTMLOption {
	return func(e *HTMLExtractor) { e.http = hc }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTMLOption {
	return func(e *HTMLExtractor) {
		if ua != "" {
			e.userAgent = ua
		}
	}
}

// WithRetry overrides the retry policy for transient fetch failures.
func WithRetry(cfg resilience.RetryConfig) HTMLOption {
	return func(e *HTMLExtractor) { e.retry = cfg }
}

// HTMLExtractor fetches a product page and reads its spec tables, definition
// lists and meta tags, mapping labels onto registry fields.
type HTMLExtractor struct {
	registry  *registry.Registry
	http      *http.Client
	userAgent string
	retry     resilience.RetryConfig
}

// NewHTML creates an HTMLExtractor.
func NewHTML(reg *registry.Registry, opts ...HTMLOption) *HTMLExtractor {
	e := &HTMLExtractor{
		registry:  reg,
		http:      &http.Client{Timeout: 30 * time.Second},
		userAgent: defaultUserAgent,
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract implements jobs.Extractor.
func (e *HTMLExtractor) Extract(ctx context.Context, locator, collectionType string) (map[string]string, error) {
	fs, err := fieldsFor(e.registry, collectionType)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(locator)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Errorf("extract: invalid locator %q", locator)
	}

	cfg := e.retry
	cfg.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) || resilience.IsRateLimited(err)
	}
	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		return e.fetch(ctx, u.String())
	})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}

	fields := parsePage(doc, fs)
	if len(fields) == 0 {
		return nil, eris.Wrapf(ErrNoFields, "extract: %s", locator)
	}
	fields[model.FieldSourceURL] = locator

	zap.L().Debug("extract: html fields",
		zap.String("url", locator),
		zap.Int("fields", len(fields)),
	)
	return fields, nil
}

func (e *HTMLExtractor) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "extract: create request")
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "extract: fetch page"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, eris.Wrap(err, "extract: read page")
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("extract: unexpected status %d for %s", resp.StatusCode, target)
		return nil, resilience.ClassifyHTTPStatus(statusErr, resp.StatusCode, 0)
	}
	return body, nil
}

// parsePage reads labelled values from the document. Earlier sources win:
// spec tables, then definition lists, then meta tags.
func parsePage(doc *goquery.Document, fs *fieldSet) map[string]string {
	out := make(map[string]string)
	put := func(label, raw string) {
		field := fs.resolve(label)
		if field == "" {
			return
		}
		if _, ok := out[field]; ok {
			return
		}
		if v := fs.clean(field, raw); v != "" {
			out[field] = v
		}
	}

	doc.Find("script, style, noscript, nav, footer").Remove()

	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("th, td")
		if cells.Length() != 2 {
			return
		}
		put(cells.Eq(0).Text(), cells.Eq(1).Text())
	})

	doc.Find("dl dt").Each(func(_ int, dt *goquery.Selection) {
		put(dt.Text(), dt.NextFiltered("dd").Text())
	})

	doc.Find("[itemprop]").Each(func(_ int, s *goquery.Selection) {
		prop, _ := s.Attr("itemprop")
		v, ok := s.Attr("content")
		if !ok {
			v = s.Text()
		}
		put(prop, v)
	})

	if _, ok := out[model.FieldTitle]; !ok && fs.has(model.FieldTitle) {
		for _, sel := range []string{`meta[property="og:title"]`, "h1", "title"} {
			s := doc.Find(sel).First()
			v, ok := s.Attr("content")
			if !ok {
				v = s.Text()
			}
			if v = strings.Join(strings.Fields(v), " "); v != "" {
				out[model.FieldTitle] = v
				break
			}
		}
	}

	if _, ok := out[model.FieldVendor]; !ok && fs.has(model.FieldVendor) {
		if v, ok := doc.Find(`meta[property="og:site_name"]`).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			out[model.FieldVendor] = strings.TrimSpace(v)
		}
	}
	return out
}

func (fs *fieldSet) has(name string) bool {
	_, ok := fs.names[name]
	return ok
}
