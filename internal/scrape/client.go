// Package scrape reads the four price fields from the market summary page.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/RTX-TreDiX/GCPMS/internal/breakers"
	"github.com/RTX-TreDiX/GCPMS/internal/cache"
	"github.com/RTX-TreDiX/GCPMS/internal/price"
	"github.com/RTX-TreDiX/GCPMS/internal/ratelimit"
)

var (
	// ErrNotFound means the page has no element for the field.
	ErrNotFound = errors.New("price element not found")
	// ErrValue means the element text is not an integer.
	ErrValue = errors.New("price value not numeric")
)

const maxPageBytes = 8 << 20

// Options configures a Client. Zero Cache, Limiter and Breaker disable the
// corresponding behaviour.
type Options struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
	IDs       [len(price.Fields)]string
	Cache     cache.Cache
	CacheTTL  time.Duration
	Limiter   *ratelimit.Limiter
	Breaker   *breakers.Breaker
	HTTP      *http.Client
}

// Client fetches single price fields. Fields read within CacheTTL of each
// other share one page download.
type Client struct {
	opts Options
	host string
	http *http.Client
}

// New validates opts and returns a Client. A nil opts.HTTP gets a client with
// opts.Timeout.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid page url %q", opts.URL)
	}
	for _, f := range price.Fields {
		if opts.IDs[f] == "" {
			return nil, fmt.Errorf("no element id for %s", f)
		}
	}
	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{opts: opts, host: u.Host, http: hc}, nil
}

// Fetch returns the current value of field f.
func (c *Client) Fetch(ctx context.Context, f price.Field) (int64, error) {
	page, err := c.page(ctx)
	if err != nil {
		return 0, err
	}

	id := c.opts.IDs[f]
	text, ok := findPrice(page, id)
	if !ok {
		c.evict()
		return 0, fmt.Errorf("%s (#%s): %w", f, id, ErrNotFound)
	}
	v, err := parseValue(text)
	if err != nil {
		c.evict()
		return 0, fmt.Errorf("%s (#%s): %w", f, id, err)
	}
	return v, nil
}

// Invalidate drops the cached page so the next Fetch downloads again.
func (c *Client) Invalidate() { c.evict() }

func (c *Client) evict() {
	if c.opts.Cache != nil {
		c.opts.Cache.Delete(c.opts.URL)
	}
}

func (c *Client) page(ctx context.Context) (*html.Node, error) {
	if c.opts.Cache != nil {
		if b, ok := c.opts.Cache.Get(c.opts.URL); ok {
			log.Debug().Str("url", c.opts.URL).Msg("Page cache hit")
			return html.Parse(strings.NewReader(string(b)))
		}
	}

	if c.opts.Limiter != nil {
		if st := c.opts.Limiter.Status(c.host); st.Throttled {
			log.Debug().Str("host", c.host).Dur("wait", st.Wait).Msg("Rate limited, waiting")
		}
		if err := c.opts.Limiter.Wait(ctx, c.host); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var body []byte
	var err error
	if c.opts.Breaker != nil {
		var v any
		v, err = c.opts.Breaker.Execute(func() (any, error) { return c.download(ctx) })
		if errors.Is(err, breakers.ErrOpen) {
			log.Warn().Str("url", c.opts.URL).Msg("Page breaker open, download skipped")
			return nil, fmt.Errorf("get %s: %w", c.opts.URL, err)
		}
		if err == nil {
			body = v.([]byte)
		}
	} else {
		body, err = c.download(ctx)
	}
	if err != nil {
		return nil, err
	}

	if c.opts.Cache != nil {
		c.opts.Cache.Set(c.opts.URL, body, c.opts.CacheTTL)
	}
	return html.Parse(strings.NewReader(string(body)))
}

func (c *Client) download(ctx context.Context) ([]byte, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.opts.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", c.opts.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.opts.URL, err)
	}
	log.Debug().Str("url", c.opts.URL).Int("bytes", len(body)).Dur("took", time.Since(start)).Msg("Page downloaded")
	return body, nil
}

// findPrice returns the text of the span.info-price inside li#id.
func findPrice(doc *html.Node, id string) (string, bool) {
	li := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "li" && attr(n, "id") == id
	})
	if li == nil {
		return "", false
	}
	span := find(li, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "span" && hasClass(n, "info-price")
	})
	if span == nil {
		return "", false
	}
	return text(span), true
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// parseValue strips thousands separators and whitespace.
func parseValue(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrValue, s)
	}
	return v, nil
}
