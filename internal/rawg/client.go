// Package rawg fetches single result pages from the RAWG REST API.
//
// A Client performs exactly one HTTP GET per FetchPage call. It keeps no
// state between calls and never retries; retry policy belongs to the
// scheduler, which classifies failures with IsRetryable.
package rawg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rawgetl/internal/logging"
	"rawgetl/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// DefaultBaseURL is the public RAWG API root.
const DefaultBaseURL = "https://api.rawg.io/api"

// maxBodyBytes bounds a single page body. A 40-game page is well under 1 MiB.
const maxBodyBytes = 32 << 20

// RawRecord is one element of a page's "results" array. Numbers are kept as
// json.Number so integer ids survive decoding unchanged.
type RawRecord map[string]any

// Page is one decoded response page.
type Page struct {
	Count   int
	Next    *string
	Results []RawRecord
}

// HasNext reports whether upstream advertises a following page.
func (p Page) HasNext() bool {
	return p.Next != nil && *p.Next != ""
}

// Request selects one page of one endpoint.
type Request struct {
	Path     string
	Ordering string
	Page     int
	PageSize int
	// Dates is the "from,to" filter for partitioned endpoints; empty otherwise.
	Dates string
}

// Options configures a Client. Zero values pick the defaults.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     log.FieldLogger
}

// Client is safe for concurrent use.
type Client struct {
	base   string
	key    string
	http   *http.Client
	log    log.FieldLogger
	nowFn  func() time.Time
	metric string
}

// NewClient builds a Client.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = newHTTPClient(timeout, 8)
	}
	return &Client{
		base:   base,
		key:    opts.APIKey,
		http:   hc,
		log:    logging.OrDiscard(opts.Logger),
		nowFn:  time.Now,
		metric: "rawg",
	}
}

func newHTTPClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: maxConnsPerHost,
		MaxConnsPerHost:     maxConnsPerHost,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// URL renders the request URL including the API key.
func (c *Client) URL(r Request) string {
	q := url.Values{}
	if c.key != "" {
		q.Set("key", c.key)
	}
	if r.Ordering != "" {
		q.Set("ordering", r.Ordering)
	}
	page := r.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	if r.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(r.PageSize))
	}
	if r.Dates != "" {
		q.Set("dates", r.Dates)
	}
	return c.base + "/" + strings.TrimLeft(r.Path, "/") + "?" + q.Encode()
}

// FetchPage performs one GET and decodes the page.
//
// Any non-2xx status or malformed body yields an *UpstreamError. If ctx is
// done, its error is returned as is.
func (c *Client) FetchPage(ctx context.Context, r Request) (Page, error) {
	raw := c.URL(r)
	safe := redactURL(raw)

	start := c.nowFn()
	status, body, reqDur, err := c.do(ctx, raw)
	respDur := c.nowFn().Sub(start)
	if reqDur < 0 {
		respDur = -1
	}
	metrics.RecordHTTP(c.metric, status, err, reqDur, respDur, int64(len(body)))

	if err != nil {
		if ctx.Err() != nil {
			return Page{}, fmt.Errorf("rawg fetch %s: %w", safe, ctx.Err())
		}
		return Page{}, err
	}

	var out struct {
		Count   int         `json:"count"`
		Next    *string     `json:"next"`
		Results []RawRecord `json:"results"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return Page{}, &UpstreamError{Op: "decode", URL: safe, StatusCode: status, Err: err}
	}

	c.log.WithFields(log.Fields{
		"url":      safe,
		"status":   status,
		"results":  len(out.Results),
		"has_next": out.Next != nil && *out.Next != "",
		"duration": respDur.Round(time.Millisecond),
	}).Debug("page fetched")

	return Page{Count: out.Count, Next: out.Next, Results: out.Results}, nil
}

// do returns the status, the body and the time to first response byte.
// reqDur is -1 when no response was received.
func (c *Client) do(ctx context.Context, raw string) (status int, body []byte, reqDur time.Duration, err error) {
	safe := redactURL(raw)
	start := c.nowFn()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return 0, nil, -1, &UpstreamError{Op: "request", URL: safe, Err: redactErr(err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, -1, &UpstreamError{Op: "request", URL: safe, Err: redactErr(err)}
	}
	defer resp.Body.Close()
	reqDur = c.nowFn().Sub(start)

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, body, reqDur, &UpstreamError{Op: "read", URL: safe, StatusCode: resp.StatusCode, Err: redactErr(err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ue := &UpstreamError{
			Op:         "status",
			URL:        safe,
			StatusCode: resp.StatusCode,
			Message:    summarizeBody(resp.Header.Get("Content-Type"), body),
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			ue.RetryAfter = parseRetryAfter(resp.Header)
		}
		return resp.StatusCode, body, reqDur, ue
	}
	return resp.StatusCode, body, reqDur, nil
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// redactURL masks the key query parameter.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// redactErr masks the key inside *url.Error values, which embed the request URL.
func redactErr(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = redactURL(ue.URL)
	}
	return err
}
