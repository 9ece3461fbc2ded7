// Package slackapi wraps the authenticated Slack Web API calls the runtime
// depends on: cursor-paginated listing, gateway URL issuance and identity
// resolution.
package slackapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
	"github.com/p-blackswan/slackbot-runtime/internal/retry"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Streamer produces a lazy sequence of list items from a cursor-paginated
// endpoint.
type Streamer interface {
	Stream(ctx context.Context, endpoint, token, resultKey string, args url.Values) iter.Seq2[json.RawMessage, error]
}

// Config configures a Client.
type Config struct {
	// BaseURL of the Web API, with trailing slash. Default slack.APIURL.
	BaseURL string
	// Retry applies to each page request individually.
	Retry retry.Config
}

// Client performs authenticated Web API requests.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	retry      retry.Config
	logger     zerolog.Logger
}

// NewClient creates a new Web API client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = slack.APIURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      cfg.Retry,
		logger:     logger.With().Str("component", "slackapi").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// BaseURL returns the Web API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type page struct {
	items []json.RawMessage
	next  string
}

// rateLimitedError is a 429 that carries the server's Retry-After hint.
type rateLimitedError struct {
	*perrors.APIError
	after time.Duration
}

func (e *rateLimitedError) Unwrap() error             { return e.APIError }
func (e *rateLimitedError) RetryAfter() time.Duration { return e.after }

// Stream returns the items found under resultKey across every page of
// endpoint. Pages are requested only as the sequence is consumed. A "cursor"
// in args resumes from that cursor. The sequence ends after a page whose
// next_cursor is empty. A failed page yields a single error and ends the
// sequence; it is not resumable.
func (c *Client) Stream(ctx context.Context, endpoint, token, resultKey string, args url.Values) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		params := url.Values{}
		for k, v := range args {
			params[k] = append([]string(nil), v...)
		}

		for {
			var p page
			err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
				var err error
				p, err = c.fetchPage(ctx, endpoint, token, resultKey, params)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}

			for _, item := range p.items {
				if !yield(item, nil) {
					return
				}
			}

			if p.next == "" {
				return
			}
			params.Set("cursor", p.next)
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, endpoint, token, resultKey string, params url.Values) (page, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return page{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return page{}, &perrors.APIError{Service: "slack", Message: endpoint, Err: fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return page{}, &perrors.APIError{Service: "slack", StatusCode: resp.StatusCode, Message: endpoint, Err: perrors.ErrFetch}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return page{}, &rateLimitedError{
			APIError: &perrors.APIError{Service: "slack", StatusCode: resp.StatusCode, Message: endpoint + ": ratelimited", Err: perrors.ErrFetch},
			after:    time.Duration(secs) * time.Second,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return page{}, &perrors.APIError{Service: "slack", StatusCode: resp.StatusCode, Message: endpoint + ": " + truncate(string(body), 200), Err: perrors.ErrFetch}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return page{}, &perrors.APIError{Service: "slack", StatusCode: resp.StatusCode, Message: endpoint + ": invalid JSON", Err: perrors.ErrFetch}
	}

	var meta struct {
		OK               bool   `json:"ok"`
		Error            string `json:"error"`
		ResponseMetadata struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return page{}, &perrors.APIError{Service: "slack", StatusCode: resp.StatusCode, Message: endpoint + ": invalid JSON", Err: perrors.ErrFetch}
	}
	if !meta.OK {
		status := resp.StatusCode
		if meta.Error == "ratelimited" {
			status = http.StatusTooManyRequests
		}
		return page{}, &perrors.APIError{Service: "slack", StatusCode: status, Message: endpoint + ": " + meta.Error, Err: perrors.ErrFetch}
	}

	var items []json.RawMessage
	if raw, ok := envelope[resultKey]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &items); err != nil {
			return page{}, &perrors.APIError{Service: "slack", StatusCode: resp.StatusCode, Message: fmt.Sprintf("%s: %q is not a list", endpoint, resultKey), Err: perrors.ErrFetch}
		}
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("items", len(items)).
		Bool("more", meta.ResponseMetadata.NextCursor != "").
		Msg("page fetched")

	return page{items: items, next: meta.ResponseMetadata.NextCursor}, nil
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[json.RawMessage, error]) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
