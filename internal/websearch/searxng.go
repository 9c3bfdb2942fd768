// Package websearch queries a SearXNG instance and normalizes its results
// into snippets suitable for grounding model prompts.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/starford/sowilo/internal/transport"
)

// DefaultTitle replaces a missing result title.
const DefaultTitle = "No title"

// ErrInvalidResponse is returned when the response has no results array.
var ErrInvalidResponse = errors.New("websearch: invalid search response: missing results array")

var tagRe = regexp.MustCompile(`<[^>]*>?`)

// Result is one normalized search hit.
type Result struct {
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Content string   `json:"content"`
	Engine  string   `json:"engine,omitempty"`
	Score   *float64 `json:"score,omitempty"`
}

// Bundle is the outcome of one search.
type Bundle struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// Config configures a Client.
type Config struct {
	// URLTemplate is the search URL with %s standing for the encoded query.
	URLTemplate string
	Timeout     time.Duration
	MaxResults  int
}

type rawResult struct {
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Link    string   `json:"link"`
	Content string   `json:"content"`
	Snippet string   `json:"snippet"`
	Engine  string   `json:"engine"`
	Score   *float64 `json:"score"`
}

// Client runs searches against a SearXNG JSON endpoint.
type Client struct {
	tr      *transport.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client. Requests are limited to one per second with a burst
// of two, which keeps public instances from throttling us.
func New(tr *transport.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		tr:      tr,
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		logger:  logger,
	}
}

// Search runs query and returns at most cfg.MaxResults normalized results.
func (c *Client) Search(ctx context.Context, query string, cfg Config) (Bundle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Bundle{}, fmt.Errorf("websearch: %w", err)
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var body struct {
		Results json.RawMessage `json:"results"`
	}
	if err := c.tr.GetJSON(ctx, BuildURL(cfg.URLTemplate, query), nil, &body); err != nil {
		c.logger.Warn("websearch: request failed", slog.String("query", query), slog.String("error", err.Error()))
		return Bundle{}, fmt.Errorf("websearch: %w", err)
	}

	trimmed := bytes.TrimSpace(body.Results)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return Bundle{}, ErrInvalidResponse
	}
	var raw []rawResult
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Bundle{}, fmt.Errorf("websearch: decode results: %w", err)
	}

	if cfg.MaxResults > 0 && len(raw) > cfg.MaxResults {
		raw = raw[:cfg.MaxResults]
	}
	out := Bundle{Query: query, Results: make([]Result, 0, len(raw))}
	for _, r := range raw {
		out.Results = append(out.Results, normalize(r))
	}
	return out, nil
}

// BuildURL substitutes the encoded query for the first %s in tmpl.
func BuildURL(tmpl, query string) string {
	encoded := strings.ReplaceAll(url.QueryEscape(query), "+", "%20")
	return strings.Replace(tmpl, "%s", encoded, 1)
}

// StripTags removes anything that looks like an HTML tag.
func StripTags(s string) string {
	return tagRe.ReplaceAllString(s, "")
}

func normalize(r rawResult) Result {
	title := r.Title
	if title == "" {
		title = DefaultTitle
	}
	link := r.URL
	if link == "" {
		link = r.Link
	}
	content := r.Content
	if content == "" {
		content = r.Snippet
	}
	return Result{
		Title:   title,
		URL:     link,
		Content: StripTags(content),
		Engine:  r.Engine,
		Score:   r.Score,
	}
}
