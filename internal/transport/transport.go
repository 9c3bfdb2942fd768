// Package transport performs the HTTP exchanges with model providers and
// search backends: one-shot JSON requests and cancellable streaming POSTs.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Defaults.
const (
	DefaultIdleTimeout    = 20 * time.Second
	DefaultRequestTimeout = 60 * time.Second

	maxErrorBody = 64 << 10
	readBufSize  = 4 << 10
)

var (
	// ErrIdleTimeout is returned when a stream produced no data within the
	// idle window.
	ErrIdleTimeout = errors.New("transport: stream idle timeout")
	// ErrCanceled is returned when the caller's context ends a request.
	ErrCanceled = errors.New("transport: request canceled")
)

// StatusError carries a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: request failed: %d %s", e.StatusCode, e.Body)
}

// Retryable reports whether err is worth retrying by the user: idle
// timeouts, connection failures, 429 and 5xx responses.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) {
		return false
	}
	if errors.Is(err, ErrIdleTimeout) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Options configures a Client.
type Options struct {
	// RequestTimeout bounds one-shot requests.
	RequestTimeout time.Duration
	// IdleTimeout aborts a stream that delivers no bytes for this long.
	IdleTimeout time.Duration
	// HTTPClient overrides the underlying client. It must not set Timeout,
	// since that would also bound long streams.
	HTTPClient *http.Client
}

// Client performs provider HTTP requests.
type Client struct {
	http           *http.Client
	requestTimeout time.Duration
	idleTimeout    time.Duration
}

// New creates a Client, filling zero options with defaults.
func New(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		http:           hc,
		requestTimeout: opts.RequestTimeout,
		idleTimeout:    opts.IdleTimeout,
	}
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, headers, out)
}

// PostJSON issues a POST with a JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, body any, headers map[string]string, out any) error {
	return c.do(ctx, http.MethodPost, url, body, headers, out)
}

func (c *Client) do(ctx context.Context, method, url string, body any, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := newRequest(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// Stream POSTs body and delivers the response text to onChunk as bytes
// arrive. Multi-byte characters split across reads are held back until
// complete. The call returns nil at end of body, ErrCanceled when ctx ends,
// or ErrIdleTimeout when no bytes arrive within the idle window.
func (c *Client) Stream(ctx context.Context, url string, body any, headers map[string]string, onChunk func(string)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idled atomic.Bool
	idle := time.AfterFunc(c.idleTimeout, func() {
		idled.Store(true)
		cancel()
	})
	defer idle.Stop()

	req, err := newRequest(streamCtx, http.MethodPost, url, body, headers)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return streamError(ctx, &idled, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	buf := make([]byte, readBufSize)
	var pending []byte
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(c.idleTimeout)
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
			}
			data := append(pending, buf[:n]...)
			complete, rest := splitUTF8(data)
			pending = append([]byte(nil), rest...)
			if len(complete) > 0 {
				onChunk(string(complete))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if len(pending) > 0 {
					onChunk(string(pending))
				}
				return nil
			}
			return streamError(ctx, &idled, readErr)
		}
	}
}

func newRequest(ctx context.Context, method, url string, body any, headers map[string]string) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode body: %w", err)
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	return fmt.Errorf("transport: %w", err)
}

func streamError(parent context.Context, idled *atomic.Bool, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %w", ErrCanceled, parent.Err())
	case idled.Load():
		return ErrIdleTimeout
	default:
		return fmt.Errorf("transport: stream: %w", err)
	}
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte sequence, and the remaining bytes.
func splitUTF8(b []byte) ([]byte, []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if utf8.RuneStart(b[start]) {
			if !utf8.FullRune(b[start:]) {
				return b[:start], b[start:]
			}
			break
		}
	}
	return b, nil
}
