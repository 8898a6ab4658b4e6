// Package deliver posts batches of trace records to the collector
// endpoint. One delivery pass covers up to maxAttempts HTTP attempts
// with exponential backoff; the caller decides what a non-shipped
// outcome means (spool, quarantine, or stop).
package deliver

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ppiankov/talon/internal/stats"
)

const (
	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 8 * time.Second

	// DefaultMaxAttempts is how many attempts one delivery pass makes
	// before giving the batch back to the caller: the initial attempt
	// plus five retries.
	DefaultMaxAttempts = 6

	backoffBase = 200 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Outcome classifies the result of a delivery pass.
type Outcome int

const (
	// Shipped means the collector acknowledged the batch with a 2xx.
	Shipped Outcome = iota
	// Transient covers timeouts, transport errors, 408, 429 and 5xx;
	// the batch is worth retrying later.
	Transient
	// Permanent covers the remaining 4xx statuses; the batch will never
	// be accepted and must not be retried.
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Shipped:
		return "shipped"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Client ships record batches to a single collector endpoint.
type Client struct {
	endpoint    string
	apiKey      string
	httpc       *http.Client
	maxAttempts int

	// onHealthy fires on every 2xx so the supervisor can schedule a
	// spool drain while the network is known good.
	onHealthy func()

	sleep func(context.Context, time.Duration) // swapped out in tests
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Option adjusts a Client at construction time.
type Option func(*Client)

// WithMaxAttempts overrides the per-pass attempt budget.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithHealthSignal registers a callback invoked after every
// acknowledged delivery.
func WithHealthSignal(fn func()) Option {
	return func(c *Client) { c.onHealthy = fn }
}

// New creates a delivery client for the given endpoint. The API key is
// optional; when empty no Authorization header is sent.
func New(endpoint, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		endpoint:    endpoint,
		apiKey:      apiKey,
		httpc:       &http.Client{Timeout: timeout},
		maxAttempts: DefaultMaxAttempts,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the configured collector URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Ship runs one delivery pass for a batch of serialized records.
// Transient failures are retried in-pass with exponential backoff and
// full jitter; the pass ends early if ctx is cancelled. The records are
// framed as a gzip-compressed JSON array.
func (c *Client) Ship(ctx context.Context, records [][]byte) Outcome {
	if len(records) == 0 {
		return Shipped
	}

	body, err := encodeBody(records)
	if err != nil {
		fmt.Fprintf(os.Stderr, "talon-agent: encode batch: %v\n", err)
		return Permanent
	}

	backoff := backoffBase
	for attempt := 1; ; attempt++ {
		outcome, status := c.attempt(ctx, body)
		switch outcome {
		case Shipped:
			stats.Default.BatchesSent.Add(1)
			if c.onHealthy != nil {
				c.onHealthy()
			}
			return Shipped
		case Permanent:
			fmt.Fprintf(os.Stderr, "talon-agent: collector rejected batch: HTTP %d\n", status)
			return Permanent
		}

		if attempt >= c.maxAttempts || ctx.Err() != nil {
			return Transient
		}

		// Full jitter: uniform in [0, backoff].
		wait := time.Duration(rand.Int63n(int64(backoff) + 1))
		c.sleep(ctx, wait)
		if ctx.Err() != nil {
			return Transient
		}
		if backoff < backoffCap {
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}
}

// attempt performs one HTTP POST. status is zero on transport errors.
func (c *Client) attempt(ctx context.Context, body []byte) (Outcome, int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Transient, 0
	}
	resp.Body.Close()

	return Classify(resp.StatusCode), resp.StatusCode
}

// Classify maps an HTTP status to a delivery outcome: 2xx shipped,
// 408/429 and 5xx transient, every other 4xx permanent.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Shipped
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400 && status < 500:
		return Permanent
	}
	return Transient
}

// encodeBody frames the records as a gzip-compressed JSON array without
// re-parsing them; each record is already a serialized object.
func encodeBody(records [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte{'['})
	for i, rec := range records {
		if i > 0 {
			zw.Write([]byte{','})
		}
		zw.Write(rec)
	}
	zw.Write([]byte{']'})
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip batch: %w", err)
	}
	return buf.Bytes(), nil
}
