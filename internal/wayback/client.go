// Package wayback queries the web-archive CDX index for page captures.
//
// Requests are retried with a constant backoff on network errors, HTTP 5xx
// and 429. Other 4xx responses fail immediately. Consecutive requests from
// one Client are separated by a randomized pause so a backfill over many
// days stays polite to the index service.
package wayback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/internal/observability"
	"go.uber.org/zap"
)

const (
	timestampLayout = "20060102150405"
	dayLayout       = "20060102"
)

// Snapshot references one archived capture of a page.
type Snapshot struct {
	// Day is the UTC calendar day of the capture
	Day time.Time
	// Timestamp is the 14-digit capture timestamp
	Timestamp string
	// Original is the captured URL
	Original string
	// URL is the address of the archived copy
	URL string
}

// Config holds index client settings.
type Config struct {
	Endpoint       string
	ArchiveBaseURL string
	MaxAttempts    int
	RetryInterval  time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	UserAgent      string
}

// HTTPDoer is the subset of *http.Client used by Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a CDX index client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    HTTPDoer
	logger  *zap.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	last time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h HTTPDoer) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates an index client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Nearest returns the capture of target closest to the end of day, looking
// no later than that day. ok is false when the index has no such capture.
// The returned capture may fall on an earlier day.
func (c *Client) Nearest(ctx context.Context, target string, day time.Time) (Snapshot, bool, error) {
	end := day.Format(dayLayout) + "235959"
	params := url.Values{}
	params.Set("url", target)
	params.Set("closest", end)
	params.Set("to", end)
	params.Set("sort", "closest")
	params.Set("limit", "1")

	snaps, err := c.query(ctx, params)
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, false, nil
	}
	return snaps[0], true, nil
}

// List returns every successful capture of target between from and to,
// inclusive of both days, in capture order.
func (c *Client) List(ctx context.Context, target string, from, to time.Time) ([]Snapshot, error) {
	params := url.Values{}
	params.Set("url", target)
	params.Set("from", from.Format(dayLayout))
	params.Set("to", to.Format(dayLayout))
	return c.query(ctx, params)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("index returned HTTP %d", e.code)
}

func (c *Client) query(ctx context.Context, params url.Values) ([]Snapshot, error) {
	params.Set("output", "json")
	params.Set("fl", "timestamp,original")
	params.Set("filter", "statuscode:200")
	endpoint := c.cfg.Endpoint + "?" + params.Encode()

	var snaps []Snapshot
	attempts := 0
	op := func() error {
		if err := c.pace(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		body, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		parsed, err := parseCDX(body, c.cfg.ArchiveBaseURL)
		if err != nil {
			return backoff.Permanent(err)
		}
		snaps = parsed
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), uint64(c.cfg.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.metrics.IncIndexRequest("retry")
		c.logger.Warn("index query failed, retrying",
			zap.String("url", params.Get("url")),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		c.metrics.IncIndexRequest("error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var se *statusError
		if errors.As(err, &se) && !retryableStatus(se.code) {
			rerr := fierrors.NewRetrievalError("index rejected query", err)
			rerr.Retryable = false
			return nil, rerr
		}
		return nil, fierrors.NewRetrievalError(
			fmt.Sprintf("index query failed after %d attempts", attempts), err)
	}
	c.metrics.IncIndexRequest("ok")
	return snaps, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		se := &statusError{code: resp.StatusCode}
		if retryableStatus(resp.StatusCode) {
			return nil, se
		}
		return nil, backoff.Permanent(se)
	}
	return io.ReadAll(resp.Body)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// pace waits until a randomized delay has passed since the previous request.
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Duration(0)
	if !c.last.IsZero() && c.cfg.MaxDelay > 0 {
		delay := c.cfg.MinDelay
		if span := c.cfg.MaxDelay - c.cfg.MinDelay; span > 0 {
			delay += time.Duration(rand.Int63n(int64(span)))
		}
		wait = time.Until(c.last.Add(delay))
	}
	if wait < 0 {
		wait = 0
	}
	// reserve the slot before sleeping so concurrent callers queue behind it
	c.last = time.Now().Add(wait)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseCDX decodes the JSON output format: a header row naming the fields
// followed by one row per capture. An empty body means no captures.
func parseCDX(body []byte, archiveBase string) ([]Snapshot, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode index response: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	tsCol, origCol := -1, -1
	for i, name := range rows[0] {
		switch name {
		case "timestamp":
			tsCol = i
		case "original":
			origCol = i
		}
	}
	if tsCol < 0 || origCol < 0 {
		return nil, fmt.Errorf("index response header %v lacks timestamp or original", rows[0])
	}

	base := strings.TrimRight(archiveBase, "/")
	snaps := make([]Snapshot, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) <= tsCol || len(row) <= origCol {
			return nil, fmt.Errorf("short index row %v", row)
		}
		ts, orig := row[tsCol], row[origCol]
		at, err := time.Parse(timestampLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("bad capture timestamp %q: %w", ts, err)
		}
		snaps = append(snaps, Snapshot{
			Day:       time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC),
			Timestamp: ts,
			Original:  orig,
			URL:       base + "/" + ts + "/" + orig,
		})
	}
	return snaps, nil
}
