// Package collect fetches one-shot datasets that do not need archive
// discovery: daily candles from the Yahoo chart API and the returns derived
// from them.
package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,9}$`)

// Candle column names.
const (
	ColTicker   = "Ticker"
	ColDate     = "Date"
	ColOpen     = "Open"
	ColHigh     = "High"
	ColLow      = "Low"
	ColClose    = "Close"
	ColAdjClose = "Adj Close"
	ColVolume   = "Volume"
)

// CandleKeys are the key columns of candle and returns archives.
var CandleKeys = []string{ColTicker, ColDate}

// SanitizeTicker upper-cases and trims a ticker and checks its shape.
func SanitizeTicker(ticker string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerPattern.MatchString(normalized) {
		return "", fierrors.NewInvalidArgument(fmt.Sprintf("invalid ticker %q", ticker))
	}
	return normalized, nil
}

// HTTPDoer is the subset of *http.Client used by Prices.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds collector settings.
type Config struct {
	ChartEndpoint  string
	Workers        int
	UserAgent      string
	RequestTimeout time.Duration
}

// Prices collects daily candles per ticker.
type Prices struct {
	cfg    Config
	http   HTTPDoer
	logger *zap.Logger
}

// Option configures Prices.
type Option func(*Prices)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(h HTTPDoer) Option {
	return func(p *Prices) { p.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Prices) { p.logger = l }
}

// NewPrices creates a candle collector.
func NewPrices(cfg Config, opts ...Option) *Prices {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	p := &Prices{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type chartResult struct {
	Meta struct {
		Symbol               string `json:"symbol"`
		ExchangeTimezoneName string `json:"exchangeTimezoneName"`
		GMTOffset            int    `json:"gmtoffset"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

// NewCandleTable returns an empty candle table.
func NewCandleTable() *types.Table {
	return types.NewTable(
		types.Column{Name: ColTicker, Type: types.TypeString},
		types.Column{Name: ColDate, Type: types.TypeTime},
		types.Column{Name: ColOpen, Type: types.TypeFloat},
		types.Column{Name: ColHigh, Type: types.TypeFloat},
		types.Column{Name: ColLow, Type: types.TypeFloat},
		types.Column{Name: ColClose, Type: types.TypeFloat},
		types.Column{Name: ColAdjClose, Type: types.TypeFloat},
		types.Column{Name: ColVolume, Type: types.TypeInt},
	)
}

// Collect fetches daily candles for tickers between start and end. A zero
// start requests the full history. Rows are ordered by ticker then date and
// indexed by (Ticker, Date). A failing ticker is logged and skipped; the call
// fails only when every ticker fails.
func (p *Prices) Collect(ctx context.Context, tickers []string, start, end time.Time) (*types.Table, error) {
	if len(tickers) == 0 {
		return nil, fierrors.NewInvalidArgument("no tickers given")
	}
	seen := make(map[string]bool, len(tickers))
	var clean []string
	for _, t := range tickers {
		s, err := SanitizeTicker(t)
		if err != nil {
			return nil, err
		}
		if !seen[s] {
			seen[s] = true
			clean = append(clean, s)
		}
	}
	sort.Strings(clean)

	tables := make([]*types.Table, len(clean))
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, ticker := range clean {
		i, ticker := i, ticker
		g.Go(func() error {
			tbl, err := p.fetch(ctx, ticker, start, end)
			if err != nil {
				p.logger.Warn("candle fetch failed", zap.String("ticker", ticker), zap.Error(err))
				mu.Lock()
				failures[ticker] = err
				mu.Unlock()
				return nil
			}
			tables[i] = tbl
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(failures) == len(clean) {
		return nil, fierrors.NewRetrievalError(
			fmt.Sprintf("candle fetch failed for all %d tickers", len(clean)), failures[clean[0]])
	}

	out := NewCandleTable()
	for _, tbl := range tables {
		if tbl != nil {
			out.Rows = append(out.Rows, tbl.Rows...)
		}
	}
	if err := out.SetIndex(CandleKeys...); err != nil {
		return nil, fierrors.NewInternalError("index candles", err)
	}
	p.logger.Info("candles collected",
		zap.Int("tickers", len(clean)-len(failures)),
		zap.Int("failed", len(failures)),
		zap.Int("rows", out.Len()))
	return out, nil
}

func (p *Prices) fetch(ctx context.Context, ticker string, start, end time.Time) (*types.Table, error) {
	params := url.Values{}
	params.Set("interval", "1d")
	params.Set("events", "history")
	params.Set("includeAdjustedClose", "true")
	if start.IsZero() {
		params.Set("range", "max")
	} else {
		if end.IsZero() {
			end = time.Now()
		}
		params.Set("period1", fmt.Sprint(start.Unix()))
		params.Set("period2", fmt.Sprint(end.Unix()))
	}
	endpoint := strings.TrimRight(p.cfg.ChartEndpoint, "/") + "/" + url.PathEscape(ticker) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call chart API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart API returned status %s", resp.Status)
	}

	var chart chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("decode chart JSON: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error %s: %s", chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("no results for ticker %s", ticker)
	}
	return candleRows(ticker, chart.Chart.Result[0])
}

func candleRows(ticker string, res chartResult) (*types.Table, error) {
	if len(res.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no quote indicators for ticker %s", ticker)
	}
	q := res.Indicators.Quote[0]
	var adj []*float64
	if len(res.Indicators.AdjClose) > 0 {
		adj = res.Indicators.AdjClose[0].AdjClose
	}

	loc := exchangeLocation(res)
	tbl := NewCandleTable()
	for i, ts := range res.Timestamp {
		day := time.Unix(ts, 0).In(loc)
		row := types.Row{
			types.String(ticker),
			types.Date(day),
			floatAt(q.Open, i),
			floatAt(q.High, i),
			floatAt(q.Low, i),
			floatAt(q.Close, i),
			floatAt(adj, i),
			intAt(q.Volume, i),
		}
		if err := tbl.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

// exchangeLocation is the timezone bars are dated in: the exchange's named
// zone, else its fixed GMT offset, else UTC.
func exchangeLocation(res chartResult) *time.Location {
	if name := res.Meta.ExchangeTimezoneName; name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if off := res.Meta.GMTOffset; off != 0 {
		return time.FixedZone("exchange", off)
	}
	return time.UTC
}

func floatAt(vals []*float64, i int) types.Value {
	if i >= len(vals) || vals[i] == nil {
		return types.Null()
	}
	return types.Float(*vals[i])
}

func intAt(vals []*int64, i int) types.Value {
	if i >= len(vals) || vals[i] == nil {
		return types.Null()
	}
	return types.Int(*vals[i])
}
