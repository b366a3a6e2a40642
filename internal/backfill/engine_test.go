package backfill

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/internal/extract"
	"github.com/finarchive/finarchive/internal/observability"
	"github.com/finarchive/finarchive/internal/wayback"
	"github.com/finarchive/finarchive/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const source = "https://example.com/movers"

func day(d int) time.Time {
	return time.Date(2024, 9, d, 0, 0, 0, 0, time.UTC)
}

func capture(d int, hhmm string) wayback.Snapshot {
	ts := day(d).Format("20060102") + hhmm + "00"
	return wayback.Snapshot{
		Day:       day(d),
		Timestamp: ts,
		Original:  source,
		URL:       "https://archive.test/web/" + ts + "/" + source,
	}
}

type fakeIndex struct {
	mu      sync.Mutex
	list    []wayback.Snapshot
	listErr error
	nearest map[time.Time]wayback.Snapshot
	nearErr map[time.Time]error
	calls   int
}

func (f *fakeIndex) List(ctx context.Context, target string, from, to time.Time) ([]wayback.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.list, f.listErr
}

func (f *fakeIndex) Nearest(ctx context.Context, target string, d time.Time) (wayback.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.nearErr[d]; err != nil {
		return wayback.Snapshot{}, false, err
	}
	s, ok := f.nearest[d]
	return s, ok, nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	fail    map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	if f.fail[url] {
		return nil, fmt.Errorf("HTTP 503")
	}
	return []byte(url), nil
}

// moverExtractor emits one row per page tagged with the page URL, and fails
// for the listed days.
func moverExtractor(failDays ...time.Time) extract.Extractor {
	return extract.Func(func(ctx context.Context, page extract.Page, d time.Time) (*types.Table, error) {
		for _, f := range failDays {
			if f.Equal(d) {
				return nil, fierrors.NewExtractionError("no gainers table", nil)
			}
		}
		tbl := types.NewTable(
			types.Column{Name: "Symb", Type: types.TypeString},
			types.Column{Name: "page", Type: types.TypeString},
			types.Column{Name: "date", Type: types.TypeTime},
			types.Column{Name: "type", Type: types.TypeString},
		)
		if err := tbl.Append(types.String("AAPL"), types.String(string(page.Body)), types.Date(d), types.String("G")); err != nil {
			return nil, err
		}
		if err := tbl.SetIndex("date", "type"); err != nil {
			return nil, err
		}
		return tbl, nil
	})
}

func TestBusinessDays(t *testing.T) {
	// Fri 2024-08-30 .. Tue 2024-09-03
	days := BusinessDays(time.Date(2024, 8, 30, 15, 0, 0, 0, time.UTC), day(3))
	require.Len(t, days, 3)
	assert.Equal(t, time.Date(2024, 8, 30, 0, 0, 0, 0, time.UTC), days[0])
	assert.Equal(t, day(2), days[1])
	assert.Equal(t, day(3), days[2])

	assert.Empty(t, BusinessDays(day(7), day(8)), "weekend only")
	assert.Empty(t, BusinessDays(day(5), day(4)), "reversed range")
	assert.Len(t, BusinessDays(day(4), day(4)), 1)
}

func TestBackfill_PartialFailure(t *testing.T) {
	idx := &fakeIndex{list: []wayback.Snapshot{capture(3, "0815"), capture(5, "0900")}}
	fetch := &fakeFetcher{}
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	e := NewEngine(idx, fetch, WithMetrics(m))

	res, err := e.Backfill(context.Background(), Request{
		Start:     day(2),
		End:       day(6),
		URL:       source,
		Extractor: moverExtractor(day(5)),
	})
	require.NoError(t, err)
	require.False(t, res.Empty())

	assert.Len(t, res.Days, 5)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Table.Len())
	assert.Equal(t, "2024-09-03", res.Table.Get(0, "date").String())
	assert.Equal(t, []string{"date", "type"}, res.Table.Index)
	require.Len(t, res.Snapshots, 1)
	assert.Equal(t, day(3), res.Snapshots[0].Day)
	assert.Len(t, fetch.fetched, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackfillTasks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackfillTasks.WithLabelValues("extract_error")))
}

func TestBackfill_ExtractorPanicSkipsDay(t *testing.T) {
	idx := &fakeIndex{list: []wayback.Snapshot{capture(3, "0815"), capture(4, "0815"), capture(5, "0900")}}
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	e := NewEngine(idx, &fakeFetcher{}, WithMetrics(m))

	movers := moverExtractor()
	crashing := extract.Func(func(ctx context.Context, page extract.Page, d time.Time) (*types.Table, error) {
		if d.Equal(day(5)) {
			var seen map[string]bool
			seen["AAPL"] = true
		}
		return movers.Extract(ctx, page, d)
	})

	res, err := e.Backfill(context.Background(), Request{
		Start:     day(2),
		End:       day(6),
		URL:       source,
		Extractor: crashing,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Equal(t, 2, res.Table.Len())
	assert.Equal(t, "2024-09-03", res.Table.Get(0, "date").String())
	assert.Equal(t, "2024-09-04", res.Table.Get(1, "date").String())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackfillTasks.WithLabelValues("extract_error")))
}

func TestExtractPage_RecoversPanic(t *testing.T) {
	boom := extract.Func(func(ctx context.Context, page extract.Page, d time.Time) (*types.Table, error) {
		panic("unexpected markup")
	})
	tbl, err := extractPage(context.Background(), boom, extract.Page{URL: "https://archive.test/x"}, day(3))
	assert.Nil(t, tbl)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fierrors.ErrExtraction))
	assert.Contains(t, err.Error(), "unexpected markup")
}

func TestBackfill_NoCapturesIsEmpty(t *testing.T) {
	idx := &fakeIndex{}
	fetch := &fakeFetcher{}
	e := NewEngine(idx, fetch)

	res, err := e.Backfill(context.Background(), Request{
		Start:     day(2),
		End:       day(6),
		URL:       source,
		Extractor: moverExtractor(),
	})
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Nil(t, res.Table)
	assert.Zero(t, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Empty(t, fetch.fetched)
}

func TestBackfill_RangeKeepsLastCapturePerDayAndSortsByDay(t *testing.T) {
	idx := &fakeIndex{list: []wayback.Snapshot{
		capture(4, "0700"),
		capture(3, "0815"),
		capture(4, "1330"),
		capture(7, "1000"), // saturday, not a candidate
	}}
	fetch := &fakeFetcher{}
	e := NewEngine(idx, fetch, WithWorkers(1))

	res, err := e.Backfill(context.Background(), Request{
		Start: day(2), End: day(9), URL: source, Extractor: moverExtractor(),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Table.Len())
	assert.Equal(t, "2024-09-03", res.Table.Get(0, "date").String())
	assert.Equal(t, "2024-09-04", res.Table.Get(1, "date").String())
	assert.Equal(t, capture(4, "1330").URL, res.Table.Get(1, "page").Str())
	assert.Equal(t, 1, idx.calls, "range discovery is one index query")
}

func TestBackfill_NearestDiscardsOtherDays(t *testing.T) {
	idx := &fakeIndex{
		nearest: map[time.Time]wayback.Snapshot{
			day(2): capture(2, "0900"),
			day(3): capture(2, "0900"), // nearest is the previous day
			day(4): capture(4, "1000"),
		},
		nearErr: map[time.Time]error{
			day(5): fierrors.NewRetrievalError("index down", nil),
		},
	}
	fetch := &fakeFetcher{}
	e := NewEngine(idx, fetch, WithStrategy(StrategyNearest))

	res, err := e.Backfill(context.Background(), Request{
		Start: day(2), End: day(6), URL: source, Extractor: moverExtractor(),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, idx.calls)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed, "index failure counts against its day only")
	require.Equal(t, 2, res.Table.Len())
	assert.Equal(t, "2024-09-02", res.Table.Get(0, "date").String())
	assert.Equal(t, "2024-09-04", res.Table.Get(1, "date").String())
}

func TestBackfill_FetchFailureSkipsDay(t *testing.T) {
	snaps := []wayback.Snapshot{capture(3, "0815"), capture(4, "0815")}
	idx := &fakeIndex{list: snaps}
	fetch := &fakeFetcher{fail: map[string]bool{snaps[0].URL: true}}
	e := NewEngine(idx, fetch)

	res, err := e.Backfill(context.Background(), Request{
		Start: day(2), End: day(6), URL: source, Extractor: moverExtractor(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "2024-09-04", res.Table.Get(0, "date").String())
}

func TestBackfill_RangeIndexFailureFailsRun(t *testing.T) {
	idx := &fakeIndex{listErr: fierrors.NewRetrievalError("index query failed after 5 attempts", nil)}
	e := NewEngine(idx, &fakeFetcher{})

	_, err := e.Backfill(context.Background(), Request{
		Start: day(2), End: day(6), URL: source, Extractor: moverExtractor(),
	})
	assert.True(t, errors.Is(err, fierrors.ErrRetrieval))
}

func TestBackfill_InvalidRequests(t *testing.T) {
	e := NewEngine(&fakeIndex{}, &fakeFetcher{})
	tests := []struct {
		name string
		req  Request
	}{
		{"no extractor", Request{Start: day(2), End: day(6), URL: source}},
		{"no url", Request{Start: day(2), End: day(6), Extractor: moverExtractor()}},
		{"reversed range", Request{Start: day(6), End: day(2), URL: source, Extractor: moverExtractor()}},
		{"unknown strategy", Request{Start: day(2), End: day(6), URL: source, Extractor: moverExtractor(), Strategy: "random"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Backfill(context.Background(), tt.req)
			assert.True(t, errors.Is(err, fierrors.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestBackfill_WorkerLimit(t *testing.T) {
	var snaps []wayback.Snapshot
	for d := 2; d <= 27; d++ {
		if wd := day(d).Weekday(); wd != time.Saturday && wd != time.Sunday {
			snaps = append(snaps, capture(d, "0900"))
		}
	}
	var running, peak int32
	ext := extract.Func(func(ctx context.Context, page extract.Page, d time.Time) (*types.Table, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		tbl := types.NewTable(types.Column{Name: "date", Type: types.TypeTime})
		return tbl, tbl.Append(types.Date(d))
	})

	e := NewEngine(&fakeIndex{list: snaps}, &fakeFetcher{}, WithWorkers(3))
	res, err := e.Backfill(context.Background(), Request{Start: day(2), End: day(27), URL: source, Extractor: ext})
	require.NoError(t, err)
	assert.Equal(t, len(snaps), res.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, len(snaps), res.Table.Len())
}

func TestBackfill_Timeout(t *testing.T) {
	ext := extract.Func(func(ctx context.Context, page extract.Page, d time.Time) (*types.Table, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := NewEngine(&fakeIndex{list: []wayback.Snapshot{capture(3, "0900")}}, &fakeFetcher{},
		WithTimeout(20*time.Millisecond))

	_, err := e.Backfill(context.Background(), Request{Start: day(2), End: day(6), URL: source, Extractor: ext})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "finarchive-test", r.Header.Get("User-Agent"))
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), "finarchive-test", 0)
	body, err := f.Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(body))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
