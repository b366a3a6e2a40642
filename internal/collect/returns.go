package collect

import (
	"fmt"
	"math"
	"sort"

	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/pkg/types"
)

// Returns column names.
const (
	ColReturns    = "returns"
	ColLogReturns = "log_returns"
)

// DefaultReturnsColumn is the price column returns are computed from.
const DefaultReturnsColumn = ColAdjClose

// Returns computes per-ticker simple and log returns of column from a candle
// table. Rows of each ticker are ordered by date; the first row of a ticker
// and any row whose price or previous price is null or zero gets null
// returns. The result is indexed by (Ticker, Date).
func Returns(candles *types.Table, column string) (*types.Table, error) {
	if candles == nil {
		return nil, fierrors.NewInvalidArgument("no candles given")
	}
	if column == "" {
		column = DefaultReturnsColumn
	}
	flat := candles.ResetIndex()
	for _, name := range []string{ColTicker, ColDate, column} {
		if !flat.HasColumn(name) {
			return nil, fierrors.NewSchemaMismatch(fmt.Sprintf("candles lack column %q", name))
		}
	}
	if typ := flat.Columns[flat.ColumnIndex(column)].Type; typ != types.TypeFloat && typ != types.TypeInt {
		return nil, fierrors.NewSchemaMismatch(fmt.Sprintf("column %q is %s, not numeric", column, typ))
	}

	tickerCol := flat.ColumnIndex(ColTicker)
	dateCol := flat.ColumnIndex(ColDate)
	priceCol := flat.ColumnIndex(column)

	// group row positions by ticker, tickers in first-seen order
	var order []string
	groups := make(map[string][]int)
	for i, row := range flat.Rows {
		t := row[tickerCol].Key()
		if _, ok := groups[t]; !ok {
			order = append(order, t)
		}
		groups[t] = append(groups[t], i)
	}

	out := types.NewTable(
		types.Column{Name: ColTicker, Type: flat.Columns[tickerCol].Type},
		types.Column{Name: ColDate, Type: flat.Columns[dateCol].Type},
		types.Column{Name: ColReturns, Type: types.TypeFloat},
		types.Column{Name: ColLogReturns, Type: types.TypeFloat},
	)
	for _, t := range order {
		rows := groups[t]
		sort.SliceStable(rows, func(a, b int) bool {
			return flat.Rows[rows[a]][dateCol].TimeValue().Before(flat.Rows[rows[b]][dateCol].TimeValue())
		})
		prev := types.Null()
		for _, ri := range rows {
			row := flat.Rows[ri]
			price := row[priceCol]
			simple, logRet := types.Null(), types.Null()
			if !price.IsNull() && !prev.IsNull() && prev.Float64() != 0 {
				ratio := price.Float64() / prev.Float64()
				simple = types.Float(ratio - 1)
				if ratio > 0 {
					logRet = types.Float(math.Log(ratio))
				}
			}
			if err := out.Append(row[tickerCol], row[dateCol], simple, logRet); err != nil {
				return nil, fierrors.NewInternalError("append returns row", err)
			}
			prev = price
		}
	}
	if err := out.SetIndex(CandleKeys...); err != nil {
		return nil, fierrors.NewInternalError("index returns", err)
	}
	return out, nil
}
