package extract

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/pkg/types"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Top-movers section ids and the type tag each contributes.
var moverSections = []struct {
	id  string
	tag string
}{
	{"tdGainersDesktop", "G"},
	{"tdLosersDesktop", "L"},
}

// TopMoverKeys is the key-column set of the top-movers archive.
var TopMoverKeys = []string{"date", "type", "Symb"}

// TopMovers extracts the pre-market gainers and losers tables.
// The batch keeps the page's columns as text, parses "%Chg" as a percentage
// and "Volume" as a count given in thousands, and adds "type" (G or L) and
// "date". Its named index is (date, type).
type TopMovers struct{}

// Extract implements Extractor.
func (TopMovers) Extract(ctx context.Context, page Page, day time.Time) (*types.Table, error) {
	doc, err := html.Parse(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fierrors.NewExtractionError("top movers: cannot parse html from "+page.URL, err)
	}

	var out *types.Table
	for _, sec := range moverSections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		div := findElement(doc, func(n *html.Node) bool {
			return n.DataAtom == atom.Div && attr(n, "id") == sec.id
		})
		if div == nil {
			return nil, fierrors.NewExtractionError(fmt.Sprintf("top movers: section %s not found in %s", sec.id, page.URL), nil)
		}
		tbl := findElement(div, func(n *html.Node) bool {
			return n.DataAtom == atom.Table && hasClass(n, "tbldata")
		})
		if tbl == nil {
			return nil, fierrors.NewExtractionError(fmt.Sprintf("top movers: no data table in section %s", sec.id), nil)
		}

		part, err := parseMoverTable(tbl, sec.tag, day)
		if err != nil {
			return nil, fierrors.NewExtractionError(fmt.Sprintf("top movers: section %s", sec.id), err)
		}
		if out == nil {
			out = part
			continue
		}
		if out, err = types.Concat(out, part); err != nil {
			return nil, fierrors.NewExtractionError("top movers: gainers and losers tables differ", err)
		}
	}

	if err := out.SetIndex("date", "type"); err != nil {
		return nil, fierrors.NewExtractionError("top movers: cannot index batch", err)
	}
	return out, nil
}

// parseMoverTable converts one html table: the header cells name the
// columns and every row after the first holds one mover.
func parseMoverTable(tbl *html.Node, tag string, day time.Time) (*types.Table, error) {
	var headers []string
	findAll(tbl, atom.Th, func(n *html.Node) {
		headers = append(headers, textOf(n))
	})
	if len(headers) == 0 {
		return nil, fmt.Errorf("table has no header cells")
	}

	cols := make([]types.Column, 0, len(headers)+2)
	for _, h := range headers {
		typ := types.TypeString
		if h == "%Chg" || h == "Volume" {
			typ = types.TypeFloat
		}
		cols = append(cols, types.Column{Name: h, Type: typ})
	}
	cols = append(cols,
		types.Column{Name: "type", Type: types.TypeString},
		types.Column{Name: "date", Type: types.TypeTime})
	out := types.NewTable(cols...)
	for _, required := range []string{"%Chg", "Volume"} {
		if !out.HasColumn(required) {
			return nil, fmt.Errorf("column %q missing", required)
		}
	}

	var rows []*html.Node
	findAll(tbl, atom.Tr, func(n *html.Node) { rows = append(rows, n) })
	if len(rows) > 0 {
		rows = rows[1:]
	}
	for i, tr := range rows {
		var cells []string
		findAll(tr, atom.Td, func(n *html.Node) { cells = append(cells, textOf(n)) })
		if len(cells) != len(headers) {
			return nil, fmt.Errorf("row %d has %d cells for %d columns", i+1, len(cells), len(headers))
		}

		row := make(types.Row, 0, len(cols))
		for j, cell := range cells {
			var v types.Value
			var err error
			switch headers[j] {
			case "%Chg":
				v, err = parseNumber(strings.TrimSuffix(cell, "%"), 1)
			case "Volume":
				v, err = parseNumber(strings.TrimRight(cell, "k"), 1000)
			default:
				v = types.String(cell)
			}
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i+1, headers[j], err)
			}
			row = append(row, v)
		}
		row = append(row, types.String(tag), types.Date(day))
		if err := out.AppendRow(row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseNumber(s string, scale float64) (types.Value, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return types.Null(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return types.Value{}, err
	}
	return types.Float(f * scale), nil
}
