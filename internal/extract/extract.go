// Package extract turns fetched pages into row batches.
package extract

import (
	"context"
	"time"

	"github.com/finarchive/finarchive/pkg/types"
)

// Page is one fetched document.
type Page struct {
	// URL is the address the page was fetched from
	URL string

	// Body is the raw response body
	Body []byte
}

// Extractor parses one page into a batch for the given observation day.
// Malformed pages yield an ExtractionError.
type Extractor interface {
	Extract(ctx context.Context, page Page, day time.Time) (*types.Table, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, page Page, day time.Time) (*types.Table, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, page Page, day time.Time) (*types.Table, error) {
	return f(ctx, page, day)
}
