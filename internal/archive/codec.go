package archive

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/finarchive/finarchive/pkg/types"
)

// Codec reads and writes a table in one on-disk format.
type Codec interface {
	// Read decodes the file at path. The schema, which may be empty, declares
	// column types for formats that do not record them.
	Read(ctx context.Context, path string, schema types.Schema) (*types.Table, error)

	// Write encodes the table into a new file at path.
	Write(ctx context.Context, path string, t *types.Table) error
}

// defaultCodecs returns the codecs registered for each file extension.
func defaultCodecs() map[string]Codec {
	return map[string]Codec{
		".csv":    &DelimitedCodec{Comma: ','},
		".tsv":    &DelimitedCodec{Comma: '\t'},
		".sqlite": &SQLiteCodec{},
		".db":     &SQLiteCodec{},
		".tbl":    &SnappyCodec{},
	}
}

// splitExt splits a path into its extension-less part and lower-cased extension.
func splitExt(path string) (string, string) {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext), strings.ToLower(ext)
}
