package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	fierrors "github.com/finarchive/finarchive/internal/errors"
	"github.com/finarchive/finarchive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func moversTable(t *testing.T) *types.Table {
	t.Helper()
	tbl := types.NewTable(
		types.Column{Name: "date", Type: types.TypeTime},
		types.Column{Name: "type", Type: types.TypeString},
		types.Column{Name: "Symb", Type: types.TypeString},
		types.Column{Name: "%Chg", Type: types.TypeFloat},
		types.Column{Name: "Volume", Type: types.TypeFloat},
		types.Column{Name: "Rank", Type: types.TypeInt},
	)
	day := time.Date(2024, 9, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tbl.Append(types.Date(day), types.String("G"), types.String("AAPL"), types.Float(3.5), types.Float(120000), types.Int(1)))
	require.NoError(t, tbl.Append(types.Date(day), types.String("L"), types.String("TSLA, Inc"), types.Float(-2.25), types.Null(), types.Int(2)))
	return tbl
}

func TestStore_RoundTripAllCodecs(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	dir := t.TempDir()

	// Volume holds integral floats, which inference alone would read as int
	var schema types.Schema
	for _, c := range moversTable(t).Columns {
		schema.Columns = append(schema.Columns, types.ColumnDef{Name: c.Name, Type: c.Type})
	}
	require.NoError(t, store.RegisterSchema("movers", schema))

	for _, ext := range []string{".csv", ".tsv", ".sqlite", ".tbl"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(dir, "movers"+ext)
			want := moversTable(t)
			require.NoError(t, store.Save(ctx, want, path))

			got, err := store.Load(ctx, path)
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "round trip mismatch for %s:\n got %v\nwant %v", ext, got.Rows, want.Rows)
			assert.Equal(t, want.Columns, got.Columns)
		})
	}
}

func TestStore_IndexSurvivesTypedCodecs(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	dir := t.TempDir()

	for _, ext := range []string{".sqlite", ".tbl"} {
		path := filepath.Join(dir, "indexed"+ext)
		tbl := moversTable(t)
		require.NoError(t, tbl.SetIndex("date", "type"))
		require.NoError(t, store.Save(ctx, tbl, path))

		got, err := store.Load(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, []string{"date", "type"}, got.Index, ext)
	}

	// delimited archives materialize the index as leading columns
	path := filepath.Join(dir, "indexed.csv")
	tbl := moversTable(t)
	require.NoError(t, tbl.SetIndex("Symb"))
	require.NoError(t, store.Save(ctx, tbl, path))
	got, err := store.Load(ctx, path)
	require.NoError(t, err)
	assert.False(t, got.HasNamedIndex())
	assert.Equal(t, "Symb", got.Columns[0].Name)
}

func TestStore_LoadMissingIsNotFound(t *testing.T) {
	store := NewStore()
	_, err := store.Load(context.Background(), filepath.Join(t.TempDir(), "absent.csv"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fierrors.ErrNotFound))
}

func TestStore_LoadMalformedIsParseError(t *testing.T) {
	dir := t.TempDir()
	store := NewStore()
	ctx := context.Background()

	ragged := filepath.Join(dir, "ragged.csv")
	require.NoError(t, os.WriteFile(ragged, []byte("a,b\n1,2\n3\n"), 0644))
	_, err := store.Load(ctx, ragged)
	assert.True(t, errors.Is(err, fierrors.ErrParse), "got %v", err)

	garbage := filepath.Join(dir, "garbage.tbl")
	require.NoError(t, os.WriteFile(garbage, []byte("not snappy"), 0644))
	_, err = store.Load(ctx, garbage)
	assert.True(t, errors.Is(err, fierrors.ErrParse), "got %v", err)

	dup := filepath.Join(dir, "dup.csv")
	require.NoError(t, os.WriteFile(dup, []byte("a,a\n1,2\n"), 0644))
	_, err = store.Load(ctx, dup)
	assert.True(t, errors.Is(err, fierrors.ErrParse), "got %v", err)
}

func TestStore_UnsupportedExtension(t *testing.T) {
	store := NewStore()
	err := store.Save(context.Background(), moversTable(t), filepath.Join(t.TempDir(), "x.xlsx"))
	assert.True(t, errors.Is(err, fierrors.ErrInvalidArgument), "got %v", err)
}

func TestStore_DeclaredSchemaOverridesInference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tickers.csv")
	require.NoError(t, os.WriteFile(path, []byte("Symb,Code\n1234,007\n5678,010\n"), 0644))

	store := NewStore()
	inferred, err := store.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, types.TypeInt, inferred.Columns[0].Type)

	require.NoError(t, store.RegisterSchema("tickers", types.Schema{Columns: []types.ColumnDef{
		{Name: "Symb", Type: types.TypeString},
		{Name: "Code", Type: types.TypeString},
	}}))
	declared, err := store.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, types.TypeString, declared.Columns[0].Type)
	assert.Equal(t, "007", declared.Get(0, "Code").Str())

	// the backup sibling shares the declared schema
	bp, err := store.Backup(context.Background(), declared, path)
	require.NoError(t, err)
	backup, err := store.Load(context.Background(), bp)
	require.NoError(t, err)
	assert.Equal(t, "010", backup.Get(1, "Code").Str())
}

func TestInferColumnType(t *testing.T) {
	records := [][]string{
		{"1", "1.5", "2024-09-03", "AAPL", "", "INF"},
		{"2", "2", "2024-09-04T10:00:00Z", "3", "", "NAN"},
	}
	want := []types.ColumnType{types.TypeInt, types.TypeFloat, types.TypeTime, types.TypeString, types.TypeString, types.TypeString}
	for j, w := range want {
		assert.Equal(t, w, inferColumnType(records, j), "column %d", j)
	}
}

func TestBackupPath(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "movers_temp.csv"), BackupPath(filepath.Join("data", "movers.csv")))
	assert.Equal(t, "returns_temp.sqlite", BackupPath("returns.sqlite"))
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore()
	path := filepath.Join(dir, "sub", "movers.csv")
	require.NoError(t, store.Save(context.Background(), moversTable(t), path))
	require.NoError(t, store.Save(context.Background(), moversTable(t), path))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, strings.HasSuffix(entries[0].Name(), ".tmp"))
}

func TestStore_BackupAndRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewStore()
	path := filepath.Join(dir, "movers.tbl")

	original := moversTable(t)
	require.NoError(t, store.Save(ctx, original, path))
	bp, err := store.Backup(ctx, original, path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "movers_temp.tbl"), bp)

	// overwrite the archive, then roll back
	require.NoError(t, store.Save(ctx, types.NewTable(original.Columns...), path))
	require.NoError(t, store.Restore(ctx, path))

	got, err := store.Load(ctx, path)
	require.NoError(t, err)
	assert.True(t, got.Equal(original))

	_, err = os.Stat(bp)
	assert.NoError(t, err, "restore keeps the backup")
}

func TestStore_RestoreWithoutBackup(t *testing.T) {
	store := NewStore()
	err := store.Restore(context.Background(), filepath.Join(t.TempDir(), "movers.csv"))
	assert.True(t, errors.Is(err, fierrors.ErrNotFound), "got %v", err)
}
