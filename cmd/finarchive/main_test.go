package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(bytes.NewReader(nil))
	base := []string{"--data-dir", dataDir, "--env-file", filepath.Join(dataDir, "missing.env"), "--log-level", "error"}
	root.SetArgs(append(args, base...))
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestMergeIntoAndHistory(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "quotes.csv")
	batch1 := filepath.Join(dir, "batch1.csv")
	batch2 := filepath.Join(dir, "batch2.csv")
	writeFile(t, batch1, "Ticker,Date,Close\nAAPL,2024-09-03,222.77\nMSFT,2024-09-03,409.44\n")
	writeFile(t, batch2, "Ticker,Date,Close\nAAPL,2024-09-03,223.00\nAAPL,2024-09-04,220.85\n")

	out, err := run(t, dir, "merge", batch1, "--into", archive, "--keys", "Ticker,Date", "--create")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 rows appended, 2 rows total")

	out, err = run(t, dir, "merge", batch2, "--into", archive, "--keys", "Ticker, Date", "--resolve", "deny")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 conflicting rows (deny), 0 replaced, 1 dropped")
	assert.Contains(t, out, "1 rows appended, 3 rows total")

	body, err := os.ReadFile(archive)
	require.NoError(t, err)
	assert.Contains(t, string(body), "222.77")
	assert.NotContains(t, string(body), "223")

	out, err = run(t, dir, "merge", batch2, "--into", archive, "--keys", "Ticker,Date", "--resolve", "deny", "--deny-mode", "abort")
	require.NoError(t, err, out)
	assert.Contains(t, out, "nothing written")

	out, err = run(t, dir, "history", "--json")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"conflicts": 2`)
	assert.Contains(t, out, `"aborted": true`)
}

func TestMergeRequiresOneTarget(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "b.csv")
	writeFile(t, batch, "a\n1\n")

	_, err := run(t, dir, "merge", batch)
	assert.Error(t, err)
	_, err = run(t, dir, "merge", batch, "--dataset", "top_movers", "--into", filepath.Join(dir, "x.csv"))
	assert.Error(t, err)
}

func TestMergeMissingArchiveWithoutCreate(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "b.csv")
	writeFile(t, batch, "a\n1\n")

	_, err := run(t, dir, "merge", batch, "--into", filepath.Join(dir, "absent.csv"))
	assert.Error(t, err)
}

func TestRestoreWithoutBackup(t *testing.T) {
	_, err := run(t, t.TempDir(), "restore", "top_movers")
	assert.Error(t, err)
}

func TestBackfillRejectsBadDates(t *testing.T) {
	_, err := run(t, t.TempDir(), "backfill", "--start", "09/03/2024")
	assert.Error(t, err)
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, []string{"date", "type", "Symb"}, splitList(" date,type ,,Symb"))
	assert.Nil(t, splitList(""))
	d, err := parseDay("2024-09-03")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Day())
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
}
