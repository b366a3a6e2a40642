package merge

import (
	"strconv"
	"strings"

	"github.com/finarchive/finarchive/pkg/types"
	"github.com/spaolacci/murmur3"
)

// keyIndex maps key tuples to the first row holding them. Tuples are
// bucketed by a murmur3 hash of their canonical encoding and compared on the
// encoding itself, so hash collisions never merge distinct keys.
type keyIndex struct {
	buckets map[uint64][]keyEntry
}

type keyEntry struct {
	key string
	row int
}

func newKeyIndex(capacity int) *keyIndex {
	return &keyIndex{buckets: make(map[uint64][]keyEntry, capacity)}
}

// add records key for row. When the key is already present it returns the
// earlier row and false.
func (ix *keyIndex) add(key string, row int) (int, bool) {
	h := murmur3.Sum64([]byte(key))
	for _, e := range ix.buckets[h] {
		if e.key == key {
			return e.row, false
		}
	}
	ix.buckets[h] = append(ix.buckets[h], keyEntry{key: key, row: row})
	return row, true
}

// lookup returns the row holding key.
func (ix *keyIndex) lookup(key string) (int, bool) {
	for _, e := range ix.buckets[murmur3.Sum64([]byte(key))] {
		if e.key == key {
			return e.row, true
		}
	}
	return 0, false
}

// keyTuple encodes the values at the given positions. Each component is
// length-prefixed so that no two distinct tuples share an encoding.
func keyTuple(row types.Row, positions []int) string {
	var b strings.Builder
	for _, p := range positions {
		k := row[p].Key()
		b.WriteString(strconv.Itoa(len(k)))
		b.WriteByte(':')
		b.WriteString(k)
	}
	return b.String()
}

// keyText renders the key values of a row for display.
func keyText(row types.Row, positions []int) []string {
	out := make([]string, len(positions))
	for i, p := range positions {
		out[i] = row[p].String()
	}
	return out
}

// keyPositions resolves key column names against a table.
// A name the table lacks yields -1.
func keyPositions(t *types.Table, keys []string) []int {
	pos := make([]int, len(keys))
	for i, k := range keys {
		pos[i] = t.ColumnIndex(k)
	}
	return pos
}

// indexTable indexes every row of t by its key tuple. It returns the first
// pair of rows found sharing a tuple.
func indexTable(t *types.Table, positions []int) (*keyIndex, int, int, bool) {
	ix := newKeyIndex(t.Len())
	for i, row := range t.Rows {
		if first, ok := ix.add(keyTuple(row, positions), i); !ok {
			return ix, first, i, false
		}
	}
	return ix, 0, 0, true
}
