package storage

import (
	"fmt"
	"strings"
)

// DedupeLastByKey collapses rows sharing the same key values.
//
// The surviving row sits at the position of the first occurrence and carries
// the values of the last one, so the output keeps input order and last
// writer wins. rows is not modified.
func DedupeLastByKey(columns []string, rows [][]any, keyCols []string) ([][]any, error) {
	if len(rows) < 2 || len(keyCols) == 0 {
		return rows, nil
	}

	idx := make([]int, len(keyCols))
	for i, k := range keyCols {
		j, ok := indexOfColumn(columns, k)
		if !ok {
			return nil, fmt.Errorf("dedupe: key column %q not in columns %v", k, columns)
		}
		idx[i] = j
	}

	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		key := rowKey(row, idx)
		if at, seen := pos[key]; seen {
			out[at] = row
			continue
		}
		pos[key] = len(out)
		out = append(out, row)
	}
	return out, nil
}

func rowKey(row []any, idx []int) string {
	if len(idx) == 1 {
		return NormalizeKey(row[idx[0]])
	}
	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = NormalizeKey(row[j])
	}
	return strings.Join(parts, "\x00")
}

func indexOfColumn(columns []string, name string) (int, bool) {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i, true
		}
	}
	return -1, false
}
