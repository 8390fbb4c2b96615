package assembler

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// comparator orders rows per the plan's sort spec with shard-stable
// semantics: PostgreSQL defaults (NULLS LAST ascending, NULLS FIRST
// descending), numeric comparison when both sides parse as numbers, byte
// order otherwise.
type comparator struct {
	cols []sortCol
}

type sortCol struct {
	idx        int
	desc       bool
	nullsFirst bool
}

// newComparator resolves ORDER BY columns against the row description.
// Every sort column must be present in the selected rows.
func newComparator(order []sqlparse.OrderColumn, rd *wire.RowDescription) (*comparator, error) {
	cols := make([]sortCol, 0, len(order))
	for _, oc := range order {
		idx := -1
		if n, err := strconv.Atoi(oc.Column); err == nil {
			// ordinal reference (ORDER BY 2)
			if n >= 1 && n <= len(rd.Fields) {
				idx = n - 1
			}
		} else {
			idx = rd.Column(oc.Column)
		}
		if idx < 0 {
			return nil, wire.NewError("ERROR", "42703", fmt.Sprintf(
				"ORDER BY column %q must appear in the cross-shard result", oc.Column))
		}
		nullsFirst := oc.Desc // PostgreSQL default
		if oc.NullsSet {
			nullsFirst = oc.NullsFirst
		}
		cols = append(cols, sortCol{idx: idx, desc: oc.Desc, nullsFirst: nullsFirst})
	}
	return &comparator{cols: cols}, nil
}

// less reports whether row a sorts before row b.
func (c *comparator) less(a, b *wire.DataRow) bool {
	for _, col := range c.cols {
		av, bv := a.Values[col.idx], b.Values[col.idx]
		cmp := compareValues(av, bv, col)
		if cmp != 0 {
			return cmp < 0
		}
	}
	return false // equal; caller's shard-order tie-break applies
}

func compareValues(a, b []byte, col sortCol) int {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0
		}
		aFirst := col.nullsFirst
		if a == nil {
			if aFirst {
				return -1
			}
			return 1
		}
		if aFirst {
			return 1
		}
		return -1
	}

	cmp := rawCompare(a, b)
	if col.desc {
		return -cmp
	}
	return cmp
}

func rawCompare(a, b []byte) int {
	af, aok := parseNumeric(a)
	bf, bok := parseNumeric(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return bytes.Compare(a, b)
}

func parseNumeric(v []byte) (float64, bool) {
	f, err := strconv.ParseFloat(string(v), 64)
	return f, err == nil
}
