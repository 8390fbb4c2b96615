package engine

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// idCounter disambiguates ids generated within the same millisecond.
var idCounter atomic.Uint64

// nextUniqueID generates a time-ordered 63-bit id: 43 bits of millisecond
// timestamp, 20 bits of sequence. Routing then hashes the id like any other
// bigint key, so each generated id lands on the shard it is written to.
func nextUniqueID() int64 {
	ms := time.Now().UnixMilli() & ((1 << 43) - 1)
	seq := idCounter.Add(1) & ((1 << 20) - 1)
	return ms<<20 | int64(seq)
}

// substituteUniqueIDs replaces calls to the configured unique-id function
// with freshly generated literals, so the router can extract the sharding
// key and the value is identical on whichever shard receives the row. The
// replacement happens before parsing; a statement without the call returns
// unchanged.
func substituteUniqueIDs(sql, fn string) string {
	if fn == "" {
		return sql
	}
	lower := strings.ToLower(sql)
	needle := strings.ToLower(fn)
	var b strings.Builder
	last := 0
	for i := 0; i+len(needle) <= len(lower); {
		j := strings.Index(lower[i:], needle)
		if j < 0 {
			break
		}
		start := i + j
		end := start + len(needle)
		// require a standalone identifier followed by an empty call
		if start > 0 && isIdentByte(lower[start-1]) {
			i = end
			continue
		}
		k := end
		for k < len(sql) && (sql[k] == ' ' || sql[k] == '\t') {
			k++
		}
		if k+1 >= len(sql) || sql[k] != '(' {
			i = end
			continue
		}
		closeAt := k + 1
		for closeAt < len(sql) && (sql[closeAt] == ' ' || sql[closeAt] == '\t') {
			closeAt++
		}
		if closeAt >= len(sql) || sql[closeAt] != ')' {
			i = end
			continue
		}
		b.WriteString(sql[last:start])
		b.WriteString(strconv.FormatInt(nextUniqueID(), 10))
		last = closeAt + 1
		i = closeAt + 1
	}
	if last == 0 {
		return sql
	}
	b.WriteString(sql[last:])
	return b.String()
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
