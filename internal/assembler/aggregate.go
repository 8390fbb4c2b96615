package assembler

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pgmux/pgmux/internal/router"
	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// Type OIDs used for synthesized aggregate result columns.
const (
	oidInt8   = 20
	oidFloat8 = 701
)

// aggPlan maps the rewritten per-shard result rows back to the client's
// column list and carries the combination rules.
type aggPlan struct {
	outs     []outCol
	groupIdx []int // shard-row indices of the GROUP BY columns
}

type outCol struct {
	agg *aggCol
	src int // shard-row index for passthrough (grouping) columns
}

type aggCol struct {
	fn     string
	val    int // shard-row index of the partial value (count/sum/min/max)
	sum    int // helper indices for avg/stddev/variance
	count  int
	sumSq  int
	sample bool // sample (default) vs population variance
}

// buildAggPlan rewrites aggregate calls that cannot combine from a single
// partial (avg, stddev, variance) into helper columns and records how every
// client column is produced. Returns the rewritten SQL ("" when unchanged).
func buildAggPlan(plan *router.Plan, sql string) (*aggPlan, string, error) {
	stmt := plan.Stmt
	aggByIndex := make(map[int]sqlparse.Aggregate, len(plan.Agg.Aggregates))
	for _, a := range plan.Agg.Aggregates {
		if a.Distinct {
			return nil, "", wire.NewError("ERROR", "0A000",
				"DISTINCT aggregates cannot be combined across shards")
		}
		aggByIndex[a.Index] = a
	}

	groupCols := make(map[string]bool, len(plan.Agg.GroupBy))
	for _, g := range plan.Agg.GroupBy {
		groupCols[strings.ToLower(g)] = true
	}

	type replacement struct {
		start, end int
		text       string
	}
	var reps []replacement

	ap := &aggPlan{}
	shardIdx := 0
	nCols := len(stmt.SelectColumns)
	if nCols == 0 {
		nCols = len(plan.Agg.Aggregates)
	}
	for j := 0; j < nCols; j++ {
		a, isAgg := aggByIndex[j]
		if !isAgg {
			// grouping column: passes through
			name := ""
			if j < len(stmt.SelectColumns) {
				name = strings.ToLower(stmt.SelectColumns[j])
			}
			if len(groupCols) > 0 && name != "" && !groupCols[name] {
				return nil, "", wire.NewError("ERROR", "42803", fmt.Sprintf(
					"column %q must appear in the GROUP BY clause to merge across shards", name))
			}
			ap.outs = append(ap.outs, outCol{src: shardIdx})
			ap.groupIdx = append(ap.groupIdx, shardIdx)
			shardIdx++
			continue
		}

		switch a.Func {
		case "count", "sum", "min", "max":
			ap.outs = append(ap.outs, outCol{agg: &aggCol{fn: a.Func, val: shardIdx}})
			shardIdx++
		case "avg":
			arg := a.ArgText(stmt.Raw)
			if sql == "" || arg == "" {
				return nil, "", wire.NewError("ERROR", "0A000",
					"avg() across shards requires the simple query protocol")
			}
			reps = append(reps, replacement{a.Start, a.End,
				fmt.Sprintf("sum(%s), count(%s)", arg, arg)})
			ap.outs = append(ap.outs, outCol{agg: &aggCol{fn: "avg", sum: shardIdx, count: shardIdx + 1}})
			shardIdx += 2
		case "stddev", "stddev_samp", "variance", "var_samp", "stddev_pop", "var_pop":
			arg := a.ArgText(stmt.Raw)
			if sql == "" || arg == "" {
				return nil, "", wire.NewError("ERROR", "0A000",
					a.Func+"() across shards requires the simple query protocol")
			}
			reps = append(reps, replacement{a.Start, a.End,
				fmt.Sprintf("count(%s), sum(%s), sum((%s)::float8 * (%s))", arg, arg, arg, arg)})
			ap.outs = append(ap.outs, outCol{agg: &aggCol{
				fn:     a.Func,
				count:  shardIdx,
				sum:    shardIdx + 1,
				sumSq:  shardIdx + 2,
				sample: a.Func != "stddev_pop" && a.Func != "var_pop",
			}})
			shardIdx += 3
		default:
			return nil, "", wire.NewError("ERROR", "0A000",
				fmt.Sprintf("aggregate %s() cannot be combined across shards", a.Func))
		}
	}

	if len(reps) == 0 {
		return ap, "", nil
	}

	sort.Slice(reps, func(i, j int) bool { return reps[i].start < reps[j].start })
	var b strings.Builder
	last := 0
	for _, rp := range reps {
		if rp.start < last || rp.end > len(sql) {
			return nil, "", wire.NewError("ERROR", "XX000", "aggregate rewrite positions out of range")
		}
		b.WriteString(sql[last:rp.start])
		b.WriteString(rp.text)
		last = rp.end
	}
	b.WriteString(sql[last:])
	return ap, b.String(), nil
}

// numeric accumulates sums that stay integral when every input is integral.
type numeric struct {
	set   bool
	isInt bool
	i     int64
	f     float64
}

func (n *numeric) add(v []byte) {
	if v == nil {
		return
	}
	s := string(v)
	if !n.set {
		n.set = true
		if iv, err := strconv.ParseInt(s, 10, 64); err == nil {
			n.isInt = true
			n.i = iv
			n.f = float64(iv)
			return
		}
		n.isInt = false
		n.f, _ = strconv.ParseFloat(s, 64)
		return
	}
	if iv, err := strconv.ParseInt(s, 10, 64); err == nil && n.isInt {
		n.i += iv
		n.f += float64(iv)
		return
	}
	fv, _ := strconv.ParseFloat(s, 64)
	if n.isInt {
		n.isInt = false
	}
	n.f += fv
}

func (n *numeric) render() []byte {
	if !n.set {
		return nil
	}
	if n.isInt {
		return []byte(strconv.FormatInt(n.i, 10))
	}
	return []byte(strconv.FormatFloat(n.f, 'g', -1, 64))
}

// groupAcc combines one group's partials across shards.
type groupAcc struct {
	key    string
	groups [][]byte // group column values, client order
	aggs   []*aggAcc
}

type aggAcc struct {
	col   *aggCol
	count int64
	sum   numeric
	sumSq float64
	min   []byte
	max   []byte
}

func (a *aggAcc) fold(row *wire.DataRow) {
	switch a.col.fn {
	case "count":
		if v := row.Values[a.col.val]; v != nil {
			n, _ := strconv.ParseInt(string(v), 10, 64)
			a.count += n
		}
	case "sum":
		a.sum.add(row.Values[a.col.val])
	case "min":
		v := row.Values[a.col.val]
		if v != nil && (a.min == nil || rawCompare(v, a.min) < 0) {
			a.min = append([]byte(nil), v...)
		}
	case "max":
		v := row.Values[a.col.val]
		if v != nil && (a.max == nil || rawCompare(v, a.max) > 0) {
			a.max = append([]byte(nil), v...)
		}
	case "avg":
		a.sum.add(row.Values[a.col.sum])
		if v := row.Values[a.col.count]; v != nil {
			n, _ := strconv.ParseInt(string(v), 10, 64)
			a.count += n
		}
	default: // stddev/variance family
		if v := row.Values[a.col.count]; v != nil {
			n, _ := strconv.ParseInt(string(v), 10, 64)
			a.count += n
		}
		a.sum.add(row.Values[a.col.sum])
		if v := row.Values[a.col.sumSq]; v != nil {
			f, _ := strconv.ParseFloat(string(v), 64)
			a.sumSq += f
		}
	}
}

func (a *aggAcc) render() []byte {
	switch a.col.fn {
	case "count":
		return []byte(strconv.FormatInt(a.count, 10))
	case "sum":
		return a.sum.render()
	case "min":
		return a.min
	case "max":
		return a.max
	case "avg":
		if a.count == 0 {
			return nil
		}
		return formatFloat(a.sum.f / float64(a.count))
	default:
		// parallel variance from (n, Σx, Σx²)
		n := float64(a.count)
		if a.count == 0 || (a.col.sample && a.count < 2) {
			return nil
		}
		variance := (a.sumSq - a.sum.f*a.sum.f/n)
		if a.col.sample {
			variance /= n - 1
		} else {
			variance /= n
		}
		if variance < 0 {
			variance = 0 // guard rounding
		}
		if strings.HasPrefix(a.col.fn, "stddev") {
			return formatFloat(math.Sqrt(variance))
		}
		return formatFloat(variance)
	}
}

func formatFloat(f float64) []byte {
	return []byte(strconv.FormatFloat(f, 'g', -1, 64))
}

// mergeAggregates combines per-shard partial results and emits a single
// result set: one row without GROUP BY, one row per group with it, groups
// in first-seen shard order.
func mergeAggregates(req Request, streams []*shardStream, spec *mergeSpec) error {
	ap := spec.agg

	groups := make(map[string]*groupAcc)
	var order []*groupAcc

	newAcc := func(key string, row *wire.DataRow) *groupAcc {
		acc := &groupAcc{key: key}
		for _, gi := range ap.groupIdx {
			var v []byte
			if row != nil && gi < len(row.Values) && row.Values[gi] != nil {
				v = append([]byte(nil), row.Values[gi]...)
			}
			acc.groups = append(acc.groups, v)
		}
		for _, oc := range ap.outs {
			if oc.agg != nil {
				acc.aggs = append(acc.aggs, &aggAcc{col: oc.agg})
			}
		}
		groups[key] = acc
		order = append(order, acc)
		return acc
	}

	for i, ss := range streams {
		if err := ss.advance(); err != nil {
			return streamBroken(ss)
		}
		if i > 0 {
			if err := checkSchema(streams[0], ss); err != nil {
				return err
			}
		}
		for ss.cur != nil {
			key := groupKey(ss.cur, ap.groupIdx)
			acc, ok := groups[key]
			if !ok {
				acc = newAcc(key, ss.cur)
			}
			ai := 0
			for _, oc := range ap.outs {
				if oc.agg != nil {
					acc.aggs[ai].fold(ss.cur)
					ai++
				}
			}
			if err := ss.advance(); err != nil {
				return streamBroken(ss)
			}
		}
	}

	if err := shardErrors(streams); err != nil {
		return err
	}

	// grand aggregate with no input rows still yields one row
	if len(ap.groupIdx) == 0 && len(order) == 0 {
		newAcc("", nil)
	}

	rd := clientRowDescription(ap, streams[0].rd)
	for _, m := range streams[0].pre {
		req.ClientW.WriteMessage(m)
	}
	req.ClientW.WriteMessage(rd.Encode())

	for _, acc := range order {
		row := &wire.DataRow{}
		gi, ai := 0, 0
		for _, oc := range ap.outs {
			if oc.agg != nil {
				row.Values = append(row.Values, acc.aggs[ai].render())
				ai++
			} else {
				row.Values = append(row.Values, acc.groups[gi])
				gi++
			}
		}
		req.ClientW.WriteMessage(row.Encode())
	}
	req.ClientW.WriteMessage(wire.CommandComplete(fmt.Sprintf("SELECT %d", len(order))))
	return nil
}

func groupKey(row *wire.DataRow, idx []int) string {
	if len(idx) == 0 {
		return ""
	}
	var b strings.Builder
	for _, i := range idx {
		if i < len(row.Values) && row.Values[i] != nil {
			b.WriteByte(1)
			b.Write(row.Values[i])
		} else {
			b.WriteByte(0)
		}
		b.WriteByte(0)
	}
	return b.String()
}

// clientRowDescription collapses helper columns back to the statement's
// column list.
func clientRowDescription(ap *aggPlan, shardRD *wire.RowDescription) *wire.RowDescription {
	rd := &wire.RowDescription{}
	for _, oc := range ap.outs {
		if oc.agg == nil {
			if shardRD != nil && oc.src < len(shardRD.Fields) {
				rd.Fields = append(rd.Fields, shardRD.Fields[oc.src])
			} else {
				rd.Fields = append(rd.Fields, wire.Field{Name: "?column?", TypeOID: 25, TypeSize: -1, TypeModifier: -1})
			}
			continue
		}
		f := wire.Field{Name: oc.agg.fn, TypeSize: -1, TypeModifier: -1}
		switch oc.agg.fn {
		case "count":
			f.TypeOID = oidInt8
			f.TypeSize = 8
		case "sum", "min", "max":
			f.TypeOID = oidInt8
			if shardRD != nil && oc.agg.val < len(shardRD.Fields) {
				f.TypeOID = shardRD.Fields[oc.agg.val].TypeOID
				f.TypeSize = shardRD.Fields[oc.agg.val].TypeSize
			}
		default:
			f.TypeOID = oidFloat8
			f.TypeSize = 8
		}
		rd.Fields = append(rd.Fields, f)
	}
	return rd
}
