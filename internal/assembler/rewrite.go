package assembler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// pushDownLimit replaces a statement's trailing LIMIT/OFFSET clause with
// LIMIT n, so each shard returns the full merge window. Returns false when
// the clause is not trailing (e.g. followed by FOR UPDATE) or absent in a
// form we can splice.
func pushDownLimit(sql string, n int64) (string, bool) {
	toks := sqlparse.Lex(sql)
	depth := 0
	cut := -1
	for i, t := range toks {
		switch {
		case t.Kind == sqlparse.TokSymbol && t.Text == "(":
			depth++
		case t.Kind == sqlparse.TokSymbol && t.Text == ")":
			depth--
		case depth == 0 && t.Kind == sqlparse.TokKeyword && (t.Norm == "LIMIT" || t.Norm == "OFFSET"):
			if cut == -1 {
				cut = i
			}
		case depth == 0 && cut != -1:
			// only limit-clause members may follow the cut point
			switch {
			case t.Kind == sqlparse.TokNumber || t.Kind == sqlparse.TokParam:
			case t.Kind == sqlparse.TokKeyword && (t.Norm == "ALL" || t.Norm == "LIMIT" || t.Norm == "OFFSET"):
			case t.Kind == sqlparse.TokSymbol && t.Text == ";":
			case t.Kind == sqlparse.TokEOF:
			default:
				return "", false
			}
		}
	}
	if cut == -1 {
		return "", false
	}
	return strings.TrimRight(sql[:toks[cut].Pos], " \t\n") + " LIMIT " + strconv.FormatInt(n, 10), true
}

// renderValue renders a parsed tuple value back to SQL text.
func renderValue(v sqlparse.Value) (string, error) {
	switch v.Kind {
	case sqlparse.ValueLiteral:
		if v.Quoted {
			return "'" + strings.ReplaceAll(v.Text, "'", "''") + "'", nil
		}
		return v.Text, nil
	case sqlparse.ValueNull:
		return "NULL", nil
	case sqlparse.ValueDefault:
		return "DEFAULT", nil
	default:
		return "", wire.NewError("ERROR", "0A000",
			"cross-shard INSERT splitting supports literal values only")
	}
}

// splitInsert distributes a multi-tuple INSERT: each tuple becomes part of
// a per-shard INSERT executed in parallel; the client sees one combined
// command tag.
func splitInsert(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	stmt := req.Plan.Stmt

	perShard := make(map[int][]string)
	for i, tuple := range stmt.InsertTuples {
		parts := make([]string, len(tuple))
		for j, v := range tuple {
			text, err := renderValue(v)
			if err != nil {
				return res, err
			}
			parts[j] = text
		}
		shard := req.Plan.TupleShards[i]
		perShard[shard] = append(perShard[shard], "("+strings.Join(parts, ", ")+")")
	}

	table := stmt.Tables[0].String()
	cols := ""
	if len(stmt.InsertColumns) > 0 {
		cols = " (" + strings.Join(stmt.InsertColumns, ", ") + ")"
	}

	if d, ok := ctx.Deadline(); ok {
		for _, t := range req.Targets {
			t.Server.SetDeadline(d)
		}
		defer clearDeadlines(req.Targets)
	}

	var total int64
	g, _ := errgroup.WithContext(ctx)
	results := make([]error, len(req.Targets))
	counts := make([]int64, len(req.Targets))
	for i, t := range req.Targets {
		i, t := i, t
		tuples := perShard[t.Shard]
		if len(tuples) == 0 {
			continue
		}
		sql := "INSERT INTO " + table + cols + " VALUES " + strings.Join(tuples, ", ")
		g.Go(func() error {
			tag, err := t.Server.ExecTag(sql)
			if err != nil {
				results[i] = fmt.Errorf("shard %d: %w", t.Shard, err)
				return nil // collect, do not cancel siblings mid-protocol
			}
			if n, ok := wire.TagRowCount(tag); ok {
				counts[i] = n
			}
			return nil
		})
	}
	g.Wait()

	var firstErr error
	for _, err := range results {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		markDirty(req.Targets)
		return res, firstErr
	}
	for _, n := range counts {
		total += n
	}
	req.ClientW.WriteMessage(wire.CommandComplete(fmt.Sprintf("INSERT 0 %d", total)))
	req.ClientW.Flush()
	return res, nil
}

// shardKeyUpdate moves a row whose sharding key changed: SELECT the row on
// the old shard, INSERT it on the new shard with updated values, DELETE the
// original, all inside a transaction spanning both shards. Statements that
// would move more than one row abort.
func shardKeyUpdate(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	ku := req.Plan.KeyUpdate
	stmt := req.Plan.Stmt

	var oldT, newT *Target
	for i := range req.Targets {
		t := &req.Targets[i]
		if t.Shard == ku.OldShard {
			oldT = t
		}
		if t.Shard == ku.NewShard {
			newT = t
		}
	}
	if oldT == nil || newT == nil {
		return res, wire.NewError("ERROR", "XX000", "shard-key update targets not leased")
	}

	if d, ok := ctx.Deadline(); ok {
		oldT.Server.SetDeadline(d)
		newT.Server.SetDeadline(d)
		defer clearDeadlines(req.Targets)
	}

	// join both servers into a transaction if the session has none open
	opened := oldT.Server.TxStatus() == wire.TxIdle
	if opened {
		for _, t := range []*Target{oldT, newT} {
			if err := t.Server.Exec("BEGIN"); err != nil {
				markDirty(req.Targets)
				return res, fmt.Errorf("shard %d: %w", t.Shard, err)
			}
		}
	}
	abort := func(cause error) (*Result, error) {
		if opened {
			oldT.Server.Exec("ROLLBACK")
			newT.Server.Exec("ROLLBACK")
		} else {
			markDirty(req.Targets)
		}
		return res, cause
	}

	keyLit := quoteLiteral(ku.OldValue)
	table := stmt.Tables[0].String()
	cols, rows, err := oldT.Server.QueryTable(
		"SELECT * FROM " + table + " WHERE " + ku.Column + " = " + keyLit + " FOR UPDATE")
	if err != nil {
		return abort(err)
	}
	switch {
	case len(rows) == 0:
		if opened {
			oldT.Server.Exec("COMMIT")
			newT.Server.Exec("COMMIT")
		}
		req.ClientW.WriteMessage(wire.CommandComplete("UPDATE 0"))
		req.ClientW.Flush()
		return res, nil
	case len(rows) > 1:
		return abort(wire.NewError("ERROR", "0A000",
			"sharding key update would move more than one row"))
	}

	// apply the UPDATE's assignments to the captured row
	values := rows[0]
	for _, a := range stmt.Assignments {
		idx := -1
		for i, c := range cols {
			if strings.EqualFold(c, a.Column) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return abort(wire.NewError("ERROR", "42703",
				fmt.Sprintf("column %q not returned by the row capture", a.Column)))
		}
		switch a.Value.Kind {
		case sqlparse.ValueLiteral:
			text := a.Value.Text
			values[idx] = &text
		case sqlparse.ValueNull:
			values[idx] = nil
		default:
			return abort(wire.NewError("ERROR", "0A000",
				"sharding key updates support literal assignments only"))
		}
	}

	parts := make([]string, len(values))
	for i, v := range values {
		if v == nil {
			parts[i] = "NULL"
		} else {
			parts[i] = quoteLiteral(*v)
		}
	}
	insert := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(parts, ", ") + ")"
	if err := newT.Server.Exec(insert); err != nil {
		return abort(fmt.Errorf("shard %d: %w", ku.NewShard, err))
	}
	if err := oldT.Server.Exec("DELETE FROM " + table + " WHERE " + ku.Column + " = " + keyLit); err != nil {
		return abort(fmt.Errorf("shard %d: %w", ku.OldShard, err))
	}

	if opened {
		if err := newT.Server.Exec("COMMIT"); err != nil {
			return abort(fmt.Errorf("shard %d: %w", ku.NewShard, err))
		}
		if err := oldT.Server.Exec("COMMIT"); err != nil {
			markDirty(req.Targets)
			return res, fmt.Errorf("shard %d: %w", ku.OldShard, err)
		}
	}
	req.ClientW.WriteMessage(wire.CommandComplete("UPDATE 1"))
	req.ClientW.Flush()
	return res, nil
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func markDirty(targets []Target) {
	for _, t := range targets {
		t.Server.MarkDirty()
	}
}
