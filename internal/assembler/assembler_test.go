package assembler

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/router"
	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// fakeServer scripts one backend: a handler answers each simple query.
type fakeServer struct {
	sc   *pool.ServerConn
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	mu      sync.Mutex
	queries []string
}

func newFakeServer(t *testing.T, handler func(sql string, w *wire.Writer)) *fakeServer {
	t.Helper()
	client, server := net.Pipe()
	fs := &fakeServer{
		sc:   pool.NewServerConn(client, "fake:5432"),
		conn: server,
		r:    wire.NewReader(server),
		w:    wire.NewWriter(server),
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go func() {
		for {
			m, err := fs.r.ReadMessage()
			if err != nil {
				return
			}
			if m.Type != wire.MsgQuery {
				continue
			}
			sql := wire.QueryString(m.Payload)
			fs.mu.Lock()
			fs.queries = append(fs.queries, sql)
			fs.mu.Unlock()
			handler(sql, fs.w)
			fs.w.Flush()
		}
	}()
	return fs
}

func (fs *fakeServer) sawQueries() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.queries...)
}

// respondRows writes a single-column bigint result.
func respondRows(w *wire.Writer, col string, vals ...string) {
	rd := &wire.RowDescription{Fields: []wire.Field{{Name: col, TypeOID: 20, TypeSize: 8, TypeModifier: -1}}}
	w.WriteMessage(rd.Encode())
	for _, v := range vals {
		row := &wire.DataRow{Values: [][]byte{[]byte(v)}}
		w.WriteMessage(row.Encode())
	}
	w.WriteMessage(wire.CommandComplete("SELECT " + strconv.Itoa(len(vals))))
	w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
}

// decodeClient parses the messages written to the client buffer.
func decodeClient(t *testing.T, buf *bytes.Buffer) []wire.Message {
	t.Helper()
	r := wire.NewReader(bytes.NewReader(buf.Bytes()))
	var out []wire.Message
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return out
		}
		out = append(out, m.Clone())
	}
}

func clientRows(t *testing.T, msgs []wire.Message) [][]string {
	t.Helper()
	var rows [][]string
	for _, m := range msgs {
		if m.Type != wire.MsgDataRow {
			continue
		}
		dr, err := wire.ParseDataRow(m.Payload)
		if err != nil {
			t.Fatalf("ParseDataRow: %v", err)
		}
		row := make([]string, len(dr.Values))
		for i, v := range dr.Values {
			if v == nil {
				row[i] = "<null>"
			} else {
				row[i] = string(v)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func lastTag(t *testing.T, msgs []wire.Message) string {
	t.Helper()
	tag := ""
	for _, m := range msgs {
		if m.Type == wire.MsgCommandComplete {
			tag = wire.CommandTag(m.Payload)
		}
	}
	return tag
}

func dispatchSQL(t *testing.T, sql string, plan *router.Plan, servers ...*fakeServer) (*bytes.Buffer, error) {
	t.Helper()
	targets := make([]Target, len(servers))
	for i, fs := range servers {
		targets[i] = Target{Shard: i, Server: fs.sc}
	}
	var clientBuf bytes.Buffer
	_, err := Dispatch(context.Background(), Request{
		Targets: targets,
		Plan:    plan,
		Frames:  []wire.Message{wire.Query(sql)},
		ClientW: wire.NewWriter(&clientBuf),
	})
	return &clientBuf, err
}

func planFor(sql string) *router.Plan {
	stmt := sqlparse.Parse(sql)
	plan := &router.Plan{Shards: router.AllShards(), Stmt: stmt}
	if len(stmt.OrderBy) > 0 {
		plan.Order = stmt.OrderBy
	}
	if len(stmt.Aggregates) > 0 {
		plan.Agg = &router.AggSpec{Aggregates: stmt.Aggregates, GroupBy: stmt.GroupBy}
	}
	if stmt.Limit != nil {
		ls := &router.LimitSpec{Limit: *stmt.Limit}
		if stmt.Offset != nil {
			ls.Offset = *stmt.Offset
		}
		plan.Limit = ls
	}
	return plan
}

func TestFanOutRelaysAllRows(t *testing.T) {
	s0 := newFakeServer(t, func(sql string, w *wire.Writer) { respondRows(w, "id", "1", "2") })
	s1 := newFakeServer(t, func(sql string, w *wire.Writer) { respondRows(w, "id", "3") })

	buf, err := dispatchSQL(t, "SELECT id FROM users", planFor("SELECT id FROM users"), s0, s1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	msgs := decodeClient(t, buf)
	rows := clientRows(t, msgs)
	if len(rows) != 3 {
		t.Fatalf("rows = %v", rows)
	}
	if tag := lastTag(t, msgs); tag != "SELECT 3" {
		t.Errorf("tag = %q", tag)
	}

	// exactly one RowDescription reaches the client
	rds := 0
	for _, m := range msgs {
		if m.Type == wire.MsgRowDescription {
			rds++
		}
	}
	if rds != 1 {
		t.Errorf("row descriptions = %d", rds)
	}
}

func TestSchemaMismatchAborts(t *testing.T) {
	s0 := newFakeServer(t, func(sql string, w *wire.Writer) { respondRows(w, "id", "1") })
	s1 := newFakeServer(t, func(sql string, w *wire.Writer) { respondRows(w, "other", "2") })

	_, err := dispatchSQL(t, "SELECT id FROM users", planFor("SELECT id FROM users"), s0, s1)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestCrossShardAggregate(t *testing.T) {
	// shard 0 holds {1,2,3}, shard 1 holds {4,5}: count=5, sum=15
	respond := func(count, sum string) func(string, *wire.Writer) {
		return func(sql string, w *wire.Writer) {
			rd := &wire.RowDescription{Fields: []wire.Field{
				{Name: "count", TypeOID: 20, TypeSize: 8, TypeModifier: -1},
				{Name: "sum", TypeOID: 20, TypeSize: 8, TypeModifier: -1},
			}}
			w.WriteMessage(rd.Encode())
			row := &wire.DataRow{Values: [][]byte{[]byte(count), []byte(sum)}}
			w.WriteMessage(row.Encode())
			w.WriteMessage(wire.CommandComplete("SELECT 1"))
			w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
		}
	}
	s0 := newFakeServer(t, respond("3", "6"))
	s1 := newFakeServer(t, respond("2", "9"))

	sql := "SELECT count(*), sum(id) FROM users"
	buf, err := dispatchSQL(t, sql, planFor(sql), s0, s1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	msgs := decodeClient(t, buf)
	rows := clientRows(t, msgs)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0][0] != "5" || rows[0][1] != "15" {
		t.Errorf("aggregate row = %v, want [5 15]", rows[0])
	}
	if tag := lastTag(t, msgs); tag != "SELECT 1" {
		t.Errorf("tag = %q", tag)
	}
}

func TestCrossShardAvgRewrite(t *testing.T) {
	// avg rewrites to sum+count per shard: shard0 sum=6 count=3,
	// shard1 sum=9 count=2 -> avg 3
	var rewritten []string
	var mu sync.Mutex
	respond := func(sum, count string) func(string, *wire.Writer) {
		return func(sql string, w *wire.Writer) {
			mu.Lock()
			rewritten = append(rewritten, sql)
			mu.Unlock()
			rd := &wire.RowDescription{Fields: []wire.Field{
				{Name: "sum", TypeOID: 20, TypeSize: 8, TypeModifier: -1},
				{Name: "count", TypeOID: 20, TypeSize: 8, TypeModifier: -1},
			}}
			w.WriteMessage(rd.Encode())
			w.WriteMessage((&wire.DataRow{Values: [][]byte{[]byte(sum), []byte(count)}}).Encode())
			w.WriteMessage(wire.CommandComplete("SELECT 1"))
			w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
		}
	}
	s0 := newFakeServer(t, respond("6", "3"))
	s1 := newFakeServer(t, respond("9", "2"))

	sql := "SELECT avg(id) FROM users"
	buf, err := dispatchSQL(t, sql, planFor(sql), s0, s1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	rows := clientRows(t, decodeClient(t, buf))
	if len(rows) != 1 || rows[0][0] != "3" {
		t.Fatalf("avg = %v, want [[3]]", rows)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, q := range rewritten {
		if !strings.Contains(q, "sum(id)") || !strings.Contains(q, "count(id)") {
			t.Errorf("per-shard query not rewritten: %q", q)
		}
	}
}

func TestCrossShardGroupBy(t *testing.T) {
	respond := func(rows [][2]string) func(string, *wire.Writer) {
		return func(sql string, w *wire.Writer) {
			rd := &wire.RowDescription{Fields: []wire.Field{
				{Name: "region", TypeOID: 25, TypeSize: -1, TypeModifier: -1},
				{Name: "count", TypeOID: 20, TypeSize: 8, TypeModifier: -1},
			}}
			w.WriteMessage(rd.Encode())
			for _, r := range rows {
				w.WriteMessage((&wire.DataRow{Values: [][]byte{[]byte(r[0]), []byte(r[1])}}).Encode())
			}
			w.WriteMessage(wire.CommandComplete("SELECT 2"))
			w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
		}
	}
	s0 := newFakeServer(t, respond([][2]string{{"eu", "2"}, {"us", "1"}}))
	s1 := newFakeServer(t, respond([][2]string{{"us", "4"}}))

	sql := "SELECT region, count(*) FROM users GROUP BY region"
	buf, err := dispatchSQL(t, sql, planFor(sql), s0, s1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	rows := clientRows(t, decodeClient(t, buf))
	got := map[string]string{}
	for _, r := range rows {
		got[r[0]] = r[1]
	}
	if got["eu"] != "2" || got["us"] != "5" {
		t.Errorf("group merge = %v", got)
	}
}

func TestOrderedMergeWithLimit(t *testing.T) {
	s0 := newFakeServer(t, func(sql string, w *wire.Writer) {
		if !strings.Contains(sql, "LIMIT 3") {
			t.Errorf("shard query should carry the pushed-down limit: %q", sql)
		}
		respondRows(w, "id", "1", "2", "3")
	})
	s1 := newFakeServer(t, func(sql string, w *wire.Writer) { respondRows(w, "id", "4", "5") })

	sql := "SELECT id FROM users ORDER BY id ASC LIMIT 3"
	buf, err := dispatchSQL(t, sql, planFor(sql), s0, s1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	msgs := decodeClient(t, buf)
	rows := clientRows(t, msgs)
	if len(rows) != 3 {
		t.Fatalf("rows = %v", rows)
	}
	for i, want := range []string{"1", "2", "3"} {
		if rows[i][0] != want {
			t.Errorf("row %d = %v, want %s", i, rows[i], want)
		}
	}
	if tag := lastTag(t, msgs); tag != "SELECT 3" {
		t.Errorf("tag = %q", tag)
	}
}

func TestOrderedMergeDescWithInterleave(t *testing.T) {
	s0 := newFakeServer(t, func(sql string, w *wire.Writer) { respondRows(w, "id", "9", "4", "1") })
	s1 := newFakeServer(t, func(sql string, w *wire.Writer) { respondRows(w, "id", "8", "5") })

	sql := "SELECT id FROM users ORDER BY id DESC"
	buf, err := dispatchSQL(t, sql, planFor(sql), s0, s1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	rows := clientRows(t, decodeClient(t, buf))
	want := []string{"9", "8", "5", "4", "1"}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if rows[i][0] != want[i] {
			t.Errorf("row %d = %s, want %s", i, rows[i][0], want[i])
		}
	}
}

func TestSplitInsert(t *testing.T) {
	s0 := newFakeServer(t, func(sql string, w *wire.Writer) {
		w.WriteMessage(wire.CommandComplete("INSERT 0 1"))
		w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
	})
	s1 := newFakeServer(t, func(sql string, w *wire.Writer) {
		w.WriteMessage(wire.CommandComplete("INSERT 0 1"))
		w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
	})

	stmt := sqlparse.Parse("INSERT INTO users (id) VALUES (1), (4)")
	plan := &router.Plan{
		Shards:      router.ShardSet{Kind: router.ShardsSubset, Shards: []int{0, 1}},
		Rewrite:     router.RewriteSplitInsert,
		TupleShards: []int{0, 1},
		Stmt:        stmt,
	}
	buf, err := dispatchSQL(t, stmt.Raw, plan, s0, s1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	msgs := decodeClient(t, buf)
	if tag := lastTag(t, msgs); tag != "INSERT 0 2" {
		t.Errorf("combined tag = %q", tag)
	}

	q0 := s0.sawQueries()
	q1 := s1.sawQueries()
	if len(q0) != 1 || !strings.Contains(q0[0], "(1)") || strings.Contains(q0[0], "(4)") {
		t.Errorf("shard 0 queries = %v", q0)
	}
	if len(q1) != 1 || !strings.Contains(q1[0], "(4)") || strings.Contains(q1[0], "(1)") {
		t.Errorf("shard 1 queries = %v", q1)
	}
}

func TestTwoPhaseCommitHappyPath(t *testing.T) {
	handler := func(sql string, w *wire.Writer) {
		tag := "COMMIT"
		switch {
		case strings.HasPrefix(sql, "PREPARE TRANSACTION"):
			tag = "PREPARE TRANSACTION"
		case strings.HasPrefix(sql, "COMMIT PREPARED"):
			tag = "COMMIT PREPARED"
		}
		w.WriteMessage(wire.CommandComplete(tag))
		w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
	}
	s0 := newFakeServer(t, handler)
	s1 := newFakeServer(t, handler)

	targets := []Target{{Shard: 0, Server: s0.sc}, {Shard: 1, Server: s1.sc}}
	gid := "pgmux_test_1_2"
	if err := TwoPhaseCommit(context.Background(), targets, gid, nil); err != nil {
		t.Fatalf("TwoPhaseCommit: %v", err)
	}

	for i, fs := range []*fakeServer{s0, s1} {
		qs := fs.sawQueries()
		if len(qs) != 2 {
			t.Fatalf("shard %d queries = %v", i, qs)
		}
		if !strings.HasPrefix(qs[0], "PREPARE TRANSACTION 'pgmux_test_1_2'") {
			t.Errorf("shard %d first = %q", i, qs[0])
		}
		if !strings.HasPrefix(qs[1], "COMMIT PREPARED 'pgmux_test_1_2'") {
			t.Errorf("shard %d second = %q", i, qs[1])
		}
	}
}

func TestTwoPhaseCommitPrepareFailure(t *testing.T) {
	good := newFakeServer(t, func(sql string, w *wire.Writer) {
		w.WriteMessage(wire.CommandComplete("OK"))
		w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
	})
	bad := newFakeServer(t, func(sql string, w *wire.Writer) {
		if strings.HasPrefix(sql, "PREPARE TRANSACTION") {
			w.WriteMessage(wire.NewError("ERROR", "55000", "prepare refused").Frame())
			w.WriteMessage(wire.ReadyForQuery(wire.TxFailed))
			return
		}
		w.WriteMessage(wire.CommandComplete("ROLLBACK"))
		w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
	})

	targets := []Target{{Shard: 0, Server: good.sc}, {Shard: 1, Server: bad.sc}}
	err := TwoPhaseCommit(context.Background(), targets, "pgmux_test_2_2", nil)
	if err == nil {
		t.Fatal("expected prepare failure to surface")
	}

	goodQs := good.sawQueries()
	if len(goodQs) != 2 || !strings.HasPrefix(goodQs[1], "ROLLBACK PREPARED") {
		t.Errorf("prepared shard should roll back its prepared transaction: %v", goodQs)
	}
	badQs := bad.sawQueries()
	if len(badQs) != 2 || badQs[1] != "ROLLBACK" {
		t.Errorf("failed shard should plain-rollback: %v", badQs)
	}
}

func TestShardErrorAggregation(t *testing.T) {
	fail := func(code string) func(string, *wire.Writer) {
		return func(sql string, w *wire.Writer) {
			w.WriteMessage(wire.NewError("ERROR", code, "boom").Frame())
			w.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
		}
	}
	s0 := newFakeServer(t, fail("42P01"))
	s1 := newFakeServer(t, fail("42P01"))

	_, err := dispatchSQL(t, "SELECT id FROM users", planFor("SELECT id FROM users"), s0, s1)
	if err == nil {
		t.Fatal("expected aggregated shard error")
	}
	var pgErr *wire.PGError
	if !errors.As(err, &pgErr) {
		t.Fatalf("error type = %T", err)
	}
	if !strings.Contains(pgErr.Detail, "failed on shards 0, 1") {
		t.Errorf("detail = %q", pgErr.Detail)
	}
}

func TestGIDParticipants(t *testing.T) {
	if n, ok := gidParticipants("pgmux_abc_3_2"); !ok || n != 2 {
		t.Errorf("gidParticipants = %d, %v", n, ok)
	}
	if _, ok := gidParticipants("pgmux_abc"); ok {
		t.Error("malformed GID should not parse")
	}
}

func TestPushDownLimit(t *testing.T) {
	got, ok := pushDownLimit("SELECT id FROM users ORDER BY id LIMIT 3 OFFSET 5", 8)
	if !ok || got != "SELECT id FROM users ORDER BY id LIMIT 8" {
		t.Errorf("pushDownLimit = %q, %v", got, ok)
	}
	if _, ok := pushDownLimit("SELECT id FROM users LIMIT 3 FOR UPDATE", 3); ok {
		t.Error("trailing FOR UPDATE must block the rewrite")
	}
	if _, ok := pushDownLimit("SELECT id FROM users", 3); ok {
		t.Error("no LIMIT clause to rewrite")
	}
}
