package engine

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgmux/pgmux/internal/cluster"
	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/params"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/router"
	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// fakeBackend scripts one shard's server: it tracks transaction state and
// answers simple queries.
type fakeBackend struct {
	mu      sync.Mutex
	queries []string
	inTx    bool
}

func (fb *fakeBackend) sawQueries() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.queries...)
}

func (fb *fakeBackend) sawQueryPrefix(prefix string) bool {
	for _, q := range fb.sawQueries() {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func (fb *fakeBackend) serve(conn net.Conn) {
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return
		}
		switch m.Type {
		case wire.MsgQuery:
		case wire.MsgParse:
			if pf, err := wire.ParseParse(m.Payload); err == nil {
				fb.mu.Lock()
				fb.queries = append(fb.queries, "PARSE:"+pf.Name)
				fb.mu.Unlock()
			}
			w.WriteMessage(wire.Message{Type: wire.MsgParseComplete})
			continue
		case wire.MsgBind:
			w.WriteMessage(wire.Message{Type: wire.MsgBindComplete})
			continue
		case wire.MsgDescribe:
			w.WriteMessage(wire.Message{Type: wire.MsgNoData})
			continue
		case wire.MsgExecute:
			w.WriteMessage((&wire.DataRow{Values: [][]byte{[]byte("1")}}).Encode())
			w.WriteMessage(wire.CommandComplete("SELECT 1"))
			continue
		case wire.MsgClose:
			w.WriteMessage(wire.Message{Type: wire.MsgCloseComplete})
			continue
		case wire.MsgSync:
			status := wire.TxIdle
			if fb.inTx {
				status = wire.TxInTx
			}
			w.WriteMessage(wire.ReadyForQuery(status))
			w.Flush()
			continue
		default:
			continue
		}
		sql := wire.QueryString(m.Payload)
		fb.mu.Lock()
		fb.queries = append(fb.queries, sql)
		fb.mu.Unlock()

		upper := strings.ToUpper(sql)
		switch {
		case strings.HasPrefix(upper, "BEGIN"):
			fb.inTx = true
			w.WriteMessage(wire.CommandComplete("BEGIN"))
		case strings.HasPrefix(upper, "COMMIT PREPARED"):
			w.WriteMessage(wire.CommandComplete("COMMIT PREPARED"))
		case strings.HasPrefix(upper, "PREPARE TRANSACTION"):
			fb.inTx = false
			w.WriteMessage(wire.CommandComplete("PREPARE TRANSACTION"))
		case strings.HasPrefix(upper, "COMMIT"):
			fb.inTx = false
			w.WriteMessage(wire.CommandComplete("COMMIT"))
		case strings.HasPrefix(upper, "ROLLBACK"):
			fb.inTx = false
			w.WriteMessage(wire.CommandComplete("ROLLBACK"))
		case strings.HasPrefix(upper, "SELECT"):
			rd := &wire.RowDescription{Fields: []wire.Field{{Name: "id", TypeOID: 20, TypeSize: 8, TypeModifier: -1}}}
			w.WriteMessage(rd.Encode())
			w.WriteMessage((&wire.DataRow{Values: [][]byte{[]byte("1")}}).Encode())
			w.WriteMessage(wire.CommandComplete("SELECT 1"))
		case strings.HasPrefix(upper, "INSERT"):
			w.WriteMessage(wire.CommandComplete("INSERT 0 1"))
		default:
			w.WriteMessage(wire.CommandComplete("SET"))
		}
		status := wire.TxIdle
		if fb.inTx {
			status = wire.TxInTx
		}
		w.WriteMessage(wire.ReadyForQuery(status))
		w.Flush()
	}
}

// harness wires a session to scripted shard backends through real pools.
type harness struct {
	t        *testing.T
	engine   *Engine
	backends []*fakeBackend

	clientConn net.Conn // test side
	reader     *wire.Reader
	writer     *wire.Writer
	done       chan struct{}
}

func newHarness(t *testing.T, gen config.General, shardCount int) *harness {
	t.Helper()

	db := config.Database{
		ShardedTables: []config.ShardedTable{
			{Table: "users", Column: "id", DataType: "bigint", Function: config.ShardingHash},
		},
	}
	for i := 0; i < shardCount; i++ {
		db.Pools = append(db.Pools, config.Pool{
			Host: "127.0.0.1", Port: 5432, User: "u", Role: config.RolePrimary, Shard: i,
		})
	}
	if gen.Rewrite == (config.Rewrite{}) {
		gen.Rewrite = config.Rewrite{
			Enabled: true, ShardKey: true, SplitInserts: true,
			UniqueIDFunc: "next_unique_id",
		}
	}
	if gen.AcquireTimeout == 0 {
		gen.AcquireTimeout = config.Duration(2 * time.Second)
	}

	h := &harness{t: t, done: make(chan struct{})}

	shards := make([]*cluster.Shard, shardCount)
	for i := 0; i < shardCount; i++ {
		fb := &fakeBackend{}
		h.backends = append(h.backends, fb)

		p := pool.New(pool.Options{
			Database:       "testdb",
			Shard:          i,
			Role:           "primary",
			Host:           "127.0.0.1",
			Port:           5432,
			User:           "u",
			MaxConnections: 1,
			AcquireTimeout: 2 * time.Second,
		})
		clientSide, serverSide := net.Pipe()
		go fb.serve(serverSide)
		p.InjectTestConn(pool.NewServerConn(clientSide, "fake:5432"))
		t.Cleanup(func() {
			clientSide.Close()
			serverSide.Close()
		})
		shards[i] = &cluster.Shard{Number: i, Primary: p}
	}

	e := &Engine{
		dbs:      make(map[string]*DB),
		Metrics:  metrics.New(),
		Registry: NewRegistry(),
		Gate:     NewGate(),
	}
	e.general.Store(&gen)
	e.dbs["testdb"] = &DB{
		Name:    "testdb",
		Cluster: cluster.New("testdb", shards, cluster.Options{}),
		Router:  router.New(db, gen),
	}
	h.engine = e

	store := params.NewStore(nil)
	store.MergeStartup(map[string]string{"user": "u", "database": "testdb"})

	proxySide, testSide := net.Pipe()
	h.clientConn = testSide
	h.reader = wire.NewReader(testSide)
	h.writer = wire.NewWriter(testSide)

	sess := e.NewSession(proxySide, wire.NewReader(proxySide), wire.NewWriter(proxySide),
		e.dbs["testdb"], store)
	e.Registry.Register(sess)
	go func() {
		defer close(h.done)
		sess.Run(context.Background())
	}()
	t.Cleanup(func() {
		testSide.Close()
		proxySide.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

// query sends a simple query and collects the response round.
func (h *harness) query(sql string) []wire.Message {
	h.t.Helper()
	h.writer.WriteMessage(wire.Query(sql))
	if err := h.writer.Flush(); err != nil {
		h.t.Fatalf("client write: %v", err)
	}
	var out []wire.Message
	h.clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		m, err := h.reader.ReadMessage()
		if err != nil {
			h.t.Fatalf("client read after %q: %v (so far %v)", sql, err, typesOf(out))
		}
		out = append(out, m.Clone())
		if m.Type == wire.MsgReadyForQuery {
			return out
		}
	}
}

func typesOf(msgs []wire.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteByte(m.Type)
	}
	return b.String()
}

func tagOf(t *testing.T, msgs []wire.Message) string {
	t.Helper()
	tag := ""
	for _, m := range msgs {
		if m.Type == wire.MsgCommandComplete {
			tag = wire.CommandTag(m.Payload)
		}
	}
	return tag
}

func readyStatus(t *testing.T, msgs []wire.Message) byte {
	t.Helper()
	last := msgs[len(msgs)-1]
	if last.Type != wire.MsgReadyForQuery {
		t.Fatalf("round did not end in ReadyForQuery: %s", typesOf(msgs))
	}
	st, err := wire.ReadyStatus(last.Payload)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestDirectShardRouting(t *testing.T) {
	h := newHarness(t, config.General{}, 2)

	// key 7 hashes to shard 1; shard 0 must see no traffic
	msgs := h.query("SELECT * FROM users WHERE id = 7")
	if tag := tagOf(t, msgs); tag != "SELECT 1" {
		t.Errorf("tag = %q (%s)", tag, typesOf(msgs))
	}
	if len(h.backends[0].sawQueries()) != 0 {
		t.Errorf("shard 0 saw traffic: %v", h.backends[0].sawQueries())
	}
	if !h.backends[1].sawQueryPrefix("SELECT * FROM users") {
		t.Errorf("shard 1 queries = %v", h.backends[1].sawQueries())
	}
}

func TestSyntheticTransactionControl(t *testing.T) {
	h := newHarness(t, config.General{}, 2)

	msgs := h.query("BEGIN")
	if tagOf(t, msgs) != "BEGIN" || readyStatus(t, msgs) != wire.TxInTx {
		t.Fatalf("BEGIN round = %s", typesOf(msgs))
	}
	// no server contact yet: leases join lazily
	if len(h.backends[0].sawQueries())+len(h.backends[1].sawQueries()) != 0 {
		t.Error("BEGIN should not touch a server")
	}

	msgs = h.query("SELECT * FROM users WHERE id = 7")
	if readyStatus(t, msgs) != wire.TxInTx {
		t.Fatalf("in-tx SELECT status = %q", readyStatus(t, msgs))
	}
	// the leased server replayed BEGIN before the user statement
	qs := h.backends[1].sawQueries()
	if len(qs) < 2 || qs[0] != "BEGIN" {
		t.Fatalf("shard 1 should BEGIN before the statement: %v", qs)
	}

	msgs = h.query("COMMIT")
	if tagOf(t, msgs) != "COMMIT" || readyStatus(t, msgs) != wire.TxIdle {
		t.Fatalf("COMMIT round = %s", typesOf(msgs))
	}
	if !h.backends[1].sawQueryPrefix("COMMIT") {
		t.Errorf("single-shard COMMIT must relay: %v", h.backends[1].sawQueries())
	}
}

func TestCommitWithoutTransaction(t *testing.T) {
	h := newHarness(t, config.General{}, 1)
	msgs := h.query("COMMIT")
	if tagOf(t, msgs) != "COMMIT" || readyStatus(t, msgs) != wire.TxIdle {
		t.Fatalf("round = %s", typesOf(msgs))
	}
	sawNotice := false
	for _, m := range msgs {
		if m.Type == wire.MsgNoticeResponse {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("expected a notice for COMMIT outside a transaction")
	}
}

func TestSessionSetAbsorbedAndSynced(t *testing.T) {
	h := newHarness(t, config.General{}, 2)

	msgs := h.query("SET statement_timeout TO '5000'")
	if tagOf(t, msgs) != "SET" {
		t.Fatalf("SET round = %s", typesOf(msgs))
	}
	// nothing dispatched for a session-scope SET outside a transaction
	if len(h.backends[0].sawQueries())+len(h.backends[1].sawQueries()) != 0 {
		t.Fatal("session SET must not reach a server eagerly")
	}

	// the next lease replays it through the sync script
	h.query("SELECT * FROM users WHERE id = 7")
	if !h.backends[1].sawQueryPrefix("SET statement_timeout") {
		t.Errorf("sync script missing: %v", h.backends[1].sawQueries())
	}
}

func TestSetLocalOutsideTransactionDiscarded(t *testing.T) {
	h := newHarness(t, config.General{}, 1)
	msgs := h.query("SET LOCAL statement_timeout = '1'")
	if tagOf(t, msgs) != "SET" {
		t.Fatalf("round = %s", typesOf(msgs))
	}
	h.query("SELECT * FROM users WHERE id = 1")
	if h.backends[0].sawQueryPrefix("SET") {
		t.Errorf("discarded SET LOCAL leaked to a server: %v", h.backends[0].sawQueries())
	}
}

func TestTwoPhaseCommitAcrossShards(t *testing.T) {
	h := newHarness(t, config.General{TwoPhaseCommit: true}, 2)

	h.query("BEGIN")
	// key 1 -> shard 0, key 4 -> shard 1
	h.query("INSERT INTO users (id) VALUES (1)")
	h.query("INSERT INTO users (id) VALUES (4)")

	msgs := h.query("COMMIT")
	if tagOf(t, msgs) != "COMMIT" || readyStatus(t, msgs) != wire.TxIdle {
		t.Fatalf("COMMIT round = %s", typesOf(msgs))
	}

	for i, fb := range h.backends {
		if !fb.sawQueryPrefix("PREPARE TRANSACTION 'pgmux_") {
			t.Errorf("shard %d missing PREPARE TRANSACTION: %v", i, fb.sawQueries())
		}
		if !fb.sawQueryPrefix("COMMIT PREPARED 'pgmux_") {
			t.Errorf("shard %d missing COMMIT PREPARED: %v", i, fb.sawQueries())
		}
	}
}

func TestFailedTransactionRejectsStatements(t *testing.T) {
	h := newHarness(t, config.General{}, 1)

	h.query("BEGIN")
	// force the failed sub-state through a routing error: the router
	// refuses LISTEN as unsupported
	msgs := h.query("LISTEN events")
	foundErr := false
	for _, m := range msgs {
		if m.Type == wire.MsgErrorResponse {
			foundErr = true
		}
	}
	if !foundErr {
		t.Fatalf("expected error round, got %s", typesOf(msgs))
	}
	if readyStatus(t, msgs) != wire.TxFailed {
		t.Fatalf("tx should be failed, status = %q", readyStatus(t, msgs))
	}

	msgs = h.query("SELECT * FROM users WHERE id = 1")
	if readyStatus(t, msgs) != wire.TxFailed {
		t.Error("statements in a failed tx must keep status E")
	}
	var pg *wire.PGError
	for _, m := range msgs {
		if m.Type == wire.MsgErrorResponse {
			pg = wire.ParseError(m.Payload)
		}
	}
	if pg == nil || pg.Code != "25P02" {
		t.Errorf("expected 25P02, got %+v", pg)
	}

	msgs = h.query("ROLLBACK")
	if tagOf(t, msgs) != "ROLLBACK" || readyStatus(t, msgs) != wire.TxIdle {
		t.Fatalf("ROLLBACK round = %s", typesOf(msgs))
	}
}

func TestLeaseReleasedAtRequestEnd(t *testing.T) {
	h := newHarness(t, config.General{}, 1)

	h.query("SELECT * FROM users WHERE id = 1")
	// outside a transaction the lease returns to the pool right after the
	// round; the release runs just past the client flush
	time.Sleep(50 * time.Millisecond)
	db, _ := h.engine.Database("testdb")
	stats := db.Cluster.Stats()
	if stats[0].InUse != 0 || stats[0].Idle != 1 {
		t.Errorf("pool stats after request = %+v", stats[0])
	}
}

// sendBatch writes an extended-protocol batch and collects the response.
func (h *harness) sendBatch(msgs ...wire.Message) []wire.Message {
	h.t.Helper()
	for _, m := range msgs {
		h.writer.WriteMessage(m)
	}
	if err := h.writer.Flush(); err != nil {
		h.t.Fatalf("client write: %v", err)
	}
	var out []wire.Message
	h.clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		m, err := h.reader.ReadMessage()
		if err != nil {
			h.t.Fatalf("client read: %v (so far %s)", err, typesOf(out))
		}
		out = append(out, m.Clone())
		if m.Type == wire.MsgReadyForQuery {
			return out
		}
	}
}

func TestExtendedNamedStatementCache(t *testing.T) {
	h := newHarness(t, config.General{}, 2)

	parse := (&wire.ParseFrame{Name: "s1", Query: "SELECT * FROM users WHERE id = $1"}).Encode()
	bind := (&wire.BindFrame{Statement: "s1", Params: [][]byte{[]byte("7")}}).Encode()
	exec := wire.Message{Type: wire.MsgExecute, Payload: []byte{0, 0, 0, 0, 0}}
	sync := wire.Message{Type: wire.MsgSync}

	msgs := h.sendBatch(parse, bind, exec, sync)
	want := []byte{wire.MsgParseComplete, wire.MsgBindComplete, wire.MsgDataRow,
		wire.MsgCommandComplete, wire.MsgReadyForQuery}
	if typesOf(msgs) != string(want) {
		t.Fatalf("first batch response = %s", typesOf(msgs))
	}

	// key 7 routes to shard 1; the server-side name is fingerprint-derived
	var parses []string
	for _, q := range h.backends[1].sawQueries() {
		if strings.HasPrefix(q, "PARSE:") {
			parses = append(parses, q)
		}
	}
	if len(parses) != 1 || !strings.HasPrefix(parses[0], "PARSE:_pgmux_") {
		t.Fatalf("shard 1 parses = %v", parses)
	}

	// the second batch binds against the cached server-side statement:
	// no new Parse reaches the server, but the client still sees the
	// completed shape
	msgs = h.sendBatch(parse, bind, exec, sync)
	if typesOf(msgs) != string(want) {
		t.Fatalf("second batch response = %s", typesOf(msgs))
	}
	parses = parses[:0]
	for _, q := range h.backends[1].sawQueries() {
		if strings.HasPrefix(q, "PARSE:") {
			parses = append(parses, q)
		}
	}
	if len(parses) != 1 {
		t.Errorf("cached statement re-parsed: %v", parses)
	}
}

func TestSubstituteUniqueIDs(t *testing.T) {
	out := substituteUniqueIDs("INSERT INTO users (id) VALUES (next_unique_id())", "next_unique_id")
	if strings.Contains(out, "next_unique_id") {
		t.Fatalf("call not replaced: %q", out)
	}
	stmt := sqlparse.Parse(out)
	if len(stmt.InsertTuples) != 1 || stmt.InsertTuples[0][0].Kind != sqlparse.ValueLiteral {
		t.Fatalf("substituted statement = %+v", stmt.InsertTuples)
	}

	// a column merely named like the function is untouched
	in := "SELECT next_unique_id FROM t"
	if got := substituteUniqueIDs(in, "next_unique_id"); got != in {
		t.Errorf("bare identifier rewritten: %q", got)
	}

	// unique-id inserts route to exactly one shard
	h := newHarness(t, config.General{}, 2)
	msgs := h.query("INSERT INTO users (id) VALUES (next_unique_id())")
	if tagOf(t, msgs) != "INSERT 0 1" {
		t.Fatalf("round = %s", typesOf(msgs))
	}
	total := len(h.backends[0].sawQueries()) + len(h.backends[1].sawQueries())
	if total != 1 {
		t.Errorf("insert reached %d shards", total)
	}
}

func TestMaintenanceGateBlocksDispatch(t *testing.T) {
	h := newHarness(t, config.General{}, 1)
	h.engine.Gate.Pause()

	released := make(chan []wire.Message, 1)
	go func() {
		released <- h.query("SELECT * FROM users WHERE id = 1")
	}()

	select {
	case <-released:
		t.Fatal("dispatch proceeded during maintenance")
	case <-time.After(100 * time.Millisecond):
	}

	h.engine.Gate.Resume()
	select {
	case msgs := <-released:
		if tagOf(t, msgs) != "SELECT 1" {
			t.Errorf("post-resume round = %s", typesOf(msgs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never resumed")
	}
}
