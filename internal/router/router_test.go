package router

import (
	"fmt"
	"testing"

	"github.com/pgmux/pgmux/internal/cluster"
	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

func twoShardDB() config.Database {
	return config.Database{
		Pools: []config.Pool{
			{Host: "h0", Port: 5432, User: "u", Role: config.RolePrimary, Shard: 0},
			{Host: "h1", Port: 5432, User: "u", Role: config.RolePrimary, Shard: 1},
		},
		ShardedTables: []config.ShardedTable{
			{Table: "users", Column: "id", DataType: "bigint", Function: config.ShardingHash},
		},
	}
}

func testRouter(db config.Database, g config.General) *Router {
	if g.Rewrite == (config.Rewrite{}) {
		g.Rewrite = config.Rewrite{Enabled: true, ShardKey: true, SplitInserts: true}
	}
	return New(db, g)
}

func route(t *testing.T, r *Router, sql string) *Plan {
	t.Helper()
	plan, err := r.Route(sqlparse.Parse(sql), nil, Session{})
	if err != nil {
		t.Fatalf("Route(%q): %v", sql, err)
	}
	return plan
}

func TestRouteDirectByHashKey(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})

	// HashShard(7, 2) == 1 and HashShard(1, 2) == 0 (see pghash vectors)
	plan := route(t, r, "SELECT * FROM users WHERE id = 7")
	if got, ok := plan.Shards.Single(2); !ok || got != 1 {
		t.Fatalf("shard = %v (%+v)", got, plan.Shards)
	}
	if plan.Intent != cluster.IntentRead {
		t.Errorf("intent = %v", plan.Intent)
	}

	plan = route(t, r, "SELECT * FROM users WHERE id = 1")
	if got, _ := plan.Shards.Single(2); got != 0 {
		t.Errorf("shard for key 1 = %d, want 0", got)
	}
}

func TestRouteBindParameter(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	stmt := sqlparse.Parse("SELECT * FROM users WHERE id = $1")
	binds := &wire.BindFrame{Params: [][]byte{[]byte("7")}}
	plan, err := r.Route(stmt, binds, Session{})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := plan.Shards.Single(2); !ok || got != 1 {
		t.Fatalf("shard = %d, %v", got, ok)
	}
}

func TestRouteBinaryBindParameter(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	stmt := sqlparse.Parse("SELECT * FROM users WHERE id = $1")
	binds := &wire.BindFrame{
		ParamFormats: []int16{1},
		Params:       [][]byte{{0, 0, 0, 0, 0, 0, 0, 7}},
	}
	plan, err := r.Route(stmt, binds, Session{})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := plan.Shards.Single(2); !ok || got != 1 {
		t.Fatalf("binary bind shard = %d, %v", got, ok)
	}
}

func TestRouteNoKeyDefaultsToAllShards(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	plan := route(t, r, "SELECT * FROM users WHERE name = 'x'")
	if plan.Shards.Kind != ShardsAll {
		t.Errorf("plan = %+v", plan.Shards)
	}
}

func TestRouteDisjunctionDefaultsToAllShards(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	plan := route(t, r, "SELECT * FROM users WHERE id = 1 OR id = 2")
	if plan.Shards.Kind != ShardsAll {
		t.Errorf("OR predicate must not extract a key: %+v", plan.Shards)
	}
}

func TestRouteInListSubset(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	// keys 1 and 2 hash to shard 0; key 7 hashes to shard 1
	plan := route(t, r, "SELECT * FROM users WHERE id IN (1, 2)")
	if got, ok := plan.Shards.Single(2); !ok || got != 0 {
		t.Errorf("IN (1,2) shard = %d, %v", got, ok)
	}
	plan = route(t, r, "SELECT * FROM users WHERE id IN (1, 7)")
	if plan.Shards.Kind != ShardsSubset || len(plan.Shards.Shards) != 2 {
		t.Errorf("IN (1,7) = %+v", plan.Shards)
	}
}

func TestRouteIntentClassification(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})

	if p := route(t, r, "SELECT * FROM users"); p.Intent != cluster.IntentRead {
		t.Error("SELECT should be read")
	}
	if p := route(t, r, "SELECT * FROM users FOR UPDATE"); p.Intent != cluster.IntentWrite {
		t.Error("FOR UPDATE should be write")
	}
	if p := route(t, r, "DELETE FROM logs"); p.Intent != cluster.IntentWrite {
		t.Error("DELETE should be write")
	}

	// read-only transaction forces read intent for everything inside
	stmt := sqlparse.Parse("SELECT * FROM users")
	p, _ := r.Route(stmt, nil, Session{InTransaction: true, ReadOnlyTx: true})
	if p.Intent != cluster.IntentRead {
		t.Error("read-only tx must force read intent")
	}

	// conservative strategy sends in-tx reads to the primary
	p, _ = r.Route(stmt, nil, Session{InTransaction: true})
	if p.Intent != cluster.IntentWrite {
		t.Error("conservative strategy should route in-tx SELECT as write")
	}
}

func TestRouteAggressiveStrategy(t *testing.T) {
	g := config.General{ReadWriteStrategy: "aggressive"}
	r := testRouter(twoShardDB(), g)
	stmt := sqlparse.Parse("SELECT * FROM users")

	p, _ := r.Route(stmt, nil, Session{InTransaction: true})
	if p.Intent != cluster.IntentRead {
		t.Error("aggressive strategy keeps in-tx reads on replicas")
	}
	p, _ = r.Route(stmt, nil, Session{InTransaction: true, WriteSeen: true})
	if p.Intent != cluster.IntentWrite {
		t.Error("after a write, in-tx reads move to the primary")
	}
}

func TestRouteManualOverridePreemptsKey(t *testing.T) {
	db := twoShardDB()
	shard := 0
	db.ManualQueries = []config.ManualQuery{{
		Fingerprint: fmt.Sprintf("%x", Fingerprint("SELECT * FROM users WHERE id = 7")),
		Shard:       &shard,
		Role:        config.RoleReplica,
	}}
	r := testRouter(db, config.General{})

	// the key would say shard 1; the manual rule wins with shard 0
	plan := route(t, r, "SELECT * FROM users WHERE id = 7")
	if got, ok := plan.Shards.Single(2); !ok || got != 0 {
		t.Fatalf("manual override ignored: %+v", plan.Shards)
	}
	if plan.Intent != cluster.IntentRead {
		t.Errorf("manual role not applied: %v", plan.Intent)
	}
}

func TestRouteManualBlock(t *testing.T) {
	db := twoShardDB()
	db.ManualQueries = []config.ManualQuery{{
		Fingerprint: fmt.Sprintf("%x", Fingerprint("DELETE FROM users")),
		Block:       true,
	}}
	r := testRouter(db, config.General{})
	plan := route(t, r, "DELETE FROM users")
	if plan.Shards.Kind != ShardsBlocked || plan.BlockReason == "" {
		t.Fatalf("plan = %+v", plan)
	}
}

type testPlugin struct{ plan *Plan }

func (p *testPlugin) Name() string                  { return "test" }
func (p *testPlugin) Route(ctx PluginContext) *Plan { return p.plan }

func TestRoutePluginWins(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	r.RegisterPlugin(&testPlugin{plan: &Plan{Shards: Direct(1), Intent: cluster.IntentWrite}})

	plan := route(t, r, "SELECT * FROM users WHERE id = 1") // key says shard 0
	if got, ok := plan.Shards.Single(2); !ok || got != 1 {
		t.Fatalf("plugin decision ignored: %+v", plan.Shards)
	}
}

func TestRouteShardedSchema(t *testing.T) {
	db := twoShardDB()
	db.ShardedSchemas = []config.ShardedSchema{{Schema: "tenant_b", Shard: 1}}
	r := testRouter(db, config.General{})

	plan := route(t, r, "SELECT * FROM tenant_b.orders")
	if got, ok := plan.Shards.Single(2); !ok || got != 1 {
		t.Fatalf("schema routing = %+v", plan.Shards)
	}

	// unqualified table resolved through the session search path
	stmt := sqlparse.Parse("SELECT * FROM orders")
	plan, err := r.Route(stmt, nil, Session{SearchPath: "tenant_b"})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := plan.Shards.Single(2); !ok || got != 1 {
		t.Fatalf("search_path routing = %+v", plan.Shards)
	}
}

func TestRouteSchemaAndTableConflictUnsupported(t *testing.T) {
	db := twoShardDB()
	db.ShardedSchemas = []config.ShardedSchema{{Schema: "tenant_b", Shard: 1}}
	r := testRouter(db, config.General{})

	_, err := r.Route(sqlparse.Parse("SELECT * FROM tenant_b.users WHERE id = 1"), nil, Session{})
	if err == nil {
		t.Fatal("sharded schema + sharded table should be unsupported")
	}
}

func TestRouteInsertSingleShard(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	plan := route(t, r, "INSERT INTO users (id, name) VALUES (1, 'a')")
	if got, ok := plan.Shards.Single(2); !ok || got != 0 {
		t.Fatalf("insert shard = %d, %v", got, ok)
	}
	if plan.Rewrite != RewriteNone {
		t.Error("single-shard insert needs no rewrite")
	}
}

func TestRouteInsertSplit(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	// key 1 -> shard 0, key 4 -> shard 1
	plan := route(t, r, "INSERT INTO users (id) VALUES (1), (4)")
	if plan.Rewrite != RewriteSplitInsert {
		t.Fatalf("rewrite = %v", plan.Rewrite)
	}
	if len(plan.TupleShards) != 2 || plan.TupleShards[0] != 0 || plan.TupleShards[1] != 1 {
		t.Errorf("tuple shards = %v", plan.TupleShards)
	}
}

func TestRouteInsertSplitDisabled(t *testing.T) {
	g := config.General{Rewrite: config.Rewrite{Enabled: false}}
	r := New(twoShardDB(), g)
	_, err := r.Route(sqlparse.Parse("INSERT INTO users (id) VALUES (1), (4)"), nil, Session{})
	if err == nil {
		t.Fatal("cross-shard insert with splitting disabled must error")
	}
}

func TestRouteShardKeyUpdate(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	// key 4 lives on shard 1; new key 1 maps to shard 0
	plan := route(t, r, "UPDATE users SET id = 1 WHERE id = 4")
	if plan.Rewrite != RewriteShardKeyUpdate {
		t.Fatalf("rewrite = %v", plan.Rewrite)
	}
	ku := plan.KeyUpdate
	if ku == nil || ku.OldShard != 1 || ku.NewShard != 0 || ku.OldValue != "4" || ku.NewValue != "1" {
		t.Errorf("key update spec = %+v", ku)
	}
}

func TestRouteShardKeyUpdateSameShard(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	// keys 1 and 2 both hash to shard 0: plain single-shard update
	plan := route(t, r, "UPDATE users SET id = 2 WHERE id = 1")
	if plan.Rewrite != RewriteNone {
		t.Fatalf("rewrite = %v", plan.Rewrite)
	}
	if got, ok := plan.Shards.Single(2); !ok || got != 0 {
		t.Errorf("shard = %d, %v", got, ok)
	}
}

func TestRouteCopySplit(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	plan := route(t, r, "COPY users (id, name) FROM STDIN")
	if plan.Rewrite != RewriteCopySplit || plan.Shards.Kind != ShardsAll {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Intent != cluster.IntentWrite {
		t.Error("COPY FROM is a write")
	}
}

func TestRouteListSharding(t *testing.T) {
	db := twoShardDB()
	db.ShardedTables = []config.ShardedTable{{
		Table: "events", Column: "region", DataType: "text",
		Function: config.ShardingList,
		ListMap:  map[string]int{"eu": 0, "us": 1},
	}}
	r := testRouter(db, config.General{})

	plan := route(t, r, "SELECT * FROM events WHERE region = 'us'")
	if got, ok := plan.Shards.Single(2); !ok || got != 1 {
		t.Fatalf("list shard = %d, %v", got, ok)
	}
	// unmapped value falls back to all shards
	plan = route(t, r, "SELECT * FROM events WHERE region = 'apac'")
	if plan.Shards.Kind != ShardsAll {
		t.Errorf("unmapped list value = %+v", plan.Shards)
	}
}

func TestRouteRangeSharding(t *testing.T) {
	db := twoShardDB()
	db.ShardedTables = []config.ShardedTable{{
		Table: "orders", Column: "id", DataType: "bigint",
		Function: config.ShardingRange,
		Ranges: []config.RangeMapping{
			{Start: 0, End: 1000, Shard: 0},
			{Start: 1000, End: 2000, Shard: 1},
		},
	}}
	r := testRouter(db, config.General{})

	plan := route(t, r, "SELECT * FROM orders WHERE id = 1500")
	if got, ok := plan.Shards.Single(2); !ok || got != 1 {
		t.Fatalf("range shard = %d, %v", got, ok)
	}
	// boundary is half-open: 1000 belongs to the second range
	plan = route(t, r, "SELECT * FROM orders WHERE id = 1000")
	if got, _ := plan.Shards.Single(2); got != 1 {
		t.Errorf("boundary shard = %d, want 1", got)
	}
}

func TestRoutePurity(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	stmt := sqlparse.Parse("SELECT * FROM users WHERE id = 7 ORDER BY id LIMIT 3")
	sess := Session{}
	first, err := r.Route(stmt, nil, sess)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.Route(stmt, nil, sess)
		if err != nil {
			t.Fatal(err)
		}
		if again.Shards.Kind != first.Shards.Kind ||
			again.Shards.Shard != first.Shards.Shard ||
			again.Intent != first.Intent {
			t.Fatalf("routing not pure: %+v vs %+v", again, first)
		}
	}
}

func TestRouteSelectSpecs(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	plan := route(t, r, "SELECT count(*), sum(id) FROM users")
	if plan.Agg == nil || len(plan.Agg.Aggregates) != 2 {
		t.Fatalf("agg spec = %+v", plan.Agg)
	}

	plan = route(t, r, "SELECT id FROM users ORDER BY id ASC LIMIT 3")
	if len(plan.Order) != 1 || plan.Order[0].Column != "id" {
		t.Errorf("order spec = %+v", plan.Order)
	}
	if plan.Limit == nil || plan.Limit.Limit != 3 {
		t.Errorf("limit spec = %+v", plan.Limit)
	}
}

func TestRouteSetNoDispatch(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	stmt := sqlparse.Parse("SET search_path TO app")
	plan, err := r.Route(stmt, nil, Session{})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.NoDispatch {
		t.Error("session-scope SET outside a transaction should not dispatch")
	}

	plan, err = r.Route(stmt, nil, Session{InTransaction: true})
	if err != nil {
		t.Fatal(err)
	}
	if plan.NoDispatch {
		t.Error("SET inside a transaction must reach leased servers")
	}
}

func TestRouteReload(t *testing.T) {
	r := testRouter(twoShardDB(), config.General{})
	plan := route(t, r, "SELECT * FROM users WHERE id = 7")
	if _, ok := plan.Shards.Single(2); !ok {
		t.Fatal("expected direct plan before reload")
	}

	// drop the sharded table: key routing disappears
	db := twoShardDB()
	db.ShardedTables = nil
	r.Reload(db, config.General{})
	plan = route(t, r, "SELECT * FROM users WHERE id = 7")
	if plan.Shards.Kind != ShardsAll {
		t.Errorf("after reload plan = %+v", plan.Shards)
	}
}
