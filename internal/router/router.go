// Package router turns analyzed statements into routing plans: which shards
// a statement goes to, whether it reads or writes, how cross-shard results
// merge, and which statements need rewriting. Routing is pure: the same
// statement, bind parameters, cluster shape, and session state always yield
// the same plan.
package router

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/pgmux/pgmux/internal/cluster"
	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// Session is the routing-relevant slice of client session state.
type Session struct {
	InTransaction bool
	ReadOnlyTx    bool
	// WriteSeen is set once a write ran inside the open transaction;
	// aggressive read/write strategy keeps reads on replicas until then.
	WriteSeen bool
	// SearchPath is the first schema of the session's search_path.
	SearchPath string
}

// PluginContext is the opaque view handed to routing plugins.
type PluginContext struct {
	Statement  *sqlparse.Statement
	Binds      *wire.BindFrame
	ShardCount int
	Session    Session
}

// Plugin inspects a statement before automatic routing. The first plugin
// returning a non-nil plan wins.
type Plugin interface {
	Name() string
	Route(ctx PluginContext) *Plan
}

// routerSnapshot is an immutable point-in-time view of the routing tables.
// Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	shardCount int
	tables     []config.ShardedTable
	schemas    map[string]int // schema name -> shard
	manual     map[uint64]config.ManualQuery
	rewrite    config.Rewrite
	aggressive bool
}

// Router resolves statements to plans for one logical database.
// Route() is lock-free via atomic.Value; Reload swaps in a new snapshot.
type Router struct {
	snap    atomic.Value // holds *routerSnapshot
	wmu     sync.Mutex   // serializes reloads (writes are rare)
	plugins []Plugin     // registered before serving; read-only after
}

// New creates a Router for one database's configuration.
func New(db config.Database, g config.General) *Router {
	r := &Router{}
	r.snap.Store(buildSnapshot(db, g))
	return r
}

func buildSnapshot(db config.Database, g config.General) *routerSnapshot {
	snap := &routerSnapshot{
		shardCount: db.ShardCount(),
		tables:     db.ShardedTables,
		schemas:    make(map[string]int, len(db.ShardedSchemas)),
		manual:     make(map[uint64]config.ManualQuery, len(db.ManualQueries)),
		rewrite:    g.Rewrite,
		aggressive: g.ReadWriteStrategy == "aggressive",
	}
	for _, ss := range db.ShardedSchemas {
		snap.schemas[strings.ToLower(ss.Schema)] = ss.Shard
	}
	for _, mq := range db.ManualQueries {
		if fp, err := strconv.ParseUint(mq.Fingerprint, 16, 64); err == nil {
			snap.manual[fp] = mq
		}
	}
	return snap
}

// Reload replaces the routing tables from a new config.
func (r *Router) Reload(db config.Database, g config.General) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.snap.Store(buildSnapshot(db, g))
}

// RegisterPlugin appends a routing plugin. Call before serving traffic.
func (r *Router) RegisterPlugin(p Plugin) {
	r.plugins = append(r.plugins, p)
}

func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

// ShardCount returns the shard count of the current snapshot.
func (r *Router) ShardCount() int {
	return r.load().shardCount
}

// Fingerprint hashes a statement's normalized text.
func Fingerprint(sql string) uint64 {
	return xxhash.Sum64String(sqlparse.Fingerprint(sql))
}

// Route derives the plan for one statement. binds may be nil (simple
// protocol); sess captures transaction state.
func (r *Router) Route(stmt *sqlparse.Statement, binds *wire.BindFrame, sess Session) (*Plan, error) {
	snap := r.load()
	intent := r.classifyIntent(snap, stmt, sess)

	// 1. Manual overrides preempt everything, including extractable keys.
	if mq, ok := snap.manual[Fingerprint(stmt.Raw)]; ok {
		return manualPlan(stmt, mq, intent), nil
	}

	// 2. Plugin hook: first concrete plan wins.
	pctx := PluginContext{Statement: stmt, Binds: binds, ShardCount: snap.shardCount, Session: sess}
	for _, pl := range r.plugins {
		if plan := pl.Route(pctx); plan != nil {
			if plan.Stmt == nil {
				plan.Stmt = stmt
			}
			return plan, nil
		}
	}

	// Statements the engine handles locally.
	switch stmt.Kind {
	case sqlparse.KindBegin, sqlparse.KindCommit, sqlparse.KindRollback:
		return &Plan{Shards: AllShards(), Intent: intent, Stmt: stmt}, nil
	case sqlparse.KindSet:
		plan := &Plan{Shards: AllShards(), Intent: cluster.IntentWrite, Stmt: stmt}
		if stmt.SetScope == sqlparse.SetSession && !sess.InTransaction {
			plan.NoDispatch = true
		}
		return plan, nil
	case sqlparse.KindListen:
		return nil, wire.NewError("ERROR", "0A000",
			"LISTEN/NOTIFY is not supported through a multiplexing proxy")
	case sqlparse.KindCopy:
		return r.copyPlan(snap, stmt)
	}

	// 3. Schema-based sharding.
	schemaShard, schemaMatched := r.schemaShard(snap, stmt, sess)
	tableMatched := r.findShardedTable(snap, stmt) != nil
	if schemaMatched && tableMatched {
		return nil, wire.NewError("ERROR", "0A000",
			"statement touches both a sharded table and a sharded schema")
	}
	if schemaMatched {
		return withSelectSpecs(&Plan{Shards: Direct(schemaShard), Intent: intent, Stmt: stmt}), nil
	}

	// 4./5. Sharding-key extraction + sharding function.
	if st := r.findShardedTable(snap, stmt); st != nil {
		plan, err := r.keyPlan(snap, stmt, binds, st, intent)
		if err != nil {
			return nil, err
		}
		if plan != nil {
			return plan, nil
		}
	}

	// 7. Default: all shards with merge specs from the statement.
	return withSelectSpecs(&Plan{Shards: AllShards(), Intent: intent, Stmt: stmt}), nil
}

// classifyIntent applies rule 6 of the decision procedure.
func (r *Router) classifyIntent(snap *routerSnapshot, stmt *sqlparse.Statement, sess Session) cluster.Intent {
	if sess.ReadOnlyTx {
		return cluster.IntentRead
	}
	if stmt.IsWrite() {
		return cluster.IntentWrite
	}
	switch stmt.Kind {
	case sqlparse.KindSelect, sqlparse.KindShow:
		// conservative: inside an explicit read-write transaction every
		// statement goes to the primary so reads observe prior writes.
		if sess.InTransaction && !snap.aggressive {
			return cluster.IntentWrite
		}
		if sess.InTransaction && snap.aggressive && sess.WriteSeen {
			return cluster.IntentWrite
		}
		return cluster.IntentRead
	}
	return cluster.IntentWrite
}

func manualPlan(stmt *sqlparse.Statement, mq config.ManualQuery, derived cluster.Intent) *Plan {
	if mq.Block {
		return &Plan{
			Shards:      Blocked(),
			Intent:      derived,
			Stmt:        stmt,
			BlockReason: "statement blocked by manual routing rule",
		}
	}
	plan := &Plan{Intent: derived, Stmt: stmt}
	if mq.Shard != nil {
		plan.Shards = Direct(*mq.Shard)
	} else {
		plan.Shards = AllShards()
	}
	switch mq.Role {
	case config.RolePrimary:
		plan.Intent = cluster.IntentWrite
	case config.RoleReplica:
		plan.Intent = cluster.IntentRead
	}
	return withSelectSpecs(plan)
}

// schemaShard matches the statement's schema qualification (or the session
// search_path for unqualified tables) against sharded schemas.
func (r *Router) schemaShard(snap *routerSnapshot, stmt *sqlparse.Statement, sess Session) (int, bool) {
	if len(snap.schemas) == 0 {
		return 0, false
	}
	for _, t := range stmt.Tables {
		if t.Schema != "" {
			if shard, ok := snap.schemas[t.Schema]; ok {
				return shard, true
			}
		}
	}
	if sess.SearchPath != "" && len(stmt.Tables) > 0 {
		if shard, ok := snap.schemas[strings.ToLower(sess.SearchPath)]; ok {
			return shard, true
		}
	}
	return 0, false
}

// findShardedTable returns the sharding config for a table the statement
// references, if any. CTEs and subqueries are excluded from extraction.
func (r *Router) findShardedTable(snap *routerSnapshot, stmt *sqlparse.Statement) *config.ShardedTable {
	if stmt.HasCTE {
		return nil
	}
	for i := range snap.tables {
		st := &snap.tables[i]
		if stmt.References("", st.Table) {
			return st
		}
	}
	return nil
}

// keyPlan applies sharding-key extraction and the sharding function.
// Returns (nil, nil) when no key can be extracted.
func (r *Router) keyPlan(snap *routerSnapshot, stmt *sqlparse.Statement,
	binds *wire.BindFrame, st *config.ShardedTable, intent cluster.Intent) (*Plan, error) {

	switch stmt.Kind {
	case sqlparse.KindInsert:
		return r.insertPlan(snap, stmt, binds, st)

	case sqlparse.KindSelect, sqlparse.KindDelete:
		shards, ok := r.predicateShards(snap, stmt, binds, st)
		if !ok {
			return nil, nil
		}
		return withSelectSpecs(&Plan{Shards: Subset(shards), Intent: intent, Stmt: stmt}), nil

	case sqlparse.KindUpdate:
		return r.updatePlan(snap, stmt, binds, st, intent)
	}
	return nil, nil
}

// predicateShards maps the WHERE equality/IN values on the sharding column
// to a shard set.
func (r *Router) predicateShards(snap *routerSnapshot, stmt *sqlparse.Statement,
	binds *wire.BindFrame, st *config.ShardedTable) (map[int]bool, bool) {

	if stmt.Disjunctive || stmt.HasSubquery {
		return nil, false
	}
	vals := stmt.Predicate(st.Column)
	if len(vals) == 0 {
		return nil, false
	}
	shards := make(map[int]bool, len(vals))
	for _, v := range vals {
		text, ok := resolveValue(v, binds)
		if !ok {
			return nil, false
		}
		shard, err := applyShardingFunction(snap, st, text)
		if err != nil {
			return nil, false
		}
		shards[shard] = true
	}
	return shards, true
}

func (r *Router) insertPlan(snap *routerSnapshot, stmt *sqlparse.Statement,
	binds *wire.BindFrame, st *config.ShardedTable) (*Plan, error) {

	if stmt.InsertSelect || len(stmt.InsertTuples) == 0 {
		return nil, nil
	}
	col := columnIndex(stmt.InsertColumns, st.Column)
	if col < 0 {
		return nil, nil
	}

	tupleShards := make([]int, len(stmt.InsertTuples))
	distinct := make(map[int]bool)
	for i, tuple := range stmt.InsertTuples {
		if col >= len(tuple) {
			return nil, nil
		}
		text, ok := resolveValue(tuple[col], binds)
		if !ok {
			return nil, nil
		}
		shard, err := applyShardingFunction(snap, st, text)
		if err != nil {
			return nil, nil
		}
		tupleShards[i] = shard
		distinct[shard] = true
	}

	if len(distinct) == 1 {
		return &Plan{Shards: Subset(distinct), Intent: cluster.IntentWrite, Stmt: stmt}, nil
	}

	// tuples land on different shards: split per tuple when enabled
	if !snap.rewrite.Enabled || !snap.rewrite.SplitInserts {
		return nil, wire.NewError("ERROR", "0A000",
			"multi-tuple INSERT spans shards and insert splitting is disabled")
	}
	return &Plan{
		Shards:      Subset(distinct),
		Intent:      cluster.IntentWrite,
		Rewrite:     RewriteSplitInsert,
		TupleShards: tupleShards,
		Stmt:        stmt,
	}, nil
}

func (r *Router) updatePlan(snap *routerSnapshot, stmt *sqlparse.Statement,
	binds *wire.BindFrame, st *config.ShardedTable, intent cluster.Intent) (*Plan, error) {

	shards, keyOK := r.predicateShards(snap, stmt, binds, st)

	// UPDATE ... SET shard_key = new_value moving the row to another shard
	for _, a := range stmt.Assignments {
		if !strings.EqualFold(a.Column, st.Column) {
			continue
		}
		newText, ok := resolveValue(a.Value, binds)
		if !ok {
			continue
		}
		newShard, err := applyShardingFunction(snap, st, newText)
		if err != nil {
			continue
		}
		if !keyOK || len(shards) != 1 {
			return nil, wire.NewError("ERROR", "0A000",
				"updating the sharding key requires an equality predicate on it")
		}
		oldShard := firstKey(shards)
		if newShard == oldShard {
			break // key changed but stays on the same shard
		}
		if !snap.rewrite.Enabled || !snap.rewrite.ShardKey {
			return nil, wire.NewError("ERROR", "0A000",
				"updating the sharding key across shards is disabled")
		}
		oldVals := stmt.Predicate(st.Column)
		oldText, _ := resolveValue(oldVals[0], binds)
		return &Plan{
			Shards:  Subset(map[int]bool{oldShard: true, newShard: true}),
			Intent:  cluster.IntentWrite,
			Rewrite: RewriteShardKeyUpdate,
			KeyUpdate: &KeyUpdateSpec{
				Table:    st.Table,
				Column:   st.Column,
				OldShard: oldShard,
				NewShard: newShard,
				OldValue: oldText,
				NewValue: newText,
			},
			Stmt: stmt,
		}, nil
	}

	if !keyOK {
		return nil, nil
	}
	return &Plan{Shards: Subset(shards), Intent: intent, Stmt: stmt}, nil
}

// copyPlan classifies COPY: COPY FROM on a sharded table gets a row
// splitter; unsharded COPY is pinned to shard 0.
func (r *Router) copyPlan(snap *routerSnapshot, stmt *sqlparse.Statement) (*Plan, error) {
	cp := stmt.Copy
	if cp == nil {
		return nil, wire.NewError("ERROR", "42601", "malformed COPY statement")
	}
	if cp.ToStdout {
		return withSelectSpecs(&Plan{Shards: AllShards(), Intent: cluster.IntentRead, Stmt: stmt}), nil
	}
	var st *config.ShardedTable
	for i := range snap.tables {
		if strings.EqualFold(snap.tables[i].Table, cp.Table.Name) {
			st = &snap.tables[i]
			break
		}
	}
	if st == nil {
		// unsharded table: pin the stream to shard 0
		return &Plan{Shards: Direct(0), Intent: cluster.IntentWrite, Stmt: stmt}, nil
	}
	col := columnIndex(cp.Columns, st.Column)
	if col < 0 {
		return nil, wire.NewError("ERROR", "0A000",
			fmt.Sprintf("COPY into sharded table %s must list the sharding column %s", st.Table, st.Column))
	}
	table := *st
	return &Plan{
		Shards:     AllShards(),
		Intent:     cluster.IntentWrite,
		Rewrite:    RewriteCopySplit,
		Stmt:       stmt,
		CopyColumn: col,
		CopyShard: func(text string) (int, error) {
			return applyShardingFunction(snap, &table, text)
		},
	}, nil
}

// withSelectSpecs lifts ORDER BY/aggregate/LIMIT specs from a SELECT into
// the plan for cross-shard merging.
func withSelectSpecs(plan *Plan) *Plan {
	stmt := plan.Stmt
	if stmt == nil || stmt.Kind != sqlparse.KindSelect {
		return plan
	}
	if len(stmt.OrderBy) > 0 {
		plan.Order = stmt.OrderBy
	}
	if len(stmt.Aggregates) > 0 {
		plan.Agg = &AggSpec{Aggregates: stmt.Aggregates, GroupBy: stmt.GroupBy}
	}
	if stmt.Limit != nil {
		ls := &LimitSpec{Limit: *stmt.Limit}
		if stmt.Offset != nil {
			ls.Offset = *stmt.Offset
		}
		plan.Limit = ls
	}
	return plan
}

// applyShardingFunction maps a key value to a shard.
func applyShardingFunction(snap *routerSnapshot, st *config.ShardedTable, text string) (int, error) {
	switch st.Function {
	case config.ShardingHash:
		key, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hash sharding key %q is not an integer: %w", text, err)
		}
		return HashShard(key, snap.shardCount), nil
	case config.ShardingList:
		shard, ok := st.ListMap[text]
		if !ok {
			return 0, fmt.Errorf("value %q not present in list mapping", text)
		}
		return shard, nil
	case config.ShardingRange:
		key, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("range sharding key %q is not an integer: %w", text, err)
		}
		for _, rg := range st.Ranges {
			if key >= rg.Start && key < rg.End {
				return rg.Shard, nil
			}
		}
		return 0, fmt.Errorf("value %d outside all configured ranges", key)
	}
	return 0, fmt.Errorf("unknown sharding function %q", st.Function)
}

// resolveValue renders a routable value as text, reading bind parameters
// from the Bind frame when present. Binary-format parameters are decoded
// for the integer widths; anything else defers to the default plan.
func resolveValue(v sqlparse.Value, binds *wire.BindFrame) (string, bool) {
	switch v.Kind {
	case sqlparse.ValueLiteral:
		return v.Text, true
	case sqlparse.ValueParam:
		if binds == nil || v.Param < 1 || v.Param > len(binds.Params) {
			return "", false
		}
		raw := binds.Params[v.Param-1]
		if raw == nil {
			return "", false
		}
		if paramFormat(binds, v.Param-1) == 1 {
			switch len(raw) {
			case 2:
				return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(raw))), 10), true
			case 4:
				return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(raw))), 10), true
			case 8:
				return strconv.FormatInt(int64(binary.BigEndian.Uint64(raw)), 10), true
			}
			return "", false
		}
		return string(raw), true
	}
	return "", false
}

func paramFormat(binds *wire.BindFrame, i int) int16 {
	switch len(binds.ParamFormats) {
	case 0:
		return 0
	case 1:
		return binds.ParamFormats[0]
	default:
		if i < len(binds.ParamFormats) {
			return binds.ParamFormats[i]
		}
		return 0
	}
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func firstKey(m map[int]bool) int {
	for k := range m {
		return k
	}
	return 0
}
