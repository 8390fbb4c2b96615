package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pgmux/pgmux/internal/assembler"
	"github.com/pgmux/pgmux/internal/cluster"
	"github.com/pgmux/pgmux/internal/params"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/router"
	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// txState is the client's transaction sub-state.
type txState int

const (
	txNone txState = iota
	txOpen
	txFailed
)

// virtualStmt is a client-named prepared statement. Clients use their own
// names; servers see fingerprint-derived names managed per connection.
type virtualStmt struct {
	parse       *wire.ParseFrame
	fingerprint uint64
}

// Session drives one client connection.
type Session struct {
	engine *Engine
	db     *DB
	store  *params.Store

	id           uuid.UUID
	clientPID    uint32
	clientSecret uint32
	remoteAddr   string

	client net.Conn
	reader *wire.Reader
	writer *wire.Writer

	tx         txState
	readOnlyTx bool
	writeSeen  bool
	txCounter  uint64
	gid        string // active prepared-transaction GID, when 2PC is running

	leaseMu sync.Mutex
	leases  map[int]*pool.ServerConn

	virtual     map[string]*virtualStmt
	localWarned bool

	startedAt time.Time
}

// SessionInfo is the admin-surface view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	PID       uint32    `json:"pid"`
	Addr      string    `json:"addr"`
	User      string    `json:"user"`
	Database  string    `json:"database"`
	TxState   string    `json:"tx_state"`
	Shards    []int     `json:"leased_shards,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// NewSession builds a session after the listener finished authentication.
func (e *Engine) NewSession(client net.Conn, reader *wire.Reader, writer *wire.Writer,
	db *DB, store *params.Store) *Session {
	return &Session{
		engine:     e,
		db:         db,
		store:      store,
		id:         uuid.New(),
		client:     client,
		reader:     reader,
		writer:     writer,
		remoteAddr: client.RemoteAddr().String(),
		leases:     make(map[int]*pool.ServerConn),
		virtual:    make(map[string]*virtualStmt),
		startedAt:  time.Now(),
	}
}

// Info snapshots the session for the admin surface.
func (s *Session) Info() SessionInfo {
	s.leaseMu.Lock()
	shards := make([]int, 0, len(s.leases))
	for shard := range s.leases {
		shards = append(shards, shard)
	}
	s.leaseMu.Unlock()
	sort.Ints(shards)

	state := "idle"
	switch s.tx {
	case txOpen:
		state = "in_transaction"
	case txFailed:
		state = "in_failed_transaction"
	}
	return SessionInfo{
		ID:        s.id.String(),
		PID:       s.clientPID,
		Addr:      s.remoteAddr,
		User:      s.store.User(),
		Database:  s.db.Name,
		TxState:   state,
		Shards:    shards,
		StartedAt: s.startedAt,
	}
}

// Run processes client requests until disconnect. The caller owns client
// teardown.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	gen := s.engine.General()
	if s.engine.Metrics != nil {
		s.engine.Metrics.SessionOpened(s.db.Name)
		defer s.engine.Metrics.SessionClosed(s.db.Name)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// idle clients outside a transaction are bounded by the idle timeout
		if gen.ClientIdleTimeout > 0 && s.tx == txNone {
			s.client.SetReadDeadline(time.Now().Add(gen.ClientIdleTimeout.Std()))
		} else {
			s.client.SetReadDeadline(time.Time{})
		}

		m, err := s.reader.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sendFatal("57P05", "terminating connection due to client idle timeout")
				return nil
			}
			if errors.Is(err, wire.ErrProtocolViolation) {
				s.sendFatal("08P01", err.Error())
				s.countError("ProtocolViolation")
			}
			return nil // client disconnect
		}
		s.client.SetReadDeadline(time.Time{})

		switch m.Type {
		case wire.MsgTerminate:
			return nil
		case wire.MsgQuery:
			s.handleQuery(ctx, wire.QueryString(m.Payload))
		case wire.MsgParse, wire.MsgBind, wire.MsgDescribe, wire.MsgExecute,
			wire.MsgClose, wire.MsgFlush, wire.MsgSync:
			s.handleExtended(ctx, m)
		case wire.MsgCopyData, wire.MsgCopyDone, wire.MsgCopyFail:
			// COPY sub-frames outside a COPY round; drop them, the round
			// that owned them is already over
		case wire.MsgPasswordMessage:
			// stray password message after auth; ignore
		default:
			s.sendFatal("08P01", fmt.Sprintf("unexpected message %q", m.Type))
			s.countError("ProtocolViolation")
			return nil
		}

		// error rounds write their ReadyForQuery without flushing; push
		// whatever the handler left buffered so the client sees it
		if err := s.writer.Flush(); err != nil {
			return err // client write side broken
		}
	}
}

// routerSession captures the routing-relevant session state.
func (s *Session) routerSession() router.Session {
	searchPath, _ := s.store.Get("search_path")
	if first, _, ok := strings.Cut(searchPath, ","); ok {
		searchPath = first
	}
	return router.Session{
		InTransaction: s.tx == txOpen || s.tx == txFailed,
		ReadOnlyTx:    s.readOnlyTx,
		WriteSeen:     s.writeSeen,
		SearchPath:    strings.TrimSpace(searchPath),
	}
}

// handleQuery processes one simple-protocol query.
func (s *Session) handleQuery(ctx context.Context, sql string) {
	if s.engine.Metrics != nil {
		s.engine.Metrics.Request(s.db.Name)
		start := time.Now()
		defer func() {
			s.engine.Metrics.QueryDuration(s.db.Name, time.Since(start))
		}()
	}

	if gen := s.engine.General(); gen.Rewrite.Enabled {
		sql = substituteUniqueIDs(sql, gen.Rewrite.UniqueIDFunc)
	}

	stmt := sqlparse.Parse(sql)
	switch stmt.Kind {
	case sqlparse.KindBegin:
		s.handleBegin(stmt)
		return
	case sqlparse.KindCommit:
		s.handleCommit(ctx)
		return
	case sqlparse.KindRollback:
		s.handleRollback(ctx)
		return
	}

	if s.tx == txFailed {
		s.sendError(wire.NewError("ERROR", "25P02",
			"current transaction is aborted, commands ignored until end of transaction block"))
		s.reply(wire.ReadyForQuery(wire.TxFailed))
		return
	}

	plan, err := s.db.Router.Route(stmt, nil, s.routerSession())
	if err != nil {
		s.sendPlanError(err)
		return
	}
	if plan.Shards.Kind == router.ShardsBlocked {
		s.sendPlanError(wire.NewError("ERROR", "42501", plan.BlockReason))
		return
	}
	if stmt.Kind == sqlparse.KindSet {
		s.handleSet(plan)
		return
	}

	frames := []wire.Message{wire.Query(sql)}
	s.dispatch(ctx, plan, frames, nil)
}

// handleBegin opens the client transaction without touching a server;
// leases join it lazily as statements route.
func (s *Session) handleBegin(stmt *sqlparse.Statement) {
	if s.tx != txNone {
		s.sendNotice("25001", "there is already a transaction in progress")
		s.reply(wire.CommandComplete("BEGIN"), wire.ReadyForQuery(s.clientTxStatus()))
		return
	}
	s.tx = txOpen
	s.readOnlyTx = stmt.ReadOnly
	s.writeSeen = false
	s.store.BeginTx()
	s.reply(wire.CommandComplete("BEGIN"), wire.ReadyForQuery(wire.TxInTx))
}

func (s *Session) handleCommit(ctx context.Context) {
	switch s.tx {
	case txNone:
		s.sendNotice("25P01", "there is no transaction in progress")
		s.reply(wire.CommandComplete("COMMIT"), wire.ReadyForQuery(wire.TxIdle))
		return
	case txFailed:
		// a failed transaction commits as a rollback, like the backend does
		s.execOnLeases("ROLLBACK")
		s.endTx(pool.OutcomeClean)
		s.reply(wire.CommandComplete("ROLLBACK"), wire.ReadyForQuery(wire.TxIdle))
		return
	}

	targets := s.sortedLeases()
	gen := s.engine.General()

	switch {
	case len(targets) == 0:
		s.endTx(pool.OutcomeClean)
		s.reply(wire.CommandComplete("COMMIT"), wire.ReadyForQuery(wire.TxIdle))

	case len(targets) == 1:
		// single shard: relay COMMIT verbatim
		s.relayToServer(ctx, targets[0].Server, []wire.Message{wire.Query("COMMIT")})
		s.endTx(pool.OutcomeClean)

	case gen.TwoPhaseCommit:
		s.txCounter++
		// the participant count rides in the GID so recovery can tell a
		// fully-prepared transaction from a partially-prepared one
		gid := fmt.Sprintf("%s%s_%d_%d", assembler.GIDPrefix, s.id, s.txCounter, len(targets))
		s.gid = gid
		err := assembler.TwoPhaseCommit(ctx, targets, gid, s.engine.Metrics)
		s.gid = ""
		if err != nil {
			s.sendError(toPGError(err))
			s.endTx(pool.OutcomeDirty)
			s.writeMessages(wire.ReadyForQuery(wire.TxIdle))
			return
		}
		s.endTx(pool.OutcomeClean)
		s.reply(wire.CommandComplete("COMMIT"), wire.ReadyForQuery(wire.TxIdle))

	default:
		// best-effort sequential commit when 2PC is disabled
		var firstErr error
		for _, t := range targets {
			if err := t.Server.Exec("COMMIT"); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			s.sendError(toPGError(firstErr))
			s.endTx(pool.OutcomeDirty)
			s.writeMessages(wire.ReadyForQuery(wire.TxIdle))
			return
		}
		s.endTx(pool.OutcomeClean)
		s.reply(wire.CommandComplete("COMMIT"), wire.ReadyForQuery(wire.TxIdle))
	}
}

func (s *Session) handleRollback(ctx context.Context) {
	if s.tx == txNone {
		s.sendNotice("25P01", "there is no transaction in progress")
		s.reply(wire.CommandComplete("ROLLBACK"), wire.ReadyForQuery(wire.TxIdle))
		return
	}
	s.execOnLeases("ROLLBACK")
	s.endTx(pool.OutcomeClean)
	s.reply(wire.CommandComplete("ROLLBACK"), wire.ReadyForQuery(wire.TxIdle))
}

// handleSet applies SET/RESET per scope: session scope updates the store
// (and reaches servers via sync scripts); statements inside a transaction
// run on every leased server immediately.
func (s *Session) handleSet(plan *router.Plan) {
	stmt := plan.Stmt
	tag := "SET"
	if stmt.IsReset {
		tag = "RESET"
	}

	if stmt.SetScope == sqlparse.SetLocal && s.tx == txNone {
		// PostgreSQL warns and discards SET LOCAL outside a transaction
		if !s.localWarned {
			s.sendNotice("25P01", "SET LOCAL can only be used in transaction blocks")
			s.localWarned = true
		}
		s.reply(wire.CommandComplete(tag), wire.ReadyForQuery(wire.TxIdle))
		return
	}

	scope := params.ScopeSession
	if stmt.SetScope == sqlparse.SetLocal {
		scope = params.ScopeLocal
	}

	if s.tx == txOpen && len(s.leases) > 0 {
		if err := s.execOnLeases(stmt.Raw); err != nil {
			s.failTx(toPGError(err))
			return
		}
	}
	value := stmt.SetValue
	if stmt.IsReset {
		value = ""
	}
	s.store.ObserveSet(stmt.SetName, value, scope)
	s.reply(wire.CommandComplete(tag), wire.ReadyForQuery(s.clientTxStatus()))
}

// dispatch routes a request's frames to one or many shards. binds is
// non-nil for extended-protocol batches.
func (s *Session) dispatch(ctx context.Context, plan *router.Plan, frames []wire.Message, binds *wire.BindFrame) {
	gen := s.engine.General()

	if err := s.engine.Gate.Wait(ctx); err != nil {
		return
	}

	shards := plan.Shards.Resolve(s.db.Router.ShardCount())
	if len(shards) == 0 {
		s.sendPlanError(wire.NewError("ERROR", "XX000", "plan resolved no shards"))
		return
	}

	if plan.Intent == cluster.IntentWrite {
		s.writeSeen = true
	}
	if s.engine.Metrics != nil {
		for _, shard := range shards {
			s.engine.Metrics.ShardDispatch(s.db.Name, shard)
		}
	}

	if len(shards) == 1 && plan.Rewrite == router.RewriteNone {
		sc, err := s.leaseFor(ctx, shards[0], plan.Intent)
		if err != nil {
			s.sendLeaseError(err)
			return
		}
		s.relayToServer(ctx, sc, frames)
		s.releaseIfIdle()
		return
	}

	// cross-shard work: lease every target in shard order, then hand the
	// streams to the assembler
	targets := make([]assembler.Target, 0, len(shards))
	for _, shard := range shards {
		sc, err := s.leaseFor(ctx, shard, plan.Intent)
		if err != nil {
			s.sendLeaseError(err)
			s.releaseIfIdle()
			return
		}
		targets = append(targets, assembler.Target{Shard: shard, Server: sc})
	}

	dctx := ctx
	if gen.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, gen.DispatchTimeout.Std())
		defer cancel()
	}

	res, err := assembler.Dispatch(dctx, assembler.Request{
		Targets:  targets,
		Plan:     plan,
		Frames:   frames,
		Binds:    binds,
		ClientR:  s.reader,
		ClientW:  s.writer,
		Database: s.db.Name,
		Metrics:  s.engine.Metrics,
		Cancel:   s.cancelBackends,
	})
	if err != nil {
		pgErr := toPGError(err)
		s.sendError(pgErr)
		s.countError(errorKind(err))
		if s.tx == txOpen {
			s.tx = txFailed
			for _, t := range targets {
				t.Server.MarkDirty()
			}
		}
		s.writeMessages(wire.ReadyForQuery(s.clientTxStatus()))
		s.releaseIfIdle()
		return
	}

	if res.Broken != nil {
		// a server died mid-dispatch; its lease is already Broken
		s.dropLease(res.Broken)
	}
	s.writeMessages(wire.ReadyForQuery(s.clientTxStatus()))
	s.releaseIfIdle()
}

// relayToServer forwards the request frames to one server and relays the
// response stream back until the terminal ReadyForQuery, handling COPY
// sub-protocols in both directions.
func (s *Session) relayToServer(ctx context.Context, sc *pool.ServerConn, frames []wire.Message) {
	gen := s.engine.General()
	if gen.StatementTimeout > 0 {
		sc.SetDeadline(time.Now().Add(gen.StatementTimeout.Std()))
		defer sc.SetDeadline(time.Time{})
	}

	received := 0
	for _, fr := range frames {
		received += fr.Size()
		if err := sc.Write(fr); err != nil {
			s.serverBroken(sc, err)
			return
		}
	}
	if err := sc.Flush(); err != nil {
		s.serverBroken(sc, err)
		return
	}

	sent := 0
	sawError := false
	for {
		m, err := sc.Receive()
		if err != nil {
			if isTimeout(err) {
				s.statementTimedOut(sc)
				return
			}
			s.serverBroken(sc, err)
			return
		}
		sent += m.Size()

		switch m.Type {
		case wire.MsgErrorResponse:
			sawError = true
			s.writeMessages(m)
		case wire.MsgCopyInResponse:
			s.writeMessages(m)
			s.writer.Flush()
			if !s.relayCopyIn(sc) {
				return
			}
		case wire.MsgReadyForQuery:
			s.writeMessages(m)
			s.writer.Flush()
			s.observeServerStatus(sc, sawError)
			if s.engine.Metrics != nil {
				s.engine.Metrics.Traffic(s.db.Name, sent, received)
			}
			return
		default:
			s.writeMessages(m)
			if s.writer.Buffered() > 1<<16 {
				s.writer.Flush()
			}
		}
	}
}

// relayCopyIn forwards the client's CopyData stream to the server until
// CopyDone/CopyFail. Returns false when the session must end.
func (s *Session) relayCopyIn(sc *pool.ServerConn) bool {
	for {
		m, err := s.reader.ReadMessage()
		if err != nil {
			sc.Send(wire.CopyFail("client disconnected"))
			return false
		}
		switch m.Type {
		case wire.MsgCopyData, wire.MsgCopyDone, wire.MsgCopyFail:
			if err := sc.Write(m); err != nil {
				s.serverBroken(sc, err)
				return false
			}
			if m.Type != wire.MsgCopyData {
				if err := sc.Flush(); err != nil {
					s.serverBroken(sc, err)
					return false
				}
				return true
			}
		case wire.MsgFlush, wire.MsgSync:
			// permitted during extended-protocol COPY
		default:
			sc.Send(wire.CopyFail("unexpected client message during COPY"))
			return true
		}
	}
}

// observeServerStatus folds a server's terminal status into the client
// transaction sub-state.
func (s *Session) observeServerStatus(sc *pool.ServerConn, sawError bool) {
	switch sc.TxStatus() {
	case wire.TxInTx:
		if s.tx == txNone {
			s.tx = txOpen
			s.store.BeginTx()
		}
	case wire.TxFailed:
		if s.tx != txNone {
			s.tx = txFailed
		}
	}
	if sawError && s.tx == txOpen {
		s.tx = txFailed
	}
}

// clientTxStatus maps the session sub-state to a ReadyForQuery status byte.
func (s *Session) clientTxStatus() byte {
	switch s.tx {
	case txOpen:
		return wire.TxInTx
	case txFailed:
		return wire.TxFailed
	default:
		return wire.TxIdle
	}
}

// leaseFor returns the session's lease on a shard, acquiring and preparing
// one if needed: parameter sync runs first, then the transaction context is
// replayed for servers joining an open transaction.
func (s *Session) leaseFor(ctx context.Context, shard int, intent cluster.Intent) (*pool.ServerConn, error) {
	s.leaseMu.Lock()
	sc, ok := s.leases[shard]
	s.leaseMu.Unlock()
	if ok {
		return sc, nil
	}

	p, err := s.db.Cluster.Select(shard, intent)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sc, err = p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if s.engine.Metrics != nil {
		s.engine.Metrics.AcquireDuration(s.db.Name, time.Since(start))
	}

	if err := s.prepareLease(sc); err != nil {
		sc.Release(pool.OutcomeBroken)
		return nil, err
	}

	s.leaseMu.Lock()
	s.leases[shard] = sc
	s.leaseMu.Unlock()
	return sc, nil
}

// prepareLease aligns a fresh lease with the client: sync parameters, then
// BEGIN (+ buffered SET LOCALs) when the client transaction is open.
func (s *Session) prepareLease(sc *pool.ServerConn) error {
	script := s.store.SyncScript(sc.Params())
	for _, st := range script {
		if err := sc.Exec(st.SQL()); err != nil {
			sc.MarkDirty()
			return fmt.Errorf("parameter sync (%s): %w", st.Name, err)
		}
		sc.SetParam(st.Name, st.Value)
	}

	if s.tx == txOpen {
		begin := "BEGIN"
		if s.readOnlyTx {
			begin = "BEGIN READ ONLY"
		}
		if err := sc.Exec(begin); err != nil {
			sc.MarkDirty()
			return fmt.Errorf("joining transaction: %w", err)
		}
		for _, st := range s.store.LocalScript() {
			if err := sc.Exec("SET LOCAL " + st.Name + " TO " + params.QuoteValue(st.Value)); err != nil {
				sc.MarkDirty()
				return fmt.Errorf("replaying SET LOCAL %s: %w", st.Name, err)
			}
		}
	}
	return nil
}

// releaseIfIdle returns all leases when no transaction holds them.
func (s *Session) releaseIfIdle() {
	if s.tx != txNone {
		return
	}
	s.leaseMu.Lock()
	leases := s.leases
	s.leases = make(map[int]*pool.ServerConn)
	s.leaseMu.Unlock()

	for _, sc := range leases {
		if sc.TxStatus() == wire.TxIdle && !sc.Dirty() {
			sc.Release(pool.OutcomeClean)
		} else {
			sc.Release(pool.OutcomeDirty)
		}
	}
}

// endTx closes the transaction context and releases every lease.
func (s *Session) endTx(outcome pool.Outcome) {
	s.leaseMu.Lock()
	leases := s.leases
	s.leases = make(map[int]*pool.ServerConn)
	s.leaseMu.Unlock()

	for _, sc := range leases {
		if outcome == pool.OutcomeClean && sc.TxStatus() == wire.TxIdle && !sc.Dirty() {
			sc.Release(pool.OutcomeClean)
		} else {
			sc.Release(pool.OutcomeDirty)
		}
	}
	s.tx = txNone
	s.readOnlyTx = false
	s.writeSeen = false
	s.store.EndTx()
}

// dropLease removes a broken server from the lease table (already released
// by the failing path).
func (s *Session) dropLease(broken *pool.ServerConn) {
	s.leaseMu.Lock()
	for shard, sc := range s.leases {
		if sc == broken {
			delete(s.leases, shard)
		}
	}
	s.leaseMu.Unlock()
	if s.tx == txOpen {
		s.tx = txFailed
	}
}

// execOnLeases runs a statement on every leased server, shard order.
func (s *Session) execOnLeases(sql string) error {
	var firstErr error
	for _, t := range s.sortedLeases() {
		if err := t.Server.Exec(sql); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Session) sortedLeases() []assembler.Target {
	s.leaseMu.Lock()
	out := make([]assembler.Target, 0, len(s.leases))
	for shard, sc := range s.leases {
		out = append(out, assembler.Target{Shard: shard, Server: sc})
	}
	s.leaseMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}

// cancelBackends forwards cancel requests for every leased server. Called
// from the registry goroutine; only the lease table is shared.
func (s *Session) cancelBackends() {
	if s.engine.Metrics != nil {
		s.engine.Metrics.CancelRequest()
	}
	s.leaseMu.Lock()
	targets := make([]*pool.ServerConn, 0, len(s.leases))
	for _, sc := range s.leases {
		targets = append(targets, sc)
	}
	s.leaseMu.Unlock()

	for _, sc := range targets {
		sc := sc
		go func() {
			if err := cancelServer(sc); err != nil {
				slog.Debug("backend cancel failed", "server", sc.Addr(), "err", err)
			}
		}()
	}
}

// cancelServer opens a fresh connection to the server's backend and sends
// the cancel frame for its (pid, secret).
func cancelServer(sc *pool.ServerConn) error {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.Dial("tcp", sc.Addr())
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(wire.CancelFrame(sc.PID(), sc.Secret()))
	return err
}

// serverBroken surfaces a mid-round server failure: the lease is released
// Broken, the client gets a synthetic error, and any transaction aborts.
func (s *Session) serverBroken(sc *pool.ServerConn, cause error) {
	slog.Warn("server connection broken mid-round",
		"session", s.id, "server", sc.Addr(), "err", cause)
	s.countError("ServerDisconnected")

	s.leaseMu.Lock()
	for shard, l := range s.leases {
		if l == sc {
			delete(s.leases, shard)
		}
	}
	s.leaseMu.Unlock()
	sc.Release(pool.OutcomeBroken)

	if s.tx != txNone {
		s.tx = txFailed
	}
	s.sendError(wire.NewError("ERROR", "08006",
		"server connection closed unexpectedly"))
	s.writeMessages(wire.ReadyForQuery(s.clientTxStatus()))
}

// statementTimedOut cancels the running query and surfaces a timeout.
func (s *Session) statementTimedOut(sc *pool.ServerConn) {
	s.countError("Timeout")
	cancelServer(sc)

	// the connection state is unknowable mid-round; drop it
	s.leaseMu.Lock()
	for shard, l := range s.leases {
		if l == sc {
			delete(s.leases, shard)
		}
	}
	s.leaseMu.Unlock()
	sc.Release(pool.OutcomeBroken)

	if s.tx != txNone {
		s.tx = txFailed
	}
	s.sendError(wire.NewError("ERROR", "57014", "canceling statement due to statement timeout"))
	s.writeMessages(wire.ReadyForQuery(s.clientTxStatus()))
}

// failTx reports an error and marks the transaction failed.
func (s *Session) failTx(err *wire.PGError) {
	s.sendError(err)
	if s.tx == txOpen {
		s.tx = txFailed
	}
	s.writeMessages(wire.ReadyForQuery(s.clientTxStatus()))
}

// sendLeaseError maps pool/cluster failures to backend-compatible errors.
func (s *Session) sendLeaseError(err error) {
	var code, kind string
	switch {
	case errors.Is(err, pool.ErrBanned):
		code, kind = "53300", "PoolBanned"
	case errors.Is(err, pool.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code, kind = "57P05", "PoolTimeout"
	case errors.Is(err, pool.ErrExhausted):
		code, kind = "53300", "PoolExhausted"
	case errors.Is(err, cluster.ErrNoPrimary):
		code, kind = "08000", "NoPrimary"
	case errors.Is(err, cluster.ErrNoReplica):
		code, kind = "08000", "NoReplica"
	case errors.Is(err, cluster.ErrNoShard):
		code, kind = "42704", "ConfigMissing"
	default:
		code, kind = "08000", "Internal"
	}
	s.countError(kind)
	s.sendError(wire.NewError("ERROR", code, err.Error()))
	if s.tx == txOpen {
		s.tx = txFailed
	}
	s.writeMessages(wire.ReadyForQuery(s.clientTxStatus()))
}

func (s *Session) sendPlanError(err error) {
	pgErr := toPGError(err)
	s.countError(errorKind(err))
	s.sendError(pgErr)
	if s.tx == txOpen {
		s.tx = txFailed
	}
	s.writeMessages(wire.ReadyForQuery(s.clientTxStatus()))
}

// teardown releases leases and rolls back any in-progress prepared
// transaction on disconnect.
func (s *Session) teardown() {
	if gid := s.gid; gid != "" {
		for _, t := range s.sortedLeases() {
			t.Server.Exec("ROLLBACK PREPARED '" + gid + "'")
		}
	}
	s.leaseMu.Lock()
	leases := s.leases
	s.leases = make(map[int]*pool.ServerConn)
	s.leaseMu.Unlock()
	for _, sc := range leases {
		sc.Release(pool.OutcomeDirty)
	}
	s.engine.Registry.Unregister(s)
}

// --- client write helpers ---

func (s *Session) writeMessages(msgs ...wire.Message) {
	for _, m := range msgs {
		s.writer.WriteMessage(m)
	}
}

// reply writes messages and flushes.
func (s *Session) reply(msgs ...wire.Message) {
	s.writeMessages(msgs...)
	s.writer.Flush()
}

func (s *Session) sendError(e *wire.PGError) {
	s.writer.WriteMessage(e.Frame())
}

func (s *Session) sendFatal(code, msg string) {
	s.writer.WriteMessage(wire.NewError("FATAL", code, msg).Frame())
	s.writer.Flush()
}

func (s *Session) sendNotice(code, msg string) {
	e := wire.PGError{Severity: "NOTICE", Code: code, Message: msg}
	m := e.Frame()
	m.Type = wire.MsgNoticeResponse
	s.writer.WriteMessage(m)
}

func (s *Session) countError(kind string) {
	if s.engine.Metrics != nil {
		s.engine.Metrics.Error(kind)
	}
}

// isTimeout reports whether a network error is a deadline expiry.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// toPGError coerces any error into a backend-compatible error value.
func toPGError(err error) *wire.PGError {
	var pgErr *wire.PGError
	if errors.As(err, &pgErr) {
		return pgErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wire.NewError("ERROR", "57014", "canceling statement due to dispatch timeout")
	}
	return wire.NewError("ERROR", "XX000", err.Error())
}

// errorKind maps an error to its taxonomy name for metrics.
func errorKind(err error) string {
	var pgErr *wire.PGError
	switch {
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case "0A000":
			return "Unsupported"
		case "42501":
			return "ConfigMissing"
		case "57014":
			return "Timeout"
		}
		return "ServerError"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, assembler.ErrSchemaMismatch):
		return "SchemaMismatch"
	default:
		return "Internal"
	}
}

