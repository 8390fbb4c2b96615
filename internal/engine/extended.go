package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pgmux/pgmux/internal/cluster"
	"github.com/pgmux/pgmux/internal/params"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/router"
	"github.com/pgmux/pgmux/internal/sqlparse"
	"github.com/pgmux/pgmux/internal/wire"
)

// cutCString splits payload bytes at the first NUL.
func cutCString(b []byte) (string, []byte) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i]), b[i+1:]
	}
	return string(b), nil
}

// handleExtended processes an extended-protocol batch. The batch is read to
// its Sync boundary before anything is forwarded; partial batches never
// reach a server.
func (s *Session) handleExtended(ctx context.Context, first wire.Message) {
	batch := []wire.Message{first.Clone()}
	for batch[len(batch)-1].Type != wire.MsgSync {
		m, err := s.reader.ReadMessage()
		if err != nil {
			return // disconnect mid-batch; the run loop sees it next read
		}
		if m.Type == wire.MsgTerminate {
			return
		}
		batch = append(batch, m.Clone())
	}

	if s.engine.Metrics != nil {
		s.engine.Metrics.Request(s.db.Name)
	}

	if s.tx == txFailed {
		s.sendError(wire.NewError("ERROR", "25P02",
			"current transaction is aborted, commands ignored until end of transaction block"))
		s.reply(wire.ReadyForQuery(wire.TxFailed))
		return
	}

	// register virtual statements and find the routable statement + binds
	var stmt *sqlparse.Statement
	var binds *wire.BindFrame
	onlyBookkeeping := true
	for _, m := range batch {
		switch m.Type {
		case wire.MsgParse:
			onlyBookkeeping = false
			pf, err := wire.ParseParse(m.Payload)
			if err != nil {
				s.sendPlanError(err)
				return
			}
			fp := router.Fingerprint(pf.Query)
			if pf.Name != "" {
				s.virtual[pf.Name] = &virtualStmt{parse: pf, fingerprint: fp}
			}
			if stmt == nil {
				stmt = sqlparse.Parse(pf.Query)
			}
		case wire.MsgBind:
			onlyBookkeeping = false
			bf, err := wire.ParseBind(m.Payload)
			if err != nil {
				s.sendPlanError(err)
				return
			}
			if binds == nil {
				binds = bf
			}
			if stmt == nil && bf.Statement != "" {
				if vs, ok := s.virtual[bf.Statement]; ok {
					stmt = sqlparse.Parse(vs.parse.Query)
				}
			}
		case wire.MsgDescribe, wire.MsgExecute:
			onlyBookkeeping = false
		}
	}

	// batches that carry no statement (bare Sync, Close bookkeeping) are
	// answered locally
	if onlyBookkeeping {
		for _, m := range batch {
			switch m.Type {
			case wire.MsgClose:
				if len(m.Payload) > 1 && m.Payload[0] == 'S' {
					name, _ := cutCString(m.Payload[1:])
					delete(s.virtual, name)
				}
				s.writeMessages(wire.Message{Type: wire.MsgCloseComplete})
			}
		}
		s.reply(wire.ReadyForQuery(s.clientTxStatus()))
		return
	}

	if stmt == nil {
		// Bind/Execute referencing a statement we never saw
		s.sendError(wire.NewError("ERROR", "26000", "prepared statement does not exist"))
		s.reply(wire.ReadyForQuery(s.clientTxStatus()))
		return
	}

	plan, err := s.db.Router.Route(stmt, binds, s.routerSession())
	if err != nil {
		s.sendPlanError(err)
		return
	}
	if plan.Shards.Kind == router.ShardsBlocked {
		s.sendPlanError(wire.NewError("ERROR", "42501", plan.BlockReason))
		return
	}
	if stmt.Kind == sqlparse.KindSet {
		// extended-protocol SET: absorb like the simple path, then answer
		// the batch shape (ParseComplete/BindComplete/CommandComplete)
		s.handleSetExtended(plan, batch)
		return
	}

	shards := plan.Shards.Resolve(s.db.Router.ShardCount())
	if len(shards) == 1 && plan.Rewrite == router.RewriteNone {
		s.dispatchExtendedSingle(ctx, plan, shards[0], batch)
		return
	}

	// cross-shard extended work is limited to unnamed statements; named
	// statements would need per-server cache coordination mid-merge
	for _, m := range batch {
		if m.Type == wire.MsgParse {
			if pf, err := wire.ParseParse(m.Payload); err == nil && pf.Name != "" {
				s.sendPlanError(wire.NewError("ERROR", "0A000",
					"named prepared statements cannot target multiple shards"))
				return
			}
		}
	}
	s.dispatch(ctx, plan, batch, binds)
}

// handleSetExtended absorbs a SET arriving via the extended protocol.
func (s *Session) handleSetExtended(plan *router.Plan, batch []wire.Message) {
	stmt := plan.Stmt
	tag := "SET"
	if stmt.IsReset {
		tag = "RESET"
	}
	if stmt.SetScope == sqlparse.SetLocal && s.tx == txNone {
		if !s.localWarned {
			s.sendNotice("25P01", "SET LOCAL can only be used in transaction blocks")
			s.localWarned = true
		}
	} else {
		scope := paramScope(stmt)
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
	}

	for _, m := range batch {
		switch m.Type {
		case wire.MsgParse:
			s.writeMessages(wire.Message{Type: wire.MsgParseComplete})
		case wire.MsgBind:
			s.writeMessages(wire.Message{Type: wire.MsgBindComplete})
		case wire.MsgDescribe:
			s.writeMessages(wire.Message{Type: wire.MsgNoData})
		case wire.MsgExecute:
			s.writeMessages(wire.CommandComplete(tag))
		case wire.MsgClose:
			s.writeMessages(wire.Message{Type: wire.MsgCloseComplete})
		}
	}
	s.reply(wire.ReadyForQuery(s.clientTxStatus()))
}

// dispatchExtendedSingle transforms the batch for one server's prepared
// statement cache and relays it.
func (s *Session) dispatchExtendedSingle(ctx context.Context, plan *router.Plan, shard int, batch []wire.Message) {
	if err := s.engine.Gate.Wait(ctx); err != nil {
		return
	}
	if plan.Intent == cluster.IntentWrite {
		s.writeSeen = true
	}
	if s.engine.Metrics != nil {
		s.engine.Metrics.ShardDispatch(s.db.Name, shard)
	}

	sc, err := s.leaseFor(ctx, shard, plan.Intent)
	if err != nil {
		s.sendLeaseError(err)
		return
	}

	serverFrames, synthetic, swallow, err := s.transformBatch(sc, batch)
	if err != nil {
		s.sendPlanError(err)
		s.releaseIfIdle()
		return
	}

	// synthetic completions for frames the cache made redundant come first;
	// they mirror the order the server would have answered in
	s.writeMessages(synthetic...)
	s.relayExtended(ctx, sc, serverFrames, swallow)
	s.releaseIfIdle()
}

// transformBatch rewrites client statement names to per-server cache names,
// drops Parse frames the server already has (synthesizing ParseComplete),
// absorbs Close bookkeeping, and appends Close frames for LRU evictions.
// Returns the server-bound frames, client-bound synthetic responses, and
// the number of trailing CloseComplete responses to swallow.
func (s *Session) transformBatch(sc *pool.ServerConn, batch []wire.Message) (
	serverFrames, synthetic []wire.Message, swallow int, err error) {

	var evictCloses []wire.Message

	for _, m := range batch {
		switch m.Type {
		case wire.MsgParse:
			pf, perr := wire.ParseParse(m.Payload)
			if perr != nil {
				return nil, nil, 0, perr
			}
			if pf.Name == "" {
				serverFrames = append(serverFrames, m)
				continue
			}
			vs := s.virtual[pf.Name]
			serverName := serverStmtName(vs.fingerprint)
			if _, cached := sc.PreparedName(vs.fingerprint); cached {
				// server already has it: answer the Parse ourselves
				synthetic = append(synthetic, wire.Message{Type: wire.MsgParseComplete})
				continue
			}
			rewritten := *pf
			rewritten.Name = serverName
			serverFrames = append(serverFrames, rewritten.Encode())
			sc.RememberPrepared(vs.fingerprint, serverName)
			for _, evicted := range sc.TakeEvictedPrepared() {
				evictCloses = append(evictCloses, wire.CloseFrame('S', evicted))
				swallow++
			}

		case wire.MsgBind:
			bf, berr := wire.ParseBind(m.Payload)
			if berr != nil {
				return nil, nil, 0, berr
			}
			if bf.Statement == "" {
				serverFrames = append(serverFrames, m)
				continue
			}
			vs, ok := s.virtual[bf.Statement]
			if !ok {
				return nil, nil, 0, wire.NewError("ERROR", "26000",
					fmt.Sprintf("prepared statement %q does not exist", bf.Statement))
			}
			serverName, cached := sc.PreparedName(vs.fingerprint)
			if !cached {
				// server lost it (recovery); re-send Parse transparently
				serverName = serverStmtName(vs.fingerprint)
				reparse := *vs.parse
				reparse.Name = serverName
				serverFrames = append(serverFrames, reparse.Encode())
				sc.RememberPrepared(vs.fingerprint, serverName)
				swallow++ // swallow its ParseComplete
			}
			rewritten := *bf
			rewritten.Statement = serverName
			serverFrames = append(serverFrames, rewritten.Encode())

		case wire.MsgDescribe:
			if len(m.Payload) > 1 && m.Payload[0] == 'S' {
				name, _ := cutCString(m.Payload[1:])
				if name != "" {
					vs, ok := s.virtual[name]
					if !ok {
						return nil, nil, 0, wire.NewError("ERROR", "26000",
							fmt.Sprintf("prepared statement %q does not exist", name))
					}
					serverName, cached := sc.PreparedName(vs.fingerprint)
					if !cached {
						serverName = serverStmtName(vs.fingerprint)
						reparse := *vs.parse
						reparse.Name = serverName
						serverFrames = append(serverFrames, reparse.Encode())
						sc.RememberPrepared(vs.fingerprint, serverName)
						swallow++
					}
					payload := append([]byte{'S'}, serverName...)
					payload = append(payload, 0)
					serverFrames = append(serverFrames, wire.Message{Type: wire.MsgDescribe, Payload: payload})
					continue
				}
			}
			serverFrames = append(serverFrames, m)

		case wire.MsgClose:
			if len(m.Payload) > 1 && m.Payload[0] == 'S' {
				name, _ := cutCString(m.Payload[1:])
				if name != "" {
					// the server-side statement stays cached for reuse;
					// only the client's virtual name goes away
					delete(s.virtual, name)
					synthetic = append(synthetic, wire.Message{Type: wire.MsgCloseComplete})
					continue
				}
			}
			serverFrames = append(serverFrames, m)

		default:
			serverFrames = append(serverFrames, m)
		}
	}

	// evicted statements close right before the Sync
	if len(evictCloses) > 0 && len(serverFrames) > 0 {
		last := serverFrames[len(serverFrames)-1]
		if last.Type == wire.MsgSync {
			serverFrames = append(serverFrames[:len(serverFrames)-1], evictCloses...)
			serverFrames = append(serverFrames, last)
		} else {
			serverFrames = append(serverFrames, evictCloses...)
		}
	}
	return serverFrames, synthetic, swallow, nil
}

// relayExtended relays the batch and its responses, swallowing the
// completions that answer frames the transform injected.
func (s *Session) relayExtended(ctx context.Context, sc *pool.ServerConn, frames []wire.Message, swallow int) {
	gen := s.engine.General()
	if gen.StatementTimeout > 0 {
		sc.SetDeadline(time.Now().Add(gen.StatementTimeout.Std()))
		defer sc.SetDeadline(time.Time{})
	}

	for _, fr := range frames {
		if err := sc.Write(fr); err != nil {
			s.serverBroken(sc, err)
			return
		}
	}
	if err := sc.Flush(); err != nil {
		s.serverBroken(sc, err)
		return
	}

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
		switch m.Type {
		case wire.MsgParseComplete, wire.MsgCloseComplete:
			if swallow > 0 {
				swallow--
				continue
			}
			s.writeMessages(m)
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
			return
		default:
			s.writeMessages(m)
			if s.writer.Buffered() > 1<<16 {
				s.writer.Flush()
			}
		}
	}
}

// serverStmtName derives the per-server statement name for a fingerprint.
func serverStmtName(fp uint64) string {
	return fmt.Sprintf("_pgmux_%016x", fp)
}

func paramScope(stmt *sqlparse.Statement) params.Scope {
	if stmt.SetScope == sqlparse.SetLocal {
		return params.ScopeLocal
	}
	return params.ScopeSession
}
