// Package assembler executes statements that target more than one shard
// and presents a single result stream to the client: parallel dispatch,
// row-description agreement, ordered merge, aggregate combination,
// LIMIT/OFFSET handling, COPY splitting, row rewrites, and two-phase
// commit.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/router"
	"github.com/pgmux/pgmux/internal/wire"
)

// ErrSchemaMismatch reports disagreeing row descriptions across shards.
var ErrSchemaMismatch = errors.New("cross-shard row descriptions do not match")

// Target pairs a shard number with the server leased for it.
type Target struct {
	Shard  int
	Server *pool.ServerConn
}

// Request is one cross-shard dispatch.
type Request struct {
	Targets  []Target
	Plan     *router.Plan
	Frames   []wire.Message
	Binds    *wire.BindFrame
	ClientR  *wire.Reader
	ClientW  *wire.Writer
	Database string
	Metrics  *metrics.Collector
	// Cancel sends backend cancel requests for the session's leases; used
	// when the dispatch deadline expires.
	Cancel func()
}

// Result reports dispatch side effects the engine must fold back into its
// lease table.
type Result struct {
	// Broken is a server that died mid-dispatch (already released Broken).
	Broken *pool.ServerConn
}

// Dispatch runs the request and writes the merged response (everything up
// to, but excluding, ReadyForQuery) to the client. On error the caller
// forwards the error; server streams are always consumed to their
// ReadyForQuery so leases stay usable.
func Dispatch(ctx context.Context, req Request) (*Result, error) {
	switch req.Plan.Rewrite {
	case router.RewriteCopySplit:
		return copySplit(ctx, req)
	case router.RewriteSplitInsert:
		return splitInsert(ctx, req)
	case router.RewriteShardKeyUpdate:
		return shardKeyUpdate(ctx, req)
	}

	frames, spec, err := prepareFrames(req)
	if err != nil {
		return &Result{}, err
	}

	res := &Result{}
	if err := sendAll(ctx, req, frames, res); err != nil {
		return res, err
	}

	streams := make([]*shardStream, len(req.Targets))
	for i, t := range req.Targets {
		streams[i] = &shardStream{target: t}
	}
	defer clearDeadlines(req.Targets)

	var mergeErr error
	switch {
	case spec.agg != nil:
		mergeErr = mergeAggregates(req, streams, spec)
	case len(req.Plan.Order) > 0:
		mergeErr = mergeOrdered(req, streams, spec)
	default:
		mergeErr = fanOut(req, streams, spec)
	}
	if mergeErr != nil {
		if isDeadline(mergeErr) && req.Cancel != nil {
			req.Cancel()
		}
		// drain whatever is left so surviving leases end at ReadyForQuery
		for _, ss := range streams {
			ss.drain()
		}
		if b := brokenOf(streams); b != nil {
			res.Broken = b
			b.Release(pool.OutcomeBroken)
		}
		return res, mergeErr
	}

	if err := shardErrors(streams); err != nil {
		return res, err
	}
	req.ClientW.Flush()
	return res, nil
}

// mergeSpec carries the prepared merge instructions.
type mergeSpec struct {
	agg   *aggPlan
	limit int64 // -1 = unlimited; rows to emit after offset
	off   int64
}

// prepareFrames rewrites the statement per shard requirements: aggregate
// helper columns and LIMIT pushdown. All shards receive identical frames.
func prepareFrames(req Request) ([]wire.Message, *mergeSpec, error) {
	spec := &mergeSpec{limit: -1}
	plan := req.Plan
	sql := ""
	simple := len(req.Frames) == 1 && req.Frames[0].Type == wire.MsgQuery
	if simple {
		sql = wire.QueryString(req.Frames[0].Payload)
	}

	if plan.Limit != nil {
		spec.limit = plan.Limit.Limit
		spec.off = plan.Limit.Offset
	}

	if plan.Agg != nil {
		ap, rewritten, err := buildAggPlan(plan, sql)
		if err != nil {
			return nil, nil, err
		}
		spec.agg = ap
		if rewritten != "" {
			sql = rewritten
		}
	}

	// ordered + limited: ask each shard for offset+limit rows so the merge
	// window is complete, then discard the offset client-side
	if len(plan.Order) > 0 && plan.Limit != nil {
		if !simple {
			return nil, nil, wire.NewError("ERROR", "0A000",
				"cross-shard ORDER BY with LIMIT requires the simple query protocol")
		}
		pushed, ok := pushDownLimit(sql, spec.off+spec.limit)
		if !ok {
			return nil, nil, wire.NewError("ERROR", "0A000",
				"cannot push LIMIT below the cross-shard merge for this statement")
		}
		sql = pushed
	} else if plan.Limit != nil && plan.Agg == nil && simple {
		// unordered LIMIT: shards may cap at offset+limit too
		if pushed, ok := pushDownLimit(sql, spec.off+spec.limit); ok {
			sql = pushed
		}
	}

	frames := req.Frames
	if simple && sql != wire.QueryString(req.Frames[0].Payload) {
		frames = []wire.Message{wire.Query(sql)}
	}
	return frames, spec, nil
}

// sendAll forwards the frames to every target concurrently. Parameter sync
// already ran at lease time; deadlines come from the dispatch context.
func sendAll(ctx context.Context, req Request, frames []wire.Message, res *Result) error {
	if d, ok := ctx.Deadline(); ok {
		for _, t := range req.Targets {
			t.Server.SetDeadline(d)
		}
	}

	g, _ := errgroup.WithContext(ctx)
	for _, t := range req.Targets {
		t := t
		g.Go(func() error {
			for _, fr := range frames {
				if err := t.Server.Write(fr); err != nil {
					return fmt.Errorf("shard %d: %w", t.Shard, err)
				}
			}
			if err := t.Server.Flush(); err != nil {
				return fmt.Errorf("shard %d: %w", t.Shard, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func clearDeadlines(targets []Target) {
	for _, t := range targets {
		t.Server.SetDeadline(time.Time{})
	}
}

// shardStream consumes one shard's response stream.
type shardStream struct {
	target Target
	rd     *wire.RowDescription
	pre    []wire.Message // non-row messages before the row description
	cur    *wire.DataRow
	tag    string
	done   bool
	pgErr  *wire.PGError
	broken error
}

// advance pulls the next DataRow, or marks the stream done at its
// ReadyForQuery. Backend errors are recorded, not returned; socket errors
// land in broken.
func (ss *shardStream) advance() error {
	ss.cur = nil
	if ss.done || ss.broken != nil {
		return ss.broken
	}
	for {
		m, err := ss.target.Server.Receive()
		if err != nil {
			ss.broken = err
			ss.done = true
			return err
		}
		switch m.Type {
		case wire.MsgRowDescription:
			rd, err := wire.ParseRowDescription(m.Payload)
			if err != nil {
				ss.broken = err
				ss.done = true
				return err
			}
			ss.rd = rd
		case wire.MsgDataRow:
			if ss.pgErr != nil {
				continue // discard rows after an error
			}
			row, err := wire.ParseDataRow(m.Payload)
			if err != nil {
				ss.broken = err
				ss.done = true
				return err
			}
			ss.cur = rowClone(row)
			return nil
		case wire.MsgCommandComplete:
			ss.tag = wire.CommandTag(m.Payload)
		case wire.MsgErrorResponse:
			if ss.pgErr == nil {
				ss.pgErr = wire.ParseError(m.Payload)
			}
		case wire.MsgReadyForQuery:
			ss.done = true
			return nil
		case wire.MsgParseComplete, wire.MsgBindComplete, wire.MsgNoData,
			wire.MsgParameterDescription, wire.MsgEmptyQueryResponse,
			wire.MsgNoticeResponse, wire.MsgPortalSuspended:
			if ss.rd == nil {
				ss.pre = append(ss.pre, m.Clone())
			}
		}
	}
}

// drain consumes the remainder of the stream.
func (ss *shardStream) drain() {
	for !ss.done && ss.broken == nil {
		if err := ss.advance(); err != nil {
			return
		}
	}
}

// rowClone copies a parsed row out of the reader's reusable buffer.
func rowClone(r *wire.DataRow) *wire.DataRow {
	out := &wire.DataRow{Values: make([][]byte, len(r.Values))}
	for i, v := range r.Values {
		if v == nil {
			continue
		}
		out.Values[i] = append([]byte(nil), v...)
	}
	return out
}

func brokenOf(streams []*shardStream) *pool.ServerConn {
	for _, ss := range streams {
		if ss.broken != nil {
			return ss.target.Server
		}
	}
	return nil
}

// shardErrors aggregates backend errors: the client sees the first error
// (lowest shard number) with a note listing every failed shard.
func shardErrors(streams []*shardStream) error {
	var failed []int
	var first *wire.PGError
	for _, ss := range streams {
		if ss.pgErr != nil {
			failed = append(failed, ss.target.Shard)
			if first == nil {
				first = ss.pgErr
			}
		}
	}
	if first == nil {
		return nil
	}
	sort.Ints(failed)
	out := *first
	if len(failed) > 1 {
		parts := make([]string, len(failed))
		for i, s := range failed {
			parts[i] = fmt.Sprintf("%d", s)
		}
		out.Detail = "failed on shards " + strings.Join(parts, ", ")
	} else {
		out.Detail = fmt.Sprintf("failed on shard %d", failed[0])
	}
	return &out
}

// checkSchema verifies the shard's row description against the first one.
func checkSchema(first, other *shardStream) error {
	if first.rd == nil || other.rd == nil {
		return nil
	}
	if !first.rd.Compatible(other.rd) {
		return fmt.Errorf("%w: shard %d and shard %d",
			ErrSchemaMismatch, first.target.Shard, other.target.Shard)
	}
	return nil
}

// fanOut relays rows without reordering: the first shard's description
// leads, later shards must agree; command tags combine by summed row
// counts.
func fanOut(req Request, streams []*shardStream, spec *mergeSpec) error {
	emitted := int64(0)
	skipped := int64(0)
	wroteRD := false

	for i, ss := range streams {
		if err := ss.advance(); err != nil {
			return streamBroken(ss)
		}
		if i > 0 {
			if err := checkSchema(streams[0], ss); err != nil {
				return err
			}
		}
		if !wroteRD && ss.rd != nil {
			for _, m := range streams[0].pre {
				req.ClientW.WriteMessage(m)
			}
			req.ClientW.WriteMessage(ss.rd.Encode())
			wroteRD = true
		}
		for ss.cur != nil {
			if spec.off > 0 && skipped < spec.off {
				skipped++
			} else if spec.limit < 0 || emitted < spec.limit {
				req.ClientW.WriteMessage(ss.cur.Encode())
				emitted++
			}
			if err := ss.advance(); err != nil {
				return streamBroken(ss)
			}
		}
	}

	if err := shardErrors(streams); err != nil {
		return err
	}
	if !wroteRD {
		for _, m := range streams[0].pre {
			req.ClientW.WriteMessage(m)
		}
	}
	req.ClientW.WriteMessage(combinedTag(streams, emitted, wroteRD))
	return nil
}

// mergeOrdered performs the k-way merge: one peek row per shard, minimum
// per the sort spec, shard number as the tie-break.
func mergeOrdered(req Request, streams []*shardStream, spec *mergeSpec) error {
	// prime every stream
	for i, ss := range streams {
		if err := ss.advance(); err != nil {
			return streamBroken(ss)
		}
		if i > 0 {
			if err := checkSchema(streams[0], ss); err != nil {
				return err
			}
		}
	}
	if err := shardErrors(streams); err != nil {
		return err
	}

	rd := streams[0].rd
	if rd == nil {
		return wire.NewError("ERROR", "XX000", "ordered merge without a row description")
	}
	cmp, err := newComparator(req.Plan.Order, rd)
	if err != nil {
		return err
	}

	for _, m := range streams[0].pre {
		req.ClientW.WriteMessage(m)
	}
	req.ClientW.WriteMessage(rd.Encode())

	emitted := int64(0)
	skipped := int64(0)
	for {
		best := -1
		for i, ss := range streams {
			if ss.cur == nil {
				continue
			}
			if best == -1 || cmp.less(ss.cur, streams[best].cur) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		ss := streams[best]
		if spec.off > 0 && skipped < spec.off {
			skipped++
		} else if spec.limit < 0 || emitted < spec.limit {
			req.ClientW.WriteMessage(ss.cur.Encode())
			emitted++
		} else {
			// window satisfied; stop comparing, just drain
			break
		}
		if err := ss.advance(); err != nil {
			return streamBroken(ss)
		}
	}

	for _, ss := range streams {
		ss.drain()
		if ss.broken != nil {
			return streamBroken(ss)
		}
	}
	if err := shardErrors(streams); err != nil {
		return err
	}
	req.ClientW.WriteMessage(wire.CommandComplete(fmt.Sprintf("SELECT %d", emitted)))
	return nil
}

func streamBroken(ss *shardStream) error {
	ss.target.Server.MarkDirty()
	return fmt.Errorf("shard %d: server connection failed: %w", ss.target.Shard, ss.broken)
}

// combinedTag merges per-shard command tags: row counts sum; the first
// shard's verb leads.
func combinedTag(streams []*shardStream, emitted int64, selected bool) wire.Message {
	if selected {
		return wire.CommandComplete(fmt.Sprintf("SELECT %d", emitted))
	}
	var total int64
	tag := ""
	for _, ss := range streams {
		if ss.tag == "" {
			continue
		}
		if tag == "" {
			tag = ss.tag
		}
		if n, ok := wire.TagRowCount(ss.tag); ok {
			total += n
		}
	}
	if tag == "" {
		return wire.CommandComplete("SELECT 0")
	}
	if _, ok := wire.TagRowCount(tag); ok {
		return wire.CommandComplete(wire.RewriteTagCount(tag, total))
	}
	return wire.CommandComplete(tag)
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
