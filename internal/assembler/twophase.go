package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/pool"
)

// GIDPrefix marks prepared transactions owned by this proxy; recovery
// claims only GIDs carrying it. Full shape:
// pgmux_<session-uuid>_<tx-counter>_<participant-count>.
const GIDPrefix = "pgmux_"

// gidParticipants extracts the participant count from a GID.
func gidParticipants(gid string) (int, bool) {
	i := strings.LastIndexByte(gid, '_')
	if i < 0 || i == len(gid)-1 {
		return 0, false
	}
	n := 0
	for _, c := range gid[i+1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, n > 0
}

// TwoPhaseCommit commits a transaction spanning several shards atomically:
// PREPARE TRANSACTION everywhere, then COMMIT PREPARED everywhere. A failed
// prepare rolls back every participant; the client sees one outcome.
func TwoPhaseCommit(ctx context.Context, targets []Target, gid string, m *metrics.Collector) error {
	quoted := "'" + strings.ReplaceAll(gid, "'", "''") + "'"

	// phase I: prepare on every shard concurrently
	prepErrs := make([]error, len(targets))
	g, _ := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			prepErrs[i] = t.Server.Exec("PREPARE TRANSACTION " + quoted)
			return nil
		})
	}
	g.Wait()

	var firstErr error
	for i, err := range prepErrs {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shard %d: prepare: %w", targets[i].Shard, err)
		}
	}

	if firstErr != nil {
		// roll back prepared participants, plain ROLLBACK for the rest
		for i, t := range targets {
			if prepErrs[i] == nil {
				if err := t.Server.Exec("ROLLBACK PREPARED " + quoted); err != nil {
					slog.Error("rollback prepared failed", "gid", gid,
						"shard", t.Shard, "err", err)
					t.Server.MarkDirty()
				}
			} else {
				t.Server.Exec("ROLLBACK")
			}
		}
		if m != nil {
			m.TwoPhase("rolled_back")
		}
		return firstErr
	}

	// phase II: commit everywhere. A failure here leaves the prepared
	// transaction durable on that shard; recovery resolves it by GID.
	commitErrs := make([]error, len(targets))
	g2, _ := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g2.Go(func() error {
			commitErrs[i] = t.Server.Exec("COMMIT PREPARED " + quoted)
			return nil
		})
	}
	g2.Wait()

	for i, err := range commitErrs {
		if err != nil {
			slog.Error("commit prepared failed; transaction remains prepared",
				"gid", gid, "shard", targets[i].Shard, "err", err)
			targets[i].Server.MarkDirty()
			if firstErr == nil {
				firstErr = fmt.Errorf("shard %d: commit prepared: %w", targets[i].Shard, err)
			}
		}
	}
	if m != nil {
		if firstErr != nil {
			m.TwoPhase("commit_failed")
		} else {
			m.TwoPhase("committed")
		}
	}
	return firstErr
}

// RecoverPrepared scans a backend for prepared transactions left by a
// previous run and resolves them. GIDs under our prefix that never reached
// phase II are rolled back; an external resolution journal is unnecessary
// because phase II only starts after every shard prepared, so a GID found
// dangling on some shards while absent from its siblings is safe to roll
// back, and one present everywhere is safe to commit.
func RecoverPrepared(ctx context.Context, pools []*pool.Pool, m *metrics.Collector) error {
	gids := make(map[string][]*pool.Pool)
	conns := make([]*pool.ServerConn, 0, len(pools))
	byPool := make(map[*pool.Pool]*pool.ServerConn, len(pools))

	release := func() {
		for _, sc := range conns {
			sc.Release(pool.OutcomeClean)
		}
	}
	defer release()

	for _, p := range pools {
		sc, err := p.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("recovery scan %s: %w", p.Addr(), err)
		}
		conns = append(conns, sc)
		byPool[p] = sc

		rows, err := sc.QueryRows(
			"SELECT gid FROM pg_prepared_xacts WHERE gid LIKE '" + GIDPrefix + "%'")
		if err != nil {
			return fmt.Errorf("recovery scan %s: %w", p.Addr(), err)
		}
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			gids[row[0]] = append(gids[row[0]], p)
		}
	}
	for gid, holders := range gids {
		quoted := "'" + strings.ReplaceAll(gid, "'", "''") + "'"
		// the GID's trailing element is the participant count; a GID still
		// present on every participant finished phase I and is presumed
		// committed, anything partial is presumed aborted
		commit := false
		if n, ok := gidParticipants(gid); ok && len(holders) >= n {
			commit = true
		}
		verb := "ROLLBACK PREPARED "
		outcome := "recovered_rollback"
		if commit {
			verb = "COMMIT PREPARED "
			outcome = "recovered_commit"
		}
		for _, p := range holders {
			sc := byPool[p]
			if err := sc.Exec(verb + quoted); err != nil {
				slog.Error("prepared transaction recovery failed",
					"gid", gid, "backend", p.Addr(), "err", err)
				continue
			}
		}
		slog.Info("recovered prepared transaction", "gid", gid, "outcome", outcome)
		if m != nil {
			m.TwoPhase(outcome)
		}
	}
	return nil
}
