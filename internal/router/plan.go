package router

import (
	"sort"

	"github.com/pgmux/pgmux/internal/cluster"
	"github.com/pgmux/pgmux/internal/sqlparse"
)

// ShardSetKind discriminates the shard targets of a plan.
type ShardSetKind int

const (
	// ShardsAll targets every shard.
	ShardsAll ShardSetKind = iota
	// ShardsSubset targets the listed shards.
	ShardsSubset
	// ShardsDirect targets exactly one shard.
	ShardsDirect
	// ShardsBlocked refuses the statement.
	ShardsBlocked
)

// ShardSet is the shard target of a plan.
type ShardSet struct {
	Kind   ShardSetKind
	Shards []int // sorted, for Subset
	Shard  int   // for Direct
}

// AllShards targets every shard.
func AllShards() ShardSet { return ShardSet{Kind: ShardsAll} }

// Direct targets one shard.
func Direct(n int) ShardSet { return ShardSet{Kind: ShardsDirect, Shard: n} }

// Subset targets the given shards; a single-element subset collapses to
// Direct and an empty one to All.
func Subset(shards map[int]bool) ShardSet {
	if len(shards) == 0 {
		return AllShards()
	}
	list := make([]int, 0, len(shards))
	for s := range shards {
		list = append(list, s)
	}
	sort.Ints(list)
	if len(list) == 1 {
		return Direct(list[0])
	}
	return ShardSet{Kind: ShardsSubset, Shards: list}
}

// Blocked refuses the statement.
func Blocked() ShardSet { return ShardSet{Kind: ShardsBlocked} }

// Resolve expands the set against the cluster's shard count.
func (s ShardSet) Resolve(shardCount int) []int {
	switch s.Kind {
	case ShardsDirect:
		return []int{s.Shard}
	case ShardsSubset:
		return s.Shards
	case ShardsBlocked:
		return nil
	default:
		out := make([]int, shardCount)
		for i := range out {
			out[i] = i
		}
		return out
	}
}

// Single reports the one shard targeted, if exactly one.
func (s ShardSet) Single(shardCount int) (int, bool) {
	shards := s.Resolve(shardCount)
	if len(shards) == 1 {
		return shards[0], true
	}
	return 0, false
}

// RewriteKind marks statements the assembler must transform.
type RewriteKind int

const (
	RewriteNone RewriteKind = iota
	// RewriteSplitInsert splits a multi-tuple INSERT across shards.
	RewriteSplitInsert
	// RewriteShardKeyUpdate moves a row whose sharding key changed.
	RewriteShardKeyUpdate
	// RewriteCopySplit splits COPY FROM rows by sharding key.
	RewriteCopySplit
)

// AggSpec carries the aggregate merge instructions for a cross-shard
// SELECT.
type AggSpec struct {
	Aggregates []sqlparse.Aggregate
	GroupBy    []string
}

// LimitSpec carries LIMIT/OFFSET for cross-shard merge.
type LimitSpec struct {
	Limit  int64
	Offset int64
}

// Plan is the routing decision for one statement. Immutable once produced.
type Plan struct {
	Shards ShardSet
	Intent cluster.Intent

	Order []sqlparse.OrderColumn
	Agg   *AggSpec
	Limit *LimitSpec

	Rewrite RewriteKind
	// TupleShards maps INSERT tuple index -> shard for RewriteSplitInsert.
	TupleShards []int
	// KeyUpdate describes a RewriteShardKeyUpdate move.
	KeyUpdate *KeyUpdateSpec

	// Stmt is the analyzed statement the plan was derived from.
	Stmt *sqlparse.Statement

	// CopyColumn is the position of the sharding column within the COPY
	// column list, and CopyShard maps its text value to a shard; both set
	// for RewriteCopySplit.
	CopyColumn int
	CopyShard  func(text string) (int, error)

	// NoDispatch marks statements the engine absorbs locally (session-scope
	// SET outside a transaction).
	NoDispatch bool

	// BlockReason is set when Shards.Kind == ShardsBlocked.
	BlockReason string
}

// KeyUpdateSpec describes an UPDATE that moves a row between shards.
type KeyUpdateSpec struct {
	Table     string
	Column    string
	OldShard  int
	NewShard  int
	OldValue  string
	NewValue  string
}

// CrossShard reports whether the plan targets more than one shard.
func (p *Plan) CrossShard(shardCount int) bool {
	return len(p.Shards.Resolve(shardCount)) > 1
}

// NeedsMerge reports whether the assembler must post-process results.
func (p *Plan) NeedsMerge() bool {
	return len(p.Order) > 0 || p.Agg != nil || p.Limit != nil
}
