// Package cluster groups backend pools into shards ({shard → primary +
// replicas}) and picks a pool for a routed statement based on intent, the
// configured load-balancing strategy, and health.
package cluster

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/pool"
)

// Intent says whether a statement reads or writes.
type Intent int

const (
	IntentRead Intent = iota
	IntentWrite
)

func (i Intent) String() string {
	if i == IntentWrite {
		return "write"
	}
	return "read"
}

// Selection errors.
var (
	ErrNoPrimary = errors.New("no primary available")
	ErrNoReplica = errors.New("no replica available")
	ErrNoShard   = errors.New("shard not configured")
)

// Strategy picks among healthy replicas.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyRandom
	StrategyLeastActive
)

// ParseStrategy maps the config string to a Strategy.
func ParseStrategy(s string) Strategy {
	switch s {
	case "random":
		return StrategyRandom
	case "least_active":
		return StrategyLeastActive
	default:
		return StrategyRoundRobin
	}
}

// Shard is one partition: an optional primary pool plus replicas.
type Shard struct {
	Number   int
	Primary  *pool.Pool
	Replicas []*pool.Pool

	rr atomic.Uint64 // round-robin cursor

	// lag demotion state per replica index
	mu      sync.Mutex
	lastBad []time.Time
}

// Options tunes selection behavior.
type Options struct {
	Strategy        Strategy
	ReplicaFallback bool // fall back to primary when no replica is healthy
	LagThreshold    time.Duration
	LagRecovery     time.Duration
}

// Cluster is the set of shards for one logical database.
type Cluster struct {
	database string
	shards   []*Shard
	opts     Options
}

// Build constructs a cluster (and its pools) from configuration.
func Build(name string, db config.Database, g config.General) *Cluster {
	n := db.ShardCount()
	shards := make([]*Shard, n)
	for i := 0; i < n; i++ {
		shards[i] = &Shard{Number: i}
	}

	for _, pc := range db.Pools {
		role := pc.Role
		if role == config.RoleAuto {
			// first pool of a shard acts as primary, the rest as replicas
			if shards[pc.Shard].Primary == nil {
				role = config.RolePrimary
			} else {
				role = config.RoleReplica
			}
		}
		p := pool.New(pool.Options{
			Database:             name,
			Shard:                pc.Shard,
			Role:                 string(role),
			Host:                 pc.Host,
			Port:                 pc.Port,
			DBName:               pc.Database,
			User:                 pc.User,
			Password:             pc.Password,
			MaxConnections:       g.MaxConnectionsPerPool,
			MinConnections:       g.MinConnectionsPerPool,
			ConnectTimeout:       g.ConnectTimeout.Std(),
			AcquireTimeout:       g.AcquireTimeout.Std(),
			IdleTimeout:          g.IdleTimeout.Std(),
			MaxAge:               g.MaxServerAge.Std(),
			BanDuration:          g.BanDuration.Std(),
			HealthcheckInterval:  g.HealthcheckInterval.Std(),
			HealthcheckTimeout:   g.HealthcheckTimeout.Std(),
			HealthcheckThreshold: g.HealthcheckThreshold,
			MeasureLag:           g.ReplicaLagThreshold > 0,
			MaxFrameSize:         g.MaxFrameSize,
			ResetQuery:           g.ResetQuery,
			PreparedLimit:        g.PreparedLimit,
			StartupParameters:    db.Parameters,
		})
		if role == config.RolePrimary {
			shards[pc.Shard].Primary = p
		} else {
			shards[pc.Shard].Replicas = append(shards[pc.Shard].Replicas, p)
		}
	}
	for _, s := range shards {
		s.lastBad = make([]time.Time, len(s.Replicas))
	}

	return &Cluster{
		database: name,
		shards:   shards,
		opts: Options{
			Strategy:        ParseStrategy(g.LoadBalancer),
			ReplicaFallback: g.ReplicaFallback,
			LagThreshold:    g.ReplicaLagThreshold.Std(),
			LagRecovery:     g.ReplicaLagRecovery.Std(),
		},
	}
}

// New assembles a cluster from pre-built shards. Tests use it to inject
// pools without dialing.
func New(database string, shards []*Shard, opts Options) *Cluster {
	for _, s := range shards {
		if s.lastBad == nil {
			s.lastBad = make([]time.Time, len(s.Replicas))
		}
	}
	return &Cluster{database: database, shards: shards, opts: opts}
}

// Database returns the logical database name.
func (c *Cluster) Database() string { return c.database }

// ShardCount returns the number of shards.
func (c *Cluster) ShardCount() int { return len(c.shards) }

// Shard returns shard n.
func (c *Cluster) Shard(n int) (*Shard, error) {
	if n < 0 || n >= len(c.shards) {
		return nil, fmt.Errorf("%w: %d", ErrNoShard, n)
	}
	return c.shards[n], nil
}

// Select picks a pool on shard n for the given intent. Write intent
// requires a live primary. Read intent load-balances across healthy,
// unlagged replicas, falling back to the primary when configured.
func (c *Cluster) Select(n int, intent Intent) (*pool.Pool, error) {
	s, err := c.Shard(n)
	if err != nil {
		return nil, err
	}

	if intent == IntentWrite {
		if s.Primary == nil || s.Primary.Banned() {
			return nil, fmt.Errorf("%w: shard %d", ErrNoPrimary, n)
		}
		return s.Primary, nil
	}

	candidates := c.healthyReplicas(s)
	if len(candidates) == 0 {
		if c.opts.ReplicaFallback && s.Primary != nil && !s.Primary.Banned() {
			return s.Primary, nil
		}
		if len(s.Replicas) == 0 && s.Primary != nil && !s.Primary.Banned() {
			// shards with no replicas configured always read from primary
			return s.Primary, nil
		}
		return nil, fmt.Errorf("%w: shard %d", ErrNoReplica, n)
	}

	switch c.opts.Strategy {
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))], nil
	case StrategyLeastActive:
		best := candidates[0]
		bestActive := best.Stats().InUse
		for _, p := range candidates[1:] {
			if active := p.Stats().InUse; active < bestActive {
				best, bestActive = p, active
			}
		}
		return best, nil
	default:
		i := s.rr.Add(1)
		return candidates[int(i)%len(candidates)], nil
	}
}

// healthyReplicas filters banned and replication-lagged replicas. A replica
// whose lag crossed the threshold stays demoted until its lag has been back
// under the threshold for the recovery interval.
func (c *Cluster) healthyReplicas(s *Shard) []*pool.Pool {
	out := make([]*pool.Pool, 0, len(s.Replicas))
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.Replicas {
		if r.Banned() {
			continue
		}
		if c.opts.LagThreshold > 0 {
			if r.Lag() > c.opts.LagThreshold {
				s.lastBad[i] = now
				continue
			}
			if !s.lastBad[i].IsZero() && now.Sub(s.lastBad[i]) < c.opts.LagRecovery {
				continue // stale: wait out the stability interval
			}
		}
		out = append(out, r)
	}
	return out
}

// Primaries returns the primary pool of every shard that has one, in shard
// order. Used for prepared-transaction recovery scans.
func (c *Cluster) Primaries() []*pool.Pool {
	var out []*pool.Pool
	for _, s := range c.shards {
		if s.Primary != nil {
			out = append(out, s.Primary)
		}
	}
	return out
}

// AllPools returns every pool in shard order, primary first.
func (c *Cluster) AllPools() []*pool.Pool {
	var out []*pool.Pool
	for _, s := range c.shards {
		if s.Primary != nil {
			out = append(out, s.Primary)
		}
		out = append(out, s.Replicas...)
	}
	return out
}

// Stats snapshots every pool.
func (c *Cluster) Stats() []pool.Stats {
	pools := c.AllPools()
	out := make([]pool.Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	return out
}

// Close shuts down every pool.
func (c *Cluster) Close() {
	for _, p := range c.AllPools() {
		p.Close()
	}
}
