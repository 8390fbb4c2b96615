// Package engine drives client sessions through their transactional
// lifetime: it classifies each request, routes it, leases server handles
// from the right shard pools, aligns session parameters, splices protocol
// streams, and releases handles at transaction boundaries.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/pgmux/pgmux/internal/cluster"
	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/metrics"
	"github.com/pgmux/pgmux/internal/router"
)

// DB bundles the per-database collaborators a session needs.
type DB struct {
	Name    string
	Cluster *cluster.Cluster
	Router  *router.Router
	Users   []config.User
	// Parameters are config-supplied session defaults applied at connect.
	Parameters map[string]string
}

// Engine owns the shared state of all sessions: database registry, general
// settings snapshot, cancel registry, and the maintenance gate.
type Engine struct {
	mu      sync.RWMutex
	dbs     map[string]*DB
	general atomic.Pointer[config.General]

	Metrics  *metrics.Collector
	Registry *Registry
	Gate     *Gate
}

// New builds an engine from a parsed configuration.
func New(cfg *config.Config, m *metrics.Collector) *Engine {
	e := &Engine{
		dbs:      make(map[string]*DB),
		Metrics:  m,
		Registry: NewRegistry(),
		Gate:     NewGate(),
	}
	g := cfg.General
	e.general.Store(&g)
	for name, db := range cfg.Databases {
		e.dbs[name] = &DB{
			Name:       name,
			Cluster:    cluster.Build(name, db, cfg.General),
			Router:     router.New(db, cfg.General),
			Users:      db.Users,
			Parameters: db.Parameters,
		}
	}
	return e
}

// General returns the current settings snapshot. Sessions capture it once
// per request so a reload never changes semantics mid-operation.
func (e *Engine) General() *config.General {
	return e.general.Load()
}

// Database resolves a logical database by name.
func (e *Engine) Database(name string) (*DB, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	db, ok := e.dbs[name]
	return db, ok
}

// Databases snapshots the database registry.
func (e *Engine) Databases() []*DB {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*DB, 0, len(e.dbs))
	for _, db := range e.dbs {
		out = append(out, db)
	}
	return out
}

// Reload applies a new configuration: general settings and routing tables
// swap atomically, and existing databases take the new users and
// parameters. Databases new to the config get a cluster; removed ones are
// dropped and their clusters closed in the background. An existing
// database keeps its cluster and pools: pool changes for it are not
// applied. In-flight sessions finish against the snapshot they hold.
func (e *Engine) Reload(cfg *config.Config) {
	g := cfg.General
	e.general.Store(&g)

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, dbCfg := range cfg.Databases {
		if db, ok := e.dbs[name]; ok {
			db.Router.Reload(dbCfg, cfg.General)
			db.Users = dbCfg.Users
			db.Parameters = dbCfg.Parameters
			continue
		}
		e.dbs[name] = &DB{
			Name:       name,
			Cluster:    cluster.Build(name, dbCfg, cfg.General),
			Router:     router.New(dbCfg, cfg.General),
			Users:      dbCfg.Users,
			Parameters: dbCfg.Parameters,
		}
	}
	for name, db := range e.dbs {
		if _, ok := cfg.Databases[name]; !ok {
			delete(e.dbs, name)
			go db.Cluster.Close() // drain outside the lock
		}
	}
}

// Close shuts down every cluster.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, db := range e.dbs {
		db.Cluster.Close()
	}
}
