// Package config loads the TOML configuration surface: listener and admin
// addresses, per-database pool topology, sharded tables and schemas, manual
// query routing, and general tunables. Files support ${ENV} substitution and
// hot reload through a debounced fsnotify watcher.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Duration is a time.Duration that unmarshals from TOML strings ("30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration.
type Config struct {
	General   General             `toml:"general"`
	Databases map[string]Database `toml:"databases"`
}

// General holds proxy-wide settings.
type General struct {
	ListenAddr string `toml:"listen_addr"`
	AdminAddr  string `toml:"admin_addr"`
	TLSCert    string `toml:"tls_cert"`
	TLSKey     string `toml:"tls_key"`

	MaxConnectionsPerPool int      `toml:"max_connections_per_pool"`
	MinConnectionsPerPool int      `toml:"min_connections_per_pool"`
	ConnectTimeout        Duration `toml:"connect_timeout"`
	AcquireTimeout        Duration `toml:"acquire_timeout"`
	IdleTimeout           Duration `toml:"idle_timeout"`
	MaxServerAge          Duration `toml:"max_server_age"`
	BanDuration           Duration `toml:"ban_duration"`

	StatementTimeout  Duration `toml:"statement_timeout"`
	ClientIdleTimeout Duration `toml:"client_idle_timeout"`
	DispatchTimeout   Duration `toml:"dispatch_timeout"`

	HealthcheckInterval  Duration `toml:"healthcheck_interval"`
	HealthcheckThreshold int      `toml:"healthcheck_threshold"`
	HealthcheckTimeout   Duration `toml:"healthcheck_timeout"`

	ReplicaLagThreshold Duration `toml:"replica_lag_threshold"`
	ReplicaLagRecovery  Duration `toml:"replica_lag_recovery"`

	// conservative routes SELECTs inside explicit transactions to the
	// primary; aggressive keeps them on replicas until a write is seen.
	ReadWriteStrategy string `toml:"read_write_strategy"`
	LoadBalancer      string `toml:"load_balancer"`
	ReplicaFallback   bool   `toml:"replica_fallback_to_primary"`

	TwoPhaseCommit bool   `toml:"two_phase_commit"`
	MaxFrameSize   int    `toml:"max_frame_size"`
	PreparedLimit  int    `toml:"prepared_statement_cache_size"`
	ResetQuery     string `toml:"reset_query"`

	Rewrite Rewrite `toml:"rewrite"`

	SyncParameters []string `toml:"sync_parameters"`
}

// Rewrite controls cross-shard statement rewriting.
type Rewrite struct {
	Enabled      bool   `toml:"enabled"`
	ShardKey     bool   `toml:"shard_key"`
	SplitInserts bool   `toml:"split_inserts"`
	UniqueIDFunc string `toml:"unique_id_function"`
}

// Database is one logical database exposed to clients.
type Database struct {
	Pools          []Pool            `toml:"pools"`
	Users          []User            `toml:"users"`
	ShardedTables  []ShardedTable    `toml:"sharded_tables"`
	ShardedSchemas []ShardedSchema   `toml:"sharded_schemas"`
	ManualQueries  []ManualQuery     `toml:"manual_queries"`
	Parameters     map[string]string `toml:"parameters"`
}

// Role of a pool within a shard.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
	RoleAuto    Role = "auto"
)

// Pool describes one backend server address within a shard.
type Pool struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Role     Role   `toml:"role"`
	Shard    int    `toml:"shard"`
}

// Addr renders host:port.
func (p Pool) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Redacted returns a copy of the Pool with the password masked.
func (p Pool) Redacted() Pool {
	if p.Password != "" {
		p.Password = "***REDACTED***"
	}
	return p
}

// User is a proxy-side credential clients authenticate with.
type User struct {
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	AuthMethod string `toml:"auth_method"` // trust, cleartext, md5
}

// ShardingFunction selects how a key maps to a shard.
type ShardingFunction string

const (
	ShardingHash  ShardingFunction = "hash"
	ShardingList  ShardingFunction = "list"
	ShardingRange ShardingFunction = "range"
)

// ShardedTable configures key-based sharding for one table.
type ShardedTable struct {
	Table    string           `toml:"table"`
	Column   string           `toml:"column"`
	DataType string           `toml:"data_type"` // bigint, integer, text, uuid
	Function ShardingFunction `toml:"sharding_function"`

	// List mapping: value -> shard.
	ListMap map[string]int `toml:"list_map"`
	// Range mapping: half-open [start, end) -> shard.
	Ranges []RangeMapping `toml:"ranges"`
}

// RangeMapping is one half-open range of a range-sharded table.
type RangeMapping struct {
	Start int64 `toml:"start"`
	End   int64 `toml:"end"`
	Shard int   `toml:"shard"`
}

// ShardedSchema pins a schema to a shard.
type ShardedSchema struct {
	Schema string `toml:"schema"`
	Shard  int    `toml:"shard"`
}

// ManualQuery routes a statement fingerprint to a fixed plan.
type ManualQuery struct {
	// Fingerprint is the hex xxhash64 of the normalized statement.
	Fingerprint string `toml:"fingerprint"`
	Shard       *int   `toml:"shard"` // nil = all shards
	Role        Role   `toml:"role"`
	Block       bool   `toml:"block"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a TOML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates and defaults a TOML config document.
func Parse(data []byte) (*Config, error) {
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.ListenAddr == "" {
		g.ListenAddr = "0.0.0.0:6432"
	}
	if g.AdminAddr == "" {
		g.AdminAddr = "127.0.0.1:9930"
	}
	if g.MaxConnectionsPerPool == 0 {
		g.MaxConnectionsPerPool = 20
	}
	if g.ConnectTimeout == 0 {
		g.ConnectTimeout = Duration(5 * time.Second)
	}
	if g.AcquireTimeout == 0 {
		g.AcquireTimeout = Duration(10 * time.Second)
	}
	if g.IdleTimeout == 0 {
		g.IdleTimeout = Duration(5 * time.Minute)
	}
	if g.MaxServerAge == 0 {
		g.MaxServerAge = Duration(30 * time.Minute)
	}
	if g.BanDuration == 0 {
		g.BanDuration = Duration(60 * time.Second)
	}
	if g.DispatchTimeout == 0 {
		g.DispatchTimeout = Duration(60 * time.Second)
	}
	if g.HealthcheckInterval == 0 {
		g.HealthcheckInterval = Duration(30 * time.Second)
	}
	if g.HealthcheckThreshold == 0 {
		g.HealthcheckThreshold = 3
	}
	if g.HealthcheckTimeout == 0 {
		g.HealthcheckTimeout = Duration(3 * time.Second)
	}
	if g.ReplicaLagRecovery == 0 {
		g.ReplicaLagRecovery = Duration(30 * time.Second)
	}
	if g.ReadWriteStrategy == "" {
		g.ReadWriteStrategy = "conservative"
	}
	if g.LoadBalancer == "" {
		g.LoadBalancer = "round_robin"
	}
	if g.MaxFrameSize == 0 {
		g.MaxFrameSize = 1 << 30
	}
	if g.PreparedLimit == 0 {
		g.PreparedLimit = 512
	}
	if g.ResetQuery == "" {
		g.ResetQuery = "DISCARD ALL"
	}
	if g.Rewrite.UniqueIDFunc == "" {
		g.Rewrite.UniqueIDFunc = "next_unique_id"
	}

	for name, db := range cfg.Databases {
		for i, p := range db.Pools {
			if p.Role == "" {
				db.Pools[i].Role = RoleAuto
			}
			if p.Database == "" {
				db.Pools[i].Database = name
			}
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.General.ReadWriteStrategy {
	case "", "conservative", "aggressive":
	default:
		return fmt.Errorf("unknown read_write_strategy %q", cfg.General.ReadWriteStrategy)
	}
	switch cfg.General.LoadBalancer {
	case "", "round_robin", "random", "least_active":
	default:
		return fmt.Errorf("unknown load_balancer %q", cfg.General.LoadBalancer)
	}

	for name, db := range cfg.Databases {
		if len(db.Pools) == 0 {
			return fmt.Errorf("database %q: at least one pool is required", name)
		}
		shards := make(map[int]bool)
		for i, p := range db.Pools {
			if p.Host == "" {
				return fmt.Errorf("database %q pool %d: host is required", name, i)
			}
			if p.Port == 0 {
				return fmt.Errorf("database %q pool %d: port is required", name, i)
			}
			if p.User == "" {
				return fmt.Errorf("database %q pool %d: user is required", name, i)
			}
			if p.Shard < 0 {
				return fmt.Errorf("database %q pool %d: negative shard", name, i)
			}
			switch p.Role {
			case RolePrimary, RoleReplica, RoleAuto, "":
			default:
				return fmt.Errorf("database %q pool %d: unknown role %q", name, i, p.Role)
			}
			shards[p.Shard] = true
		}
		for i, st := range db.ShardedTables {
			if st.Table == "" || st.Column == "" {
				return fmt.Errorf("database %q sharded_tables[%d]: table and column are required", name, i)
			}
			switch st.Function {
			case ShardingHash, ShardingList, ShardingRange:
			default:
				return fmt.Errorf("database %q sharded_tables[%d]: unknown sharding_function %q", name, i, st.Function)
			}
			if st.Function == ShardingList && len(st.ListMap) == 0 {
				return fmt.Errorf("database %q sharded_tables[%d]: list sharding needs list_map", name, i)
			}
			if st.Function == ShardingRange && len(st.Ranges) == 0 {
				return fmt.Errorf("database %q sharded_tables[%d]: range sharding needs ranges", name, i)
			}
		}
		for i, ss := range db.ShardedSchemas {
			if ss.Schema == "" {
				return fmt.Errorf("database %q sharded_schemas[%d]: schema is required", name, i)
			}
			if !shards[ss.Shard] {
				return fmt.Errorf("database %q sharded_schemas[%d]: shard %d has no pool", name, i, ss.Shard)
			}
		}
	}
	return nil
}

// ShardCount returns the number of shards configured for a database
// (highest shard number + 1).
func (db Database) ShardCount() int {
	max := -1
	for _, p := range db.Pools {
		if p.Shard > max {
			max = p.Shard
		}
	}
	return max + 1
}

// Watcher watches a config file for changes and calls the callback with the
// new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
