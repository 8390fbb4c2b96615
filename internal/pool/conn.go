package pool

import (
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pgmux/pgmux/internal/wire"
)

// ConnState tracks a server connection through its lifecycle.
type ConnState int

const (
	ConnStateConnecting ConnState = iota
	ConnStateAuthenticating
	ConnStateIdle
	ConnStateLeased
	ConnStateClosing
)

// ServerConn is one authenticated backend connection. It is exclusively
// owned: by the pool while idle, by exactly one client transaction while
// leased. No internal locking — the owner is single-threaded by contract.
type ServerConn struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer

	state     ConnState
	createdAt time.Time
	lastUsed  time.Time

	params   map[string]string // last ParameterStatus per name
	pid      uint32            // BackendKeyData for cancellation
	secret   uint32
	txStatus byte
	dirty    bool

	// prepared statement fingerprint -> server-side statement name; LRU so
	// hot statements stay resident. Evicted names queue for Close.
	prepared      *lru.Cache[uint64, string]
	evictedNames  []string
	suppressEvict bool

	addr string
	pool *Pool
}

func newServerConn(conn net.Conn, addr string, maxFrame int, p *Pool) *ServerConn {
	now := time.Now()
	sc := &ServerConn{
		conn:      conn,
		reader:    wire.NewReaderSize(conn, maxFrame),
		writer:    wire.NewWriter(conn),
		state:     ConnStateConnecting,
		createdAt: now,
		lastUsed:  now,
		params:    make(map[string]string),
		txStatus:  wire.TxIdle,
		addr:      addr,
		pool:      p,
	}
	limit := 512
	if p != nil && p.opts.PreparedLimit > 0 {
		limit = p.opts.PreparedLimit
	}
	sc.prepared, _ = lru.NewWithEvict(limit, func(_ uint64, name string) {
		if !sc.suppressEvict {
			sc.evictedNames = append(sc.evictedNames, name)
		}
	})
	return sc
}

// NewServerConn wraps an established, already-authenticated connection.
// Pools build their own; tests use it to assemble scripted servers.
func NewServerConn(conn net.Conn, addr string) *ServerConn {
	return newServerConn(conn, addr, 0, nil)
}

// Addr returns the backend address.
func (sc *ServerConn) Addr() string { return sc.addr }

// PID returns the backend process id.
func (sc *ServerConn) PID() uint32 { return sc.pid }

// Secret returns the backend cancellation secret.
func (sc *ServerConn) Secret() uint32 { return sc.secret }

// Params returns the server's negotiated parameters. The map is owned by
// the connection; callers must not mutate it.
func (sc *ServerConn) Params() map[string]string { return sc.params }

// SetParam records a parameter applied to this server (sync script result
// or relayed ParameterStatus).
func (sc *ServerConn) SetParam(name, value string) {
	sc.params[name] = value
}

// TxStatus returns the last ReadyForQuery status byte.
func (sc *ServerConn) TxStatus() byte { return sc.txStatus }

// SetTxStatus records the status byte of a relayed ReadyForQuery.
func (sc *ServerConn) SetTxStatus(status byte) { sc.txStatus = status }

// MarkDirty flags the connection as diverged from the idle baseline.
func (sc *ServerConn) MarkDirty() { sc.dirty = true }

// Dirty reports whether the connection needs recovery before reuse.
func (sc *ServerConn) Dirty() bool { return sc.dirty }

// PreparedName returns the server-side statement name cached for a
// statement fingerprint, refreshing its recency.
func (sc *ServerConn) PreparedName(fingerprint uint64) (string, bool) {
	return sc.prepared.Get(fingerprint)
}

// RememberPrepared caches a server-side statement name. The LRU may evict
// an older entry; its name is queued for TakeEvictedPrepared.
func (sc *ServerConn) RememberPrepared(fingerprint uint64, name string) {
	sc.prepared.Add(fingerprint, name)
}

// ForgetPrepared drops a cached statement without queueing a Close (the
// server side is already gone).
func (sc *ServerConn) ForgetPrepared(fingerprint uint64) {
	sc.suppressEvict = true
	sc.prepared.Remove(fingerprint)
	sc.suppressEvict = false
}

// TakeEvictedPrepared drains the names evicted by the LRU; the caller must
// send Close for each so the server-side statement is deallocated.
func (sc *ServerConn) TakeEvictedPrepared() []string {
	out := sc.evictedNames
	sc.evictedNames = nil
	return out
}

// PreparedCount returns the number of cached prepared statements.
func (sc *ServerConn) PreparedCount() int { return sc.prepared.Len() }

// clearPrepared wipes the cache without queueing Closes (DISCARD ALL
// already deallocated everything server-side).
func (sc *ServerConn) clearPrepared() {
	sc.suppressEvict = true
	sc.prepared.Purge()
	sc.suppressEvict = false
	sc.evictedNames = nil
}

// Age returns the connection's age.
func (sc *ServerConn) Age() time.Duration { return time.Since(sc.createdAt) }

// IdleFor returns the time since last use.
func (sc *ServerConn) IdleFor() time.Duration { return time.Since(sc.lastUsed) }

// Send writes frames and flushes.
func (sc *ServerConn) Send(msgs ...wire.Message) error {
	for _, m := range msgs {
		if err := sc.writer.WriteMessage(m); err != nil {
			return err
		}
	}
	return sc.writer.Flush()
}

// Write buffers a frame without flushing; pair with Flush for batches.
func (sc *ServerConn) Write(m wire.Message) error {
	return sc.writer.WriteMessage(m)
}

// Flush pushes buffered frames to the backend.
func (sc *ServerConn) Flush() error { return sc.writer.Flush() }

// Receive reads one frame from the backend. ParameterStatus and tx status
// bookkeeping happen here so every read path stays consistent.
func (sc *ServerConn) Receive() (wire.Message, error) {
	m, err := sc.reader.ReadMessage()
	if err != nil {
		return m, err
	}
	switch m.Type {
	case wire.MsgParameterStatus:
		if key, rest, err := cutCString(m.Payload); err == nil {
			if val, _, err := cutCString(rest); err == nil {
				sc.params[key] = val
			}
		}
	case wire.MsgReadyForQuery:
		if st, err := wire.ReadyStatus(m.Payload); err == nil {
			sc.txStatus = st
		}
	}
	return m, nil
}

// SetDeadline bounds the next reads/writes.
func (sc *ServerConn) SetDeadline(t time.Time) error {
	return sc.conn.SetDeadline(t)
}

// Exec runs a simple query and drains the response, returning the first
// backend error if one arrived. The connection must be leased or owned by
// the caller.
func (sc *ServerConn) Exec(sql string) error {
	if err := sc.Send(wire.Query(sql)); err != nil {
		return err
	}
	var execErr error
	for {
		m, err := sc.Receive()
		if err != nil {
			return err
		}
		switch m.Type {
		case wire.MsgErrorResponse:
			if execErr == nil {
				execErr = wire.ParseError(m.Payload)
			}
		case wire.MsgReadyForQuery:
			return execErr
		}
	}
}

// ExecTag runs a simple query and returns the last command tag.
func (sc *ServerConn) ExecTag(sql string) (string, error) {
	if err := sc.Send(wire.Query(sql)); err != nil {
		return "", err
	}
	var tag string
	var execErr error
	for {
		m, err := sc.Receive()
		if err != nil {
			return "", err
		}
		switch m.Type {
		case wire.MsgCommandComplete:
			tag = wire.CommandTag(m.Payload)
		case wire.MsgErrorResponse:
			if execErr == nil {
				execErr = wire.ParseError(m.Payload)
			}
		case wire.MsgReadyForQuery:
			return tag, execErr
		}
	}
}

// QueryTable runs a simple query and returns column names plus rows; nil
// row values are SQL NULLs.
func (sc *ServerConn) QueryTable(sql string) (cols []string, rows [][]*string, err error) {
	if err := sc.Send(wire.Query(sql)); err != nil {
		return nil, nil, err
	}
	var execErr error
	for {
		m, err := sc.Receive()
		if err != nil {
			return nil, nil, err
		}
		switch m.Type {
		case wire.MsgRowDescription:
			rd, perr := wire.ParseRowDescription(m.Payload)
			if perr != nil {
				execErr = perr
				continue
			}
			cols = cols[:0]
			for _, f := range rd.Fields {
				cols = append(cols, f.Name)
			}
		case wire.MsgDataRow:
			dr, perr := wire.ParseDataRow(m.Payload)
			if perr != nil {
				execErr = perr
				continue
			}
			row := make([]*string, len(dr.Values))
			for i, v := range dr.Values {
				if v != nil {
					s := string(v)
					row[i] = &s
				}
			}
			rows = append(rows, row)
		case wire.MsgErrorResponse:
			if execErr == nil {
				execErr = wire.ParseError(m.Payload)
			}
		case wire.MsgReadyForQuery:
			return cols, rows, execErr
		}
	}
}

// QueryRows runs a simple query and collects text-format result rows.
func (sc *ServerConn) QueryRows(sql string) ([][]string, error) {
	if err := sc.Send(wire.Query(sql)); err != nil {
		return nil, err
	}
	var rows [][]string
	var execErr error
	for {
		m, err := sc.Receive()
		if err != nil {
			return nil, err
		}
		switch m.Type {
		case wire.MsgDataRow:
			dr, err := wire.ParseDataRow(m.Payload)
			if err != nil {
				execErr = err
				continue
			}
			row := make([]string, len(dr.Values))
			for i, v := range dr.Values {
				if v != nil {
					row[i] = string(v)
				}
			}
			rows = append(rows, row)
		case wire.MsgErrorResponse:
			if execErr == nil {
				execErr = wire.ParseError(m.Payload)
			}
		case wire.MsgReadyForQuery:
			return rows, execErr
		}
	}
}

// QueryValue runs a simple query and returns the first column of the first
// row, or "" when the result is empty or NULL.
func (sc *ServerConn) QueryValue(sql string) (string, error) {
	rows, err := sc.QueryRows(sql)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return "", nil
	}
	return rows[0][0], nil
}

// Release hands the connection back to its pool with the given outcome.
func (sc *ServerConn) Release(outcome Outcome) {
	if sc.pool != nil {
		sc.pool.Release(sc, outcome)
	}
}

// Close tears down the socket.
func (sc *ServerConn) Close() error {
	sc.state = ConnStateClosing
	return sc.conn.Close()
}

func (sc *ServerConn) String() string {
	return fmt.Sprintf("server %s pid=%d", sc.addr, sc.pid)
}

// cutCString splits data at the first NUL.
func cutCString(data []byte) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("unterminated string")
}
