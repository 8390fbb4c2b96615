package pool

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pgmux/pgmux/internal/wire"
)

// connect dials and authenticates one backend connection.
func (p *Pool) connect(ctx context.Context) (*ServerConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if p.opts.Dial != nil {
		conn, err = p.opts.Dial(dialCtx)
	} else {
		d := net.Dialer{KeepAlive: 30 * time.Second}
		conn, err = d.DialContext(dialCtx, "tcp", p.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", p.Addr(), err)
	}

	sc := newServerConn(conn, p.Addr(), p.opts.MaxFrameSize, p)
	if p.opts.SkipAuth {
		sc.state = ConnStateIdle
		return sc, nil
	}

	sc.SetDeadline(time.Now().Add(p.opts.ConnectTimeout))
	if err := p.authenticate(sc); err != nil {
		sc.Close()
		return nil, fmt.Errorf("authenticating to %s: %w", p.Addr(), err)
	}
	sc.SetDeadline(time.Time{})
	return sc, nil
}

// authenticate performs the startup and authentication handshake, collecting
// ParameterStatus and BackendKeyData until ReadyForQuery.
func (p *Pool) authenticate(sc *ServerConn) error {
	sc.state = ConnStateAuthenticating

	startup := map[string]string{
		"user":     p.opts.User,
		"database": p.opts.DBName,
	}
	for k, v := range p.opts.StartupParameters {
		startup[k] = v
	}
	if err := sc.writer.WriteRaw(wire.StartupFrame(startup)); err != nil {
		return err
	}
	if err := sc.writer.Flush(); err != nil {
		return err
	}

	for {
		m, err := sc.Receive()
		if err != nil {
			return err
		}
		switch m.Type {
		case wire.MsgAuthentication:
			if len(m.Payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(m.Payload[:4])
			switch authType {
			case 0: // AuthenticationOk
			case 3: // AuthenticationCleartextPassword
				if err := sc.Send(wire.PasswordMessage(p.opts.Password)); err != nil {
					return err
				}
			case 5: // AuthenticationMD5Password
				if len(m.Payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				var salt [4]byte
				copy(salt[:], m.Payload[4:8])
				if err := sc.Send(wire.PasswordMessage(MD5Password(p.opts.User, p.opts.Password, salt))); err != nil {
					return err
				}
			case 10: // AuthenticationSASL (SCRAM-SHA-256)
				if err := scramAuth(sc, p.opts.User, p.opts.Password, m.Clone().Payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case wire.MsgBackendKeyData:
			if len(m.Payload) >= 8 {
				sc.pid = binary.BigEndian.Uint32(m.Payload[:4])
				sc.secret = binary.BigEndian.Uint32(m.Payload[4:8])
			}

		case wire.MsgReadyForQuery:
			if sc.TxStatus() != 'I' {
				return fmt.Errorf("unexpected transaction status after auth: %c", sc.TxStatus())
			}
			sc.state = ConnStateIdle
			return nil

		case wire.MsgErrorResponse:
			return wire.ParseError(m.Payload)

		default:
			// NoticeResponse, ParameterStatus (recorded by Receive), and
			// anything else sent during startup
		}
	}
}

// MD5Password computes the PostgreSQL MD5 password hash:
// "md5" + md5(md5(password + user) + salt).
func MD5Password(user, password string, salt [4]byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt[:]...))
	return "md5" + hex.EncodeToString(h2[:])
}

func (p *Pool) healthcheckLoop() {
	// first probe right away so a dead backend is banned before traffic
	p.healthcheck()

	ticker := time.NewTicker(p.opts.HealthcheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.healthcheck()
		case <-p.stopCh:
			return
		}
	}
}

// healthcheck probes the backend over a dedicated connection (not a pooled
// one, so a full pool cannot starve the probe). Threshold consecutive
// failures ban the pool; the first success unbans it.
func (p *Pool) healthcheck() {
	err := p.probe()
	p.mu.Lock()
	if err != nil {
		p.hcFailures++
		failures := p.hcFailures
		p.mu.Unlock()
		slog.Debug("healthcheck failed", "pool", p.Addr(), "failures", failures, "err", err)
		if failures >= p.opts.HealthcheckThreshold {
			p.Ban("healthcheck failure: "+err.Error(), time.Now().Add(p.opts.BanDuration))
		}
		return
	}
	recovered := p.hcFailures >= p.opts.HealthcheckThreshold
	p.hcFailures = 0
	p.mu.Unlock()
	if recovered {
		p.Unban()
	}
}

func (p *Pool) probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthcheckTimeout)
	defer cancel()

	sc, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	sc.SetDeadline(time.Now().Add(p.opts.HealthcheckTimeout))
	if err := sc.Exec("SELECT 1"); err != nil {
		return err
	}

	if p.opts.MeasureLag && p.opts.Role == "replica" {
		lag, err := sc.QueryValue(
			"SELECT COALESCE(EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()), 0)")
		if err == nil {
			if secs, perr := parseFloatSeconds(lag); perr == nil {
				p.lagNanos.Store(int64(secs * float64(time.Second)))
			}
		}
	}

	sc.Send(wire.Terminate())
	return nil
}

func parseFloatSeconds(s string) (float64, error) {
	var v float64
	_, err := fmt.Sscanf(s, "%g", &v)
	return v, err
}
