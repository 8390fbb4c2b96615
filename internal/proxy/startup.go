package proxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/pgmux/pgmux/internal/config"
	"github.com/pgmux/pgmux/internal/params"
	"github.com/pgmux/pgmux/internal/pool"
	"github.com/pgmux/pgmux/internal/wire"
)

// defaultStatuses are the ParameterStatus values announced to clients at
// startup; real values follow as servers report them.
var defaultStatuses = [][2]string{
	{"server_version", "15.4"},
	{"server_encoding", "UTF8"},
	{"client_encoding", "UTF8"},
	{"DateStyle", "ISO, MDY"},
	{"IntervalStyle", "postgres"},
	{"TimeZone", "UTC"},
	{"integer_datetimes", "on"},
	{"standard_conforming_strings", "on"},
}

// handleConnection negotiates one client from raw socket to engine
// hand-off.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) error {
	gen := s.engine.General()
	current := conn
	reader := wire.NewReaderSize(current, gen.MaxFrameSize)

	// SSL/GSS negotiation loop; each denial or upgrade restarts the
	// startup exchange (bounded to avoid request loops)
	var startup *wire.Startup
	for attempt := 0; ; attempt++ {
		if attempt > 3 {
			return fmt.Errorf("too many negotiation attempts")
		}
		su, err := reader.ReadStartup()
		if err != nil {
			return fmt.Errorf("reading startup frame: %w", err)
		}

		switch su.Kind {
		case wire.StartupSSLRequest:
			if s.tlsConfig != nil {
				if _, err := current.Write([]byte{'S'}); err != nil {
					return err
				}
				tlsConn := tls.Server(current, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return fmt.Errorf("TLS handshake: %w", err)
				}
				current = tlsConn
				reader = wire.NewReaderSize(current, gen.MaxFrameSize)
			} else {
				if _, err := current.Write([]byte{'N'}); err != nil {
					return err
				}
			}
			continue
		case wire.StartupGSSEncRequest:
			if _, err := current.Write([]byte{'N'}); err != nil {
				return err
			}
			continue
		case wire.StartupCancelRequest:
			// the cancel sub-protocol carries no response
			s.engine.Registry.Cancel(su.CancelPID, su.CancelSecret)
			return nil
		case wire.StartupMessage:
			startup = su
		}
		break
	}

	writer := wire.NewWriter(current)
	fail := func(code, msg string) error {
		writer.WriteMessage(wire.NewError("FATAL", code, msg).Frame())
		writer.Flush()
		return fmt.Errorf("%s", msg)
	}

	store := params.NewStore(gen.SyncParameters)
	if err := store.MergeStartup(startup.Parameters); err != nil {
		return fail("0A000", err.Error())
	}
	if store.User() == "" {
		return fail("28000", "no user specified in startup packet")
	}
	if store.Replication() != "" {
		return fail("0A000", "replication connections are not supported")
	}

	db, ok := s.engine.Database(store.Database())
	if !ok {
		return fail("3D000", fmt.Sprintf("database %q does not exist", store.Database()))
	}

	if err := s.authenticate(reader, writer, db.Users, store.User()); err != nil {
		writer.WriteMessage(wire.NewError("FATAL", "28P01",
			fmt.Sprintf("password authentication failed for user %q", store.User())).Frame())
		writer.Flush()
		if s.engine.Metrics != nil {
			s.engine.Metrics.Error("AuthFailure")
		}
		return err
	}

	// config-supplied session defaults apply under the client's own values
	for k, v := range db.Parameters {
		if _, set := store.Get(k); !set {
			store.ObserveSet(k, v, params.ScopeSession)
		}
	}

	sess := s.engine.NewSession(current, reader, writer, db, store)
	pid, secret := s.engine.Registry.Register(sess)

	writer.WriteMessage(wire.AuthenticationOk())
	for _, kv := range defaultStatuses {
		value := kv[1]
		if v, ok := store.Get(kv[0]); ok {
			value = v
		}
		writer.WriteMessage(wire.ParameterStatus(kv[0], value))
	}
	if app, ok := store.Get("application_name"); ok {
		writer.WriteMessage(wire.ParameterStatus("application_name", app))
	}
	writer.WriteMessage(wire.BackendKeyData(pid, secret))
	writer.WriteMessage(wire.ReadyForQuery(wire.TxIdle))
	if err := writer.Flush(); err != nil {
		s.engine.Registry.Unregister(sess)
		return err
	}

	return sess.Run(ctx)
}

// authenticate verifies the client against the database's configured users.
// With no users configured the proxy trusts the connection (credentials are
// enforced backend-side on every pool).
func (s *Server) authenticate(reader *wire.Reader, writer *wire.Writer,
	users []config.User, username string) error {

	if len(users) == 0 {
		return nil
	}
	var user *config.User
	for i := range users {
		if users[i].Username == username {
			user = &users[i]
			break
		}
	}
	if user == nil {
		return fmt.Errorf("unknown user %q", username)
	}

	switch strings.ToLower(user.AuthMethod) {
	case "", "md5":
		var salt [4]byte
		rand.Read(salt[:])
		writer.WriteMessage(wire.AuthenticationMD5(salt))
		if err := writer.Flush(); err != nil {
			return err
		}
		got, err := readPassword(reader)
		if err != nil {
			return err
		}
		want := pool.MD5Password(user.Username, user.Password, salt)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return fmt.Errorf("md5 password mismatch for %q", username)
		}
		return nil

	case "cleartext":
		writer.WriteMessage(wire.AuthenticationCleartext())
		if err := writer.Flush(); err != nil {
			return err
		}
		got, err := readPassword(reader)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(user.Password)) != 1 {
			return fmt.Errorf("password mismatch for %q", username)
		}
		return nil

	case "trust":
		return nil

	default:
		return fmt.Errorf("unsupported auth_method %q", user.AuthMethod)
	}
}

// readPassword reads the client's password response frame.
func readPassword(reader *wire.Reader) (string, error) {
	m, err := reader.ReadMessage()
	if err != nil {
		return "", err
	}
	if m.Type != wire.MsgPasswordMessage {
		return "", fmt.Errorf("expected password message, got %q", m.Type)
	}
	pw := m.Payload
	if len(pw) > 0 && pw[len(pw)-1] == 0 {
		pw = pw[:len(pw)-1]
	}
	return string(pw), nil
}
