// Package wire implements the PostgreSQL v3 frontend/backend wire protocol:
// length-prefixed frame encode/decode over buffered streams, startup and
// cancel sub-protocol frames, and typed accessors for the payloads the
// routing and assembly layers need to look inside.
package wire

import (
	"errors"
	"fmt"
)

// Protocol constants.
const (
	ProtocolVersion   = 3<<16 | 0 // v3.0
	SSLRequestCode    = 80877103
	CancelRequestCode = 80877102
	GSSEncRequestCode = 80877104
)

// DefaultMaxFrameSize bounds a single frame payload. Matches the backend's
// 1 GiB allocation limit.
const DefaultMaxFrameSize = 1 << 30

// Frontend message types.
const (
	MsgQuery           byte = 'Q'
	MsgParse           byte = 'P'
	MsgBind            byte = 'B'
	MsgDescribe        byte = 'D'
	MsgExecute         byte = 'E'
	MsgClose           byte = 'C'
	MsgSync            byte = 'S'
	MsgFlush           byte = 'H'
	MsgTerminate       byte = 'X'
	MsgPasswordMessage byte = 'p'
	MsgFunctionCall    byte = 'F'
)

// Backend message types.
const (
	MsgAuthentication       byte = 'R'
	MsgParameterStatus      byte = 'S'
	MsgBackendKeyData       byte = 'K'
	MsgReadyForQuery        byte = 'Z'
	MsgErrorResponse        byte = 'E'
	MsgNoticeResponse       byte = 'N'
	MsgRowDescription       byte = 'T'
	MsgDataRow              byte = 'D'
	MsgCommandComplete      byte = 'C'
	MsgEmptyQueryResponse   byte = 'I'
	MsgParseComplete        byte = '1'
	MsgBindComplete         byte = '2'
	MsgCloseComplete        byte = '3'
	MsgNoData               byte = 'n'
	MsgParameterDescription byte = 't'
	MsgPortalSuspended      byte = 's'
	MsgNotification         byte = 'A'
	MsgCopyInResponse       byte = 'G'
	MsgCopyOutResponse      byte = 'H'
	MsgCopyBothResponse     byte = 'W'
)

// COPY sub-protocol (both directions).
const (
	MsgCopyData byte = 'd'
	MsgCopyDone byte = 'c'
	MsgCopyFail byte = 'f'
)

// Transaction status bytes carried by ReadyForQuery.
const (
	TxIdle   byte = 'I'
	TxInTx   byte = 'T'
	TxFailed byte = 'E'
)

// ErrProtocolViolation reports a malformed frame: length below the minimum,
// payload above the configured maximum, or a truncated typed payload.
var ErrProtocolViolation = errors.New("protocol violation")

// Message is one typed frame. Payload excludes the type byte and the length
// field. Payloads returned by a Reader are only valid until the next read;
// callers that buffer frames across I/O must Clone first.
type Message struct {
	Type    byte
	Payload []byte
}

// Clone returns a Message with an owned copy of the payload.
func (m Message) Clone() Message {
	p := make([]byte, len(m.Payload))
	copy(p, m.Payload)
	return Message{Type: m.Type, Payload: p}
}

// Size returns the encoded size of the message on the wire.
func (m Message) Size() int {
	return 1 + 4 + len(m.Payload)
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// IsBatchTerminator reports whether a frontend message ends a unit of work:
// a simple Query, a Sync closing an extended-protocol batch, a FunctionCall,
// or Terminate. CopyDone/CopyFail terminate COPY sub-streams.
func IsBatchTerminator(t byte) bool {
	switch t {
	case MsgQuery, MsgSync, MsgFunctionCall, MsgTerminate, MsgCopyDone, MsgCopyFail:
		return true
	}
	return false
}

// IsExtendedProtocol reports whether a frontend message belongs to an
// extended-protocol batch (bounded by Sync).
func IsExtendedProtocol(t byte) bool {
	switch t {
	case MsgParse, MsgBind, MsgDescribe, MsgExecute, MsgClose, MsgFlush, MsgSync:
		return true
	}
	return false
}
