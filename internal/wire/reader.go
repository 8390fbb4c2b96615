package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader decodes frames from a byte stream. It buffers internally and never
// yields a partial frame: ReadMessage either returns a complete frame or an
// error. The payload slice is reused between calls.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	buf     []byte
}

// NewReader wraps r with the default frame size limit.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxFrameSize)
}

// NewReaderSize wraps r with an explicit frame size limit.
func NewReaderSize(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reader{
		r:       bufio.NewReaderSize(r, 8192),
		maxSize: maxSize,
	}
}

func (r *Reader) payloadBuf(n int) []byte {
	if cap(r.buf) < n {
		r.buf = make([]byte, n)
	}
	return r.buf[:n]
}

// ReadMessage reads one typed frame. The returned payload is valid until the
// next call on this Reader.
func (r *Reader) ReadMessage() (Message, error) {
	t, err := r.r.ReadByte()
	if err != nil {
		return Message{}, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("reading frame length: %w", err)
	}
	length := int(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 4 {
		return Message{}, violation("frame length %d below minimum", length)
	}
	payloadLen := length - 4
	if payloadLen > r.maxSize {
		return Message{}, violation("frame payload %d exceeds limit %d", payloadLen, r.maxSize)
	}

	payload := r.payloadBuf(payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return Message{}, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return Message{Type: t, Payload: payload}, nil
}

// Startup is the first frame of a client connection: no type byte, the
// length field leads. It is one of a parameterized StartupMessage, an
// SSLRequest, a GSSENCRequest, or a CancelRequest.
type Startup struct {
	// Kind discriminates the variants below.
	Kind StartupKind

	// Parameters of a StartupMessage (user, database, options, ...).
	Parameters map[string]string

	// CancelRequest target.
	CancelPID    uint32
	CancelSecret uint32

	// Raw holds the full frame including the length field, for relaying.
	Raw []byte
}

// StartupKind identifies the variant of a startup frame.
type StartupKind int

const (
	StartupMessage StartupKind = iota
	StartupSSLRequest
	StartupGSSEncRequest
	StartupCancelRequest
)

// maxStartupSize bounds startup frames; they carry only small parameter
// lists.
const maxStartupSize = 10000

// ReadStartup reads the untyped first frame of a connection.
func (r *Reader) ReadStartup() (*Startup, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 8 || length > maxStartupSize {
		return nil, violation("startup frame length %d", length)
	}

	body := make([]byte, length-4)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, fmt.Errorf("reading startup body: %w", err)
	}

	raw := make([]byte, 0, length)
	raw = append(raw, lenBuf[:]...)
	raw = append(raw, body...)

	code := binary.BigEndian.Uint32(body[:4])
	s := &Startup{Raw: raw}
	switch code {
	case SSLRequestCode:
		s.Kind = StartupSSLRequest
		return s, nil
	case GSSEncRequestCode:
		s.Kind = StartupGSSEncRequest
		return s, nil
	case CancelRequestCode:
		if len(body) < 12 {
			return nil, violation("cancel request truncated")
		}
		s.Kind = StartupCancelRequest
		s.CancelPID = binary.BigEndian.Uint32(body[4:8])
		s.CancelSecret = binary.BigEndian.Uint32(body[8:12])
		return s, nil
	case ProtocolVersion:
		s.Kind = StartupMessage
		params, err := parseStartupParameters(body[4:])
		if err != nil {
			return nil, err
		}
		s.Parameters = params
		return s, nil
	default:
		return nil, violation("unsupported protocol version %d.%d", code>>16, code&0xffff)
	}
}

// parseStartupParameters parses the null-terminated key/value pairs of a
// StartupMessage body (after the protocol version).
func parseStartupParameters(data []byte) (map[string]string, error) {
	params := make(map[string]string)
	for len(data) > 1 {
		key, rest, err := cutCString(data)
		if err != nil {
			return nil, violation("startup parameter key unterminated")
		}
		if key == "" {
			break
		}
		val, rest2, err := cutCString(rest)
		if err != nil {
			return nil, violation("startup parameter %q missing value", key)
		}
		params[key] = val
		data = rest2
	}
	return params, nil
}

// cutCString splits data at the first NUL.
func cutCString(data []byte) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, io.ErrUnexpectedEOF
}
