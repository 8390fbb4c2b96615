package wire

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Writer encodes frames into a buffered stream. Nothing reaches the peer
// until Flush, so a batch of frames is written with one syscall.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 8192)}
}

// Err returns the first write error, if any. Once set, all writes are no-ops.
func (w *Writer) Err() error {
	return w.err
}

// WriteMessage encodes one typed frame.
func (w *Writer) WriteMessage(m Message) error {
	if w.err != nil {
		return w.err
	}
	var hdr [5]byte
	hdr[0] = m.Type
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(m.Payload)+4))
	if _, err := w.w.Write(hdr[:]); err != nil {
		w.err = err
		return err
	}
	if _, err := w.w.Write(m.Payload); err != nil {
		w.err = err
		return err
	}
	return nil
}

// WriteRaw copies pre-encoded bytes (e.g. a relayed startup frame).
func (w *Writer) WriteRaw(b []byte) error {
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(b); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Flush pushes buffered frames to the peer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if err := w.w.Flush(); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Buffered returns the number of bytes waiting for Flush.
func (w *Writer) Buffered() int {
	return w.w.Buffered()
}

// --- typed frame builders ---

// Query builds a simple Query frame.
func Query(sql string) Message {
	p := make([]byte, 0, len(sql)+1)
	p = append(p, sql...)
	p = append(p, 0)
	return Message{Type: MsgQuery, Payload: p}
}

// Terminate builds a Terminate frame.
func Terminate() Message {
	return Message{Type: MsgTerminate}
}

// ReadyForQuery builds a ReadyForQuery frame with the given tx status byte.
func ReadyForQuery(status byte) Message {
	return Message{Type: MsgReadyForQuery, Payload: []byte{status}}
}

// AuthenticationOk builds the auth-success frame.
func AuthenticationOk() Message {
	return Message{Type: MsgAuthentication, Payload: []byte{0, 0, 0, 0}}
}

// AuthenticationCleartext asks the client for a cleartext password.
func AuthenticationCleartext() Message {
	return Message{Type: MsgAuthentication, Payload: []byte{0, 0, 0, 3}}
}

// AuthenticationMD5 asks the client for an MD5 password with the given salt.
func AuthenticationMD5(salt [4]byte) Message {
	p := []byte{0, 0, 0, 5}
	p = append(p, salt[:]...)
	return Message{Type: MsgAuthentication, Payload: p}
}

// ParameterStatus builds a ParameterStatus frame.
func ParameterStatus(key, value string) Message {
	p := make([]byte, 0, len(key)+len(value)+2)
	p = append(p, key...)
	p = append(p, 0)
	p = append(p, value...)
	p = append(p, 0)
	return Message{Type: MsgParameterStatus, Payload: p}
}

// BackendKeyData builds a BackendKeyData frame.
func BackendKeyData(pid, secret uint32) Message {
	p := make([]byte, 8)
	binary.BigEndian.PutUint32(p[:4], pid)
	binary.BigEndian.PutUint32(p[4:], secret)
	return Message{Type: MsgBackendKeyData, Payload: p}
}

// CommandComplete builds a CommandComplete frame with the given tag.
func CommandComplete(tag string) Message {
	p := make([]byte, 0, len(tag)+1)
	p = append(p, tag...)
	p = append(p, 0)
	return Message{Type: MsgCommandComplete, Payload: p}
}

// CopyData wraps a chunk of COPY payload.
func CopyData(chunk []byte) Message {
	return Message{Type: MsgCopyData, Payload: chunk}
}

// CopyDone builds a CopyDone frame.
func CopyDone() Message {
	return Message{Type: MsgCopyDone}
}

// CopyFail builds a CopyFail frame with the given reason.
func CopyFail(reason string) Message {
	p := make([]byte, 0, len(reason)+1)
	p = append(p, reason...)
	p = append(p, 0)
	return Message{Type: MsgCopyFail, Payload: p}
}

// PasswordMessage builds a password response frame.
func PasswordMessage(password string) Message {
	p := make([]byte, 0, len(password)+1)
	p = append(p, password...)
	p = append(p, 0)
	return Message{Type: MsgPasswordMessage, Payload: p}
}

// StartupFrame encodes a StartupMessage from parameters. Pair order is not
// significant to the backend; keys iterate in map order.
func StartupFrame(params map[string]string) []byte {
	var body []byte
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], ProtocolVersion)
	body = append(body, ver[:]...)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	frame := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(4+len(body)))
	return append(frame, body...)
}

// CancelFrame encodes a CancelRequest frame targeting (pid, secret).
func CancelFrame(pid, secret uint32) []byte {
	frame := make([]byte, 16)
	binary.BigEndian.PutUint32(frame[0:4], 16)
	binary.BigEndian.PutUint32(frame[4:8], CancelRequestCode)
	binary.BigEndian.PutUint32(frame[8:12], pid)
	binary.BigEndian.PutUint32(frame[12:16], secret)
	return frame
}
