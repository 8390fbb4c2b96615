package pool

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgmux/pgmux/internal/wire"
)

// scramAuth performs the SASL SCRAM-SHA-256 exchange with a backend. It
// handles:
//   - AuthenticationSASL (type 10) — mechanism selection
//   - AuthenticationSASLContinue (type 11) — server challenge
//   - AuthenticationSASLFinal (type 12) — server signature verification
//
// The startup message must already be sent and the AuthenticationSASL
// payload read (passed as saslPayload, including the 4-byte auth type).
func scramAuth(sc *ServerConn, user, password string, saslPayload []byte) error {
	mechanisms := parseSASLMechanisms(saslPayload[4:])
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	// gs2-header = "n,,"  (no channel binding, no authzid)
	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sc.Send(saslInitialResponse("SCRAM-SHA-256", []byte(clientFirstMsg))); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	serverFirstMsg, err := readSASLMessage(sc, 11)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := sc.Send(saslResponse([]byte(clientFinalMsg))); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	serverFinalMsg, err := readSASLMessage(sc, 12)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)
	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("server signature mismatch")
	}
	return nil
}

// parseSASLMechanisms parses a null-terminated list of SASL mechanism names.
func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// saslEscapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

// saslInitialResponse builds the password message carrying the mechanism
// name and client-first-message.
func saslInitialResponse(mechanism string, clientFirstMsg []byte) wire.Message {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(clientFirstMsg)))
	payload = append(payload, clientFirstMsg...)
	return wire.Message{Type: wire.MsgPasswordMessage, Payload: payload}
}

// saslResponse builds the password message carrying a SASL response.
func saslResponse(data []byte) wire.Message {
	return wire.Message{Type: wire.MsgPasswordMessage, Payload: data}
}

// readSASLMessage reads the next Authentication message and verifies its
// SASL subtype, returning the payload after the 4-byte auth type field.
func readSASLMessage(sc *ServerConn, expectedAuthType uint32) ([]byte, error) {
	m, err := sc.Receive()
	if err != nil {
		return nil, err
	}
	if m.Type == wire.MsgErrorResponse {
		return nil, wire.ParseError(m.Payload)
	}
	if m.Type != wire.MsgAuthentication {
		return nil, fmt.Errorf("expected Authentication message ('R'), got %q", m.Type)
	}
	if len(m.Payload) < 4 {
		return nil, fmt.Errorf("auth message too short")
	}
	authType := binary.BigEndian.Uint32(m.Payload[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	out := make([]byte, len(m.Payload)-4)
	copy(out, m.Payload[4:])
	return out, nil
}

// hmacSHA256 computes HMAC-SHA-256.
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// xorBytes XORs two byte slices of equal length.
func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
