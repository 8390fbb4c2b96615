package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Registry maps the (pid, secret) pair the proxy synthesizes for each
// client to its live session, for the cancel sub-protocol.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	nextPID  uint32
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]*Session), nextPID: 1}
}

// Register assigns a fresh (pid, secret) pair to the session.
func (r *Registry) Register(s *Session) (pid, secret uint32) {
	var buf [4]byte
	rand.Read(buf[:])
	secret = binary.BigEndian.Uint32(buf[:])

	r.mu.Lock()
	pid = r.nextPID
	r.nextPID++
	s.clientPID = pid
	s.clientSecret = secret
	r.sessions[pid] = s
	r.mu.Unlock()
	return pid, secret
}

// Unregister removes a finished session.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.clientPID]; ok && cur == s {
		delete(r.sessions, s.clientPID)
	}
	r.mu.Unlock()
}

// Cancel forwards a client CancelRequest: it looks up the target session by
// (pid, secret) and sends backend cancel requests for every server handle
// that session currently leases. Best-effort; an unknown or mismatched
// target is ignored, as the backend does.
func (r *Registry) Cancel(pid, secret uint32) {
	r.mu.Lock()
	s, ok := r.sessions[pid]
	r.mu.Unlock()
	if !ok || s.clientSecret != secret {
		return
	}
	s.cancelBackends()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists session descriptions for the admin surface.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Gate pauses client-to-server dispatch during maintenance while sessions
// and their leases stay up.
type Gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// NewGate creates an open gate.
func NewGate() *Gate {
	return &Gate{resume: make(chan struct{})}
}

// Pause stops new dispatches.
func (g *Gate) Pause() {
	g.mu.Lock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
	g.mu.Unlock()
}

// Resume releases every session waiting at the gate.
func (g *Gate) Resume() {
	g.mu.Lock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
	g.mu.Unlock()
}

// Paused reports the gate state.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ch := g.resume
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
