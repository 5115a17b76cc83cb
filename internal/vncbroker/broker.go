// Package vncbroker mints and validates one-time-ish tokens that gate
// access to a task's VNC session, and proxies the browser's WebSocket VNC
// client to the backend container over raw TCP.
package vncbroker

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
)

// Broker tracks the live VNC token for each task. A task has at most one
// valid token at a time; minting a new one invalidates the previous.
type Broker struct {
	mu     sync.RWMutex
	tokens map[string]tokenEntry // taskID -> entry
}

type tokenEntry struct {
	token string
	addr  string // backend VNC host:port
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{tokens: map[string]tokenEntry{}}
}

// Mint generates a fresh token for taskID bound to addr (the browser
// session container's VNC address) and invalidates any prior token for
// that task. Returns the token to embed in the task's vnc_launch_url.
func (b *Broker) Mint(taskID, addr string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate vnc token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[taskID] = tokenEntry{token: token, addr: addr}
	return token, nil
}

// Revoke invalidates the current token for taskID, if any (called on
// close_browser, stop, delete, or task completion). The task keeps a
// tombstone entry with an unmatchable token rather than being removed
// outright, so a stale token presented after revoke resolves to
// ResolveTokenMismatch (403) rather than ResolveNoSession (404) — the
// task once had a session, it just closed (spec §4.4/§8 property 4).
func (b *Broker) Revoke(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, exists := b.tokens[taskID]
	if !exists {
		return
	}
	entry.token = ""
	b.tokens[taskID] = entry
}

// Forget removes taskID's entry entirely, including its tombstone. Called
// when the task itself is deleted, since there is no longer any task for
// a future reconnect to be "previously valid" against.
func (b *Broker) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, taskID)
}

// ResolveResult distinguishes "no browser session for this task" (404, spec
// §6) from "a session exists but the token is wrong/absent/revoked" (403,
// spec §4.4/§6) so callers can map them to the correct HTTP status.
type ResolveResult int

const (
	// ResolveOK: token matches the task's live entry.
	ResolveOK ResolveResult = iota
	// ResolveNoSession: the task has no browser_open session at all.
	ResolveNoSession
	// ResolveTokenMismatch: a session exists but token is wrong, empty, or revoked.
	ResolveTokenMismatch
)

// Resolve validates token against taskID's current token (constant-time
// compare) and, on success, returns the backend address to proxy to.
func (b *Broker) Resolve(taskID, token string) (addr string, result ResolveResult) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, exists := b.tokens[taskID]
	if !exists {
		return "", ResolveNoSession
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(entry.token), []byte(token)) != 1 {
		return "", ResolveTokenMismatch
	}
	return entry.addr, ResolveOK
}
