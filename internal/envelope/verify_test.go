package envelope

import (
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeKeys struct {
	pub ed25519.PublicKey
}

func (f fakeKeys) Lookup(keyID string) (ed25519.PublicKey, bool) {
	if keyID != "key-1" {
		return nil, false
	}
	return f.pub, true
}

type memReplay struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemReplay() *memReplay { return &memReplay{seen: map[string]time.Time{}} }

func (m *memReplay) SeenRecently(keyID, nonce string, now time.Time, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.seen[keyID+"|"+nonce]
	if !ok {
		return false
	}
	return now.Sub(t) < window
}

func (m *memReplay) Record(keyID, nonce string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[keyID+"|"+nonce] = now
}

func newSignedRequest(t *testing.T, priv ed25519.PrivateKey, method, target string, body []byte, nonce string, ts time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	env := Sign(priv, "key-1", method, req.URL.RequestURI(), body, nonce, ts)
	if err := env.Apply(req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestVerify_AcceptsValidEnvelope(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewVerifier(fakeKeys{pub: pub}, newMemReplay())
	now := time.Now().UTC()
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "POST", "/api/tasks?x=1", []byte(`{"a":1}`), "nonce-1", now)
	if err := v.Verify(req, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestVerify_RejectsAlteredBody(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewVerifier(fakeKeys{pub: pub}, newMemReplay())
	now := time.Now().UTC()
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "POST", "/api/tasks", []byte(`{"a":1}`), "nonce-2", now)
	err := v.Verify(req, []byte(`{"a":2}`))
	assertReason(t, err, ReasonBodyMismatch)
}

func TestVerify_RejectsAlteredPath(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewVerifier(fakeKeys{pub: pub}, newMemReplay())
	now := time.Now().UTC()
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "POST", "/api/tasks/abc", []byte(`{}`), "nonce-3", now)
	req.URL.Path = "/api/tasks/xyz"
	err := v.Verify(req, []byte(`{}`))
	assertReason(t, err, ReasonBadSignature)
}

func TestVerify_RejectsReplayedNonceWithinWindow(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewVerifier(fakeKeys{pub: pub}, newMemReplay())
	now := time.Now().UTC()
	v.Now = func() time.Time { return now }

	req1 := newSignedRequest(t, priv, "GET", "/api/tasks", nil, "nonce-4", now)
	if err := v.Verify(req1, nil); err != nil {
		t.Fatalf("first call should accept: %v", err)
	}

	later := now.Add(10 * time.Second)
	v.Now = func() time.Time { return later }
	req2 := newSignedRequest(t, priv, "GET", "/api/tasks", nil, "nonce-4", now)
	err := v.Verify(req2, nil)
	assertReason(t, err, ReasonReplayed)
}

func TestVerify_AcceptsSameNonceAfterWindowEviction(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewVerifier(fakeKeys{pub: pub}, newMemReplay())
	now := time.Now().UTC()
	v.Now = func() time.Time { return now }

	req1 := newSignedRequest(t, priv, "GET", "/api/tasks", nil, "nonce-5", now)
	if err := v.Verify(req1, nil); err != nil {
		t.Fatalf("first call should accept: %v", err)
	}

	// Beyond the 5-minute replay window, the same nonce (with a fresh
	// timestamp) is no longer considered a replay. Documented boundary
	// from spec E4.
	later := now.Add(6 * time.Minute)
	v.Now = func() time.Time { return later }
	req2 := newSignedRequest(t, priv, "GET", "/api/tasks", nil, "nonce-5", later)
	if err := v.Verify(req2, nil); err != nil {
		t.Fatalf("expected accept after window eviction, got %v", err)
	}
}

func TestVerify_RejectsStaleTimestamp(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewVerifier(fakeKeys{pub: pub}, newMemReplay())
	now := time.Now().UTC()
	v.Now = func() time.Time { return now }

	old := now.Add(-90 * time.Second)
	req := newSignedRequest(t, priv, "GET", "/api/tasks", nil, "nonce-6", old)
	err := v.Verify(req, nil)
	assertReason(t, err, ReasonStale)
}

func TestVerify_RejectsSwappedKeyID(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	v := NewVerifier(fakeKeys{pub: pub}, newMemReplay())
	now := time.Now().UTC()
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "GET", "/api/tasks", nil, "nonce-7", now)
	meta, sig, _ := Extract(req)
	meta.KeyID = "unknown-key"
	req2 := httptest.NewRequest("GET", "/api/tasks", nil)
	env := &Envelope{Meta: meta, Signature: sig}
	_ = env.Apply(req2)
	err := v.Verify(req2, nil)
	assertReason(t, err, ReasonMissingKey)
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()
	ve, ok := err.(*VerifyError)
	if !ok {
		t.Fatalf("expected *VerifyError, got %v", err)
	}
	if ve.Reason != want {
		t.Fatalf("expected reason %q, got %q", want, ve.Reason)
	}
}
