package envelope

import (
	"crypto/ed25519"
	"net/http"
	"sync"
	"time"
)

// Reason distinguishes why envelope verification failed (spec §4.1).
type Reason string

const (
	ReasonMissingKey    Reason = "missing_key"
	ReasonBadSignature  Reason = "bad_signature"
	ReasonStale         Reason = "stale"
	ReasonReplayed      Reason = "replayed"
	ReasonBodyMismatch  Reason = "body_mismatch"
)

// VerifyError carries the rejection reason for audit logging.
type VerifyError struct {
	Reason Reason
}

func (e *VerifyError) Error() string { return string(e.Reason) }

const (
	maxSkew     = 60 * time.Second
	replayWindow = 5 * time.Minute
)

// TrustedKeys resolves a key id to an Ed25519 public key. Implemented by
// the node's keystore.
type TrustedKeys interface {
	Lookup(keyID string) (ed25519.PublicKey, bool)
}

// ReplayLedger records nonces seen per key within the replay window and
// reports whether a given nonce has already been seen. Implemented by
// internal/audit on top of a durable store so the window survives restart.
type ReplayLedger interface {
	SeenRecently(keyID, nonce string, now time.Time, window time.Duration) bool
	Record(keyID, nonce string, now time.Time)
}

// Verifier checks incoming envelopes against trusted keys and the replay
// ledger. now is overridable for tests.
type Verifier struct {
	Keys   TrustedKeys
	Replay ReplayLedger
	Now    func() time.Time

	mu sync.Mutex
}

func NewVerifier(keys TrustedKeys, replay ReplayLedger) *Verifier {
	return &Verifier{Keys: keys, Replay: replay, Now: time.Now}
}

// Verify validates the envelope on r against the raw body bytes already
// read by ReadAndRestoreBody. It returns a *VerifyError with one of the
// Reason constants on rejection.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	meta, sig, err := Extract(r)
	if err != nil {
		return &VerifyError{Reason: ReasonMissingKey}
	}

	pub, ok := v.Keys.Lookup(meta.KeyID)
	if !ok {
		return &VerifyError{Reason: ReasonMissingKey}
	}

	now := v.now()
	ts := time.Unix(meta.TS, 0).UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return &VerifyError{Reason: ReasonStale}
	}

	if meta.BodySHA256 != BodyHash(body) {
		return &VerifyError{Reason: ReasonBodyMismatch}
	}

	canon := Canonical(r.Method, r.URL.RequestURI(), meta.BodySHA256, meta.TS, meta.Nonce, meta.KeyID)
	if !ed25519.Verify(pub, canon, sig) {
		return &VerifyError{Reason: ReasonBadSignature}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Replay.SeenRecently(meta.KeyID, meta.Nonce, now, replayWindow) {
		return &VerifyError{Reason: ReasonReplayed}
	}
	v.Replay.Record(meta.KeyID, meta.Nonce, now)
	return nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}
