package keystore

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// EnrollTTL bounds how long a single-use enrollment token remains valid.
const EnrollTTL = 10 * time.Minute

// Enrollment is the head-side single-use, time-bounded token that lets a
// node fetch and trust the head's public key on first contact.
type Enrollment struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	used    bool
	static  bool // true when Seed provided a fixed HEAD_ENROLL_TOKEN; never expires or is consumed
}

// Seed installs a fixed, non-expiring enrollment token from HEAD_ENROLL_TOKEN
// (spec §6), for operators who want to preconfigure a node's enrollment
// secret out of band instead of relying on the rotating, single-use token
// NewEnrollment mints.
func (e *Enrollment) Seed(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = token
	e.used = false
	e.static = true
}

// NewEnrollment mints a fresh enrollment token, replacing any prior one.
func (e *Enrollment) NewEnrollment() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	tok := base64.RawURLEncoding.EncodeToString(buf)
	e.mu.Lock()
	e.token = tok
	e.expires = time.Now().Add(EnrollTTL)
	e.used = false
	e.mu.Unlock()
	return tok, nil
}

// Current returns the active token, or "" if none/expired/used.
func (e *Enrollment) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token == "" {
		return ""
	}
	if !e.static && (e.used || time.Now().After(e.expires)) {
		return ""
	}
	return e.token
}

// Redeem consumes the token if it matches and hasn't expired/been used. A
// static (Seed-ed) token is never consumed, so repeated or concurrent node
// bootstraps can all redeem it.
func (e *Enrollment) Redeem(candidate string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token == "" {
		return false
	}
	if !e.static && (e.used || time.Now().After(e.expires)) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(e.token)) != 1 {
		return false
	}
	if !e.static {
		e.used = true
	}
	return true
}

// enrollResponse is served by the head at GET /api/nodes (public_key,
// enroll_token) and fetched by a node via FetchAndTrust.
type enrollResponse struct {
	PublicKeyPEM string `json:"public_key"`
}

// FetchAndTrust is run by a node on first contact: it presents the
// enrollment token to the head's enrollment endpoint, receives the head's
// public key PEM, and trusts it.
func FetchAndTrust(ctx context.Context, ts *TrustStore, headBaseURL, enrollToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, headBaseURL+"/api/enroll", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-WebAI-Enroll-Token", enrollToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("enrollment fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("enrollment fetch: status %d", resp.StatusCode)
	}

	var body enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("enrollment decode: %w", err)
	}
	pub, err := decodePublicPEM([]byte(body.PublicKeyPEM))
	if err != nil {
		return fmt.Errorf("enrollment decode key: %w", err)
	}
	ts.Trust(pub)
	return nil
}
