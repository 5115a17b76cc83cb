// Package envelope implements the signed request envelope carried on every
// privileged head→node call (spec §4.1, §6). The envelope binds method,
// path+query, a SHA-256 body hash, a monotonic nonce, a UTC timestamp, and
// a signing-key id; the signature is Ed25519 over a canonical string.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderSignature = "X-WebAI-Signature"
	HeaderSigMeta   = "X-WebAI-Sig-Meta"
)

// Meta is the JSON structure carried (base64url-encoded) in X-WebAI-Sig-Meta.
type Meta struct {
	TS         int64  `json:"ts"`
	Nonce      string `json:"nonce"`
	KeyID      string `json:"key_id"`
	BodySHA256 string `json:"body_sha256"`
}

// Canonical builds the signed string:
// METHOD\nPATH_AND_QUERY\nBODY_SHA256\nTS\nNONCE\nKEY_ID
func Canonical(method, pathAndQuery string, bodySHA256 string, ts int64, nonce, keyID string) []byte {
	s := method + "\n" + pathAndQuery + "\n" + bodySHA256 + "\n" +
		strconv.FormatInt(ts, 10) + "\n" + nonce + "\n" + keyID
	return []byte(s)
}

// BodyHash returns the hex-encoded SHA-256 of raw body bytes.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%x", sum[:])
}

// Envelope is the signed wrapper prepared by the head before calling a node.
type Envelope struct {
	Meta      Meta
	Signature []byte
}

// Sign produces an Envelope for the given request parts using priv, under
// keyID. nonce must be unique per signing key (caller's responsibility —
// headrouter uses a monotonic counter plus random suffix).
func Sign(priv ed25519.PrivateKey, keyID, method, pathAndQuery string, body []byte, nonce string, now time.Time) *Envelope {
	bh := BodyHash(body)
	ts := now.UTC().Unix()
	canon := Canonical(method, pathAndQuery, bh, ts, nonce, keyID)
	sig := ed25519.Sign(priv, canon)
	return &Envelope{
		Meta: Meta{TS: ts, Nonce: nonce, KeyID: keyID, BodySHA256: bh},
		Signature: sig,
	}
}

// Apply writes the envelope onto an outgoing *http.Request's headers.
func (e *Envelope) Apply(req *http.Request) error {
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(e.Signature))
	req.Header.Set(HeaderSigMeta, base64.URLEncoding.EncodeToString(metaJSON))
	return nil
}

// Extract reads the envelope headers off an incoming *http.Request, along
// with the raw body (which the caller must have buffered, since the node
// needs to hash it and then hand it on to the JSON decoder).
func Extract(r *http.Request) (meta Meta, sig []byte, err error) {
	sigB64 := r.Header.Get(HeaderSignature)
	metaB64 := r.Header.Get(HeaderSigMeta)
	if sigB64 == "" || metaB64 == "" {
		return Meta{}, nil, fmt.Errorf("missing envelope headers")
	}
	sig, err = base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("bad signature encoding: %w", err)
	}
	metaJSON, err := base64.URLEncoding.DecodeString(metaB64)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("bad meta encoding: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("bad meta json: %w", err)
	}
	return meta, sig, nil
}

// ReadAndRestoreBody reads r.Body fully and replaces it so downstream JSON
// decoding still works, returning the raw bytes for hashing.
func ReadAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
