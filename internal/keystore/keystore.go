// Package keystore manages the head's Ed25519 keypair and the set of head
// public keys a node trusts (spec §4.1). The head generates a keypair on
// first boot and persists the private key with restrictive permissions; a
// node loads any PEM files (or literal PEM strings) listed in
// HEAD_PUBLIC_KEYS and reloads them on a cache miss or an HUP-like signal.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	pemBlockPrivate = "WEBAI HEAD PRIVATE KEY"
	pemBlockPublic  = "WEBAI HEAD PUBLIC KEY"

	privateKeyFile = "head_private.pem"
	publicKeyFile  = "head_public.pem"
)

// HeadKeys is the head's own keypair, generated once and persisted under
// HEAD_KEY_DIR.
type HeadKeys struct {
	KeyID      string
	Public     ed25519.PublicKey
	Private    ed25519.PrivateKey
	PublicPEM  string
}

// LoadOrCreateHead loads the head's keypair from dir, generating and
// persisting a fresh one on first boot. The private key file is written
// with 0600 permissions.
func LoadOrCreateHead(dir string) (*HeadKeys, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("keystore: mkdir: %w", err)
	}
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if privBytes, err := os.ReadFile(privPath); err == nil {
		priv, err := decodePrivatePEM(privBytes)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode existing private key: %w", err)
		}
		pub := priv.Public().(ed25519.PublicKey)
		pubPEM, err := os.ReadFile(pubPath)
		if err != nil {
			pubPEM = []byte(encodePublicPEM(pub))
		}
		return &HeadKeys{KeyID: keyID(pub), Public: pub, Private: priv, PublicPEM: string(pubPEM)}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("keystore: read private key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate keypair: %w", err)
	}

	privPEM := encodePrivatePEM(priv)
	if err := writeFileAtomic(privPath, []byte(privPEM), 0o600); err != nil {
		return nil, fmt.Errorf("keystore: persist private key: %w", err)
	}
	pubPEM := encodePublicPEM(pub)
	if err := writeFileAtomic(pubPath, []byte(pubPEM), 0o644); err != nil {
		return nil, fmt.Errorf("keystore: persist public key: %w", err)
	}

	return &HeadKeys{KeyID: keyID(pub), Public: pub, Private: priv, PublicPEM: pubPEM}, nil
}

func keyID(pub ed25519.PublicKey) string {
	return fmt.Sprintf("%x", pub[:8])
}

func encodePrivatePEM(priv ed25519.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemBlockPrivate, Bytes: priv}))
}

func encodePublicPEM(pub ed25519.PublicKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemBlockPublic, Bytes: pub}))
}

func decodePrivatePEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected private key size %d", len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

func decodePublicPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		// Fall back to raw x509-style parsing for defense in depth; the
		// node also accepts a bare base64 PEM produced by encodePublicPEM.
		return nil, fmt.Errorf("no PEM block found")
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
			if edPub, ok := pub.(ed25519.PublicKey); ok {
				return edPub, nil
			}
		}
		return nil, fmt.Errorf("unexpected public key size %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// TrustStore is the node-side set of trusted head public keys, reloadable
// on cache miss or an HUP-like signal, and watched via fsnotify so an
// operator dropping a new PEM file is picked up without a signal.
type TrustStore struct {
	sources []string // file paths or literal PEM strings, from HEAD_PUBLIC_KEYS
	logger  *slog.Logger

	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey // key_id -> pub

	requireAuth bool
}

// NewTrustStore parses HEAD_PUBLIC_KEYS (comma-separated paths or literal
// PEM blocks) and performs an initial load.
func NewTrustStore(sourcesCSV string, requireAuth bool, logger *slog.Logger) (*TrustStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &TrustStore{logger: logger, keys: map[string]ed25519.PublicKey{}, requireAuth: requireAuth}
	for _, s := range splitCSV(sourcesCSV) {
		ts.sources = append(ts.sources, s)
	}
	if err := ts.Reload(); err != nil {
		return nil, err
	}
	return ts, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Lookup implements envelope.TrustedKeys.
func (ts *TrustStore) Lookup(keyID string) (ed25519.PublicKey, bool) {
	ts.mu.RLock()
	pub, ok := ts.keys[keyID]
	ts.mu.RUnlock()
	if ok {
		return pub, true
	}
	// Cache miss: reload once before declaring the key unknown (spec §4.1).
	if err := ts.Reload(); err != nil {
		ts.logger.Warn("keystore: reload on cache miss failed", "error", err)
		return nil, false
	}
	ts.mu.RLock()
	pub, ok = ts.keys[keyID]
	ts.mu.RUnlock()
	return pub, ok
}

// Empty reports whether the trust store currently holds no keys — combined
// with RequireAuth, this drives the trust_not_configured (503) response.
func (ts *TrustStore) Empty() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.keys) == 0
}

func (ts *TrustStore) RequireAuth() bool { return ts.requireAuth }

// Trust adds a single public key (used by enrollment).
func (ts *TrustStore) Trust(pub ed25519.PublicKey) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.keys[keyID(pub)] = pub
}

// Reload re-parses all configured sources from disk/literal PEM.
func (ts *TrustStore) Reload() error {
	next := map[string]ed25519.PublicKey{}
	for _, src := range ts.sources {
		data, err := resolveSource(src)
		if err != nil {
			ts.logger.Error("keystore: failed to resolve HEAD_PUBLIC_KEYS entry", "source", src, "error", err)
			continue
		}
		pub, err := decodePublicPEM(data)
		if err != nil {
			ts.logger.Error("keystore: failed to decode public key", "source", src, "error", err)
			continue
		}
		next[keyID(pub)] = pub
	}
	ts.mu.Lock()
	for k, v := range next {
		ts.keys[k] = v
	}
	ts.mu.Unlock()
	return nil
}

func resolveSource(src string) ([]byte, error) {
	if strings.Contains(src, "BEGIN ") {
		return []byte(src), nil
	}
	return os.ReadFile(src)
}

// WatchReload watches file-path sources with fsnotify and reloads on
// write/create/rename, the same pattern the node's config watcher uses.
func (ts *TrustStore) WatchReload(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	added := false
	for _, src := range ts.sources {
		if strings.Contains(src, "BEGIN ") {
			continue
		}
		if err := fsw.Add(src); err == nil {
			added = true
		}
	}
	if !added {
		fsw.Close()
		return nil
	}
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := ts.Reload(); err != nil {
					ts.logger.Error("keystore: reload after fs event failed", "error", err)
				} else {
					ts.logger.Info("keystore: reloaded trusted keys", "path", ev.Name)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				ts.logger.Error("keystore: watcher error", "error", err)
			}
		}
	}()
	return nil
}
