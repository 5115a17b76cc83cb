package keystore

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateHead_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	keys1, err := LoadOrCreateHead(dir)
	if err != nil {
		t.Fatal(err)
	}
	keys2, err := LoadOrCreateHead(dir)
	if err != nil {
		t.Fatal(err)
	}
	if keys1.KeyID != keys2.KeyID {
		t.Fatalf("expected stable key id across reload, got %s vs %s", keys1.KeyID, keys2.KeyID)
	}
	if string(keys1.Public) != string(keys2.Public) {
		t.Fatalf("expected stable public key across reload")
	}
}

func TestTrustStore_LiteralPEM(t *testing.T) {
	dir := t.TempDir()
	keys, err := LoadOrCreateHead(dir)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := NewTrustStore(keys.PublicPEM, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ts.Empty() {
		t.Fatal("expected trust store to hold the literal PEM key")
	}
	if _, ok := ts.Lookup(keys.KeyID); !ok {
		t.Fatal("expected lookup to find the trusted key")
	}
}

func TestTrustStore_FilePathAndReload(t *testing.T) {
	dir := t.TempDir()
	keys, err := LoadOrCreateHead(dir)
	if err != nil {
		t.Fatal(err)
	}
	pubPath := filepath.Join(dir, publicKeyFile)
	ts, err := NewTrustStore(pubPath, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ts.Lookup(keys.KeyID); !ok {
		t.Fatal("expected lookup to find the trusted key loaded from file")
	}
	// Unknown key id triggers a cache-miss reload, then correctly reports absent.
	if _, ok := ts.Lookup("does-not-exist"); ok {
		t.Fatal("expected unknown key id to be absent after reload")
	}
}

func TestEnrollment_SingleUseAndExpiry(t *testing.T) {
	var e Enrollment
	tok, err := e.NewEnrollment()
	if err != nil {
		t.Fatal(err)
	}
	if !e.Redeem(tok) {
		t.Fatal("expected first redemption to succeed")
	}
	if e.Redeem(tok) {
		t.Fatal("expected second redemption of the same token to fail")
	}
}
