package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestLedger_ReplayWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	now := time.Now()
	if l.SeenRecently("key-1", "nonce-1", now, 5*time.Minute) {
		t.Fatal("expected not seen before Record")
	}
	l.Record("key-1", "nonce-1", now)
	if !l.SeenRecently("key-1", "nonce-1", now.Add(time.Minute), 5*time.Minute) {
		t.Fatal("expected seen within window")
	}
	if l.SeenRecently("key-1", "nonce-1", now.Add(6*time.Minute), 5*time.Minute) {
		t.Fatal("expected not seen once past window")
	}
}

func TestLedger_AppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Append("key-1", "nonce-1", "POST", "/api/tasks", OutcomeAccepted, "")
	l.Append("key-1", "nonce-2", "POST", "/api/tasks", OutcomeReplayed, "seen 5s ago")

	recs, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Outcome != OutcomeReplayed {
		t.Fatalf("expected newest-first ordering, got %v", recs[0].Outcome)
	}
}

func TestLedger_EvictOlderThan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	now := time.Now()
	l.Record("key-1", "nonce-old", now.Add(-time.Hour))
	l.Record("key-1", "nonce-new", now)
	l.EvictOlderThan(now.Add(-10 * time.Minute))

	if l.SeenRecently("key-1", "nonce-old", now, 2*time.Hour) {
		t.Fatal("expected evicted nonce to be gone")
	}
	if !l.SeenRecently("key-1", "nonce-new", now, 2*time.Hour) {
		t.Fatal("expected recent nonce to remain")
	}
}
