// Package audit implements the node-local audit ledger and the durable
// nonce-replay window that backs envelope verification (spec §4.1,
// SPEC_FULL.md §3 "Audit record"). Both are persisted to SQLite so a node
// restart does not immediately re-admit a nonce rejected moments earlier,
// and an operator can diagnose rejected calls after the fact. Tokens,
// signatures, and request bodies are never written to the ledger.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/webai/controlplane/internal/envelope"
)

const schema = `
CREATE TABLE IF NOT EXISTS nonces (
	key_id TEXT NOT NULL,
	nonce  TEXT NOT NULL,
	seen_at INTEGER NOT NULL,
	PRIMARY KEY (key_id, nonce)
);
CREATE INDEX IF NOT EXISTS idx_nonces_seen_at ON nonces(seen_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	key_id TEXT,
	nonce TEXT,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
`

// Ledger is a durable, per-node audit trail plus replay-nonce window. It
// implements envelope.ReplayLedger.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex
}

// Open opens (creating if needed) the SQLite-backed ledger at path.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// SeenRecently implements envelope.ReplayLedger.
func (l *Ledger) SeenRecently(keyID, nonce string, now time.Time, window time.Duration) bool {
	var seenAt int64
	row := l.db.QueryRowContext(context.Background(),
		`SELECT seen_at FROM nonces WHERE key_id = ? AND nonce = ?`, keyID, nonce)
	if err := row.Scan(&seenAt); err != nil {
		return false
	}
	return now.Sub(time.Unix(seenAt, 0)) < window
}

// Record implements envelope.ReplayLedger.
func (l *Ledger) Record(keyID, nonce string, now time.Time) {
	_, err := l.db.ExecContext(context.Background(),
		`INSERT OR REPLACE INTO nonces (key_id, nonce, seen_at) VALUES (?, ?, ?)`,
		keyID, nonce, now.Unix())
	if err != nil {
		l.logger.Error("audit: failed to record nonce", "error", err)
	}
}

// EvictOlderThan removes nonce entries outside the replay window, bounding
// table growth. Call periodically (e.g. alongside the scheduler tick).
func (l *Ledger) EvictOlderThan(cutoff time.Time) {
	_, err := l.db.ExecContext(context.Background(),
		`DELETE FROM nonces WHERE seen_at < ?`, cutoff.Unix())
	if err != nil {
		l.logger.Error("audit: failed to evict stale nonces", "error", err)
	}
}

// Outcome is the result recorded for one envelope verification attempt.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeMissingKey     Outcome = "missing_key"
	OutcomeBadSignature   Outcome = "bad_signature"
	OutcomeStale          Outcome = "stale"
	OutcomeReplayed       Outcome = "replayed"
)

// ReasonToOutcome maps an envelope.Reason to an audit Outcome.
func ReasonToOutcome(r envelope.Reason) Outcome {
	switch r {
	case envelope.ReasonMissingKey:
		return OutcomeMissingKey
	case envelope.ReasonBadSignature, envelope.ReasonBodyMismatch:
		return OutcomeBadSignature
	case envelope.ReasonStale:
		return OutcomeStale
	case envelope.ReasonReplayed:
		return OutcomeReplayed
	default:
		return OutcomeMissingKey
	}
}

// Append records one verification decision. detail must never contain a
// token, signature, or raw body.
func (l *Ledger) Append(keyID, nonce, method, path string, outcome Outcome, detail string) {
	_, err := l.db.ExecContext(context.Background(),
		`INSERT INTO audit_log (ts, key_id, nonce, method, path, outcome, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Unix(), keyID, nonce, method, path, string(outcome), detail)
	if err != nil {
		l.logger.Error("audit: failed to append entry", "error", err)
	}
}

// Record is a row in the audit log, used for diagnostics / listing.
type Record struct {
	ID      int64
	TS      time.Time
	KeyID   string
	Nonce   string
	Method  string
	Path    string
	Outcome Outcome
	Detail  string
}

// Recent returns the most recent audit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, ts, key_id, nonce, method, path, outcome, detail FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		var keyID, nonce, detail sql.NullString
		if err := rows.Scan(&r.ID, &ts, &keyID, &nonce, &r.Method, &r.Path, &r.Outcome, &detail); err != nil {
			return nil, err
		}
		r.TS = time.Unix(ts, 0).UTC()
		r.KeyID = keyID.String
		r.Nonce = nonce.String
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}
