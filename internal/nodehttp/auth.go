// Package nodehttp is the node's HTTP surface: the envelope-authenticated
// task API the head calls, plus the token-gated VNC proxy a browser talks
// to directly.
package nodehttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/webai/controlplane/internal/audit"
	"github.com/webai/controlplane/internal/envelope"
	"github.com/webai/controlplane/internal/keystore"
	"github.com/webai/controlplane/internal/model"
	"github.com/webai/controlplane/internal/shared"
)

type authContextKey struct{}

// EnvelopeAuth verifies the signed envelope on every /api/ request against
// trust and ledger calls to every request it guards, and logs the outcome
// to ledger regardless of accept/reject.
type EnvelopeAuth struct {
	Trust    *keystore.TrustStore
	Verifier *envelope.Verifier
	Ledger   *audit.Ledger
	Logger   *slog.Logger
}

// Wrap enforces envelope authentication on next. Paths the caller doesn't
// want guarded (e.g. /healthz) should be mounted outside this wrapper.
func (a *EnvelopeAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Trust.Empty() {
			if a.Trust.RequireAuth() {
				writeError(w, model.NewError(model.CodeTrustNotConfigured, "node requires auth but has no trusted keys"))
				return
			}
			// No trusted keys and NODE_REQUIRE_AUTH=false: auth is disabled
			// for this node (spec §3/§4.6) — serve the request unverified.
			next.ServeHTTP(w, r)
			return
		}

		body, err := envelope.ReadAndRestoreBody(r)
		if err != nil {
			writeError(w, model.Invalid("could not read request body"))
			return
		}

		meta, _, extractErr := envelope.Extract(r)
		if verr := a.Verifier.Verify(r, body); verr != nil {
			reason := envelope.Reason("missing_key")
			if ve, ok := verr.(*envelope.VerifyError); ok {
				reason = ve.Reason
			}
			a.Ledger.Append(meta.KeyID, meta.Nonce, r.Method, r.URL.Path, audit.ReasonToOutcome(reason), string(reason))
			a.Logger.Warn("nodehttp: envelope rejected", "reason", reason, "path", r.URL.Path, "remote", shared.Redact(r.RemoteAddr))
			if extractErr != nil {
				writeError(w, model.Unauthorized("missing or malformed signature headers"))
				return
			}
			writeError(w, model.Unauthorized("envelope verification failed: %s", reason))
			return
		}

		a.Ledger.Append(meta.KeyID, meta.Nonce, r.Method, r.URL.Path, audit.OutcomeAccepted, "")
		ctx := context.WithValue(r.Context(), authContextKey{}, meta.KeyID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// KeyIDFromContext returns the envelope key_id that authenticated the
// request, for handlers that want it in logs.
func KeyIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(authContextKey{}).(string)
	return v
}
