package smoke

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/webai/controlplane/internal/headrouter"
)

// newTestSignedClient wraps a headrouter.SignedClient — the same signer a
// head uses to call a node — behind the adapter smoke tests drive requests
// through, so envelope signing/verification runs for real on every call.
func newTestSignedClient(t *testing.T, keyID string, priv ed25519.PrivateKey) *headrouterClientAdapter {
	t.Helper()
	sc := headrouter.NewSignedClient(keyID, priv, 10*time.Second)
	return &headrouterClientAdapter{
		do: func(ctx context.Context, method, url string, body []byte) ([]byte, int, error) {
			resp, err := sc.Do(ctx, method, url, body)
			if err != nil {
				return nil, 0, err
			}
			defer resp.Body.Close()
			respBody, _ := headrouter.ReadBody(resp)
			return respBody, resp.StatusCode, nil
		},
	}
}
