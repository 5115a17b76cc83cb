package headrouter

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/webai/controlplane/internal/envelope"
)

// SignedClient issues envelope-signed requests from the head to a node
// (spec §4.1, §6). Transient connection failures (not 4xx/5xx responses)
// are retried with bounded exponential backoff, grounded in the teacher's
// cenkalti/backoff usage for its own outbound retry paths — retries never
// extend past the caller's context deadline, so they cannot blow through
// the per-node fan-out timeout in spec §4.5/E5.
type SignedClient struct {
	HTTP    *http.Client
	KeyID   string
	Private ed25519.PrivateKey
	nonceCt uint64
}

// NewSignedClient builds a client that signs every request with priv under keyID.
func NewSignedClient(keyID string, priv ed25519.PrivateKey, timeout time.Duration) *SignedClient {
	return &SignedClient{
		HTTP:    &http.Client{Timeout: timeout},
		KeyID:   keyID,
		Private: priv,
	}
}

func (c *SignedClient) nextNonce() string {
	n := atomic.AddUint64(&c.nonceCt, 1)
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", n, hex.EncodeToString(buf))
}

// Do signs and sends method/url with body, retrying transient network
// failures up to 2 additional attempts. A non-nil HTTP response (even a
// 4xx/5xx) is returned as-is without retry — only connection-level errors
// are retried.
func (c *SignedClient) Do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	op := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		env := envelope.Sign(c.Private, c.KeyID, method, req.URL.RequestURI(), body, c.nextNonce(), time.Now())
		if err := env.Apply(req); err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err // retryable: dial/connection-level failure
		}
		return resp, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

// ReadBody drains and closes resp.Body, returning the raw bytes.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
