package browserbackend

import (
	"io"
	"log/slog"
	"testing"

	"github.com/docker/go-connections/nat"
)

// NewManager only fails if the local docker socket can't be reached; in an
// environment without a daemon we still exercise the config defaulting.
func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Skip("docker client init failed (expected without a daemon):", err)
	}
	defer m.Close()

	if m.cfg.Image != "webai/browser-session:latest" {
		t.Errorf("unexpected default image %q", m.cfg.Image)
	}
	if m.cfg.NetworkMode != "bridge" {
		t.Errorf("unexpected default network mode %q", m.cfg.NetworkMode)
	}
	if m.cfg.MemoryMB != 1024 {
		t.Errorf("unexpected default memory %d", m.cfg.MemoryMB)
	}
}

func TestVNCHostPort_NoBindingErrors(t *testing.T) {
	_, err := vncHostPort(nil, nat.Port(internalVNCPort))
	if err == nil {
		t.Fatal("expected error when no binding exists")
	}
}
