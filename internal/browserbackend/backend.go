// Package browserbackend manages the long-running browser/VNC containers
// that back a task's open_browser state. Unlike an ephemeral sandbox
// container, one of these runs for the lifetime of a task's browser
// session and exposes a VNC port the vncbroker proxies to.
package browserbackend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/webai/controlplane/internal/shared"
)

const internalVNCPort = "5900/tcp"

// Config configures how session containers are created.
type Config struct {
	Image       string // BROWSER_IMAGE
	NetworkMode string // BROWSER_NETWORK_MODE, default "bridge"
	MemoryMB    int64
}

// Session describes a running browser-session container.
type Session struct {
	TaskID      string
	ContainerID string
	VNCAddr     string // host:port the vncbroker dials
}

// Manager starts and stops per-task browser-session containers and
// reports unexpected exits (browser_crashed, spec §7) via OnCrash.
type Manager struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // taskID -> session

	// OnCrash is invoked (from a background goroutine per session) when a
	// container exits without a preceding Stop call. nil is a no-op.
	OnCrash func(taskID string, exitCode int64)
}

// NewManager builds a Manager talking to the local docker daemon.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = "webai/browser-session:latest"
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 1024
	}
	return &Manager{cli: cli, cfg: cfg, logger: logger, sessions: map[string]*Session{}}, nil
}

// Start launches a browser-session container for taskID, bind-mounting
// profileDir as the container's browser profile directory (the task's
// opaque browser/ subtree from taskstore, per invariant I6 — the engine
// never inspects its contents). Returns the host:port to dial for VNC.
func (m *Manager) Start(ctx context.Context, taskID, profileDir string) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[taskID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("browser session already running for task %s", taskID)
	}
	m.mu.Unlock()

	vncPort := nat.Port(internalVNCPort)
	resp, err := m.cli.ContainerCreate(ctx, &container.Config{
		Image: m.cfg.Image,
		Labels: map[string]string{
			"webai.task_id": taskID,
		},
		ExposedPorts: nat.PortSet{vncPort: {}},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: m.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(m.cfg.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/profile", profileDir)},
		PortBindings: nat.PortMap{
			vncPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}, &network.NetworkingConfig{}, nil, fmt.Sprintf("webai-session-%s", taskID))
	if err != nil {
		return nil, fmt.Errorf("create browser session container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start browser session container: %w", err)
	}

	inspected, err := m.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect browser session container: %w", err)
	}
	addr, err := vncHostPort(inspected.NetworkSettings.Ports, vncPort)
	if err != nil {
		return nil, err
	}

	sess := &Session{TaskID: taskID, ContainerID: resp.ID, VNCAddr: addr}
	m.mu.Lock()
	m.sessions[taskID] = sess
	m.mu.Unlock()

	go m.watch(context.Background(), taskID, resp.ID)

	return sess, nil
}

func vncHostPort(ports nat.PortMap, vncPort nat.Port) (string, error) {
	bindings, ok := ports[vncPort]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("no host port bound for %s", vncPort)
	}
	host := bindings[0].HostIP
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, bindings[0].HostPort), nil
}

// watch blocks on ContainerWait and reports any exit not preceded by an
// explicit Stop as a crash (spec §7: browser_crashed detection).
func (m *Manager) watch(ctx context.Context, taskID, containerID string) {
	statusCh, errCh := m.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		m.logger.Warn("browser session wait error", "task_id", taskID, "error", shared.Redact(err.Error()))
	case st := <-statusCh:
		exitCode = st.StatusCode
	}

	m.mu.Lock()
	_, stillTracked := m.sessions[taskID]
	if stillTracked {
		delete(m.sessions, taskID)
	}
	m.mu.Unlock()

	if stillTracked && m.OnCrash != nil {
		m.OnCrash(taskID, exitCode)
	}
}

// SessionAddr returns the tracked VNC address for taskID, if a session is
// currently running for it.
func (m *Manager) SessionAddr(taskID string) (addr string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[taskID]
	if !ok {
		return "", false
	}
	return sess.VNCAddr, true
}

// Stop kills and removes the session container for taskID, if any. This
// is the expected path for close_browser/stop/delete; watch will observe
// the exit but the entry is already gone so no crash callback fires.
func (m *Manager) Stop(ctx context.Context, taskID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[taskID]
	if ok {
		delete(m.sessions, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.cli.ContainerStop(ctx, sess.ContainerID, container.StopOptions{}); err != nil {
		_ = m.cli.ContainerKill(ctx, sess.ContainerID, "SIGKILL")
	}
	return m.cli.ContainerRemove(ctx, sess.ContainerID, container.RemoveOptions{Force: true})
}

// Logs returns the container's combined stdout/stderr (used by /api/doctor
// style diagnostics, not by the task engine itself).
func (m *Manager) Logs(ctx context.Context, taskID string, w io.Writer) error {
	m.mu.Lock()
	sess, ok := m.sessions[taskID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no browser session for task %s", taskID)
	}
	out, err := m.cli.ContainerLogs(ctx, sess.ContainerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = stdcopy.StdCopy(w, w, out)
	return err
}

// Close releases the docker client.
func (m *Manager) Close() error { return m.cli.Close() }
