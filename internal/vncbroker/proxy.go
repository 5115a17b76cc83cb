package vncbroker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/webai/controlplane/internal/shared"
)

// ProxyHandler returns an http.HandlerFunc serving GET /vnc/{task_id} for
// the given taskID. It validates the token query parameter against b
// before upgrading, then bridges the WebSocket connection to the backend
// container's raw VNC TCP port.
func ProxyHandler(b *Broker, logger *slog.Logger, taskIDFromRequest func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := taskIDFromRequest(r)
		token := r.URL.Query().Get("token")

		addr, result := b.Resolve(taskID, token)
		switch result {
		case ResolveNoSession:
			http.Error(w, "task has no open browser session", http.StatusNotFound)
			return
		case ResolveTokenMismatch:
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		backendConn, err := net.Dial("tcp", addr)
		if err != nil {
			logger.Warn("vnc: backend dial failed", "task_id", taskID, "error", shared.Redact(err.Error()))
			http.Error(w, "vnc backend unreachable", http.StatusBadGateway)
			return
		}
		defer backendConn.Close()

		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"binary"},
		})
		if err != nil {
			logger.Warn("vnc: websocket accept failed", "task_id", taskID, "error", shared.Redact(err.Error()))
			return
		}
		defer wsConn.Close(websocket.StatusNormalClosure, "bye")

		bridge(r.Context(), wsConn, backendConn, logger, taskID)
	}
}

// bridge pumps bytes in both directions until either side closes or the
// request context is cancelled.
func bridge(ctx context.Context, wsConn *websocket.Conn, tcpConn net.Conn, logger *slog.Logger, taskID string) {
	netConn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)
	defer netConn.Close()

	done := make(chan struct{}, 2)

	go func() {
		_, err := io.Copy(tcpConn, netConn)
		if err != nil {
			logger.Debug("vnc: ws->tcp copy ended", "task_id", taskID, "error", err)
		}
		done <- struct{}{}
	}()
	go func() {
		_, err := io.Copy(netConn, tcpConn)
		if err != nil {
			logger.Debug("vnc: tcp->ws copy ended", "task_id", taskID, "error", err)
		}
		done <- struct{}{}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}
