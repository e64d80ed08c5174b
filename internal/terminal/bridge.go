// Package terminal bridges websocket clients to container TTY streams,
// falling back to a simulated shell when no container is reachable.
package terminal

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctfarena/ctfarena/internal/metrics"
	"github.com/ctfarena/ctfarena/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now; tighten in production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// AttachFunc connects to a container's live TTY stream.
type AttachFunc func(ctx context.Context, containerID string) (io.ReadWriteCloser, error)

// Bridge serves the websocket terminal endpoint.
type Bridge struct {
	sessions *session.Registry
	attach   AttachFunc
}

// NewBridge creates a bridge. attach may be nil, forcing simulated mode.
func NewBridge(sessions *session.Registry, attach AttachFunc) *Bridge {
	return &Bridge{sessions: sessions, attach: attach}
}

// Handle upgrades the connection and streams the terminal. Invalid
// credentials still upgrade so the client receives a proper close frame
// (policy violation) instead of a failed handshake.
func (b *Bridge) Handle(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	sessionID, _ := strconv.ParseInt(r.URL.Query().Get("sessionId"), 10, 64)
	token := r.URL.Query().Get("token")

	if !b.sessions.Validate(sessionID, token) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session"),
			time.Now().Add(time.Second))
		return nil
	}

	ctx := r.Context()
	s, err := b.sessions.Get(sessionID)
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session"),
			time.Now().Add(time.Second))
		return nil
	}
	b.sessions.Touch(ctx, sessionID)

	backend, mode := b.selectBackend(ctx, ws, s.ContainerID)

	metrics.TerminalSessionsActive.WithLabelValues(mode).Inc()
	defer metrics.TerminalSessionsActive.WithLabelValues(mode).Dec()
	log.Printf("terminal: session %d connected (%s)", sessionID, mode)

	b.pump(ctx, ws, backend, sessionID, mode == "live")

	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	log.Printf("terminal: session %d disconnected", sessionID)
	return nil
}

// selectBackend attaches to the live container when possible; otherwise
// it announces the fallback and hands out a simulated shell.
func (b *Bridge) selectBackend(ctx context.Context, ws *websocket.Conn, containerID string) (io.ReadWriteCloser, string) {
	if b.attach != nil && containerID != "" && containerID != session.PendingContainer {
		stream, err := b.attach(ctx, containerID)
		if err == nil {
			return stream, "live"
		}
		log.Printf("terminal: attach %s: %v", containerID, err)
	}
	ws.WriteMessage(websocket.BinaryMessage,
		[]byte("\r\n\x1b[33m[no live container available, starting simulated terminal]\x1b[0m\r\n"))
	return NewSimulated(), "simulated"
}

// pump relays bytes both ways until either side ends. When a live stream
// dies while the client is still connected, the bridge swaps in a
// simulated shell rather than dropping the connection. pump owns the
// backend and closes whichever one is current when it returns.
func (b *Bridge) pump(ctx context.Context, ws *websocket.Conn, backend io.ReadWriteCloser, sessionID int64, live bool) {
	// gorilla/websocket allows one concurrent writer; both directions
	// and the swap banner funnel through writeWS.
	var wsMu sync.Mutex
	writeWS := func(data []byte) error {
		wsMu.Lock()
		defer wsMu.Unlock()
		return ws.WriteMessage(websocket.BinaryMessage, data)
	}

	var mu sync.Mutex // guards current and live
	current := backend

	get := func() (io.ReadWriteCloser, bool) {
		mu.Lock()
		defer mu.Unlock()
		return current, live
	}

	// swapToSimulated retires the dead live stream and hands back the
	// replacement. A second caller sees live already cleared and gets
	// the simulated shell the first one installed.
	swapToSimulated := func() io.ReadWriteCloser {
		mu.Lock()
		if !live {
			cur := current
			mu.Unlock()
			return cur
		}
		current.Close()
		current = NewSimulated()
		live = false
		cur := current
		mu.Unlock()
		writeWS([]byte("\r\n\x1b[33m[container connection lost, switching to simulated terminal]\x1b[0m\r\n"))
		return cur
	}

	defer func() {
		cur, _ := get()
		cur.Close()
	}()

	clientGone := make(chan struct{})

	// Backend -> websocket.
	go func() {
		buf := make([]byte, 4096)
		for {
			src, wasLive := get()
			n, err := src.Read(buf)
			if n > 0 {
				metrics.TerminalBytesTotal.WithLabelValues("output").Add(float64(n))
				if werr := writeWS(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				select {
				case <-clientGone:
					return
				default:
				}
				if !wasLive {
					return
				}
				swapToSimulated()
			}
		}
	}()

	// Websocket -> backend.
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			close(clientGone)
			return
		}
		metrics.TerminalBytesTotal.WithLabelValues("input").Add(float64(len(msg)))
		b.sessions.Touch(ctx, sessionID)
		if s, err := b.sessions.Get(sessionID); err != nil || !s.Active {
			close(clientGone)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session closed"),
				time.Now().Add(time.Second))
			return
		}
		dst, wasLive := get()
		if _, err := dst.Write(msg); err != nil {
			if !wasLive {
				close(clientGone)
				return
			}
			swapToSimulated().Write(msg)
		}
	}
}
