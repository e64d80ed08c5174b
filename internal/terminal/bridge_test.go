package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctfarena/ctfarena/internal/session"
	"github.com/ctfarena/ctfarena/pkg/types"
)

func newBridgeServer(t *testing.T, b *Bridge) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := b.Handle(w, r); err != nil {
			t.Logf("handle: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID int64, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/?sessionId=%d&token=%s", sessionID, token)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// wsReadUntil collects messages until want appears.
func wsReadUntil(t *testing.T, ws *websocket.Conn, want string) string {
	t.Helper()
	var sb strings.Builder
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q, got %q then error %v", want, sb.String(), err)
		}
		sb.Write(msg)
		if strings.Contains(sb.String(), want) {
			return sb.String()
		}
	}
}

func TestHandleInvalidSessionClosesPolicyViolation(t *testing.T) {
	reg := session.NewRegistry(time.Hour, nil)
	srv := newBridgeServer(t, NewBridge(reg, nil))

	ws := dial(t, srv, 12345, "bogus")
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestHandleSimulatedFallback(t *testing.T) {
	reg := session.NewRegistry(time.Hour, nil)
	s := reg.CreatePending(context.Background(), 1, 0)
	srv := newBridgeServer(t, NewBridge(reg, nil))

	ws := dial(t, srv, s.ID, s.Token)

	wsReadUntil(t, ws, "simulated terminal")
	wsReadUntil(t, ws, simPrompt)

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("pwd\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	wsReadUntil(t, ws, "/root")
}

type pipeBackend struct {
	in  *io.PipeReader
	out *io.PipeWriter
}

func (p *pipeBackend) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipeBackend) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *pipeBackend) Close() error {
	p.in.Close()
	return p.out.Close()
}

func TestHandleLiveStream(t *testing.T) {
	reg := session.NewRegistry(time.Hour, nil)
	reg.SetStatusFunc(func(ctx context.Context, id string) types.ContainerStatus {
		return types.ContainerRunning
	})
	s, err := reg.Create(context.Background(), "c1", 1, 0)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	// Echo backend: everything the client sends comes back upper-cased.
	attach := func(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
		if containerID != "c1" {
			t.Errorf("attach called with %q", containerID)
		}
		clientR, backendW := io.Pipe()
		backendR, clientW := io.Pipe()
		go func() {
			buf := make([]byte, 256)
			for {
				n, err := backendR.Read(buf)
				if err != nil {
					return
				}
				backendW.Write([]byte(strings.ToUpper(string(buf[:n]))))
			}
		}()
		return &pipeBackend{in: clientR, out: clientW}, nil
	}

	srv := newBridgeServer(t, NewBridge(reg, attach))
	ws := dial(t, srv, s.ID, s.Token)

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := wsReadUntil(t, ws, "HELLO")
	if strings.Contains(out, "simulated") {
		t.Errorf("live session fell back to simulated: %q", out)
	}
}

func TestHandleAttachFailureFallsBack(t *testing.T) {
	reg := session.NewRegistry(time.Hour, nil)
	reg.SetStatusFunc(func(ctx context.Context, id string) types.ContainerStatus {
		return types.ContainerRunning
	})
	s, err := reg.Create(context.Background(), "c1", 1, 0)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	attach := func(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
		return nil, errors.New("daemon gone")
	}

	srv := newBridgeServer(t, NewBridge(reg, attach))
	ws := dial(t, srv, s.ID, s.Token)

	wsReadUntil(t, ws, "simulated terminal")
	ws.WriteMessage(websocket.BinaryMessage, []byte("ls\r"))
	wsReadUntil(t, ws, "bin  etc")
}

// torndownBackend streams output until closed but rejects every write,
// the shape of a container whose stdin pipe died first.
type torndownBackend struct {
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newTorndownBackend() *torndownBackend {
	return &torndownBackend{out: make(chan []byte, 64), done: make(chan struct{})}
}

func (b *torndownBackend) Read(p []byte) (int, error) {
	select {
	case data := <-b.out:
		return copy(p, data), nil
	case <-b.done:
		return 0, io.EOF
	}
}

func (b *torndownBackend) Write(p []byte) (int, error) {
	return 0, errors.New("stream torn down")
}

func (b *torndownBackend) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

// A write failure swaps backends while the old one is still flooding
// output. The connection must survive the overlap and keep serving the
// simulated shell afterwards.
func TestHandleSwapDuringOutputStream(t *testing.T) {
	reg := session.NewRegistry(time.Hour, nil)
	reg.SetStatusFunc(func(ctx context.Context, id string) types.ContainerStatus {
		return types.ContainerRunning
	})
	s, err := reg.Create(context.Background(), "c1", 1, 0)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	backend := newTorndownBackend()
	go func() {
		for {
			select {
			case backend.out <- []byte("tick\r\n"):
			case <-backend.done:
				return
			}
		}
	}()
	attach := func(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
		return backend, nil
	}

	srv := newBridgeServer(t, NewBridge(reg, attach))
	ws := dial(t, srv, s.ID, s.Token)

	wsReadUntil(t, ws, "tick")
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	wsReadUntil(t, ws, "switching to simulated")

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("pwd\r")); err != nil {
		t.Fatalf("write after swap: %v", err)
	}
	wsReadUntil(t, ws, "/root")
}

// After a swap the replacement shell must be torn down with the
// connection; a lingering one parks its reader goroutine forever.
func TestSwappedBackendReleasedOnDisconnect(t *testing.T) {
	reg := session.NewRegistry(time.Hour, nil)
	reg.SetStatusFunc(func(ctx context.Context, id string) types.ContainerStatus {
		return types.ContainerRunning
	})
	s, err := reg.Create(context.Background(), "c1", 1, 0)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	attach := func(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
		return newTorndownBackend(), nil
	}
	srv := newBridgeServer(t, NewBridge(reg, attach))

	before := runtime.NumGoroutine()

	ws := dial(t, srv, s.ID, s.Token)
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	wsReadUntil(t, ws, "switching to simulated")
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("goroutines = %d, want <= %d after disconnect", runtime.NumGoroutine(), before)
}

func TestHandleClosedSessionRejected(t *testing.T) {
	reg := session.NewRegistry(time.Hour, nil)
	ctx := context.Background()
	s := reg.CreatePending(ctx, 1, 0)
	reg.Close(ctx, s.ID)

	srv := newBridgeServer(t, NewBridge(reg, nil))
	ws := dial(t, srv, s.ID, s.Token)
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("err = %v, want policy violation close", err)
	}
}
