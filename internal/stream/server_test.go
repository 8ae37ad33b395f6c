package stream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// fakeServer is a chat backend stand-in. Each accepted socket is handed to
// the test through conns; handshakes can be refused with refuse.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	conns  chan *serverConn
	hits   atomic.Int32
	refuse atomic.Int32 // HTTP status returned instead of upgrading; 0 accepts
}

type serverConn struct {
	t       *testing.T
	conn    *websocket.Conn
	frames  chan string
	readErr error // set before frames is closed
}

func newServerConn(t *testing.T, conn *websocket.Conn) *serverConn {
	sc := &serverConn{t: t, conn: conn, frames: make(chan string, 64)}
	go func() {
		defer close(sc.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				sc.readErr = err
				return
			}
			sc.frames <- string(data)
		}
	}()
	return sc
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{t: t, conns: make(chan *serverConn, 16)}
	upgrader := websocket.Upgrader{}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		if status := int(fs.refuse.Load()); status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- newServerConn(t, conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/chat/ws/test-token"
}

// accept waits for the next client socket.
func (fs *fakeServer) accept() *serverConn {
	fs.t.Helper()
	select {
	case sc := <-fs.conns:
		fs.t.Cleanup(func() { sc.conn.Close() })
		return sc
	case <-time.After(testTimeout):
		fs.t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// readRaw returns the next text frame from the client.
func (sc *serverConn) readRaw() string {
	sc.t.Helper()
	select {
	case frame, ok := <-sc.frames:
		if !ok {
			sc.t.Fatalf("connection closed: %v", sc.readErr)
		}
		return frame
	case <-time.After(testTimeout):
		sc.t.Fatal("timed out waiting for client message")
		return ""
	}
}

// readClose waits for the client to end the connection and returns the
// read error that ended it.
func (sc *serverConn) readClose() error {
	sc.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-sc.frames:
			if !ok {
				return sc.readErr
			}
		case <-deadline:
			sc.t.Fatal("timed out waiting for client close")
			return nil
		}
	}
}

// expectSilence asserts the client sends nothing for a short while.
func (sc *serverConn) expectSilence(d time.Duration) {
	sc.t.Helper()
	select {
	case frame, ok := <-sc.frames:
		if ok {
			sc.t.Fatalf("unexpected client message: %s", frame)
		}
	case <-time.After(d):
	}
}

func (sc *serverConn) send(v any) {
	sc.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(sc.t, err)
	sc.sendRaw(string(data))
}

func (sc *serverConn) sendRaw(s string) {
	sc.t.Helper()
	require.NoError(sc.t, sc.conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

// drop kills the TCP connection without a close frame.
func (sc *serverConn) drop() {
	sc.conn.UnderlyingConn().Close()
}

func (sc *serverConn) closeWith(code int) {
	sc.t.Helper()
	msg := websocket.FormatCloseMessage(code, "")
	require.NoError(sc.t, sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
}

// gatedDialer holds chosen dial attempts, numbered from 1, until the test
// releases them.
type gatedDialer struct {
	mu      sync.Mutex
	calls   int
	gates   map[int]chan error
	entered chan int
}

func newGatedDialer(held ...int) *gatedDialer {
	g := &gatedDialer{gates: make(map[int]chan error), entered: make(chan int, 16)}
	for _, n := range held {
		g.gates[n] = make(chan error, 1)
	}
	return g
}

func (g *gatedDialer) dialer() *websocket.Dialer {
	return &websocket.Dialer{NetDialContext: g.dial, HandshakeTimeout: testTimeout}
}

func (g *gatedDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	gate := g.gates[n]
	g.mu.Unlock()

	if gate != nil {
		g.entered <- n
		if err := <-gate; err != nil {
			return nil, err
		}
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func (g *gatedDialer) dials() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// waitEntered blocks until dial attempt n is held at its gate.
func (g *gatedDialer) waitEntered(t *testing.T, n int) {
	t.Helper()
	select {
	case got := <-g.entered:
		require.Equal(t, n, got)
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for dial %d", n)
	}
}

// release lets dial attempt n continue, failing it with err when non-nil.
func (g *gatedDialer) release(n int, err error) {
	g.gates[n] <- err
}

// recorder is an Observer that queues events for assertions.
type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 256)}
}

func (r *recorder) OnEvent(e Event) {
	r.events <- e
}

// waitFor returns the next event of type T, skipping others.
func waitFor[T Event](t *testing.T, r *recorder) T {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case e := <-r.events:
			if ev, ok := e.(T); ok {
				return ev
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// waitState blocks until the client reports state s.
func waitState(t *testing.T, r *recorder, s State) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case e := <-r.events:
			if sc, ok := e.(StateChanged); ok && sc.To == s {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", s)
		}
	}
}

// noEvent asserts that no event of type T arrives within d.
func noEvent[T Event](t *testing.T, r *recorder, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e := <-r.events:
			if _, ok := e.(T); ok {
				t.Fatalf("unexpected %T: %+v", e, e)
			}
		case <-deadline:
			return
		}
	}
}
