package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer acks joinRoom with fixed data, records every frame and lets
// the test push events to the connected client.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	frames []envelope
	conn   *websocket.Conn
	ready  chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		close(fs.ready)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			fs.mu.Lock()
			fs.frames = append(fs.frames, env)
			fs.mu.Unlock()
			switch env.Event {
			case "joinRoom":
				fs.write(envelope{Ack: env.ID, Data: json.RawMessage(`{"codecs":[]}`)})
			case "echo":
				fs.write(envelope{Ack: env.ID, Data: env.Data})
			case "empty":
				fs.write(envelope{Ack: env.ID})
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) write(env envelope) {
	b, err := json.Marshal(env)
	assert.NoError(fs.t, err)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.NoError(fs.t, fs.conn.WriteMessage(websocket.TextMessage, b))
}

func (fs *fakeServer) events() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.frames))
	for _, f := range fs.frames {
		out = append(out, f.Event)
	}
	return out
}

func dial(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{URL: fs.url(), PingPeriod: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	<-fs.ready
	return c
}

func TestRequestCorrelatesAck(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.Request(ctx, "joinRoom", map[string]string{"roomId": "room1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"codecs":[]}`, string(resp))

	resp, err = c.Request(ctx, "echo", map[string]int{"n": 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":7}`, string(resp))

	resp, err = c.Request(ctx, "empty", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(resp))
}

func TestEmitIsFireAndForget(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)

	require.NoError(t, c.Emit("connectTransport", map[string]string{"transportId": "t1"}))
	require.Eventually(t, func() bool {
		return len(fs.events()) == 1
	}, time.Second, 5*time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, "connectTransport", fs.frames[0].Event)
	assert.Zero(t, fs.frames[0].ID)
}

func TestPushDispatchAndOff(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)

	got := make(chan string, 4)
	off := c.On("newProducer", func(raw json.RawMessage) {
		var msg struct {
			ProducerID string `json:"producerId"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			got <- msg.ProducerID
		}
	})

	fs.write(envelope{Event: "newProducer", Data: json.RawMessage(`{"producerId":"p2"}`)})
	select {
	case id := <-got:
		assert.Equal(t, "p2", id)
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}

	off()
	fs.write(envelope{Event: "newProducer", Data: json.RawMessage(`{"producerId":"p3"}`)})

	// An ack round-trip orders the second push before the assertion.
	_, err := c.Request(context.Background(), "echo", 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRequestHonoursContext(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, "neverAcked", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "neverAcked", nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(fs.events()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed")
	}

	_, err := c.Request(context.Background(), "joinRoom", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Emit("connectTransport", nil), ErrClosed)
	assert.NoError(t, c.Close())

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestServerDisconnectClosesClient(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)

	fs.mu.Lock()
	_ = fs.conn.Close()
	fs.mu.Unlock()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not notice disconnect")
	}
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), Options{URL: "ws://127.0.0.1:1/none"})
	assert.Error(t, err)
}
