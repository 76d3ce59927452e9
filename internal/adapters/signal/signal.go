// Package signal is the websocket client side of the room signaling protocol.
//
// Frames are JSON envelopes. A request carries an id and is answered by an ack
// frame echoing it; pushes and fire-and-forget messages carry no id:
//
//	{"event":"joinRoom","id":1,"data":{...}}   client -> server
//	{"ack":1,"data":{...}}                     server -> client
//	{"event":"newProducer","data":{...}}       server -> client
package signal

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("signal connection closed")
)

const (
	defaultSendQueue = 32
	defaultReadLimit = 1 << 20
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

type Options struct {
	URL string
	// InsecureTLS accepts self-signed certificates of development SFU hosts.
	InsecureTLS bool
	PingPeriod  time.Duration
	ReadLimit   int64
	SendQueue   int
	Header      http.Header
}

type envelope struct {
	Event string          `json:"event,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var _ core.SignalChannel = (*Client)(nil)

// Client is a core.SignalChannel over one websocket connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	opts Options

	mu           sync.Mutex
	closed       bool
	nextID       uint64
	pending      map[uint64]chan json.RawMessage
	listeners    map[string]map[int]func(json.RawMessage)
	nextListener int
}

// Dial connects to the signaling endpoint and starts the read and write pumps.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: opts.InsecureTLS},
	}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	conn.SetReadLimit(opts.ReadLimit)

	c := &Client{
		conn:      conn,
		send:      make(chan []byte, opts.SendQueue),
		done:      make(chan struct{}),
		opts:      opts,
		pending:   make(map[uint64]chan json.RawMessage),
		listeners: make(map[string]map[int]func(json.RawMessage)),
	}
	if opts.PingPeriod > 0 {
		pongWait := 2 * opts.PingPeriod
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "signal").Str("url", opts.URL).Msg("signaling connected")
	return c, nil
}

// Request sends event and waits for its ack.
func (c *Client) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ack := make(chan json.RawMessage, 1)
	c.pending[id] = ack
	c.mu.Unlock()

	if err := c.write(envelope{Event: event, ID: id, Data: data}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case resp, ok := <-ack:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	}
}

// Emit sends event without waiting for an ack.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return c.write(envelope{Event: event, Data: data})
}

// On registers fn for pushes of event. Listeners run on the read pump and
// must not block on further requests.
func (c *Client) On(event string, fn func(json.RawMessage)) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[int]func(json.RawMessage))
	}
	c.listeners[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[event], id)
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down and fails every pending request with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	err := c.conn.Close()
	close(c.done)
	log.Info().Str("module", "signal").Msg("signaling closed")
	return err
}

func (c *Client) write(env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.trySend(b)
}

func (c *Client) trySend(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}
