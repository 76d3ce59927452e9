package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownTransport   = errors.New("no handlers for transport")
	ErrDuplicateTransport = errors.New("handlers already registered for transport")
	ErrProduceUnsupported = errors.New("transport does not produce")
)

type ConnectFunc func(ctx context.Context, dtls domain.DtlsParameters) error

type ProduceFunc func(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error)

// TransportHandlers are the reactions bound to one transport id.
// Produce is nil for receive transports.
type TransportHandlers struct {
	Connect ConnectFunc
	Produce ProduceFunc
}

type handlerEntry struct {
	TransportHandlers
	connected bool
}

// HandlerTable maps transport ids to their reactions. It implements
// core.TransportEvents, so transports never hold the closures themselves.
type HandlerTable struct {
	mu      sync.Mutex
	entries map[domain.TransportID]*handlerEntry
}

func NewHandlerTable() *HandlerTable {
	return &HandlerTable{entries: make(map[domain.TransportID]*handlerEntry)}
}

func (t *HandlerTable) Register(id domain.TransportID, h TransportHandlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTransport, id)
	}
	t.entries[id] = &handlerEntry{TransportHandlers: h}
	log.Debug().Str("module", "app.handlers").Str("transport", string(id)).Msg("handlers registered")
	return nil
}

func (t *HandlerTable) Remove(id domain.TransportID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Clear drops every registration.
func (t *HandlerTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

func (t *HandlerTable) Has(id domain.TransportID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *HandlerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Connect runs the connect reaction at most once per transport.
func (t *HandlerTable) Connect(ctx context.Context, id domain.TransportID, dtls domain.DtlsParameters) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransport, id)
	}
	if e.connected {
		t.mu.Unlock()
		return nil
	}
	e.connected = true
	fn := e.Connect
	t.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, dtls)
}

func (t *HandlerTable) Produce(
	ctx context.Context,
	id domain.TransportID,
	kind domain.MediaKind,
	rtp domain.RtpParameters,
) (domain.ProducerID, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTransport, id)
	}
	if e.Produce == nil {
		return "", fmt.Errorf("%w: %s", ErrProduceUnsupported, id)
	}
	return e.Produce(ctx, kind, rtp)
}
