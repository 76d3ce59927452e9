package core

import (
	"context"
	"encoding/json"
)

// Signaling events exchanged with the SFU.
const (
	EventJoinRoom         = "joinRoom"
	EventCreateTransport  = "createTransport"
	EventConnectTransport = "connectTransport"
	EventProduce          = "produce"
	EventConsume          = "consume"
	EventNewProducer      = "newProducer"
)

//go:generate mockgen -destination=mocks/mock_signal.go -package=mocks github.com/dkeye/VoiceClient/internal/core SignalChannel

// SignalChannel abstracts the persistent request/ack + push channel to the server.
// Owned by the caller; sessions never close it.
type SignalChannel interface {
	// Request emits event with payload and waits for the single acknowledgement.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Emit sends without waiting for an acknowledgement.
	Emit(event string, payload any) error
	// On registers fn for server pushes of event. The returned func deregisters it.
	On(event string, fn func(json.RawMessage)) (off func())
}
