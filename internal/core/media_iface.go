package core

import (
	"context"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/pion/rtp"
)

// TransportEvents is the finite set of reactions a local transport may ask for.
type TransportEvents interface {
	// Connect is asked once per transport with the local DTLS parameters.
	Connect(ctx context.Context, id domain.TransportID, dtls domain.DtlsParameters) error
	// Produce is asked when the transport starts sending a track.
	Produce(ctx context.Context, id domain.TransportID, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error)
}

// Device is a capability-aware factory for local transports.
type Device interface {
	Load(ctx context.Context, router domain.RtpCapabilities) error
	Loaded() bool
	// RtpCapabilities returns the locally derived capability set.
	RtpCapabilities() domain.RtpCapabilities
	CreateSendTransport(params domain.TransportParams, events TransportEvents) (SendTransport, error)
	CreateRecvTransport(params domain.TransportParams, events TransportEvents) (RecvTransport, error)
}

type DeviceFactory func() (Device, error)

type Transport interface {
	ID() domain.TransportID
	Direction() domain.Direction
	// Close must be safe to call more than once.
	Close() error
	Closed() bool
}

type SendTransport interface {
	Transport
	Produce(ctx context.Context, track LocalTrack) (Producer, error)
}

type RecvTransport interface {
	Transport
	Consume(ctx context.Context, params domain.ConsumerParams) (Consumer, error)
}

type Producer interface {
	ID() domain.ProducerID
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Track() RemoteTrack
	Close() error
}

type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	// Stop releases the capture source. Idempotent.
	Stop()
	Stopped() bool
}

// LevelMeter is implemented by local tracks that can report an energy proxy.
type LevelMeter interface {
	Level() float64
}

type RemoteTrack interface {
	ID() string
	Kind() domain.MediaKind
	ReadRTP() (*rtp.Packet, error)
}

//go:generate mockgen -destination=mocks/mock_microphone.go -package=mocks github.com/dkeye/VoiceClient/internal/core Microphone

type Microphone interface {
	Acquire(ctx context.Context) (LocalTrack, error)
}
