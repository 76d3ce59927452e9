package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultRequestTimeout = 10 * time.Second

var ErrEmptyTransportID = errors.New("server returned transport without id")

// Negotiator drives room entry and the per-transport signaling round-trips.
// It keeps no per-session state, so one instance may serve several sessions.
type Negotiator struct {
	ch        core.SignalChannel
	newDevice core.DeviceFactory
	timeout   time.Duration
}

func NewNegotiator(ch core.SignalChannel, newDevice core.DeviceFactory, timeout time.Duration) *Negotiator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Negotiator{ch: ch, newDevice: newDevice, timeout: timeout}
}

// serverError is the {error} shape every ack may carry instead of its payload.
type serverError struct {
	Error string `json:"error,omitempty"`
}

type joinAck struct {
	serverError
	RouterRtpCapabilities *domain.RtpCapabilities `json:"routerRtpCapabilities,omitempty"`
}

// Join enters the room and returns a device loaded with the router capabilities.
// A rejected entry is reported as *domain.RejectedError.
func (n *Negotiator) Join(ctx context.Context, id domain.RoomIdentity) (core.Device, error) {
	logger := log.With().Str("module", "app.negotiator").Str("room", string(id.Room)).Str("user", string(id.User)).Logger()

	raw, err := n.request(ctx, core.EventJoinRoom, id)
	if err != nil {
		return nil, &domain.NegotiationError{Step: core.EventJoinRoom, Err: err}
	}

	var ack joinAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, &domain.NegotiationError{Step: core.EventJoinRoom, Err: fmt.Errorf("decode ack: %w", err)}
	}
	if ack.Error != "" {
		rej := domain.NewRejectedError(ack.Error)
		logger.Warn().Bool("blocked", rej.Blocked).Str("reason", ack.Error).Msg("join rejected")
		return nil, rej
	}

	caps := domain.RtpCapabilities{}
	if ack.RouterRtpCapabilities != nil {
		caps = *ack.RouterRtpCapabilities
	} else if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", domain.ErrCapabilityLoad, err)
	}

	device, err := n.newDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: new device: %w", domain.ErrCapabilityLoad, err)
	}
	if err := device.Load(ctx, caps); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCapabilityLoad, err)
	}
	logger.Info().Int("codecs", len(caps.Codecs)).Msg("device loaded")
	return device, nil
}

// RequestTransportParams asks the server to allocate one transport.
func (n *Negotiator) RequestTransportParams(ctx context.Context, room domain.RoomID, dir domain.Direction) (domain.TransportParams, error) {
	req := struct {
		RoomID    domain.RoomID    `json:"roomId"`
		Direction domain.Direction `json:"direction"`
	}{room, dir}

	var resp struct {
		serverError
		domain.TransportParams
	}
	if err := n.call(ctx, core.EventCreateTransport, req, &resp); err != nil {
		return domain.TransportParams{}, &domain.NegotiationError{Step: core.EventCreateTransport, Err: err}
	}
	if resp.ID == "" {
		return domain.TransportParams{}, &domain.NegotiationError{Step: core.EventCreateTransport, Err: ErrEmptyTransportID}
	}
	log.Debug().Str("module", "app.negotiator").Str("transport", string(resp.ID)).Str("direction", string(dir)).Msg("transport allocated")
	return resp.TransportParams, nil
}

// ConnectTransport is fire-and-forget: the server never acknowledges it.
func (n *Negotiator) ConnectTransport(room domain.RoomID, id domain.TransportID, dtls domain.DtlsParameters) error {
	req := struct {
		RoomID         domain.RoomID         `json:"roomId"`
		TransportID    domain.TransportID    `json:"transportId"`
		DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
	}{room, id, dtls}
	if err := n.ch.Emit(core.EventConnectTransport, req); err != nil {
		return &domain.NegotiationError{Step: core.EventConnectTransport, Transport: id, Err: err}
	}
	return nil
}

func (n *Negotiator) Produce(
	ctx context.Context,
	room domain.RoomID,
	id domain.TransportID,
	kind domain.MediaKind,
	rtp domain.RtpParameters,
) (domain.ProducerID, error) {
	req := struct {
		RoomID        domain.RoomID        `json:"roomId"`
		TransportID   domain.TransportID   `json:"transportId"`
		Kind          domain.MediaKind     `json:"kind"`
		RtpParameters domain.RtpParameters `json:"rtpParameters"`
	}{room, id, kind, rtp}

	var resp struct {
		serverError
		ID domain.ProducerID `json:"id"`
	}
	if err := n.call(ctx, core.EventProduce, req, &resp); err != nil {
		return "", &domain.NegotiationError{Step: core.EventProduce, Transport: id, Err: err}
	}
	if resp.ID == "" {
		return "", &domain.NegotiationError{Step: core.EventProduce, Transport: id, Err: errors.New("server returned producer without id")}
	}
	return resp.ID, nil
}

func (n *Negotiator) Consume(
	ctx context.Context,
	room domain.RoomID,
	producer domain.ProducerID,
	caps domain.RtpCapabilities,
) (domain.ConsumerParams, error) {
	req := struct {
		RoomID          domain.RoomID          `json:"roomId"`
		ProducerID      domain.ProducerID      `json:"producerId"`
		RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
	}{room, producer, caps}

	var resp struct {
		serverError
		domain.ConsumerParams
	}
	if err := n.call(ctx, core.EventConsume, req, &resp); err != nil {
		return domain.ConsumerParams{}, &domain.NegotiationError{Step: core.EventConsume, Producer: producer, Err: err}
	}
	if resp.ID == "" {
		return domain.ConsumerParams{}, &domain.NegotiationError{Step: core.EventConsume, Producer: producer, Err: errors.New("server returned consumer without id")}
	}
	if resp.ProducerID == "" {
		resp.ProducerID = producer
	}
	return resp.ConsumerParams, nil
}

func (n *Negotiator) request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.ch.Request(ctx, event, payload)
}

// call performs a round-trip and decodes the ack into out, turning {error} into an error.
func (n *Negotiator) call(ctx context.Context, event string, payload any, out any) error {
	raw, err := n.request(ctx, event, payload)
	if err != nil {
		return err
	}
	var se serverError
	if err := json.Unmarshal(raw, &se); err == nil && se.Error != "" {
		return errors.New(se.Error)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	return nil
}
