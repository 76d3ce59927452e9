package sfu

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyPublished = errors.New("local track already published")

// SendPath owns the outbound transport and the single local producer.
type SendPath struct {
	neg      *app.Negotiator
	handlers *app.HandlerTable
	room     domain.RoomID

	mu        sync.Mutex
	transport core.SendTransport
	producer  core.Producer
	track     core.LocalTrack
}

func NewSendPath(neg *app.Negotiator, handlers *app.HandlerTable, room domain.RoomID) *SendPath {
	return &SendPath{neg: neg, handlers: handlers, room: room}
}

// Publish negotiates the send transport and produces track on it.
// On failure everything acquired here is released again.
func (s *SendPath) Publish(ctx context.Context, device core.Device, track core.LocalTrack) error {
	s.mu.Lock()
	if s.transport != nil {
		s.mu.Unlock()
		return ErrAlreadyPublished
	}
	s.mu.Unlock()

	logger := log.With().Str("module", "sfu.send").Str("room", string(s.room)).Logger()

	params, err := s.neg.RequestTransportParams(ctx, s.room, domain.DirectionSend)
	if err != nil {
		return err
	}
	id := params.ID
	err = s.handlers.Register(id, app.TransportHandlers{
		Connect: func(_ context.Context, dtls domain.DtlsParameters) error {
			return s.neg.ConnectTransport(s.room, id, dtls)
		},
		Produce: func(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error) {
			return s.neg.Produce(ctx, s.room, id, kind, rtp)
		},
	})
	if err != nil {
		return &domain.NegotiationError{Step: "register", Transport: id, Err: err}
	}

	transport, err := device.CreateSendTransport(params, s.handlers)
	if err != nil {
		s.handlers.Remove(id)
		return &domain.NegotiationError{Step: "createSendTransport", Transport: id, Err: err}
	}

	s.mu.Lock()
	s.transport = transport
	s.track = track
	s.mu.Unlock()

	producer, err := transport.Produce(ctx, track)
	if err != nil {
		s.release()
		var nerr *domain.NegotiationError
		if errors.As(err, &nerr) {
			return err
		}
		return &domain.NegotiationError{Step: "produce", Transport: id, Err: err}
	}

	s.mu.Lock()
	s.producer = producer
	s.mu.Unlock()
	logger.Info().Str("transport", string(id)).Str("producer", string(producer.ID())).Msg("local audio published")
	return nil
}

// Teardown closes the producer and the transport and stops the track.
// Safe when nothing was published and when called twice.
func (s *SendPath) Teardown() {
	if s.release() {
		log.Info().Str("module", "sfu.send").Str("room", string(s.room)).Msg("send path closed")
	}
}

func (s *SendPath) release() bool {
	s.mu.Lock()
	transport, producer, track := s.transport, s.producer, s.track
	s.transport, s.producer, s.track = nil, nil, nil
	s.mu.Unlock()

	if transport == nil && producer == nil && track == nil {
		return false
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Str("module", "sfu.send").Msg("close producer")
		}
	}
	if track != nil {
		track.Stop()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Error().Err(err).Str("module", "sfu.send").Msg("close transport")
		}
		s.handlers.Remove(transport.ID())
	}
	return true
}

func (s *SendPath) TransportID() domain.TransportID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return ""
	}
	return s.transport.ID()
}

func (s *SendPath) ProducerID() domain.ProducerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.producer == nil {
		return ""
	}
	return s.producer.ID()
}
