package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/app/sfu"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

// Start joins room as user, publishes the microphone and starts consuming
// remote producers. An empty room is rejected before any signaling happens.
func (s *Session) Start(ctx context.Context, room, user string) error {
	id, err := domain.NewRoomIdentity(room, user)
	if err != nil {
		return err
	}
	logger := log.With().Str("module", "orch").Str("room", room).Str("user", user).Logger()

	s.mu.Lock()
	if s.state != domain.StateIdle && s.state != domain.StateBlocked {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionBusy, state)
	}
	s.setStateLocked(domain.StateJoining)
	s.blocked = false
	s.message = ""
	s.room, s.user = id.Room, id.User
	s.gen++
	startCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	a := &attempt{gen: s.gen, room: id.Room, handlers: app.NewHandlerTable()}
	s.cur = a
	s.mu.Unlock()
	defer cancel()
	s.publish()

	logger.Info().Msg("joining")

	track, err := s.mic.Acquire(startCtx)
	if err != nil {
		s.fail(a, "")
		return fmt.Errorf("acquire microphone: %w", err)
	}
	if !s.attach(a, func() { a.track = track }) {
		track.Stop()
		return domain.ErrSessionEnded
	}
	if meter, ok := track.(core.LevelMeter); ok {
		smp := s.startSampler(a.gen, meter)
		if !s.attach(a, func() { a.meter = smp }) {
			smp.stop()
			return domain.ErrSessionEnded
		}
	}

	device, err := s.neg.Join(startCtx, id)
	if err != nil {
		var rej *domain.RejectedError
		switch {
		case errors.As(err, &rej) && rej.Blocked:
			s.block(a)
			logger.Warn().Str("reason", rej.Message).Msg("entry denied")
		case errors.As(err, &rej):
			s.fail(a, rej.Message)
			logger.Warn().Str("reason", rej.Message).Msg("entry rejected")
		default:
			s.fail(a, "")
			logger.Error().Err(err).Msg("join failed")
		}
		return err
	}

	// The notification handler is armed before publishing so a producer
	// announced while the send path is negotiated is not lost.
	recv := sfu.NewReceiveRegistry(s.neg, a.handlers, id.Room, s.entriesHook(a.gen))
	send := sfu.NewSendPath(s.neg, a.handlers, id.Room)
	armed := s.attach(a, func() {
		a.recv = recv
		a.send = send
		recv.Arm(device)
		a.off = s.ch.On(core.EventNewProducer, recv.Listener())
	})
	if !armed {
		return domain.ErrSessionEnded
	}

	if err := send.Publish(startCtx, device, track); err != nil {
		if !s.current(a) {
			s.unwind(a)
			return domain.ErrSessionEnded
		}
		s.fail(a, "")
		logger.Error().Err(err).Msg("publish failed")
		return err
	}

	s.mu.Lock()
	if s.gen != a.gen {
		s.mu.Unlock()
		s.unwind(a)
		return domain.ErrSessionEnded
	}
	s.setStateLocked(domain.StateActive)
	s.cancel = nil
	s.mu.Unlock()
	s.publish()

	logger.Info().Str("producer", string(send.ProducerID())).Msg("session active")
	return nil
}

// End tears the session down. Without an active or joining session it is a no-op.
func (s *Session) End() {
	s.mu.Lock()
	switch s.state {
	case domain.StateIdle, domain.StateBlocked, domain.StateEnding:
		s.mu.Unlock()
		return
	case domain.StateJoining:
		s.setStateLocked(domain.StateIdle)
	case domain.StateActive:
		s.setStateLocked(domain.StateEnding)
	}
	a := s.cur
	s.cur = nil
	s.gen++
	cancel := s.cancel
	s.cancel = nil
	room := s.room
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a != nil {
		s.unwind(a)
	}

	s.mu.Lock()
	if s.state == domain.StateEnding {
		s.setStateLocked(domain.StateIdle)
	}
	s.entries = nil
	s.speaking = false
	s.mu.Unlock()
	s.publish()

	log.Info().Str("module", "orch").Str("room", string(room)).Msg("session ended")
}

func (s *Session) current(a *attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == a.gen
}

// attach runs fn under the session lock if a is still the current attempt.
func (s *Session) attach(a *attempt, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != a.gen {
		return false
	}
	fn()
	return true
}

// fail unwinds a and returns to Idle with an optional one-shot message.
func (s *Session) fail(a *attempt, message string) {
	s.unwind(a)
	s.mu.Lock()
	if s.gen == a.gen {
		s.setStateLocked(domain.StateIdle)
		s.message = message
		s.speaking = false
		s.entries = nil
		s.cur = nil
		s.cancel = nil
	}
	s.mu.Unlock()
	s.publish()
}

func (s *Session) block(a *attempt) {
	s.unwind(a)
	s.mu.Lock()
	if s.gen == a.gen {
		s.setStateLocked(domain.StateBlocked)
		s.blocked = true
		s.speaking = false
		s.cur = nil
		s.cancel = nil
	}
	s.mu.Unlock()
	s.publish()
}

// unwind releases everything a acquired. Safe to call more than once.
func (s *Session) unwind(a *attempt) {
	s.mu.Lock()
	off, recv, send, track, meter := a.off, a.recv, a.send, a.track, a.meter
	a.off = nil
	s.mu.Unlock()

	if off != nil {
		off()
	}
	if recv != nil {
		recv.Teardown()
	}
	if send != nil {
		send.Teardown()
	}
	if meter != nil {
		meter.stop()
	}
	if track != nil {
		track.Stop()
	}
	a.handlers.Clear()
}
