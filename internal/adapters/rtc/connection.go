package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrUnsupportedTrack = errors.New("track cannot be sent by this transport")
)

// pionTrack is a local track backed by a pion TrackLocal.
type pionTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// Transport is one ORTC transport: an ICE gatherer, ICE transport and DTLS
// transport wired to the server-side transport described by params.
type Transport struct {
	id     domain.TransportID
	dir    domain.Direction
	params domain.TransportParams
	events core.TransportEvents
	api    *webrtc.API
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	connectOnce sync.Once
	connectErr  error

	mu        sync.Mutex
	closed    bool
	senders   []*webrtc.RTPSender
	receivers []*webrtc.RTPReceiver
}

func newTransport(
	api *webrtc.API,
	iceServers []webrtc.ICEServer,
	params domain.TransportParams,
	dir domain.Direction,
	events core.TransportEvents,
) (*Transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &Transport{
		id:       params.ID,
		dir:      dir,
		params:   params,
		events:   events,
		api:      api,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		logger:   log.With().Str("module", "rtc").Str("transport", string(params.ID)).Str("direction", string(dir)).Logger(),
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
	})
	return t, nil
}

func (t *Transport) ID() domain.TransportID      { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// connect runs gathering, the connect reaction and the ICE/DTLS handshake once.
func (t *Transport) connect(ctx context.Context) error {
	t.connectOnce.Do(func() {
		t.connectErr = t.handshake(ctx)
	})
	return t.connectErr
}

func (t *Transport) handshake(ctx context.Context) error {
	gathered := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	if err := t.events.Connect(ctx, t.id, localDtls(local)); err != nil {
		return err
	}

	candidates, err := iceCandidates(t.params.IceCandidates)
	if err != nil {
		return err
	}
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		role := webrtc.ICERoleControlling
		if err := t.ice.Start(nil, iceParameters(t.params.IceParameters), &role); err != nil {
			done <- fmt.Errorf("ice start: %w", err)
			return
		}
		if err := t.dtls.Start(remoteDtls(t.params.DtlsParameters)); err != nil {
			done <- fmt.Errorf("dtls start: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err == nil {
			t.logger.Info().Msg("transport connected")
		}
		return err
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
}

func (t *Transport) Produce(ctx context.Context, track core.LocalTrack) (core.Producer, error) {
	pt, ok := track.(pionTrack)
	if !ok {
		return nil, ErrUnsupportedTrack
	}
	if t.Closed() {
		return nil, ErrTransportClosed
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(pt.TrackLocal(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}
	go drainRTCP(sender)

	id, err := t.events.Produce(ctx, t.id, track.Kind(), sendParameters(sendParams, track.ID()))
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}

	t.mu.Lock()
	t.senders = append(t.senders, sender)
	t.mu.Unlock()
	return &producer{id: id, sender: sender}, nil
}

// drainRTCP keeps interceptors running by reading incoming RTCP until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *Transport) Consume(ctx context.Context, params domain.ConsumerParams) (core.Consumer, error) {
	if t.Closed() {
		return nil, ErrTransportClosed
	}
	recvParams, err := receiveParameters(params.RtpParameters)
	if err != nil {
		return nil, err
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(codecType(params.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	if err := receiver.Receive(recvParams); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	t.mu.Lock()
	t.receivers = append(t.receivers, receiver)
	t.mu.Unlock()
	return &consumer{
		id:         params.ID,
		producerID: params.ProducerID,
		receiver:   receiver,
		track:      &remoteTrack{id: string(params.ID), kind: params.Kind, track: receiver.Track()},
	}, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	senders, receivers := t.senders, t.receivers
	t.senders, t.receivers = nil, nil
	t.mu.Unlock()

	var errs []error
	for _, s := range senders {
		errs = append(errs, s.Stop())
	}
	for _, r := range receivers {
		errs = append(errs, r.Stop())
	}
	errs = append(errs, t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
	err := errors.Join(errs...)
	if err != nil {
		t.logger.Error().Err(err).Msg("close error")
	} else {
		t.logger.Info().Msg("closed")
	}
	return err
}

type producer struct {
	id     domain.ProducerID
	sender *webrtc.RTPSender
}

func (p *producer) ID() domain.ProducerID { return p.id }
func (p *producer) Close() error          { return p.sender.Stop() }

type consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	receiver   *webrtc.RTPReceiver
	track      *remoteTrack
}

func (c *consumer) ID() domain.ConsumerID         { return c.id }
func (c *consumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *consumer) Track() core.RemoteTrack       { return c.track }
func (c *consumer) Close() error                  { return c.receiver.Stop() }

// remoteTrack adapts a pion TrackRemote to core.RemoteTrack.
type remoteTrack struct {
	id    string
	kind  domain.MediaKind
	track *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string             { return r.id }
func (r *remoteTrack) Kind() domain.MediaKind { return r.kind }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}
