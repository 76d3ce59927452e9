package coretest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/pion/rtp"
)

var ErrTrackEnded = errors.New("track ended")

// LocalDtls is what fake transports report on connect.
var LocalDtls = domain.DtlsParameters{
	Role:         domain.DtlsRoleClient,
	Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
}

// Device is an in-memory core.Device.
type Device struct {
	LoadErr    error
	CreateErr  error
	ProduceErr error
	ConsumeErr error
	// BeforeConsume runs inside RecvTransport.Consume before the consumer exists.
	BeforeConsume func(ctx context.Context, params domain.ConsumerParams) error

	mu         sync.Mutex
	loaded     bool
	caps       domain.RtpCapabilities
	transports []*Transport
}

func (d *Device) Load(_ context.Context, router domain.RtpCapabilities) error {
	if d.LoadErr != nil {
		return d.LoadErr
	}
	if err := router.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = true
	d.caps = router.Clone()
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) RtpCapabilities() domain.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps.Clone()
}

func (d *Device) CreateSendTransport(params domain.TransportParams, events core.TransportEvents) (core.SendTransport, error) {
	return d.newTransport(params, domain.DirectionSend, events)
}

func (d *Device) CreateRecvTransport(params domain.TransportParams, events core.TransportEvents) (core.RecvTransport, error) {
	return d.newTransport(params, domain.DirectionRecv, events)
}

func (d *Device) newTransport(params domain.TransportParams, dir domain.Direction, events core.TransportEvents) (*Transport, error) {
	if d.CreateErr != nil {
		return nil, d.CreateErr
	}
	t := &Transport{id: params.ID, dir: dir, events: events, dev: d}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *Device) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Transport, len(d.transports))
	copy(out, d.transports)
	return out
}

// Transport is an in-memory send or recv transport.
type Transport struct {
	id     domain.TransportID
	dir    domain.Direction
	events core.TransportEvents
	dev    *Device

	connectOnce sync.Once
	connectErr  error
	closed      atomic.Bool
}

func (t *Transport) ID() domain.TransportID      { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }
func (t *Transport) Closed() bool                { return t.closed.Load() }

func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *Transport) connect(ctx context.Context) error {
	t.connectOnce.Do(func() {
		t.connectErr = t.events.Connect(ctx, t.id, LocalDtls)
	})
	return t.connectErr
}

func (t *Transport) Produce(ctx context.Context, track core.LocalTrack) (core.Producer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	if t.dev.ProduceErr != nil {
		return nil, t.dev.ProduceErr
	}
	params := domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 1111}},
		Rtcp:      domain.RtcpParameters{CNAME: track.ID(), ReducedSize: true},
	}
	id, err := t.events.Produce(ctx, t.id, track.Kind(), params)
	if err != nil {
		return nil, err
	}
	return &Producer{id: id}, nil
}

func (t *Transport) Consume(ctx context.Context, params domain.ConsumerParams) (core.Consumer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	if hook := t.dev.BeforeConsume; hook != nil {
		if err := hook(ctx, params); err != nil {
			return nil, err
		}
	}
	if t.dev.ConsumeErr != nil {
		return nil, t.dev.ConsumeErr
	}
	return &Consumer{
		id:         params.ID,
		producerID: params.ProducerID,
		track:      &RemoteTrack{Name: string(params.ID), MediaKind: params.Kind},
	}, nil
}

type Producer struct {
	id     domain.ProducerID
	closed atomic.Bool
}

func (p *Producer) ID() domain.ProducerID { return p.id }
func (p *Producer) Close() error          { p.closed.Store(true); return nil }
func (p *Producer) Closed() bool          { return p.closed.Load() }

type Consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	track      *RemoteTrack
	closed     atomic.Bool
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *Consumer) Track() core.RemoteTrack       { return c.track }
func (c *Consumer) Close() error                  { c.closed.Store(true); return nil }

// RemoteTrack replays Packets, then reports ErrTrackEnded.
type RemoteTrack struct {
	Name      string
	MediaKind domain.MediaKind
	Packets   chan *rtp.Packet
}

func (r *RemoteTrack) ID() string             { return r.Name }
func (r *RemoteTrack) Kind() domain.MediaKind { return r.MediaKind }

func (r *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	if r.Packets == nil {
		return nil, ErrTrackEnded
	}
	pkt, ok := <-r.Packets
	if !ok {
		return nil, ErrTrackEnded
	}
	return pkt, nil
}

// Track is a local audio track with a settable level.
type Track struct {
	Name    string
	level   atomic.Uint64
	stopped atomic.Bool
	stops   atomic.Int32
}

func NewTrack(name string) *Track { return &Track{Name: name} }

func (t *Track) ID() string             { return t.Name }
func (t *Track) Kind() domain.MediaKind { return domain.KindAudio }
func (t *Track) Stopped() bool          { return t.stopped.Load() }
func (t *Track) Stops() int             { return int(t.stops.Load()) }

func (t *Track) Stop() {
	t.stops.Add(1)
	t.stopped.Store(true)
}

func (t *Track) SetLevel(v float64) { t.level.Store(uint64(v * 1000)) }
func (t *Track) Level() float64     { return float64(t.level.Load()) / 1000 }

// Microphone hands out Track, or Err when set.
type Microphone struct {
	Track *Track
	Err   error
	calls atomic.Int32
}

func (m *Microphone) Acquire(context.Context) (core.LocalTrack, error) {
	m.calls.Add(1)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Track, nil
}

func (m *Microphone) Calls() int { return int(m.calls.Load()) }
