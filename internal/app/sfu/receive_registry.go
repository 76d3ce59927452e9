package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// recvPath is one remote producer's transport + consumer pair.
type recvPath struct {
	transport core.RecvTransport
	consumer  core.Consumer
	entry     core.RemoteEntry
}

func (p *recvPath) close(handlers *app.HandlerTable) {
	if p.consumer != nil {
		if err := p.consumer.Close(); err != nil {
			log.Error().Err(err).Str("module", "sfu.recv").Msg("close consumer")
		}
	}
	if p.transport != nil {
		if err := p.transport.Close(); err != nil {
			log.Error().Err(err).Str("module", "sfu.recv").Msg("close transport")
		}
		handlers.Remove(p.transport.ID())
	}
}

// ReceiveRegistry owns one receive transport and consumer per remote producer
// and the ordered collection of playable entries built from them.
//
// Every Arm opens a generation; negotiations started in an older generation
// are discarded when they finish.
type ReceiveRegistry struct {
	neg      *app.Negotiator
	handlers *app.HandlerTable
	room     domain.RoomID
	onChange func([]core.RemoteEntry)

	mu       sync.Mutex
	device   core.Device
	gen      uint64
	cancel   context.CancelFunc
	ctx      context.Context
	inflight map[domain.ProducerID]struct{}
	paths    map[domain.ProducerID]*recvPath
	entries  []core.RemoteEntry

	notifyMu sync.Mutex
	wg       conc.WaitGroup
}

func NewReceiveRegistry(
	neg *app.Negotiator,
	handlers *app.HandlerTable,
	room domain.RoomID,
	onChange func([]core.RemoteEntry),
) *ReceiveRegistry {
	return &ReceiveRegistry{
		neg:      neg,
		handlers: handlers,
		room:     room,
		onChange: onChange,
		inflight: make(map[domain.ProducerID]struct{}),
		paths:    make(map[domain.ProducerID]*recvPath),
	}
}

// Arm starts accepting notifications for device.
func (r *ReceiveRegistry) Arm(device core.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	r.device = device
	r.ctx, r.cancel = context.WithCancel(context.Background())
}

// Listener decodes newProducer pushes.
func (r *ReceiveRegistry) Listener() func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var msg struct {
			ProducerID domain.ProducerID `json:"producerId"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ProducerID == "" {
			log.Warn().Err(err).Str("module", "sfu.recv").Str("payload", string(raw)).Msg("bad newProducer payload")
			return
		}
		r.HandleNewProducer(msg.ProducerID)
	}
}

// HandleNewProducer starts an independent negotiation for producer unless one
// is registered or in flight already. It reports whether a negotiation started.
func (r *ReceiveRegistry) HandleNewProducer(producer domain.ProducerID) bool {
	logger := log.With().Str("module", "sfu.recv").Str("producer", string(producer)).Logger()

	r.mu.Lock()
	if r.device == nil {
		r.mu.Unlock()
		logger.Debug().Msg("not armed, notification ignored")
		return false
	}
	if _, ok := r.paths[producer]; ok {
		r.mu.Unlock()
		logger.Debug().Msg("duplicate notification ignored")
		return false
	}
	if _, ok := r.inflight[producer]; ok {
		r.mu.Unlock()
		logger.Debug().Msg("notification ignored, negotiation in flight")
		return false
	}
	r.inflight[producer] = struct{}{}
	gen, ctx, device := r.gen, r.ctx, r.device
	r.mu.Unlock()

	r.wg.Go(func() { r.negotiate(ctx, gen, device, producer, logger) })
	return true
}

func (r *ReceiveRegistry) negotiate(
	ctx context.Context,
	gen uint64,
	device core.Device,
	producer domain.ProducerID,
	logger zerolog.Logger,
) {
	path, err := r.open(ctx, device, producer)
	if err != nil {
		r.abandon(gen, producer)
		if errors.Is(err, context.Canceled) {
			logger.Debug().Err(err).Msg("negotiation canceled")
			return
		}
		logger.Error().Err(err).Msg("remote producer not consumed")
		return
	}
	if !r.commit(gen, producer, path) {
		path.close(r.handlers)
		logger.Info().Msg("session ended during negotiation, consumer discarded")
		return
	}
	logger.Info().
		Str("transport", string(path.transport.ID())).
		Str("consumer", string(path.consumer.ID())).
		Msg("remote producer consumed")
	r.notify()
}

// open runs the sequential negotiation chain for one producer.
func (r *ReceiveRegistry) open(ctx context.Context, device core.Device, producer domain.ProducerID) (*recvPath, error) {
	params, err := r.neg.RequestTransportParams(ctx, r.room, domain.DirectionRecv)
	if err != nil {
		return nil, err
	}
	id := params.ID
	err = r.handlers.Register(id, app.TransportHandlers{
		Connect: func(_ context.Context, dtls domain.DtlsParameters) error {
			return r.neg.ConnectTransport(r.room, id, dtls)
		},
	})
	if err != nil {
		return nil, &domain.NegotiationError{Step: "register", Transport: id, Producer: producer, Err: err}
	}

	transport, err := device.CreateRecvTransport(params, r.handlers)
	if err != nil {
		r.handlers.Remove(id)
		return nil, &domain.NegotiationError{Step: "createRecvTransport", Transport: id, Producer: producer, Err: err}
	}
	path := &recvPath{transport: transport}

	consumerParams, err := r.neg.Consume(ctx, r.room, producer, device.RtpCapabilities())
	if err != nil {
		path.close(r.handlers)
		return nil, err
	}

	consumer, err := transport.Consume(ctx, consumerParams)
	if err != nil {
		path.close(r.handlers)
		return nil, &domain.NegotiationError{Step: "consume", Transport: id, Producer: producer, Err: err}
	}
	path.consumer = consumer
	path.entry = core.RemoteEntry{ProducerID: producer, Stream: core.NewStream(consumer.Track())}
	return path, nil
}

func (r *ReceiveRegistry) commit(gen uint64, producer domain.ProducerID, path *recvPath) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return false
	}
	delete(r.inflight, producer)
	r.paths[producer] = path
	r.entries = append(r.entries, path.entry)
	return true
}

func (r *ReceiveRegistry) abandon(gen uint64, producer domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		delete(r.inflight, producer)
	}
}

func (r *ReceiveRegistry) notify() {
	if r.onChange == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.onChange(r.Entries())
}

// Entries returns the remote entries in arrival order.
func (r *ReceiveRegistry) Entries() []core.RemoteEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RemoteEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *ReceiveRegistry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Teardown invalidates in-flight negotiations, closes every receive
// transport and clears the entries. Idempotent.
func (r *ReceiveRegistry) Teardown() {
	r.mu.Lock()
	r.gen++
	cancel := r.cancel
	r.cancel, r.ctx, r.device = nil, nil, nil
	paths := r.paths
	r.paths = make(map[domain.ProducerID]*recvPath)
	r.inflight = make(map[domain.ProducerID]struct{})
	hadEntries := len(r.entries) > 0
	r.entries = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, p := range paths {
		p.close(r.handlers)
	}
	if len(paths) > 0 {
		log.Info().Str("module", "sfu.recv").Str("room", string(r.room)).Int("closed", len(paths)).Msg("receive paths closed")
	}
	if hadEntries {
		r.notify()
	}
}

// Wait blocks until every started negotiation has finished.
func (r *ReceiveRegistry) Wait() {
	r.wg.Wait()
}
