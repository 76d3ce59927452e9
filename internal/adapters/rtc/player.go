package rtc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// WriterFactory opens the sink for one remote producer.
type WriterFactory func(producer domain.ProducerID) (RTPWriter, error)

// OggFiles writes every remote producer to <dir>/<producerId>.ogg.
func OggFiles(dir string) WriterFactory {
	return func(producer domain.ProducerID) (RTPWriter, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return oggwriter.New(filepath.Join(dir, fmt.Sprintf("%s.ogg", producer)), opusClockRate, 2)
	}
}

// Player renders remote entries. Mute drops packets locally and never
// touches the consumers themselves.
type Player struct {
	newWriter WriterFactory

	mu    sync.Mutex
	muted bool
	outs  map[domain.ProducerID]*OutTrack
	wg    conc.WaitGroup
}

func NewPlayer(newWriter WriterFactory) *Player {
	return &Player{newWriter: newWriter, outs: make(map[domain.ProducerID]*OutTrack)}
}

// Sync starts outputs for new entries and marks outputs of vanished entries for delete.
func (p *Player) Sync(entries []core.RemoteEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[domain.ProducerID]struct{}, len(entries))
	for _, e := range entries {
		seen[e.ProducerID] = struct{}{}
		if _, ok := p.outs[e.ProducerID]; ok || e.Stream == nil || len(e.Stream.Tracks) == 0 {
			continue
		}
		w, err := p.newWriter(e.ProducerID)
		if err != nil {
			log.Error().Err(err).Str("module", "player").Str("producer", string(e.ProducerID)).Msg("open output")
			continue
		}
		ot := NewOutTrack(w)
		if p.muted {
			ot.MarkMuted()
		}
		p.outs[e.ProducerID] = ot
		logger := log.With().Str("module", "player").Str("producer", string(e.ProducerID)).Logger()
		track := e.Stream.Tracks[0]
		p.wg.Go(func() { p.loop(track, ot, &logger) })
		logger.Info().Msg("output started")
	}

	for id, ot := range p.outs {
		if _, ok := seen[id]; !ok {
			ot.MarkDelete()
			delete(p.outs, id)
		}
	}
}

func (p *Player) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	for _, ot := range p.outs {
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
}

func (p *Player) Outputs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outs)
}

// Close marks every output for delete and waits until the loops exit.
// Loops blocked in ReadRTP exit once their consumer is closed.
func (p *Player) Close() {
	p.mu.Lock()
	for id, ot := range p.outs {
		ot.MarkDelete()
		delete(p.outs, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// loop reads RTP packets from the remote track and writes them to the output.
func (p *Player) loop(track core.RemoteTrack, ot *OutTrack, logger *zerolog.Logger) {
	defer func() {
		if err := ot.Writer.Close(); err != nil {
			logger.Error().Err(err).Msg("close output")
		}
		logger.Info().Msg("output stopped")
	}()

	for {
		if ot.GetState() == TrackStateDelete {
			return
		}
		pkt, err := track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote track ended")
			ot.MarkDelete()
			return
		}
		switch ot.GetState() {
		case TrackStateDelete:
			return
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Writer.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Msg("write RTP error, marking output as delete")
				ot.MarkDelete()
				return
			}
		}
	}
}
