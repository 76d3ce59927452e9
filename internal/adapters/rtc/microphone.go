package rtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const opusClockRate = 48000

var opusTags = []byte("OpusTags")

// OggMicrophone captures audio from an Ogg/Opus file, paced in real time.
type OggMicrophone struct {
	Path string
	Loop bool
	// Window is the level meter window in pages.
	Window int
}

func NewOggMicrophone(path string, loop bool) *OggMicrophone {
	return &OggMicrophone{Path: path, Loop: loop}
}

var _ core.Microphone = (*OggMicrophone)(nil)

func (m *OggMicrophone) Acquire(ctx context.Context) (core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("open microphone source: %w", err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}

	id := "mic-" + uuid.NewString()[:8]
	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", id,
	)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	t := &LocalTrack{
		id:     id,
		sample: sample,
		meter:  NewMeter(m.Window),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.pump(pumpCtx, f, reader, m.Loop)
	log.Info().Str("module", "rtc").Str("track", id).Str("source", m.Path).Msg("microphone acquired")
	return t, nil
}

// LocalTrack is a captured audio track. It satisfies core.LocalTrack and core.LevelMeter.
type LocalTrack struct {
	id     string
	sample *webrtc.TrackLocalStaticSample
	meter  *Meter
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (t *LocalTrack) ID() string                    { return t.id }
func (t *LocalTrack) Kind() domain.MediaKind        { return domain.KindAudio }
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.sample }
func (t *LocalTrack) Level() float64                { return t.meter.Level() }

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.cancel()
	<-t.done
	t.meter.Reset()
	log.Info().Str("module", "rtc").Str("track", t.id).Msg("microphone released")
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *LocalTrack) pump(ctx context.Context, src io.ReadSeekCloser, reader *oggreader.OggReader, loop bool) {
	defer close(t.done)
	defer src.Close()

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) && loop {
			if ctx.Err() != nil {
				return
			}
			if reader, err = rewind(src); err != nil {
				log.Error().Err(err).Str("module", "rtc").Msg("microphone rewind")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().Err(err).Str("module", "rtc").Msg("microphone read")
			}
			t.meter.Reset()
			return
		}
		if bytes.HasPrefix(page, opusTags) {
			continue
		}

		d := opusFrame
		if header.GranulePosition > lastGranule && lastGranule != 0 {
			d = time.Duration(header.GranulePosition-lastGranule) * time.Second / opusClockRate
		}
		lastGranule = header.GranulePosition

		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		if err := t.sample.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("microphone write sample")
		}
		t.meter.Observe(len(page), d)
	}
}

func rewind(src io.ReadSeeker) (*oggreader.OggReader, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(src)
	return reader, err
}
