package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/rs/zerolog/log"
)

// entriesHook mirrors the receive registry into the view while gen is current.
func (s *Session) entriesHook(gen uint64) func([]core.RemoteEntry) {
	return func(entries []core.RemoteEntry) {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.entries = entries
		s.mu.Unlock()
		log.Debug().Str("module", "orch").Int("entries", len(entries)).Msg("remote entries changed")
		s.publish()
	}
}

// sampler polls the local track level and drives the speaking flag.
type sampler struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Session) startSampler(gen uint64, meter core.LevelMeter) *sampler {
	ctx, cancel := context.WithCancel(context.Background())
	smp := &sampler{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(smp.done)
		ticker := time.NewTicker(s.opts.MeterInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(gen, meter.Level())
			}
		}
	}()
	return smp
}

func (s *Session) sample(gen uint64, level float64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	speaking := level > s.threshold
	changed := speaking != s.speaking
	s.speaking = speaking
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

func (smp *sampler) stop() {
	smp.once.Do(smp.cancel)
	<-smp.done
}
