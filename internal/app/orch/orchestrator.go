package orch

import (
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/app/sfu"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMeterInterval     = 100 * time.Millisecond
	DefaultSpeakingThreshold = 10
)

type Options struct {
	MeterInterval     time.Duration
	SpeakingThreshold float64
}

// View is what the presentation layer may read.
type View struct {
	State       domain.SessionState `json:"state"`
	Speaking    bool                `json:"speaking"`
	Blocked     bool                `json:"blocked"`
	Muted       bool                `json:"muted"`
	Room        domain.RoomID       `json:"roomId,omitempty"`
	User        domain.UserID       `json:"userId,omitempty"`
	Message     string              `json:"message,omitempty"`
	TransportID domain.TransportID  `json:"transportId,omitempty"`
	ProducerID  domain.ProducerID   `json:"producerId,omitempty"`
	Entries     []core.RemoteEntry  `json:"remoteEntries"`
}

// attempt holds everything one Start acquires. Fields are guarded by Session.mu.
type attempt struct {
	gen      uint64
	room     domain.RoomID
	handlers *app.HandlerTable
	track    core.LocalTrack
	send     *sfu.SendPath
	recv     *sfu.ReceiveRegistry
	off      func()
	meter    *sampler
}

// Session is the lifecycle controller of one voice session. It owns the
// local track and every transport negotiated on behalf of the user.
type Session struct {
	neg  *app.Negotiator
	ch   core.SignalChannel
	mic  core.Microphone
	opts Options

	mu        sync.Mutex
	state     domain.SessionState
	blocked   bool
	speaking  bool
	muted     bool
	room      domain.RoomID
	user      domain.UserID
	message   string
	entries   []core.RemoteEntry
	threshold float64
	gen       uint64
	cancel    func()
	cur       *attempt

	watchMu   sync.Mutex
	watchers  map[int]func(View)
	nextWatch int
}

func NewSession(neg *app.Negotiator, ch core.SignalChannel, mic core.Microphone, opts Options) *Session {
	if opts.MeterInterval <= 0 {
		opts.MeterInterval = DefaultMeterInterval
	}
	if opts.SpeakingThreshold <= 0 {
		opts.SpeakingThreshold = DefaultSpeakingThreshold
	}
	return &Session{
		neg:       neg,
		ch:        ch,
		mic:       mic,
		opts:      opts,
		threshold: opts.SpeakingThreshold,
		watchers:  make(map[int]func(View)),
	}
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		State:    s.state,
		Speaking: s.speaking,
		Blocked:  s.blocked,
		Muted:    s.muted,
		Room:     s.room,
		User:     s.user,
		Message:  s.message,
		Entries:  make([]core.RemoteEntry, len(s.entries)),
	}
	copy(v.Entries, s.entries)
	if s.cur != nil && s.cur.send != nil {
		v.TransportID = s.cur.send.TransportID()
		v.ProducerID = s.cur.send.ProducerID()
	}
	return v
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TakeMessage returns the pending one-shot message and clears it.
func (s *Session) TakeMessage() string {
	s.mu.Lock()
	msg := s.message
	s.message = ""
	s.mu.Unlock()
	if msg != "" {
		s.publish()
	}
	return msg
}

// SetMuted only changes how remote audio is rendered.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	changed := s.muted != muted
	s.muted = muted
	s.mu.Unlock()
	if changed {
		log.Info().Str("module", "orch").Bool("muted", muted).Msg("mute toggled")
		s.publish()
	}
}

func (s *Session) SetSpeakingThreshold(v float64) {
	if v <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = v
}

// Watch registers fn for every view change until off is called.
func (s *Session) Watch(fn func(View)) (off func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

// publish snapshots under watchMu so watchers never see an older view after a newer one.
func (s *Session) publish() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	v := s.Snapshot()
	for _, fn := range s.watchers {
		fn(v)
	}
}

// Settle blocks until every remote-producer negotiation started so far has finished.
func (s *Session) Settle() {
	s.mu.Lock()
	var recv *sfu.ReceiveRegistry
	if s.cur != nil {
		recv = s.cur.recv
	}
	s.mu.Unlock()
	if recv != nil {
		recv.Wait()
	}
}

func (s *Session) setStateLocked(to domain.SessionState) {
	if !s.state.CanTransition(to) {
		log.Error().Str("module", "orch").Stringer("from", s.state).Stringer("to", to).Msg("illegal state transition")
		return
	}
	log.Debug().Str("module", "orch").Stringer("from", s.state).Stringer("to", to).Msg("state")
	s.state = to
}
