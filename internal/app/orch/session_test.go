package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/core/coretest"
	"github.com/dkeye/VoiceClient/internal/core/mocks"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type harness struct {
	ch    *coretest.Channel
	dev   *coretest.Device
	track *coretest.Track
	mic   *coretest.Microphone
	s     *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ch:    coretest.NewChannel(),
		dev:   &coretest.Device{},
		track: coretest.NewTrack("mic"),
	}
	coretest.ScriptSFU(h.ch)
	h.ch.RespondJSON(core.EventJoinRoom, map[string]any{"routerRtpCapabilities": coretest.Caps})
	h.mic = &coretest.Microphone{Track: h.track}
	neg := app.NewNegotiator(h.ch, func() (core.Device, error) { return h.dev, nil }, 200*time.Millisecond)
	h.s = NewSession(neg, h.ch, h.mic, Options{MeterInterval: 5 * time.Millisecond})
	t.Cleanup(h.s.End)
	return h
}

func (h *harness) allTransportsClosed(t *testing.T) {
	t.Helper()
	for _, tr := range h.dev.Transports() {
		assert.True(t, tr.Closed(), "transport %s left open", tr.ID())
	}
}

func TestStartBecomesActive(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))

	v := h.s.Snapshot()
	assert.Equal(t, domain.StateActive, v.State)
	assert.Empty(t, v.Entries)
	assert.False(t, v.Blocked)
	assert.Equal(t, domain.TransportID("t1"), v.TransportID)
	assert.Equal(t, domain.ProducerID("p1"), v.ProducerID)
	assert.Equal(t, []string{
		core.EventJoinRoom, core.EventCreateTransport, core.EventConnectTransport, core.EventProduce,
	}, h.ch.Events())
	assert.Equal(t, 1, h.ch.Listeners(core.EventNewProducer))

	var join domain.RoomIdentity
	require.NoError(t, json.Unmarshal(h.ch.Calls()[0].Payload, &join))
	assert.Equal(t, domain.RoomIdentity{Room: "room1", User: "alice"}, join)
}

func TestNewProducerAppendsEntry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))

	h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p2"})
	h.s.Settle()

	entries := h.s.Snapshot().Entries
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ProducerID("p2"), entries[0].ProducerID)
	require.NotNil(t, entries[0].Stream)
	assert.Equal(t, "c1", entries[0].Stream.ID)
	assert.Equal(t, 2, h.ch.Count(core.EventCreateTransport))
	require.Len(t, h.dev.Transports(), 2)
	assert.Equal(t, domain.TransportID("t2"), h.dev.Transports()[1].ID())
}

func TestDuplicateNewProducerYieldsOneEntry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))

	h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p2"})
	h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p2"})
	h.s.Settle()
	h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p2"})
	h.s.Settle()

	assert.Len(t, h.s.Snapshot().Entries, 1)
	assert.Equal(t, 1, h.ch.Count(core.EventConsume))
}

func TestEntriesKeepArrivalOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))

	for _, id := range []string{"p7", "p3", "p5"} {
		h.ch.Push(core.EventNewProducer, map[string]string{"producerId": id})
		h.s.Settle()
	}

	var got []domain.ProducerID
	for _, e := range h.s.Snapshot().Entries {
		got = append(got, e.ProducerID)
	}
	assert.Equal(t, []domain.ProducerID{"p7", "p3", "p5"}, got)
}

func TestNotificationDuringPublishIsKept(t *testing.T) {
	h := newHarness(t)
	h.ch.Respond(core.EventProduce, func(json.RawMessage) (any, error) {
		h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p9"})
		return map[string]string{"id": "p1"}, nil
	})

	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))
	h.s.Settle()

	entries := h.s.Snapshot().Entries
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ProducerID("p9"), entries[0].ProducerID)
}

func TestJoinDisallowedBlocks(t *testing.T) {
	h := newHarness(t)
	h.ch.RespondJSON(core.EventJoinRoom, map[string]string{"error": "not allowed in this room"})

	err := h.s.Start(context.Background(), "room1", "alice")
	require.ErrorIs(t, err, domain.ErrEntryDenied)

	v := h.s.Snapshot()
	assert.True(t, v.Blocked)
	assert.Equal(t, domain.StateBlocked, v.State)
	assert.Equal(t, []string{core.EventJoinRoom}, h.ch.Events())
	assert.True(t, h.track.Stopped())
	assert.Equal(t, 0, h.ch.Listeners(core.EventNewProducer))

	h.s.End()
	assert.Equal(t, domain.StateBlocked, h.s.State())
}

func TestStartFromBlockedClearsBanner(t *testing.T) {
	h := newHarness(t)
	h.ch.RespondJSON(core.EventJoinRoom, map[string]string{"error": "not allowed in this room"})
	require.Error(t, h.s.Start(context.Background(), "room1", "alice"))

	h.ch.RespondJSON(core.EventJoinRoom, coretest.Caps)
	require.NoError(t, h.s.Start(context.Background(), "room2", "alice"))

	v := h.s.Snapshot()
	assert.False(t, v.Blocked)
	assert.Equal(t, domain.StateActive, v.State)
	assert.Equal(t, domain.RoomID("room2"), v.Room)
}

func TestJoinErrorLeavesIdleWithMessage(t *testing.T) {
	h := newHarness(t)
	h.ch.RespondJSON(core.EventJoinRoom, map[string]string{"error": "room is full"})

	err := h.s.Start(context.Background(), "room1", "alice")
	require.ErrorIs(t, err, domain.ErrEntryRejected)

	v := h.s.Snapshot()
	assert.Equal(t, domain.StateIdle, v.State)
	assert.False(t, v.Blocked)
	assert.Equal(t, "room is full", v.Message)
	assert.True(t, h.track.Stopped())

	assert.Equal(t, "room is full", h.s.TakeMessage())
	assert.Empty(t, h.s.TakeMessage())

	h.ch.RespondJSON(core.EventJoinRoom, coretest.Caps)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))
}

func TestEmptyRoomNeverSignals(t *testing.T) {
	ctrl := gomock.NewController(t)
	mic := mocks.NewMockMicrophone(ctrl)
	// No expectations: any Request, Emit or On fails the test.
	ch := mocks.NewMockSignalChannel(ctrl)
	neg := app.NewNegotiator(ch, func() (core.Device, error) { return &coretest.Device{}, nil }, time.Second)
	s := NewSession(neg, ch, mic, Options{})

	err := s.Start(context.Background(), "", "alice")
	require.ErrorIs(t, err, domain.ErrEmptyRoom)
	err = s.Start(context.Background(), "room1", "")
	require.ErrorIs(t, err, domain.ErrEmptyUser)
	assert.Equal(t, domain.StateIdle, s.State())
	s.End()
}

func TestEndWithoutStartIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, h.s.End)
	assert.Equal(t, domain.StateIdle, h.s.State())
	assert.Empty(t, h.ch.Calls())
}

func TestEndReleasesEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))
	h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p2"})
	h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p3"})
	h.s.Settle()
	require.Len(t, h.s.Snapshot().Entries, 2)

	h.s.End()

	v := h.s.Snapshot()
	assert.Equal(t, domain.StateIdle, v.State)
	assert.Empty(t, v.Entries)
	assert.False(t, v.Speaking)
	assert.True(t, h.track.Stopped())
	h.allTransportsClosed(t)
	assert.Len(t, h.dev.Transports(), 3)
	assert.Equal(t, 0, h.ch.Listeners(core.EventNewProducer))

	before := len(h.ch.Calls())
	h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p4"})
	h.s.Settle()
	assert.Len(t, h.ch.Calls(), before)
	assert.Empty(t, h.s.Snapshot().Entries)
}

func TestRepeatedStartEndDoesNotLeakListeners(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.track = coretest.NewTrack("mic")
		h.mic.Track = h.track
		require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))
		assert.Equal(t, 1, h.ch.Listeners(core.EventNewProducer))
		h.s.End()
		assert.Equal(t, 0, h.ch.Listeners(core.EventNewProducer))
		assert.True(t, h.track.Stopped())
	}
	h.allTransportsClosed(t)
}

func TestStartWhileActiveIsBusy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))
	err := h.s.Start(context.Background(), "room2", "alice")
	assert.ErrorIs(t, err, domain.ErrSessionBusy)
	assert.Equal(t, domain.RoomID("room1"), h.s.Snapshot().Room)
}

func TestCapabilityLoadFailure(t *testing.T) {
	h := newHarness(t)
	h.dev.LoadErr = errors.New("unsupported codec")

	err := h.s.Start(context.Background(), "room1", "alice")
	require.ErrorIs(t, err, domain.ErrCapabilityLoad)
	assert.Equal(t, domain.StateIdle, h.s.State())
	assert.True(t, h.track.Stopped())
	assert.Equal(t, []string{core.EventJoinRoom}, h.ch.Events())
}

func TestPublishFailureUnwinds(t *testing.T) {
	h := newHarness(t)
	h.ch.RespondJSON(core.EventProduce, map[string]string{"error": "producer limit"})

	err := h.s.Start(context.Background(), "room1", "alice")
	require.ErrorIs(t, err, domain.ErrNegotiation)
	assert.Equal(t, domain.StateIdle, h.s.State())
	assert.True(t, h.track.Stopped())
	h.allTransportsClosed(t)
	assert.Equal(t, 0, h.ch.Listeners(core.EventNewProducer))
}

func TestProduceTimeoutUnwinds(t *testing.T) {
	h := newHarness(t)
	h.ch.Respond(core.EventProduce, func(json.RawMessage) (any, error) { return nil, coretest.ErrNoAck })

	err := h.s.Start(context.Background(), "room1", "alice")
	require.ErrorIs(t, err, domain.ErrNegotiation)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	v := h.s.Snapshot()
	assert.Equal(t, domain.StateIdle, v.State)
	assert.Empty(t, v.Entries)
	assert.True(t, h.track.Stopped())
	require.Len(t, h.dev.Transports(), 1)
	h.allTransportsClosed(t)
	assert.Equal(t, 0, h.ch.Listeners(core.EventNewProducer))
}

func TestMicrophoneFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mic := mocks.NewMockMicrophone(ctrl)
	mic.EXPECT().Acquire(gomock.Any()).Return(nil, errors.New("device busy"))
	ch := coretest.NewChannel()
	coretest.ScriptSFU(ch)
	neg := app.NewNegotiator(ch, func() (core.Device, error) { return &coretest.Device{}, nil }, time.Second)
	s := NewSession(neg, ch, mic, Options{})

	err := s.Start(context.Background(), "room1", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.Equal(t, domain.StateIdle, s.State())
	assert.Empty(t, ch.Calls())
}

func TestMockMicrophoneTrackIsPublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	track := coretest.NewTrack("mock-mic")
	mic := mocks.NewMockMicrophone(ctrl)
	mic.EXPECT().Acquire(gomock.Any()).Return(track, nil).Times(1)
	ch := coretest.NewChannel()
	coretest.ScriptSFU(ch)
	neg := app.NewNegotiator(ch, func() (core.Device, error) { return &coretest.Device{}, nil }, time.Second)
	s := NewSession(neg, ch, mic, Options{})

	require.NoError(t, s.Start(context.Background(), "room1", "alice"))
	s.End()
	assert.True(t, track.Stopped())
}

func TestEndCancelsJoiningStart(t *testing.T) {
	h := newHarness(t)
	h.ch.Respond(core.EventJoinRoom, nil)
	neg := app.NewNegotiator(h.ch, func() (core.Device, error) { return h.dev, nil }, time.Minute)
	h.s = NewSession(neg, h.ch, h.mic, Options{})

	errc := make(chan error, 1)
	go func() { errc <- h.s.Start(context.Background(), "room1", "alice") }()
	require.Eventually(t, func() bool { return h.ch.Count(core.EventJoinRoom) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.StateJoining, h.s.State())

	h.s.End()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("start did not return after end")
	}
	assert.Equal(t, domain.StateIdle, h.s.State())
	assert.True(t, h.track.Stopped())
	assert.Equal(t, []string{core.EventJoinRoom}, h.ch.Events())
}

func TestEndDiscardsInFlightConsume(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.dev.BeforeConsume = func(context.Context, domain.ConsumerParams) error {
		close(entered)
		<-release
		return nil
	}
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))

	h.ch.Push(core.EventNewProducer, map[string]string{"producerId": "p2"})
	<-entered
	h.s.End()
	close(release)
	time.Sleep(10 * time.Millisecond)

	assert.Empty(t, h.s.Snapshot().Entries)
	require.Eventually(t, func() bool {
		for _, tr := range h.dev.Transports() {
			if !tr.Closed() {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func TestMuteIsLocalOnly(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))
	calls := len(h.ch.Calls())

	var mu sync.Mutex
	var seen []View
	off := h.s.Watch(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, v)
	})
	defer off()

	h.s.SetMuted(true)
	h.s.SetMuted(true)

	v := h.s.Snapshot()
	assert.True(t, v.Muted)
	assert.Equal(t, domain.StateActive, v.State)
	assert.Len(t, h.ch.Calls(), calls)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.True(t, seen[len(seen)-1].Muted)

	muted := 0
	for _, w := range seen {
		if w.Muted {
			muted++
		}
	}
	assert.Equal(t, 1, muted)
}

func TestMuteWhileIdle(t *testing.T) {
	h := newHarness(t)
	h.s.SetMuted(true)
	assert.True(t, h.s.Snapshot().Muted)
	assert.Equal(t, domain.StateIdle, h.s.State())
	assert.Empty(t, h.ch.Calls())
}

func TestSpeakingFollowsLevel(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))

	h.track.SetLevel(25)
	require.Eventually(t, func() bool { return h.s.Snapshot().Speaking }, time.Second, time.Millisecond)

	h.track.SetLevel(3)
	require.Eventually(t, func() bool { return !h.s.Snapshot().Speaking }, time.Second, time.Millisecond)

	h.s.SetSpeakingThreshold(2)
	require.Eventually(t, func() bool { return h.s.Snapshot().Speaking }, time.Second, time.Millisecond)

	h.s.End()
	assert.False(t, h.s.Snapshot().Speaking)
}

func producerIDs(entries []core.RemoteEntry) []domain.ProducerID {
	out := make([]domain.ProducerID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ProducerID)
	}
	return out
}

func TestWatchersEndOnLatestView(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Start(context.Background(), "room1", "alice"))

	var mu sync.Mutex
	var last View
	off := h.s.Watch(func(v View) {
		time.Sleep(30 * time.Microsecond)
		mu.Lock()
		last = v
		mu.Unlock()
	})
	defer off()

	for round := 0; round < 20; round++ {
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				if i%2 == 0 {
					h.track.SetLevel(25)
				} else {
					h.track.SetLevel(1)
				}
				h.s.SetMuted(i%3 == 0)
				time.Sleep(time.Millisecond)
			}
		}()

		for i := 0; i < 5; i++ {
			h.ch.Push(core.EventNewProducer, map[string]string{"producerId": fmt.Sprintf("r%d-p%d", round, i)})
		}
		h.s.Settle()
		close(stop)
		<-done

		require.Eventually(t, func() bool {
			want := h.s.Snapshot()
			mu.Lock()
			defer mu.Unlock()
			return assert.ObjectsAreEqual(producerIDs(want.Entries), producerIDs(last.Entries)) &&
				want.Speaking == last.Speaking &&
				want.Muted == last.Muted
		}, time.Second, 10*time.Millisecond, "round %d: watcher kept a stale view", round)
	}
	assert.Len(t, h.s.Snapshot().Entries, 100)
}
