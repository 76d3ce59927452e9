package rtc

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/core/coretest"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeter(t *testing.T) {
	m := NewMeter(4)
	assert.Zero(t, m.Level())

	m.Observe(60, 20*time.Millisecond)
	m.Observe(20, 20*time.Millisecond)
	assert.InDelta(t, 40, m.Level(), 0.001)

	// A 40ms page of 80 bytes counts as 40 bytes per frame.
	m.Observe(80, 40*time.Millisecond)
	assert.InDelta(t, 40, m.Level(), 0.001)

	for i := 0; i < 4; i++ {
		m.Observe(4, 0)
	}
	assert.InDelta(t, 4, m.Level(), 0.001)

	m.Reset()
	assert.Zero(t, m.Level())
}

func TestOutTrackStates(t *testing.T) {
	ot := NewOutTrack(&memWriter{})
	assert.Equal(t, TrackStateOk, ot.GetState())
	ot.MarkMuted()
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkOk()
	assert.Equal(t, TrackStateOk, ot.GetState())
	ot.MarkDelete()
	ot.MarkOk()
	ot.MarkMuted()
	assert.Equal(t, TrackStateDelete, ot.GetState())
	assert.Equal(t, "delete", ot.GetState().String())
}

type memWriter struct {
	mu     sync.Mutex
	pkts   []*rtp.Packet
	closed bool
	err    error
}

func (w *memWriter) WriteRTP(pkt *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.pkts = append(w.pkts, pkt)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pkts)
}

func (w *memWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type writers struct {
	mu  sync.Mutex
	out map[domain.ProducerID]*memWriter
}

func newWriters() *writers {
	return &writers{out: make(map[domain.ProducerID]*memWriter)}
}

func (ws *writers) factory(producer domain.ProducerID) (RTPWriter, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w := &memWriter{}
	ws.out[producer] = w
	return w, nil
}

func (ws *writers) get(producer domain.ProducerID) *memWriter {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.out[producer]
}

func entry(producer domain.ProducerID) (core.RemoteEntry, *coretest.RemoteTrack) {
	track := &coretest.RemoteTrack{Name: "c-" + string(producer), MediaKind: domain.KindAudio, Packets: make(chan *rtp.Packet, 8)}
	return core.RemoteEntry{ProducerID: producer, Stream: core.NewStream(track)}, track
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: seq, Timestamp: uint32(seq) * 960, SSRC: 2001},
		Payload: bytes.Repeat([]byte{0xAB}, 40),
	}
}

func TestPlayerWritesRemoteAudio(t *testing.T) {
	ws := newWriters()
	p := NewPlayer(ws.factory)
	e, track := entry("p2")

	p.Sync([]core.RemoteEntry{e})
	p.Sync([]core.RemoteEntry{e})
	assert.Equal(t, 1, p.Outputs())

	track.Packets <- packet(1)
	track.Packets <- packet(2)
	close(track.Packets)
	p.Close()

	w := ws.get("p2")
	require.NotNil(t, w)
	assert.Equal(t, 2, w.written())
	assert.True(t, w.isClosed())
	assert.Equal(t, 0, p.Outputs())
}

func TestPlayerMuteDropsPackets(t *testing.T) {
	ws := newWriters()
	p := NewPlayer(ws.factory)
	p.SetMuted(true)
	e, track := entry("p2")

	p.Sync([]core.RemoteEntry{e})
	track.Packets <- packet(1)
	track.Packets <- packet(2)
	close(track.Packets)
	p.Close()

	assert.Equal(t, 0, ws.get("p2").written())
	assert.True(t, ws.get("p2").isClosed())
}

func TestPlayerRemovesVanishedEntries(t *testing.T) {
	ws := newWriters()
	p := NewPlayer(ws.factory)
	e2, t2 := entry("p2")
	e3, t3 := entry("p3")

	p.Sync([]core.RemoteEntry{e2, e3})
	require.Equal(t, 2, p.Outputs())

	p.Sync([]core.RemoteEntry{e3})
	assert.Equal(t, 1, p.Outputs())

	t2.Packets <- packet(1)
	t3.Packets <- packet(1)
	close(t2.Packets)
	close(t3.Packets)
	p.Close()

	assert.Equal(t, 0, ws.get("p2").written())
	assert.True(t, ws.get("p2").isClosed())
	assert.Equal(t, 1, ws.get("p3").written())
}

func TestPlayerWriteErrorStopsOutput(t *testing.T) {
	w := &memWriter{err: errors.New("disk full")}
	p := NewPlayer(func(domain.ProducerID) (RTPWriter, error) { return w, nil })
	e, track := entry("p2")

	p.Sync([]core.RemoteEntry{e})
	track.Packets <- packet(1)
	require.Eventually(t, w.isClosed, time.Second, time.Millisecond)
	close(track.Packets)
	p.Close()
}

func TestOggFilesOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	p := NewPlayer(OggFiles(dir))
	e, track := entry("p2")

	p.Sync([]core.RemoteEntry{e})
	track.Packets <- packet(1)
	track.Packets <- packet(2)
	close(track.Packets)
	p.Close()

	data, err := os.ReadFile(filepath.Join(dir, "p2.ogg"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("OggS")))
}

// writeOgg produces an Ogg/Opus file with n frames of frameSize bytes.
func writeOgg(t *testing.T, n, frameSize int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.ogg")
	w, err := oggwriter.New(path, opusClockRate, 2)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		pkt := packet(uint16(i + 1))
		pkt.Payload = bytes.Repeat([]byte{0x5A}, frameSize)
		require.NoError(t, w.WriteRTP(pkt))
	}
	require.NoError(t, w.Close())
	return path
}

func TestOggMicrophone(t *testing.T) {
	mic := NewOggMicrophone(writeOgg(t, 10, 60), true)

	track, err := mic.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.KindAudio, track.Kind())
	assert.NotEmpty(t, track.ID())

	meter, ok := track.(core.LevelMeter)
	require.True(t, ok)
	require.Eventually(t, func() bool { return meter.Level() > 10 }, 2*time.Second, 5*time.Millisecond)

	track.Stop()
	track.Stop()
	assert.True(t, track.Stopped())
	assert.Zero(t, meter.Level())
}

func TestOggMicrophoneErrors(t *testing.T) {
	_, err := NewOggMicrophone(filepath.Join(t.TempDir(), "missing.ogg"), false).Acquire(context.Background())
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.ogg")
	require.NoError(t, os.WriteFile(path, []byte("not an ogg file at all"), 0o600))
	_, err = NewOggMicrophone(path, false).Acquire(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewOggMicrophone(writeOgg(t, 1, 10), false).Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
