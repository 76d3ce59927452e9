package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotLoaded = errors.New("device not loaded")
	ErrNoOpus    = errors.New("router offers no opus codec")
)

var (
	supportedCodecs     = []string{webrtc.MimeTypeOpus}
	supportedExtensions = []string{
		"urn:ietf:params:rtp-hdrext:sdes:mid",
		"urn:ietf:params:rtp-hdrext:ssrc-audio-level",
		"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
	}
)

var _ core.Device = (*Device)(nil)

// Device turns router capabilities into a pion API able to build ORTC transports.
type Device struct {
	iceServers []webrtc.ICEServer

	mu     sync.Mutex
	loaded bool
	local  domain.RtpCapabilities
	api    *webrtc.API
}

func NewDevice(iceServers []webrtc.ICEServer) *Device {
	return &Device{iceServers: iceServers}
}

// Factory returns a core.DeviceFactory building devices with iceServers.
func Factory(iceServers []webrtc.ICEServer) core.DeviceFactory {
	return func() (core.Device, error) { return NewDevice(iceServers), nil }
}

func (d *Device) Load(_ context.Context, router domain.RtpCapabilities) error {
	if err := router.Validate(); err != nil {
		return err
	}
	local := router.Filter(supportedCodecs, supportedExtensions)
	if len(local.Codecs) == 0 {
		return ErrNoOpus
	}

	m := &webrtc.MediaEngine{}
	for _, codec := range local.Codecs {
		if err := m.RegisterCodec(codecParameters(codec), webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("register %s: %w", codec.MimeType, err)
		}
	}
	for _, ext := range local.HeaderExtensions {
		if ext.Kind != "" && ext.Kind != domain.KindAudio {
			continue
		}
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("register extension %s: %w", ext.URI, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.local = local
	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	d.loaded = true
	log.Debug().Str("module", "rtc").Int("codecs", len(local.Codecs)).Int("extensions", len(local.HeaderExtensions)).Msg("device loaded")
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
	return d.local.Clone()
}

func (d *Device) CreateSendTransport(params domain.TransportParams, events core.TransportEvents) (core.SendTransport, error) {
	return d.newTransport(params, domain.DirectionSend, events)
}

func (d *Device) CreateRecvTransport(params domain.TransportParams, events core.TransportEvents) (core.RecvTransport, error) {
	return d.newTransport(params, domain.DirectionRecv, events)
}

func (d *Device) newTransport(params domain.TransportParams, dir domain.Direction, events core.TransportEvents) (*Transport, error) {
	d.mu.Lock()
	api := d.api
	d.mu.Unlock()
	if api == nil {
		return nil, ErrNotLoaded
	}
	return newTransport(api, d.iceServers, params, dir, events)
}
