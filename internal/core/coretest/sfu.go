package coretest

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

// Caps is a minimal router capability set.
var Caps = domain.RtpCapabilities{
	Codecs: []domain.RtpCodecCapability{{
		Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2,
	}},
	HeaderExtensions: []domain.RtpHeaderExtension{{
		Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1,
	}},
}

// ScriptSFU answers every request the way a healthy server would:
// transports t1, t2, ..., producers p1, p2, ..., consumers c1, c2, ...
func ScriptSFU(ch *Channel) {
	var transports, producers, consumers atomic.Int32

	ch.RespondJSON(core.EventJoinRoom, Caps)
	ch.Respond(core.EventCreateTransport, func(json.RawMessage) (any, error) {
		n := transports.Add(1)
		return TransportParams(fmt.Sprintf("t%d", n)), nil
	})
	ch.Respond(core.EventProduce, func(json.RawMessage) (any, error) {
		n := producers.Add(1)
		return map[string]string{"id": fmt.Sprintf("p%d", n)}, nil
	})
	ch.Respond(core.EventConsume, func(raw json.RawMessage) (any, error) {
		var req struct {
			ProducerID domain.ProducerID `json:"producerId"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		n := consumers.Add(1)
		return domain.ConsumerParams{
			ID:         domain.ConsumerID(fmt.Sprintf("c%d", n)),
			ProducerID: req.ProducerID,
			Kind:       domain.KindAudio,
			RtpParameters: domain.RtpParameters{
				Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
				Encodings: []domain.RtpEncodingParameters{{SSRC: uint32(2000 + n)}},
			},
		}, nil
	})
}

func TransportParams(id string) domain.TransportParams {
	return domain.TransportParams{
		ID:            domain.TransportID(id),
		IceParameters: domain.IceParameters{UsernameFragment: "ufrag", Password: "pwd", IceLite: true},
		IceCandidates: []domain.IceCandidate{{
			Foundation: "udpcandidate", Priority: 1076302079, Address: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host",
		}},
		DtlsParameters: domain.DtlsParameters{
			Role:         domain.DtlsRoleAuto,
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "CC:DD"}},
		},
	}
}
