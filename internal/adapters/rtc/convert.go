package rtc

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/pion/webrtc/v4"
)

func iceParameters(p domain.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func iceCandidates(in []domain.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Host(),
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

// remoteDtls converts server DTLS parameters. The server side always acts
// as DTLS server because the client announces itself as client on connect.
func remoteDtls(p domain.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleServer}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func localDtls(p webrtc.DTLSParameters) domain.DtlsParameters {
	out := domain.DtlsParameters{Role: domain.DtlsRoleClient}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func codecParameters(c domain.RtpCodecCapability) webrtc.RTPCodecParameters {
	fb := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
	for _, f := range c.RtcpFeedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: fb,
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

// fmtpLine renders codec parameters as an SDP fmtp value with sorted keys.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
			continue
		}
		out[k] = v
	}
	return out
}

// sendParameters describes what an RTPSender emits in the server's format.
func sendParameters(p webrtc.RTPSendParameters, cname string) domain.RtpParameters {
	out := domain.RtpParameters{Rtcp: domain.RtcpParameters{CNAME: cname, ReducedSize: true}}
	for _, c := range p.Codecs {
		codec := domain.RtpCodecParameters{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			Parameters:  parseFmtp(c.SDPFmtpLine),
		}
		for _, f := range c.RTCPFeedback {
			codec.RtcpFeedback = append(codec.RtcpFeedback, domain.RtcpFeedback{Type: f.Type, Parameter: f.Parameter})
		}
		out.Codecs = append(out.Codecs, codec)
	}
	for _, ext := range p.HeaderExtensions {
		out.HeaderExtensions = append(out.HeaderExtensions, domain.RtpHeaderExtensionParameters{URI: ext.URI, ID: ext.ID})
	}
	for _, enc := range p.Encodings {
		out.Encodings = append(out.Encodings, domain.RtpEncodingParameters{SSRC: uint32(enc.SSRC)})
	}
	return out
}

func receiveParameters(p domain.RtpParameters) (webrtc.RTPReceiveParameters, error) {
	if len(p.Encodings) == 0 || p.Encodings[0].SSRC == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("consumer parameters carry no ssrc")
	}
	if len(p.Codecs) == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("consumer parameters carry no codec")
	}
	return webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(p.Codecs[0].PayloadType),
			},
		}},
	}, nil
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// ICEServers builds the gatherer configuration from plain urls.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: slices.Clone(urls)}}
}
