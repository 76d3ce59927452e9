package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrNoCodecs = errors.New("capabilities carry no codecs")

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
	Direction        string    `json:"direction,omitempty"`
}

// RtpCapabilities is the capability set exchanged once per session.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions"`
}

func (c RtpCapabilities) Validate() error {
	if len(c.Codecs) == 0 {
		return ErrNoCodecs
	}
	for i, codec := range c.Codecs {
		kind, _, ok := strings.Cut(codec.MimeType, "/")
		if !ok {
			return fmt.Errorf("codec %d: invalid mimeType %q", i, codec.MimeType)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("codec %d (%s): missing clockRate", i, codec.MimeType)
		}
		if codec.Kind != "" && string(codec.Kind) != strings.ToLower(kind) {
			return fmt.Errorf("codec %d (%s): kind %q does not match mimeType", i, codec.MimeType, codec.Kind)
		}
	}
	return nil
}

// Clone returns a deep copy so a loaded set can't be mutated by the caller.
func (c RtpCapabilities) Clone() RtpCapabilities {
	out := RtpCapabilities{
		Codecs:           make([]RtpCodecCapability, len(c.Codecs)),
		HeaderExtensions: slices.Clone(c.HeaderExtensions),
	}
	for i, codec := range c.Codecs {
		codec.RtcpFeedback = slices.Clone(codec.RtcpFeedback)
		if codec.Parameters != nil {
			params := make(map[string]any, len(codec.Parameters))
			for k, v := range codec.Parameters {
				params[k] = v
			}
			codec.Parameters = params
		}
		out.Codecs[i] = codec
	}
	return out
}

// Filter keeps codecs whose mime type (case-insensitive) and header extensions
// whose uri are listed.
func (c RtpCapabilities) Filter(mimeTypes, extensionURIs []string) RtpCapabilities {
	src := c.Clone()
	out := RtpCapabilities{}
	for _, codec := range src.Codecs {
		if slices.ContainsFunc(mimeTypes, func(m string) bool { return strings.EqualFold(m, codec.MimeType) }) {
			out.Codecs = append(out.Codecs, codec)
		}
	}
	for _, ext := range src.HeaderExtensions {
		if slices.Contains(extensionURIs, ext.URI) {
			out.HeaderExtensions = append(out.HeaderExtensions, ext)
		}
	}
	return out
}

func (c RtpCapabilities) FindCodec(mimeType string) (RtpCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec, true
		}
	}
	return RtpCodecCapability{}, false
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtpEncodingParameters struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	DTX  bool   `json:"dtx,omitempty"`
}

type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address,omitempty"`
	IP         string `json:"ip,omitempty"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// Host prefers the newer "address" field and falls back to "ip".
func (c IceCandidate) Host() string {
	if c.Address != "" {
		return c.Address
	}
	return c.IP
}

// TransportParams is what createTransport hands back for one transport.
type TransportParams struct {
	ID             TransportID    `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ConsumerParams struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}
