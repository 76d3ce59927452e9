package core

import "github.com/dkeye/VoiceClient/internal/domain"

// Stream is a playable stream handed to the presentation layer.
type Stream struct {
	ID     string
	Tracks []RemoteTrack
}

// NewStream wraps a single remote track.
func NewStream(track RemoteTrack) *Stream {
	return &Stream{ID: track.ID(), Tracks: []RemoteTrack{track}}
}

// RemoteEntry is a read-only view for the presentation layer.
type RemoteEntry struct {
	ProducerID domain.ProducerID `json:"producerId"`
	Stream     *Stream           `json:"-"`
}
