// Package rtc establishes realtime voice sessions with the speech provider: local
// capture, a peer transport, a signaling channel and the offer/answer exchange
// authorized by a single-use credential.
package rtc

import (
	"context"
	"io"
)

// TransportFactory creates peer transports.
type TransportFactory interface {
	NewTransport(iceServers []string) (Transport, error)
}

// Transport is one peer connection to the provider.
type Transport interface {
	// AddAudioTrack attaches an outbound audio track.
	AddAudioTrack() (TrackWriter, error)
	// OnRemoteAudio registers the handler for inbound audio tracks.
	OnRemoteAudio(fn func(TrackReader))
	// CreateDataChannel opens the signaling channel; onMessage receives raw payloads.
	CreateDataChannel(label string, onMessage func([]byte)) (io.Closer, error)
	// CreateOffer builds and applies the local offer and returns its payload once
	// candidate gathering finishes or ctx ends.
	CreateOffer(ctx context.Context) (string, error)
	SetAnswer(sdp string) error
	// OnLost registers the handler for an unexpected loss of connectivity.
	OnLost(fn func(error))
	Close() error
}

// TrackWriter sends PCM frames to the peer.
type TrackWriter interface {
	WriteFrame(frame []int16) error
}

// TrackReader yields PCM frames received from the peer. ReadFrame returns an
// error once the transport is closed.
type TrackReader interface {
	ReadFrame(dst []int16) (int, error)
}
