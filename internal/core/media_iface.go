package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is one peer connection plus the local media attached to it.
// The coordinators only drive it and observe its callbacks.
type MediaConnection interface {
	// Start acquires local media and attaches it to the connection.
	Start(ctx context.Context) error
	// CreateOffer creates and applies the local offer.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates and applies the local answer; requires a remote offer.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	ConnectionState() webrtc.PeerConnectionState
	SetMuted(muted bool) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// Close releases local media and the peer connection. Safe to call twice.
	Close() error
}

// MediaFactory creates connections; label is used for logging only.
type MediaFactory interface {
	NewConnection(label string) (MediaConnection, error)
}

// IsDead reports whether a connection state can no longer carry media.
func IsDead(s webrtc.PeerConnectionState) bool {
	switch s {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		return true
	}
	return false
}
