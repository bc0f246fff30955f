package groupcall

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// RoomService is the external collaborator that reads and writes the
// room's shared state (the "room service" of spec §1/§6). It is the only
// way the core touches FamedlyCallMemberEvent state.
type RoomService interface {
	// Memberships returns the flattened, validated call memberships of
	// every user visible in the room right now (§4.1). Malformed entries
	// are dropped before they reach the core; expired entries are not
	// filtered out here.
	Memberships(ctx context.Context, roomID id.RoomID) ([]Membership, error)

	// WriteOwnMemberships replaces the local user's full memberships array
	// in the room with the given set (§4.6: sendMemberStateEvent splices a
	// single device's entry into this array before calling through here).
	WriteOwnMemberships(ctx context.Context, roomID id.RoomID, memberships []Membership) error
}

// DeviceMessenger is the external collaborator that sends and receives
// device-to-device (to-device) events, encrypted when the room and client
// support it (§6).
type DeviceMessenger interface {
	// SendEncryptionKeys delivers an EncryptionKeysEvent to the given
	// recipients. TransientSendFailure (§7) is retried internally by the
	// implementation with a bounded backoff.
	SendEncryptionKeys(ctx context.Context, to []Participant, voipID VoipId, keys []EncryptionKeyEntry) error

	// RequestEncryptionKeys asks a single device to resend its latest
	// sender key.
	RequestEncryptionKeys(ctx context.Context, to Participant, voipID VoipId) error
}

// EncryptionKeyEntry is one {index, key} pair of the wire payload in §6.
type EncryptionKeyEntry struct {
	Index int
	Key   [32]byte
}

// ICEServer is the minimal shape of a TURN/STUN server descriptor, passed
// through to MediaTransport untouched.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// CallDirection distinguishes who placed a PeerCall.
type CallDirection int

const (
	DirectionOutgoing CallDirection = iota
	DirectionIncoming
)

// CallOptions is what the core hands to MediaTransport to place or answer
// a peer call (§6).
type CallOptions struct {
	CallID         string
	Room           id.RoomID
	Direction      CallDirection
	LocalPartyID   string
	GroupCallID    string
	IsVideo        bool
	ICEServers     []ICEServer
	RemoteUserID   id.UserID
	RemoteDeviceID id.DeviceID
	RemoteSession  string
}

// HangupReason enumerates why a PeerCall was torn down.
type HangupReason int

const (
	HangupUnknownError HangupReason = iota
	HangupReplaced
	HangupUserHangup
	HangupInviteTimeout
)

// PeerCall is the external collaborator representing one P2P (mesh) media
// session with a single remote participant (§3, §6). The core never owns
// its media internals, only its lifecycle and event streams.
type PeerCall interface {
	CallID() string
	RemoteUserID() id.UserID
	RemoteDeviceID() id.DeviceID
	RemoteSessionID() string
	// Room and GroupCallID identify which call this leg's invite claims to
	// belong to, checked by onIncomingCall's invite validation (§4.5, §7's
	// StaleSession).
	Room() id.RoomID
	GroupCallID() string
	State() PeerCallState

	PlaceWithStreams(ctx context.Context, streams []*WrappedMediaStream) error
	AnswerWithStreams(ctx context.Context, streams []*WrappedMediaStream) error
	AddLocalStream(ctx context.Context, stream *WrappedMediaStream) error
	RemoveLocalStream(ctx context.Context, stream *WrappedMediaStream) error
	Hangup(ctx context.Context, reason HangupReason, shouldEmit bool) error

	GetStats(ctx context.Context) (StatsReport, error)

	// Event streams, each a Broadcaster-style multi-consumer subscription
	// point; the Peer Call Table fans all of these into itself (§4.3).
	OnState() <-chan PeerCallState
	OnReplace() <-chan PeerCall
	OnStreamsChanged() <-chan struct{}
	OnHangup() <-chan HangupReason
	OnStreamAdd() <-chan *WrappedMediaStream
	OnStreamRemove() <-chan *WrappedMediaStream
}

// PeerCallState mirrors the lifecycle of a single P2P call leg.
type PeerCallState int

const (
	PeerCallFledgling PeerCallState = iota
	PeerCallInviteSent
	PeerCallRinging
	PeerCallConnecting
	PeerCallConnected
	PeerCallEnded
)

// StatsReport is the minimal shape of a WebRTC getStats() result the active
// speaker detector needs (§4.4): audio levels keyed by whether the entry
// describes an inbound (remote) or locally-sourced track.
type StatsReport struct {
	InboundAudioLevel     *float64
	LocalSourceAudioLevel *float64
}

// MediaTransport is the out-of-scope WebRTC implementation the core drives
// through this capability interface (§6). It is responsible for local
// media acquisition/muting and for creating PeerCall instances.
type MediaTransport interface {
	AcquireUserMedia(ctx context.Context, audio, video bool) (*WrappedMediaStream, error)
	AcquireDisplayMedia(ctx context.Context) (*WrappedMediaStream, error)

	CreateOutgoingCall(ctx context.Context, opts CallOptions) (PeerCall, error)

	SetMicrophoneMuted(ctx context.Context, stream *WrappedMediaStream, muted bool) error
	SetLocalVideoMuted(ctx context.Context, stream *WrappedMediaStream, muted bool) error

	// IncomingCalls is fed by the transport whenever a remote party invites
	// us into a call; the core's incoming-call handler (§4.5) consumes it.
	IncomingCalls() <-chan PeerCall
}

// KeyProvider is the cryptographic collaborator that actually installs
// sender keys into the local media encryptor and performs ratcheting (§6).
type KeyProvider interface {
	OnSetEncryptionKey(participant Participant, key [32]byte, index int) error
	OnRatchetKey(participant Participant, index int) ([32]byte, error)
}

// Registry is the process-wide (but never itself a singleton in this
// package — always an injected handle) map of live sessions, mutated only
// by enter() and leave() (§9 design notes, I6).
type Registry interface {
	Register(id VoipId, session *GroupCallSession)
	Unregister(id VoipId)
}
