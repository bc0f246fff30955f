package groupcall

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// Membership is the parsed, validated form of one entry of a room member's
// `m.call.member` (FamedlyCallMemberEvent) memberships array (§3, §6).
type Membership struct {
	UserID       string
	RoomID       string
	CallID       string
	DeviceID     string
	Application  string
	Scope        string
	BackendRef   Backend
	MembershipID string
	ExpiresTsMs  int64
	// OriginServer is the origin_server_ts of the containing event, used to
	// sort memberships for deterministic iteration (§4.1).
	OriginServer int64
}

// IsExpired reports whether this membership has already lapsed.
func (m Membership) IsExpired(now time.Time) bool {
	return m.ExpiresTsMs <= now.UnixMilli()
}

// Participant reconstructs the (user, device) identity this membership
// asserts.
func (m Membership) Participant() Participant {
	return Participant{UserID: id.UserID(m.UserID), DeviceID: id.DeviceID(m.DeviceID)}
}

// BackendKind distinguishes the two call topologies §2/§4 describe.
type BackendKind int

const (
	BackendMesh BackendKind = iota
	BackendLiveKit
)

// SFUInfo carries whatever a LiveKit/SFU backend descriptor needs to hand
// to the SFU-facing media transport. Its shape is opaque to the core; the
// core only ever round-trips it.
type SFUInfo struct {
	ServiceURL string
	JWT        string
}

// Backend is the tagged {Mesh, LiveKit(sfuInfo)} variant from §3.
type Backend struct {
	Kind    BackendKind
	SFUInfo SFUInfo
}

// IsLivekitCall selects full-mesh P2P media vs. signaling-only + SFU relay.
func (b Backend) IsLivekitCall() bool {
	return b.Kind == BackendLiveKit
}

// GroupCallState is the state machine's state (§4.5).
type GroupCallState int

const (
	LocalFeedUninitialized GroupCallState = iota
	InitializingLocalFeed
	LocalFeedInitialized
	Entered
	Ended
)

func (s GroupCallState) String() string {
	switch s {
	case LocalFeedUninitialized:
		return "LocalFeedUninitialized"
	case InitializingLocalFeed:
		return "InitializingLocalFeed"
	case LocalFeedInitialized:
		return "LocalFeedInitialized"
	case Entered:
		return "Entered"
	case Ended:
		return "Ended"
	default:
		return "Unknown"
	}
}

// StreamPurpose distinguishes a user's camera/mic feed from a screenshare.
type StreamPurpose int

const (
	PurposeUserMedia StreamPurpose = iota
	PurposeScreenshare
)

// MediaHandle is the opaque local/remote media object the core hands back
// and forth to MediaTransport without interpreting it itself (it belongs to
// the out-of-scope WebRTC layer).
type MediaHandle interface {
	// Stop releases whatever the underlying media device/track holds. It is
	// idempotent: calling Stop more than once must not panic or double-free.
	Stop()
}

// WrappedMediaStream is a single tracked audio/video (or screenshare)
// stream, owned by whichever side produced it (§3).
type WrappedMediaStream struct {
	Participant Participant
	Purpose     StreamPurpose
	AudioMuted  bool
	VideoMuted  bool
	Handle      MediaHandle
	// Local is true if this session produced the stream (and therefore
	// owns its lifetime); false if it belongs to a remote PeerCall.
	Local bool

	stopOnce onceFlag
}

// stop invokes Handle.Stop exactly once, regardless of how many code paths
// attempt to remove the same stream (I4).
func (s *WrappedMediaStream) stop() {
	s.stopOnce.Do(func() {
		if s.Handle != nil {
			s.Handle.Stop()
		}
	})
}

// onceFlag is a tiny sync.Once equivalent kept local to this package so that
// WrappedMediaStream's zero value is usable without an explicit constructor.
type onceFlag struct {
	done bool
}

func (o *onceFlag) Do(f func()) {
	if o.done {
		return
	}
	o.done = true
	f()
}
