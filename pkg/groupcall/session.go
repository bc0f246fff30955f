package groupcall

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/groupcall/pkg/telemetry"
)

// GroupCallSession is the Mesh Signaling State Machine (§4.5, C5): one
// client's view of, and participation in, a single group call. It owns
// no media itself, only the bookkeeping that decides when to place,
// answer, replace or hang up PeerCalls, and reconciles that decision
// against the room's membership state on every change.
//
// Grounded on pkg/conference/conference.go's Conference struct and its
// lifecycle (NewConference spawning a background loop, OnNewParticipant,
// removeParticipant), generalized from "an SFU receiving one peer's
// invite" to "a client reconciling its whole membership set against a
// full-mesh peer table."
type GroupCallSession struct {
	voipID       VoipId
	local        Participant
	membershipID string
	backend      Backend
	config       Config

	room      RoomService
	messenger DeviceMessenger
	transport MediaTransport
	registry  Registry

	bus     *EventBus
	streams *StreamRegistry
	calls   *PeerCallTable
	view    *MembershipView

	heartbeat     *MembershipHeartbeat
	activeSpeaker *ActiveSpeakerDetector
	keys          *SenderKeyLadder

	logger *logrus.Entry

	mutex        sync.Mutex
	state        GroupCallState
	participants map[Participant]struct{}

	pumpCancel context.CancelFunc
}

// NewGroupCallSession constructs a session in LocalFeedUninitialized
// state. It does not touch the room or media until initLocalStream/Enter
// are called.
func NewGroupCallSession(
	voipID VoipId,
	local Participant,
	backend Backend,
	config Config,
	room RoomService,
	messenger DeviceMessenger,
	transport MediaTransport,
	keyProvider KeyProvider,
	registry Registry,
	logger *logrus.Entry,
) *GroupCallSession {
	config.SetDefaults()

	bus := NewEventBus()
	streams := NewStreamRegistry(bus)

	entryLogger := logger.WithFields(logrus.Fields{
		"room_id": voipID.RoomID,
		"call_id": voipID.CallID,
		"user_id": local.UserID,
	})

	session := &GroupCallSession{
		voipID:       voipID,
		local:        local,
		membershipID: uuid.NewString(),
		backend:      backend,
		config:       config,
		room:         room,
		messenger:    messenger,
		transport:    transport,
		registry:     registry,
		bus:          bus,
		streams:      streams,
		calls:        NewPeerCallTable(streams, bus, entryLogger),
		view:         NewMembershipView(room, voipID.RoomID, voipID.CallID, config.Application, config.Scope, entryLogger),
		logger:       entryLogger,
		state:        LocalFeedUninitialized,
		participants: make(map[Participant]struct{}),
	}

	session.heartbeat = NewMembershipHeartbeat(room, voipID, local, session.membershipID, backend, config, session.State, entryLogger)

	if config.EnableE2EE && keyProvider != nil {
		session.keys = NewSenderKeyLadder(voipID, local, messenger, keyProvider, config, entryLogger)
	}

	session.activeSpeaker = NewActiveSpeakerDetector(session.calls, streams, bus, local, nil, config.ActiveSpeakerInterval, entryLogger)

	return session
}

func (s *GroupCallSession) State() GroupCallState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *GroupCallSession) setState(state GroupCallState) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()

	s.bus.state.Publish(state)
}

// Bus exposes the event streams a UI or caller can subscribe to (§4.8).
func (s *GroupCallSession) Bus() *EventBus { return s.bus }

// InitLocalStream acquires local user media and transitions
// LocalFeedUninitialized -> InitializingLocalFeed -> LocalFeedInitialized.
// On acquisition failure the state reverts to LocalFeedUninitialized and
// ErrMediaAcquisitionFailed is returned (§4.5).
func (s *GroupCallSession) InitLocalStream(ctx context.Context, audio, video bool) error {
	t := telemetry.NewTelemetry(ctx, "GroupCallSession.InitLocalStream")
	defer t.End()

	if s.State() != LocalFeedUninitialized {
		return fmt.Errorf("%w: initLocalStream called in state %s", ErrPreconditionViolation, s.State())
	}

	s.setState(InitializingLocalFeed)

	stream, err := s.transport.AcquireUserMedia(ctx, audio, video)
	if err != nil {
		t.Fail(err)
		s.setState(LocalFeedUninitialized)
		return fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err)
	}

	stream.Participant = s.local
	stream.Local = true

	s.streams.Add(stream)
	s.setState(LocalFeedInitialized)
	return nil
}

// Enter joins the call: registers the local membership event, starts the
// heartbeat and active-speaker loops, begins accepting incoming calls,
// and reconciles against the current room membership (§4.5). It accepts
// either LocalFeedUninitialized or LocalFeedInitialized: from the former,
// it runs InitLocalStream itself on a mesh backend, or skips local media
// acquisition entirely on LiveKit (signaling-only).
func (s *GroupCallSession) Enter(ctx context.Context) error {
	t := telemetry.NewTelemetry(ctx, "GroupCallSession.Enter")
	defer t.End()

	switch s.State() {
	case LocalFeedUninitialized:
		if !s.backend.IsLivekitCall() {
			if err := s.InitLocalStream(ctx, true, true); err != nil {
				t.Fail(err)
				return err
			}
		}
	case LocalFeedInitialized:
		// already have local media; nothing to do.
	default:
		return fmt.Errorf("%w: enter called in state %s", ErrPreconditionViolation, s.State())
	}

	if err := s.heartbeat.Start(ctx); err != nil {
		t.Fail(err)
		return err
	}

	s.registry.Register(s.voipID, s)

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.pumpCancel = cancel
	go s.pumpIncomingCalls(pumpCtx)

	s.activeSpeaker.Start(ctx)

	s.setState(Entered)
	s.bus.coarseEvent.Publish(EventEntered)

	if err := s.Reconcile(ctx); err != nil {
		s.logger.WithError(err).Error("initial membership reconciliation failed")
	}

	return nil
}

// Leave tears the session down: stops background loops, hangs up every
// peer call, removes the membership event and unregisters from the
// process-wide registry (§4.5). Idempotent against a session that has
// already ended.
func (s *GroupCallSession) Leave(ctx context.Context) error {
	t := telemetry.NewTelemetry(ctx, "GroupCallSession.Leave")
	defer t.End()

	if s.State() == Ended {
		return nil
	}

	if s.pumpCancel != nil {
		s.pumpCancel()
	}
	s.activeSpeaker.Stop()

	if s.keys != nil {
		s.keys.purgeLocal()
	}

	if err := s.heartbeat.removeMemberStateEvent(ctx); err != nil {
		s.logger.WithError(err).Warn("failed to remove membership on leave")
	}

	for _, call := range s.calls.All() {
		if err := s.calls.Remove(ctx, call, HangupUserHangup); err != nil {
			s.logger.WithError(err).Warn("failed to remove peer call on leave")
		}
	}

	if local := s.streams.LocalUserMediaStream(s.local); local != nil {
		s.streams.Remove(s.local, PurposeUserMedia)
	}
	if local := s.streams.LocalScreenshareStream(s.local); local != nil {
		s.streams.Remove(s.local, PurposeScreenshare)
	}

	s.registry.Unregister(s.voipID)

	s.setState(Ended)
	s.bus.coarseEvent.Publish(EventEnded)
	s.bus.Close()

	return nil
}

// Reconcile fetches current room membership and brings the peer call
// table into line with it: places outgoing calls to new participants per
// the tie-break rule (I5), and tears down calls for participants who left
// (§4.5). Safe to call repeatedly; it is idempotent for an unchanged
// membership set.
func (s *GroupCallSession) Reconcile(ctx context.Context) error {
	t := telemetry.NewTelemetry(ctx, "GroupCallSession.Reconcile")
	defer t.End()

	memberships, err := s.view.Current(ctx)
	if err != nil {
		t.Fail(err)
		return err
	}

	current := make(map[Participant]struct{}, len(memberships))
	byParticipant := make(map[Participant]Membership, len(memberships))
	for _, m := range memberships {
		p := m.Participant()
		if p == s.local {
			continue
		}
		current[p] = struct{}{}
		byParticipant[p] = m
	}

	s.mutex.Lock()
	previous := s.participants
	s.participants = current
	s.mutex.Unlock()

	joined := make([]Participant, 0)
	for p := range current {
		if _, existed := previous[p]; !existed {
			joined = append(joined, p)
		}
	}

	left := make([]Participant, 0)
	for p := range previous {
		if _, still := current[p]; !still {
			left = append(left, p)
		}
	}

	// Every currently present membership is re-checked on mesh backends,
	// not just newly joined ones: a stale-session replacement (S2) changes
	// a membershipId without changing the Participant identity, so it
	// never shows up in the joined/left diff above.
	if !s.backend.IsLivekitCall() {
		for p, m := range byParticipant {
			s.onParticipantPresent(ctx, p, m)
		}
	}

	for _, p := range left {
		s.onParticipantLeft(ctx, p)
	}

	if len(joined) > 0 || len(left) > 0 {
		s.bus.participantsChanged.Publish(current)
		s.bus.coarseEvent.Publish(EventParticipantsChanged)

		if s.keys != nil && s.backend.IsLivekitCall() {
			remaining := make([]Participant, 0, len(current))
			for p := range current {
				remaining = append(remaining, p)
			}

			if len(joined) > 0 {
				if s.config.EnableSFUE2EEKeyRatcheting {
					if err := s.keys.ratchetLocalParticipantKey(ctx, joined); err != nil {
						s.logger.WithError(err).Error("key ratchet for new joiners failed")
					}
				} else if err := s.keys.makeNewSenderKey(ctx, remaining, true); err != nil {
					s.logger.WithError(err).Error("key rotation for new joiners failed")
				}
			}

			if len(left) > 0 {
				s.keys.scheduleLeaveRotation(context.Background(), left, remaining)
			}
		}
	}

	return nil
}

// onParticipantPresent reconciles one currently-live membership against the
// peer call table: it places an outgoing call if this side wins the
// tie-break (I5) and none exists yet, and replaces a stale one whose
// remoteSessionId no longer matches the membership's current membershipId
// (S2), which happens when a remote device restarts mid-call.
func (s *GroupCallSession) onParticipantPresent(ctx context.Context, p Participant, m Membership) {
	if !s.local.Less(p) {
		return
	}

	if existing := s.calls.GetForParticipant(p); existing != nil {
		if existing.RemoteSessionID() == m.MembershipID {
			return
		}

		s.logger.WithField("participant", p).Info("replacing stale peer call after remote session changed")
		if err := s.calls.Remove(ctx, existing, HangupUnknownError); err != nil {
			s.logger.WithError(err).WithField("participant", p).Warn("failed to hang up stale peer call")
		}
	}

	opts := CallOptions{
		CallID:         uuid.NewString(),
		Room:           s.voipID.RoomID,
		Direction:      DirectionOutgoing,
		LocalPartyID:   s.local.CanonicalID(),
		GroupCallID:    s.voipID.CallID,
		IsVideo:        true,
		RemoteUserID:   p.UserID,
		RemoteDeviceID: p.DeviceID,
		RemoteSession:  m.MembershipID,
	}

	call, err := s.transport.CreateOutgoingCall(ctx, opts)
	if err != nil {
		s.logger.WithError(err).WithField("participant", p).Error("failed to create outgoing call")
		return
	}

	s.calls.Add(p, call)

	localStreams := s.localStreamsSnapshot()
	if err := call.PlaceWithStreams(ctx, localStreams); err != nil {
		s.logger.WithError(err).WithField("participant", p).Error("failed to place outgoing call")
	}
}

// onParticipantLeft tears down whatever peer call and streams remain for
// a participant who is no longer present in the room's membership.
func (s *GroupCallSession) onParticipantLeft(ctx context.Context, p Participant) {
	if call := s.calls.GetForParticipant(p); call != nil {
		if err := s.calls.Remove(ctx, call, HangupUserHangup); err != nil {
			s.logger.WithError(err).WithField("participant", p).Warn("failed to remove call for departed participant")
		}
	}
}

// OnMemberStateChanged is the external trigger point for §4.1's "whenever
// the room's m.call.member state changes" hook. Callers (typically the
// room service's own event loop) invoke this once per relevant state
// update; Reconcile debounces nothing itself, since the teacher's state
// model (§5) assumes single-threaded, cooperative scheduling.
func (s *GroupCallSession) OnMemberStateChanged(ctx context.Context) error {
	if s.State() != Entered {
		return nil
	}
	return s.Reconcile(ctx)
}

// pumpIncomingCalls consumes MediaTransport.IncomingCalls() until the
// session leaves.
func (s *GroupCallSession) pumpIncomingCalls(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case call, ok := <-s.transport.IncomingCalls():
			if !ok {
				return
			}
			s.onIncomingCall(context.Background(), call)
		}
	}
}

// onIncomingCall handles a remote invite (§4.5). On LiveKit, mesh calls
// never happen at all: incoming invites are ignored, since media flows
// through the SFU and signaling carries no P2P offer/answer. On mesh, an
// invite for another room, not in Ringing state, or whose groupCallId is
// missing or doesn't match this session's is a stale session (§7) and gets
// rejected outright. A second invite from a participant we already have a
// call with replaces the existing one (S3); otherwise the call is answered
// with our current local streams.
func (s *GroupCallSession) onIncomingCall(ctx context.Context, call PeerCall) {
	t := telemetry.NewTelemetry(ctx, "GroupCallSession.onIncomingCall")
	defer t.End()

	if s.backend.IsLivekitCall() {
		return
	}

	participant := Participant{UserID: call.RemoteUserID(), DeviceID: call.RemoteDeviceID()}

	if call.Room() != s.voipID.RoomID {
		s.logger.WithField("participant", participant).Warn("rejecting incoming call for a different room")
		return
	}

	if call.State() != PeerCallRinging {
		s.logger.WithField("participant", participant).Warn("rejecting incoming call not in ringing state")
		return
	}

	if call.GroupCallID() == "" || call.GroupCallID() != s.voipID.CallID {
		t.Fail(ErrStaleSession)
		s.logger.WithError(ErrStaleSession).WithField("participant", participant).Warn("rejecting incoming call with mismatched groupCallId")
		if err := call.Hangup(ctx, HangupUnknownError, false); err != nil {
			s.logger.WithError(err).WithField("participant", participant).Warn("failed to hang up stale incoming call")
		}
		return
	}

	if existing := s.calls.GetForParticipant(participant); existing != nil {
		if existing.CallID() == call.CallID() {
			return
		}

		s.logger.WithField("participant", participant).Info("replacing existing peer call with incoming invite")
		if err := s.calls.Replace(ctx, existing, call); err != nil {
			t.Fail(err)
			s.logger.WithError(err).Error("failed to replace peer call")
			return
		}
	} else {
		s.calls.Add(participant, call)
	}

	if err := call.AnswerWithStreams(ctx, s.localStreamsSnapshot()); err != nil {
		t.Fail(err)
		s.logger.WithError(err).WithField("participant", participant).Error("failed to answer incoming call")
	}
}

func (s *GroupCallSession) localStreamsSnapshot() []*WrappedMediaStream {
	streams := make([]*WrappedMediaStream, 0, 2)
	if local := s.streams.LocalUserMediaStream(s.local); local != nil {
		streams = append(streams, local)
	}
	if local := s.streams.LocalScreenshareStream(s.local); local != nil {
		streams = append(streams, local)
	}
	return streams
}

// SetMicrophoneMuted toggles the local user-media stream's audio mute
// state through the transport and updates the tracked stream.
func (s *GroupCallSession) SetMicrophoneMuted(ctx context.Context, muted bool) error {
	local := s.streams.LocalUserMediaStream(s.local)
	if local == nil {
		return ErrPreconditionViolation
	}
	if err := s.transport.SetMicrophoneMuted(ctx, local, muted); err != nil {
		return err
	}
	local.AudioMuted = muted
	return nil
}

// SetLocalVideoMuted toggles the local user-media stream's video mute
// state through the transport and updates the tracked stream.
func (s *GroupCallSession) SetLocalVideoMuted(ctx context.Context, muted bool) error {
	local := s.streams.LocalUserMediaStream(s.local)
	if local == nil {
		return ErrPreconditionViolation
	}
	if err := s.transport.SetLocalVideoMuted(ctx, local, muted); err != nil {
		return err
	}
	local.VideoMuted = muted
	return nil
}

// EnableScreensharing acquires a display-media stream and fans it out to
// every peer call alongside the existing user-media stream (§4.2). On
// failure no state changes and ErrScreenshareFailed is returned.
func (s *GroupCallSession) EnableScreensharing(ctx context.Context) error {
	stream, err := s.transport.AcquireDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScreenshareFailed, err)
	}

	stream.Participant = s.local
	stream.Purpose = PurposeScreenshare
	stream.Local = true

	s.streams.Add(stream)

	for _, call := range s.calls.All() {
		if err := call.AddLocalStream(ctx, stream); err != nil {
			s.logger.WithError(err).Error("failed to add screenshare to peer call")
		}
	}

	return nil
}

// DisableScreensharing stops and removes the local screenshare stream,
// notifying every peer call.
func (s *GroupCallSession) DisableScreensharing(ctx context.Context) error {
	stream := s.streams.LocalScreenshareStream(s.local)
	if stream == nil {
		return nil
	}

	for _, call := range s.calls.All() {
		if err := call.RemoveLocalStream(ctx, stream); err != nil {
			s.logger.WithError(err).Error("failed to remove screenshare from peer call")
		}
	}

	s.streams.Remove(s.local, PurposeScreenshare)
	return nil
}

// OnCallEncryption forwards an inbound E2EE sender key to the key ladder.
// A no-op if E2EE is disabled for this session.
func (s *GroupCallSession) OnCallEncryption(from Participant, entry EncryptionKeyEntry) error {
	if s.keys == nil {
		return nil
	}
	return s.keys.onCallEncryption(from, entry)
}

// OnCallEncryptionKeyRequest forwards an inbound key-request to the key
// ladder, scoped to the requested room (Open Question (c)).
func (s *GroupCallSession) OnCallEncryptionKeyRequest(ctx context.Context, requestedRoomID string, from Participant) error {
	if s.keys == nil {
		return nil
	}
	return s.keys.onCallEncryptionKeyRequest(ctx, requestedRoomID, from)
}
