package groupcall

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

// fakeRoomService is an in-memory RoomService backing store, grounded on
// the teacher's table-driven fakes style (pkg/conference tests construct
// bare structs rather than mocking frameworks).
type fakeRoomService struct {
	mutex       sync.Mutex
	memberships map[id.RoomID][]Membership
}

func newFakeRoomService() *fakeRoomService {
	return &fakeRoomService{memberships: make(map[id.RoomID][]Membership)}
}

func (f *fakeRoomService) Memberships(_ context.Context, roomID id.RoomID) ([]Membership, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	out := make([]Membership, len(f.memberships[roomID]))
	copy(out, f.memberships[roomID])
	return out, nil
}

func (f *fakeRoomService) WriteOwnMemberships(_ context.Context, roomID id.RoomID, memberships []Membership) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.memberships[roomID] = memberships
	return nil
}

func (f *fakeRoomService) set(roomID id.RoomID, memberships []Membership) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.memberships[roomID] = memberships
}

// fakeMessenger records every key send/request without touching a network.
type fakeMessenger struct {
	mutex       sync.Mutex
	sentKeys    []EncryptionKeyEntry
	sentTo      []Participant
	requestedTo []Participant
}

func (f *fakeMessenger) SendEncryptionKeys(_ context.Context, to []Participant, _ VoipId, keys []EncryptionKeyEntry) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.sentTo = append(f.sentTo, to...)
	f.sentKeys = append(f.sentKeys, keys...)
	return nil
}

func (f *fakeMessenger) RequestEncryptionKeys(_ context.Context, to Participant, _ VoipId) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.requestedTo = append(f.requestedTo, to)
	return nil
}

// fakeKeyProvider records every key installed into it.
type fakeKeyProvider struct {
	mutex     sync.Mutex
	installed map[string][32]byte
}

func newFakeKeyProvider() *fakeKeyProvider {
	return &fakeKeyProvider{installed: make(map[string][32]byte)}
}

func (f *fakeKeyProvider) OnSetEncryptionKey(participant Participant, key [32]byte, index int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.installed[participant.CanonicalID()] = key
	return nil
}

func (f *fakeKeyProvider) OnRatchetKey(_ Participant, _ int) ([32]byte, error) {
	return [32]byte{}, nil
}

// fakePeerCall is a bare-bones PeerCall used to drive the Peer Call Table
// and GroupCallSession without a real pion/webrtc connection.
type fakePeerCall struct {
	callID          string
	remoteUserID    id.UserID
	remoteDeviceID  id.DeviceID
	remoteSessionID string
	room            id.RoomID
	groupCallID     string

	mutex   sync.Mutex
	state   PeerCallState
	hungUp  bool
	placed  bool
	answered bool

	stateCh        chan PeerCallState
	replaceCh      chan PeerCall
	streamsChanged chan struct{}
	hangupCh       chan HangupReason
	streamAddCh    chan *WrappedMediaStream
	streamRemoveCh chan *WrappedMediaStream
}

func newFakePeerCall(callID string, userID id.UserID, deviceID id.DeviceID) *fakePeerCall {
	return &fakePeerCall{
		callID:         callID,
		remoteUserID:   userID,
		remoteDeviceID: deviceID,
		stateCh:        make(chan PeerCallState, 8),
		replaceCh:      make(chan PeerCall, 8),
		streamsChanged: make(chan struct{}, 8),
		hangupCh:       make(chan HangupReason, 8),
		streamAddCh:    make(chan *WrappedMediaStream, 8),
		streamRemoveCh: make(chan *WrappedMediaStream, 8),
	}
}

func (c *fakePeerCall) CallID() string             { return c.callID }
func (c *fakePeerCall) RemoteUserID() id.UserID     { return c.remoteUserID }
func (c *fakePeerCall) RemoteDeviceID() id.DeviceID { return c.remoteDeviceID }
func (c *fakePeerCall) RemoteSessionID() string     { return c.remoteSessionID }
func (c *fakePeerCall) Room() id.RoomID             { return c.room }
func (c *fakePeerCall) GroupCallID() string         { return c.groupCallID }

func (c *fakePeerCall) State() PeerCallState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *fakePeerCall) PlaceWithStreams(_ context.Context, _ []*WrappedMediaStream) error {
	c.mutex.Lock()
	c.placed = true
	c.mutex.Unlock()
	return nil
}

func (c *fakePeerCall) AnswerWithStreams(_ context.Context, _ []*WrappedMediaStream) error {
	c.mutex.Lock()
	c.answered = true
	c.mutex.Unlock()
	return nil
}

func (c *fakePeerCall) AddLocalStream(_ context.Context, _ *WrappedMediaStream) error    { return nil }
func (c *fakePeerCall) RemoveLocalStream(_ context.Context, _ *WrappedMediaStream) error { return nil }

func (c *fakePeerCall) Hangup(_ context.Context, reason HangupReason, shouldEmit bool) error {
	c.mutex.Lock()
	c.hungUp = true
	c.mutex.Unlock()

	if shouldEmit {
		c.hangupCh <- reason
	}
	return nil
}

func (c *fakePeerCall) GetStats(_ context.Context) (StatsReport, error) { return StatsReport{}, nil }

func (c *fakePeerCall) OnState() <-chan PeerCallState             { return c.stateCh }
func (c *fakePeerCall) OnReplace() <-chan PeerCall                { return c.replaceCh }
func (c *fakePeerCall) OnStreamsChanged() <-chan struct{}         { return c.streamsChanged }
func (c *fakePeerCall) OnHangup() <-chan HangupReason             { return c.hangupCh }
func (c *fakePeerCall) OnStreamAdd() <-chan *WrappedMediaStream   { return c.streamAddCh }
func (c *fakePeerCall) OnStreamRemove() <-chan *WrappedMediaStream { return c.streamRemoveCh }

// fakeTransport hands out fakePeerCalls for outgoing calls and lets a test
// push incoming ones.
type fakeTransport struct {
	mutex      sync.Mutex
	outgoing   []*fakePeerCall
	incoming   chan PeerCall
	acquireErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan PeerCall, 8)}
}

func (f *fakeTransport) AcquireUserMedia(_ context.Context, _, _ bool) (*WrappedMediaStream, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &WrappedMediaStream{Handle: noopHandle{}}, nil
}

func (f *fakeTransport) AcquireDisplayMedia(_ context.Context) (*WrappedMediaStream, error) {
	return &WrappedMediaStream{Handle: noopHandle{}}, nil
}

func (f *fakeTransport) CreateOutgoingCall(_ context.Context, opts CallOptions) (PeerCall, error) {
	call := newFakePeerCall(opts.CallID, opts.RemoteUserID, opts.RemoteDeviceID)
	call.remoteSessionID = opts.RemoteSession
	call.room = opts.Room
	call.groupCallID = opts.GroupCallID

	f.mutex.Lock()
	f.outgoing = append(f.outgoing, call)
	f.mutex.Unlock()

	return call, nil
}

func (f *fakeTransport) SetMicrophoneMuted(_ context.Context, _ *WrappedMediaStream, _ bool) error {
	return nil
}

func (f *fakeTransport) SetLocalVideoMuted(_ context.Context, _ *WrappedMediaStream, _ bool) error {
	return nil
}

func (f *fakeTransport) IncomingCalls() <-chan PeerCall { return f.incoming }

type noopHandle struct{}

func (noopHandle) Stop() {}

// fakeRegistry records Register/Unregister calls.
type fakeRegistry struct {
	mutex      sync.Mutex
	registered map[VoipId]*GroupCallSession
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: make(map[VoipId]*GroupCallSession)}
}

func (r *fakeRegistry) Register(id VoipId, session *GroupCallSession) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.registered[id] = session
}

func (r *fakeRegistry) Unregister(id VoipId) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.registered, id)
}
