package groupcall

import "github.com/matrix-org/groupcall/pkg/common"

// GroupCallEvent is the coarse enum exposed on OnGroupCallEvent, useful for
// observers that don't need the full state machine detail.
type GroupCallEvent int

const (
	EventEntered GroupCallEvent = iota
	EventEnded
	EventParticipantsChanged
	EventActiveSpeakerChanged
	EventError
)

// EventBus is the multi-consumer broadcast hub (§4.8, C9). Every stream
// caches its most recently published value so a late subscriber (e.g. a UI
// attaching after the call already entered) observes current state
// immediately, grounded on common.Broadcaster.
type EventBus struct {
	state                     *common.Broadcaster[GroupCallState]
	coarseEvent               *common.Broadcaster[GroupCallEvent]
	feedsChanged              *common.Broadcaster[struct{}]
	streamAdd                 *common.Broadcaster[*WrappedMediaStream]
	streamRemoved             *common.Broadcaster[*WrappedMediaStream]
	userMediaStreamsChanged   *common.Broadcaster[[]*WrappedMediaStream]
	screenshareStreamsChanged *common.Broadcaster[[]*WrappedMediaStream]
	participantsChanged       *common.Broadcaster[map[Participant]struct{}]
	activeSpeakerChanged      *common.Broadcaster[Participant]
	errors                    *common.Broadcaster[error]
	// callsChanged is not one of §4.8's named streams but is needed to
	// satisfy §4.3/§4.4's "fires callsChanged" requirement on the Peer Call
	// Table; kept as a thin addition alongside the spec's named streams.
	callsChanged *common.Broadcaster[struct{}]
}

func NewEventBus() *EventBus {
	return &EventBus{
		state:                     common.NewBroadcaster[GroupCallState](),
		coarseEvent:               common.NewBroadcaster[GroupCallEvent](),
		feedsChanged:              common.NewBroadcaster[struct{}](),
		streamAdd:                 common.NewBroadcaster[*WrappedMediaStream](),
		streamRemoved:             common.NewBroadcaster[*WrappedMediaStream](),
		userMediaStreamsChanged:   common.NewBroadcaster[[]*WrappedMediaStream](),
		screenshareStreamsChanged: common.NewBroadcaster[[]*WrappedMediaStream](),
		participantsChanged:       common.NewBroadcaster[map[Participant]struct{}](),
		activeSpeakerChanged:      common.NewBroadcaster[Participant](),
		errors:                    common.NewBroadcaster[error](),
		callsChanged:              common.NewBroadcaster[struct{}](),
	}
}

func (b *EventBus) OnGroupCallState() *common.Subscription[GroupCallState] { return b.state.Subscribe() }

func (b *EventBus) OnGroupCallEvent() *common.Subscription[GroupCallEvent] {
	return b.coarseEvent.Subscribe()
}

func (b *EventBus) OnGroupCallFeedsChanged() *common.Subscription[struct{}] {
	return b.feedsChanged.Subscribe()
}

func (b *EventBus) OnStreamAdd() *common.Subscription[*WrappedMediaStream] {
	return b.streamAdd.Subscribe()
}

func (b *EventBus) OnStreamRemoved() *common.Subscription[*WrappedMediaStream] {
	return b.streamRemoved.Subscribe()
}

func (b *EventBus) OnParticipantsChanged() *common.Subscription[map[Participant]struct{}] {
	return b.participantsChanged.Subscribe()
}

func (b *EventBus) OnActiveSpeakerChanged() *common.Subscription[Participant] {
	return b.activeSpeakerChanged.Subscribe()
}

func (b *EventBus) OnError() *common.Subscription[error] { return b.errors.Subscribe() }

func (b *EventBus) OnCallsChanged() *common.Subscription[struct{}] { return b.callsChanged.Subscribe() }

// Close tears down every stream. Called once from leave()/dispose().
func (b *EventBus) Close() {
	b.state.Close()
	b.coarseEvent.Close()
	b.feedsChanged.Close()
	b.streamAdd.Close()
	b.streamRemoved.Close()
	b.userMediaStreamsChanged.Close()
	b.screenshareStreamsChanged.Close()
	b.participantsChanged.Close()
	b.activeSpeakerChanged.Close()
	b.errors.Close()
	b.callsChanged.Close()
}
