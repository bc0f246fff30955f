package groupcall

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/groupcall/pkg/common"
)

// peerCallEntry bundles a PeerCall with the cancel functions for the
// goroutines fanning its event streams into the table, so removal can tear
// down subscriptions cleanly — "never let a subscription outlive its peer
// call" (§9 design notes).
type peerCallEntry struct {
	call   PeerCall
	cancel context.CancelFunc
}

// peerCallSignalKind distinguishes the events a PeerCall forwards into the
// table's shared message sink.
type peerCallSignalKind int

const (
	signalHangup peerCallSignalKind = iota
	signalStreamAdd
	signalStreamRemove
)

// peerCallSignal is what each PeerCall's forwarder sends; the call's
// identity rides along so a stale forwarder (superseded by Replace) can't
// be mistaken for the one currently in byParty.
type peerCallSignal struct {
	kind   peerCallSignalKind
	callID string
	hangup HangupReason
	stream *WrappedMediaStream
}

// PeerCallTable owns the set of per-remote-participant PeerCall sessions
// for one group call (§4.3, C4). At most one PeerCall per remote
// Participant is held at any time (I1).
//
// Each PeerCall's event channels are fanned into one table-owned
// common.MessageSink per call (Participant as the compile-time-fixed
// sender, §4.3), all draining into a single channel a lone consume()
// goroutine serializes — the multiple-producer/single-consumer shape
// common.MessageSink itself documents, generalized from per-conference
// signaling (teacher never needed this; waterfall's conference loop is
// already its own single consumer) to per-table fan-in here.
type PeerCallTable struct {
	mutex   sync.Mutex
	byParty map[string]*peerCallEntry
	streams *StreamRegistry
	bus     *EventBus
	logger  *logrus.Entry

	signals chan common.Message[Participant, peerCallSignal]
}

func NewPeerCallTable(streams *StreamRegistry, bus *EventBus, logger *logrus.Entry) *PeerCallTable {
	t := &PeerCallTable{
		byParty: make(map[string]*peerCallEntry),
		streams: streams,
		bus:     bus,
		logger:  logger,
		signals: make(chan common.Message[Participant, peerCallSignal], common.UnboundedChannelSize),
	}
	go t.consume()
	return t
}

// GetForParticipant returns the single PeerCall registered for a
// participant, or nil. More than one match would violate I1; since the
// table structurally can't hold two entries under the same key, this is
// just a lookup.
func (t *PeerCallTable) GetForParticipant(p Participant) PeerCall {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if e, ok := t.byParty[p.CanonicalID()]; ok {
		return e.call
	}
	return nil
}

// All returns a snapshot of every PeerCall currently in the table.
func (t *PeerCallTable) All() []PeerCall {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	out := make([]PeerCall, 0, len(t.byParty))
	for _, e := range t.byParty {
		out = append(out, e.call)
	}
	return out
}

// Add registers a new call, subscribing to its event streams and forwarding
// remote stream changes into the Stream Registry (§4.3).
func (t *PeerCallTable) Add(participant Participant, call PeerCall) {
	ctx, cancel := context.WithCancel(context.Background())

	t.mutex.Lock()
	t.byParty[participant.CanonicalID()] = &peerCallEntry{call: call, cancel: cancel}
	t.mutex.Unlock()

	go t.forward(ctx, participant, call)

	t.bus.callsChanged.Publish(struct{}{})
}

// forward fans a single PeerCall's event channels into the table's shared
// sink until its context is cancelled (on remove/replace). Each call gets
// its own common.MessageSink bound to its participant, so the consume()
// loop always knows whose signal it's looking at without a lookup race.
func (t *PeerCallTable) forward(ctx context.Context, participant Participant, call PeerCall) {
	sink := common.NewMessageSink(participant, t.signals)
	callID := call.CallID()
	hangups := call.OnHangup()
	adds := call.OnStreamAdd()
	removes := call.OnStreamRemove()
	streamsChanged := call.OnStreamsChanged()

	for {
		select {
		case <-ctx.Done():
			sink.Seal()
			return
		case reason, ok := <-hangups:
			if !ok {
				sink.Seal()
				return
			}
			_ = sink.Send(peerCallSignal{kind: signalHangup, callID: callID, hangup: reason})
		case add, ok := <-adds:
			if !ok {
				sink.Seal()
				return
			}
			if !add.Local {
				_ = sink.Send(peerCallSignal{kind: signalStreamAdd, callID: callID, stream: add})
			}
		case removed, ok := <-removes:
			if !ok {
				sink.Seal()
				return
			}
			if !removed.Local {
				_ = sink.Send(peerCallSignal{kind: signalStreamRemove, callID: callID, stream: removed})
			}
		case <-streamsChanged:
			// Bookkeeping only signal; the individual add/remove events
			// above already drive the Stream Registry.
		}
	}
}

// consume is the table's single signal consumer, serializing every
// forwarder's output so stream registry and call-table mutations never
// race each other.
func (t *PeerCallTable) consume() {
	for msg := range t.signals {
		entry, stillCurrent := t.currentEntry(msg.Sender, msg.Content.callID)
		if !stillCurrent {
			continue
		}

		switch msg.Content.kind {
		case signalHangup:
			if msg.Content.hangup == HangupReplaced {
				continue
			}
			t.onCallHangup(msg.Sender, entry.call)
		case signalStreamAdd:
			t.streams.Add(msg.Content.stream)
		case signalStreamRemove:
			t.streams.Remove(msg.Content.stream.Participant, msg.Content.stream.Purpose)
		}
	}
}

// currentEntry reports the table's current entry for a participant and
// whether it still matches the call a signal originated from; a forwarder
// whose call was superseded by Replace keeps running briefly after losing
// byParty, so stale signals must be dropped rather than acted on.
func (t *PeerCallTable) currentEntry(participant Participant, callID string) (*peerCallEntry, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	entry, ok := t.byParty[participant.CanonicalID()]
	if !ok || entry.call.CallID() != callID {
		return nil, false
	}
	return entry, true
}

// onCallHangup mirrors remove()'s reason handling without recursing through
// Remove's own hangup call (the call has already hung itself up).
func (t *PeerCallTable) onCallHangup(participant Participant, call PeerCall) {
	t.removeEntry(participant, call)
	t.streams.RemoveAllForParticipant(participant)
	t.bus.callsChanged.Publish(struct{}{})
}

// Replace atomically swaps the call registered for a participant's
// canonical id for a new one, hanging up the old one with reason Replaced
// (which suppresses the hangup-driven remove path) and firing exactly one
// callsChanged (§4.3, S3).
func (t *PeerCallTable) Replace(ctx context.Context, existing, replacement PeerCall) error {
	participant := Participant{UserID: existing.RemoteUserID(), DeviceID: existing.RemoteDeviceID()}

	t.mutex.Lock()
	entry, ok := t.byParty[participant.CanonicalID()]
	if !ok || entry.call.CallID() != existing.CallID() {
		t.mutex.Unlock()
		return ErrPeerCallNotFound
	}
	entry.cancel()

	replCtx, cancel := context.WithCancel(context.Background())
	t.byParty[participant.CanonicalID()] = &peerCallEntry{call: replacement, cancel: cancel}
	t.mutex.Unlock()

	if err := existing.Hangup(ctx, HangupReplaced, false); err != nil {
		t.logger.WithError(err).Warn("failed to hang up replaced call")
	}

	go t.forward(replCtx, participant, replacement)

	t.bus.callsChanged.Publish(struct{}{})
	return nil
}

// Remove tears down and forgets the call for a participant. If reason is
// not Replaced, the call itself is hung up first (with shouldEmit=false to
// avoid a recursive hangup-driven remove). Idempotent.
func (t *PeerCallTable) Remove(ctx context.Context, call PeerCall, reason HangupReason) error {
	participant := Participant{UserID: call.RemoteUserID(), DeviceID: call.RemoteDeviceID()}

	t.mutex.Lock()
	entry, ok := t.byParty[participant.CanonicalID()]
	if !ok {
		t.mutex.Unlock()
		return nil
	}
	if entry.call.CallID() != call.CallID() {
		t.mutex.Unlock()
		return nil
	}
	delete(t.byParty, participant.CanonicalID())
	t.mutex.Unlock()

	entry.cancel()

	if reason != HangupReplaced {
		if err := call.Hangup(ctx, reason, false); err != nil {
			t.logger.WithError(err).Warn("failed to hang up removed call")
		}
	}

	t.streams.RemoveAllForParticipant(participant)
	t.bus.callsChanged.Publish(struct{}{})
	return nil
}

func (t *PeerCallTable) removeEntry(participant Participant, call PeerCall) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if entry, ok := t.byParty[participant.CanonicalID()]; ok && entry.call.CallID() == call.CallID() {
		entry.cancel()
		delete(t.byParty, participant.CanonicalID())
	}
}
