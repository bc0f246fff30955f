package groupcall

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func newTestPeerCallTable() (*PeerCallTable, *StreamRegistry, *EventBus) {
	bus := NewEventBus()
	streams := NewStreamRegistry(bus)
	return NewPeerCallTable(streams, bus, logrus.NewEntry(logrus.New())), streams, bus
}

func TestPeerCallTableAddAndGet(t *testing.T) {
	table, _, _ := newTestPeerCallTable()
	participant := Participant{UserID: id.UserID("@alice:example.org"), DeviceID: id.DeviceID("A")}
	call := newFakePeerCall("call1", participant.UserID, participant.DeviceID)

	table.Add(participant, call)

	assert.Same(t, PeerCall(call), table.GetForParticipant(participant))
	assert.Len(t, table.All(), 1)
}

// TestPeerCallTableHangupRemovesEntry drives OnHangup through forward() and
// consume() and checks the entry disappears and streams are torn down (§4.3).
func TestPeerCallTableHangupRemovesEntry(t *testing.T) {
	table, streams, bus := newTestPeerCallTable()
	participant := Participant{UserID: id.UserID("@alice:example.org"), DeviceID: id.DeviceID("A")}
	call := newFakePeerCall("call1", participant.UserID, participant.DeviceID)

	sub := bus.OnCallsChanged()
	defer sub.Cancel()

	table.Add(participant, call)
	streams.Add(&WrappedMediaStream{Participant: participant, Purpose: PurposeUserMedia, Handle: noopHandle{}})

	call.hangupCh <- HangupUnknownError

	assert.Eventually(t, func() bool {
		return table.GetForParticipant(participant) == nil
	}, time.Second, time.Millisecond)

	assert.Nil(t, streams.Get(participant, PurposeUserMedia))
}

// TestPeerCallTableHangupReplacedIsSuppressed covers the consume()-level
// check that a Replaced hangup reason never drives the remove path, since
// Replace() has already installed the replacement before emitting it.
func TestPeerCallTableHangupReplacedIsSuppressed(t *testing.T) {
	table, _, _ := newTestPeerCallTable()
	participant := Participant{UserID: id.UserID("@alice:example.org"), DeviceID: id.DeviceID("A")}
	original := newFakePeerCall("call1", participant.UserID, participant.DeviceID)
	replacement := newFakePeerCall("call2", participant.UserID, participant.DeviceID)

	table.Add(participant, original)
	assert.NoError(t, table.Replace(context.Background(), original, replacement))

	// The original's own hangup channel still carries the Replaced signal its
	// forwarder saw before being cancelled; consume() must not act on it.
	original.hangupCh <- HangupReplaced

	time.Sleep(20 * time.Millisecond)
	assert.Same(t, PeerCall(replacement), table.GetForParticipant(participant))
}

func TestPeerCallTableReplaceRejectsUnknownExisting(t *testing.T) {
	table, _, _ := newTestPeerCallTable()
	participant := Participant{UserID: id.UserID("@alice:example.org"), DeviceID: id.DeviceID("A")}
	stray := newFakePeerCall("call1", participant.UserID, participant.DeviceID)
	replacement := newFakePeerCall("call2", participant.UserID, participant.DeviceID)

	err := table.Replace(context.Background(), stray, replacement)
	assert.ErrorIs(t, err, ErrPeerCallNotFound)
}

func TestPeerCallTableRemoveIsIdempotent(t *testing.T) {
	table, _, _ := newTestPeerCallTable()
	participant := Participant{UserID: id.UserID("@alice:example.org"), DeviceID: id.DeviceID("A")}
	call := newFakePeerCall("call1", participant.UserID, participant.DeviceID)

	table.Add(participant, call)
	assert.NoError(t, table.Remove(context.Background(), call, HangupUserHangup))
	assert.NoError(t, table.Remove(context.Background(), call, HangupUserHangup))
	assert.True(t, call.hungUp)
}

func TestPeerCallTableStreamAddIgnoresLocalStreams(t *testing.T) {
	table, streams, _ := newTestPeerCallTable()
	participant := Participant{UserID: id.UserID("@alice:example.org"), DeviceID: id.DeviceID("A")}
	call := newFakePeerCall("call1", participant.UserID, participant.DeviceID)
	table.Add(participant, call)

	call.streamAddCh <- &WrappedMediaStream{Participant: participant, Purpose: PurposeUserMedia, Local: true, Handle: noopHandle{}}
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, streams.Get(participant, PurposeUserMedia))

	remote := &WrappedMediaStream{Participant: participant, Purpose: PurposeUserMedia, Handle: noopHandle{}}
	call.streamAddCh <- remote
	assert.Eventually(t, func() bool {
		return streams.Get(participant, PurposeUserMedia) == remote
	}, time.Second, time.Millisecond)
}
