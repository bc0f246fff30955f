package groupcall

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

type statsPeerCall struct {
	*fakePeerCall
	level *float64
	err   error
}

func (c *statsPeerCall) GetStats(_ context.Context) (StatsReport, error) {
	if c.err != nil {
		return StatsReport{}, c.err
	}
	return StatsReport{InboundAudioLevel: c.level}, nil
}

func level(v float64) *float64 { return &v }

func TestActiveSpeakerPollPicksLoudestRemote(t *testing.T) {
	bus := NewEventBus()
	streams := NewStreamRegistry(bus)
	table := NewPeerCallTable(streams, bus, logrus.NewEntry(logrus.New()))

	quiet := Participant{UserID: id.UserID("@quiet:example.org")}
	loud := Participant{UserID: id.UserID("@loud:example.org")}

	table.Add(quiet, &statsPeerCall{fakePeerCall: newFakePeerCall("c1", quiet.UserID, quiet.DeviceID), level: level(0.1)})
	table.Add(loud, &statsPeerCall{fakePeerCall: newFakePeerCall("c2", loud.UserID, loud.DeviceID), level: level(0.9)})

	detector := NewActiveSpeakerDetector(table, streams, bus, Participant{}, nil, time.Hour, logrus.NewEntry(logrus.New()))

	winner, lvl, ok := detector.poll(context.Background())
	assert.True(t, ok)
	assert.Equal(t, loud, winner)
	assert.Equal(t, 0.9, lvl)
}

func TestActiveSpeakerPollSkipsFailingCalls(t *testing.T) {
	bus := NewEventBus()
	streams := NewStreamRegistry(bus)
	table := NewPeerCallTable(streams, bus, logrus.NewEntry(logrus.New()))

	broken := Participant{UserID: id.UserID("@broken:example.org")}
	table.Add(broken, &statsPeerCall{fakePeerCall: newFakePeerCall("c1", broken.UserID, broken.DeviceID), err: assert.AnError})

	detector := NewActiveSpeakerDetector(table, streams, bus, Participant{}, nil, time.Hour, logrus.NewEntry(logrus.New()))

	_, _, ok := detector.poll(context.Background())
	assert.False(t, ok)
}

func TestActiveSpeakerPollConsidersLocalLevel(t *testing.T) {
	bus := NewEventBus()
	streams := NewStreamRegistry(bus)
	table := NewPeerCallTable(streams, bus, logrus.NewEntry(logrus.New()))

	local := Participant{UserID: id.UserID("@local:example.org")}
	detector := NewActiveSpeakerDetector(table, streams, bus, local, func() *float64 { return level(0.5) }, time.Hour, logrus.NewEntry(logrus.New()))

	winner, lvl, ok := detector.poll(context.Background())
	assert.True(t, ok)
	assert.Equal(t, local, winner)
	assert.Equal(t, 0.5, lvl)
}

func TestActiveSpeakerTickPublishesOnChange(t *testing.T) {
	bus := NewEventBus()
	streams := NewStreamRegistry(bus)
	table := NewPeerCallTable(streams, bus, logrus.NewEntry(logrus.New()))

	loud := Participant{UserID: id.UserID("@loud:example.org")}
	table.Add(loud, &statsPeerCall{fakePeerCall: newFakePeerCall("c1", loud.UserID, loud.DeviceID), level: level(0.9)})

	detector := NewActiveSpeakerDetector(table, streams, bus, Participant{}, nil, time.Hour, logrus.NewEntry(logrus.New()))
	sub := bus.OnActiveSpeakerChanged()
	defer sub.Cancel()

	detector.tick(context.Background())

	select {
	case winner := <-sub.Channel:
		assert.Equal(t, loud, winner)
	case <-time.After(time.Second):
		t.Fatal("tick did not publish active speaker change")
	}
}

func TestActiveSpeakerFallsBackWhenSpeakerStreamRemoved(t *testing.T) {
	bus := NewEventBus()
	streams := NewStreamRegistry(bus)
	table := NewPeerCallTable(streams, bus, logrus.NewEntry(logrus.New()))

	active := Participant{UserID: id.UserID("@active:example.org")}
	remaining := Participant{UserID: id.UserID("@remaining:example.org")}

	activeStream := &WrappedMediaStream{Participant: active, Purpose: PurposeUserMedia, Handle: noopHandle{}}
	remainingStream := &WrappedMediaStream{Participant: remaining, Purpose: PurposeUserMedia, Handle: noopHandle{}}
	streams.Add(activeStream)
	streams.Add(remainingStream)

	detector := NewActiveSpeakerDetector(table, streams, bus, Participant{}, nil, time.Hour, logrus.NewEntry(logrus.New()))
	detector.current = active
	detector.hasCurrent = true

	sub := bus.OnActiveSpeakerChanged()
	defer sub.Cancel()

	streams.Remove(active, PurposeUserMedia)
	detector.onStreamRemoved(activeStream)

	select {
	case winner := <-sub.Channel:
		assert.Equal(t, remaining, winner)
	case <-time.After(time.Second):
		t.Fatal("stream removal did not publish a fallback active speaker")
	}
}

func TestActiveSpeakerFallbackIgnoresNonActiveSpeakerRemoval(t *testing.T) {
	bus := NewEventBus()
	streams := NewStreamRegistry(bus)
	table := NewPeerCallTable(streams, bus, logrus.NewEntry(logrus.New()))

	active := Participant{UserID: id.UserID("@active:example.org")}
	other := Participant{UserID: id.UserID("@other:example.org")}

	detector := NewActiveSpeakerDetector(table, streams, bus, Participant{}, nil, time.Hour, logrus.NewEntry(logrus.New()))
	detector.current = active
	detector.hasCurrent = true

	otherStream := &WrappedMediaStream{Participant: other, Purpose: PurposeUserMedia, Handle: noopHandle{}}
	detector.onStreamRemoved(otherStream)

	assert.Equal(t, active, detector.current)
	assert.True(t, detector.hasCurrent)
}
