package groupcall

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/groupcall/pkg/common"
)

// ActiveSpeakerDetector polls every PeerCall's inbound audio level on a
// fixed interval and publishes the loudest participant whenever the
// winner changes (§4.7, C7).
//
// Grounded on common.Worker's self-rearming timeout loop, repurposed from
// "retry a send until it succeeds" to "repeat a poll on a fixed cadence
// until told to stop."
type ActiveSpeakerDetector struct {
	calls      *PeerCallTable
	streams    *StreamRegistry
	bus        *EventBus
	local      Participant
	localLevel func() *float64
	interval   time.Duration
	logger     *logrus.Entry

	mutex      sync.Mutex
	worker     *common.Worker[struct{}]
	current    Participant
	hasCurrent bool

	streamRemovedSub *common.Subscription[*WrappedMediaStream]
	fallbackCancel   context.CancelFunc
}

func NewActiveSpeakerDetector(calls *PeerCallTable, streams *StreamRegistry, bus *EventBus, local Participant, localLevel func() *float64, interval time.Duration, logger *logrus.Entry) *ActiveSpeakerDetector {
	return &ActiveSpeakerDetector{
		calls:      calls,
		streams:    streams,
		bus:        bus,
		local:      local,
		localLevel: localLevel,
		interval:   interval,
		logger:     logger,
	}
}

func (d *ActiveSpeakerDetector) Start(ctx context.Context) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.worker = common.StartWorker(common.WorkerConfig[struct{}]{
		ChannelSize: common.UnboundedChannelSize,
		Timeout:     d.interval,
		OnTimeout:   func() { d.tick(ctx) },
		OnTask:      func(struct{}) {},
	})

	fallbackCtx, cancel := context.WithCancel(context.Background())
	d.fallbackCancel = cancel
	d.streamRemovedSub = d.bus.OnStreamRemoved()
	go d.watchStreamRemovals(fallbackCtx)
}

// watchStreamRemovals implements §4.4's fallback: when the current active
// speaker's user-media stream is removed, the next remaining user-media
// stream's participant takes over immediately, without waiting for the
// next poll tick.
func (d *ActiveSpeakerDetector) watchStreamRemovals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case removed, ok := <-d.streamRemovedSub.Channel:
			if !ok {
				return
			}
			d.onStreamRemoved(removed)
		}
	}
}

func (d *ActiveSpeakerDetector) onStreamRemoved(removed *WrappedMediaStream) {
	if removed == nil || removed.Purpose != PurposeUserMedia {
		return
	}

	d.mutex.Lock()
	isActiveSpeaker := d.hasCurrent && d.current == removed.Participant
	d.mutex.Unlock()

	if !isActiveSpeaker {
		return
	}

	fallback, ok := d.firstRemainingUserMediaParticipant()

	d.mutex.Lock()
	if ok {
		d.current = fallback
		d.hasCurrent = true
	} else {
		d.hasCurrent = false
	}
	d.mutex.Unlock()

	if ok {
		d.logger.WithField("participant", fallback).Debug("active speaker left, falling back to remaining stream")
		d.bus.activeSpeakerChanged.Publish(fallback)
	}
}

// firstRemainingUserMediaParticipant returns the participant of whichever
// user-media stream the registry happens to list first. StreamRegistry
// makes no ordering guarantee beyond insertion order, so "first remaining"
// is whichever stream the registry still holds after the removal.
func (d *ActiveSpeakerDetector) firstRemainingUserMediaParticipant() (Participant, bool) {
	streams := d.streams.UserMediaStreams()
	if len(streams) == 0 {
		return Participant{}, false
	}
	return streams[0].Participant, true
}

func (d *ActiveSpeakerDetector) tick(ctx context.Context) {
	winner, level, ok := d.poll(ctx)

	d.mutex.Lock()
	changed := !ok || !d.hasCurrent || winner != d.current
	if ok {
		d.current = winner
		d.hasCurrent = true
	}
	d.mutex.Unlock()

	if ok && changed {
		d.logger.WithField("level", level).Debug("active speaker changed")
		d.bus.activeSpeakerChanged.Publish(winner)
	}
}

// poll collects every call's latest inbound audio level plus the local
// microphone level and returns the loudest participant. Calls that fail
// to report stats are skipped rather than treated as an error (§7: stats
// failures degrade the feature, they do not tear down the session).
func (d *ActiveSpeakerDetector) poll(ctx context.Context) (Participant, float64, bool) {
	var (
		winner Participant
		best   float64
		found  bool
	)

	consider := func(p Participant, level *float64) {
		if level == nil {
			return
		}
		if !found || *level > best {
			winner = p
			best = *level
			found = true
		}
	}

	if d.localLevel != nil {
		consider(d.local, d.localLevel())
	}

	for _, call := range d.calls.All() {
		stats, err := call.GetStats(ctx)
		if err != nil {
			d.logger.WithError(err).Debug("failed to get peer call stats")
			continue
		}
		consider(Participant{UserID: call.RemoteUserID(), DeviceID: call.RemoteDeviceID()}, stats.InboundAudioLevel)
	}

	return winner, best, found
}

func (d *ActiveSpeakerDetector) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.worker != nil {
		d.worker.Stop()
	}
	if d.fallbackCancel != nil {
		d.fallbackCancel()
	}
	if d.streamRemovedSub != nil {
		d.streamRemovedSub.Cancel()
	}
}
