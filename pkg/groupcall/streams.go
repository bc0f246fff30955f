package groupcall

import (
	"golang.org/x/exp/maps"
)

// streamList is an ordered sequence of streams indexed by participant
// canonical id, matching the teacher's "ordered sequence + per-participant
// lookup" bookkeeping for published tracks (pkg/conference/state.go's
// streamsMetadata), generalized here from stream *metadata* to full stream
// *objects*.
type streamList struct {
	order []string
	byID  map[string]*WrappedMediaStream
}

func newStreamList() *streamList {
	return &streamList{byID: make(map[string]*WrappedMediaStream)}
}

func (l *streamList) add(s *WrappedMediaStream) {
	key := s.Participant.CanonicalID()
	if _, exists := l.byID[key]; !exists {
		l.order = append(l.order, key)
	}
	l.byID[key] = s
}

func (l *streamList) replace(participantID string, s *WrappedMediaStream) {
	if _, exists := l.byID[participantID]; !exists {
		l.order = append(l.order, participantID)
	}
	l.byID[participantID] = s
}

func (l *streamList) remove(participantID string) *WrappedMediaStream {
	s, ok := l.byID[participantID]
	if !ok {
		return nil
	}

	delete(l.byID, participantID)
	for i, id := range l.order {
		if id == participantID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}

	return s
}

func (l *streamList) get(participantID string) *WrappedMediaStream {
	return l.byID[participantID]
}

func (l *streamList) all() []*WrappedMediaStream {
	out := make([]*WrappedMediaStream, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

// StreamRegistry tracks local and remote user-media and screenshare
// streams keyed by participant (§4.2, C3).
type StreamRegistry struct {
	userMedia   *streamList
	screenshare *streamList
	bus         *EventBus
}

func NewStreamRegistry(bus *EventBus) *StreamRegistry {
	return &StreamRegistry{
		userMedia:   newStreamList(),
		screenshare: newStreamList(),
		bus:         bus,
	}
}

func (r *StreamRegistry) listFor(purpose StreamPurpose) *streamList {
	if purpose == PurposeScreenshare {
		return r.screenshare
	}
	return r.userMedia
}

// Add inserts a new stream. Emits the purpose-specific "streams changed"
// event, and (unless this is a purely local addition, which is surfaced
// through the local-stream getters instead) the individual streamAdded
// signal.
func (r *StreamRegistry) Add(s *WrappedMediaStream) {
	r.listFor(s.Purpose).add(s)
	r.emitChanged(s.Purpose)
	if !s.Local {
		r.bus.streamAdd.Publish(s)
	}
}

// Replace swaps in place the stream registered for a participant.
func (r *StreamRegistry) Replace(participant Participant, s *WrappedMediaStream) {
	r.listFor(s.Purpose).replace(participant.CanonicalID(), s)
	r.emitChanged(s.Purpose)
	if !s.Local {
		r.bus.streamAdd.Publish(s)
	}
}

// Remove drops the stream registered for a participant+purpose. If the
// stream is local, its underlying media handle is stopped exactly once
// (I4); a remote stream's handle is owned by the peer call, not here.
func (r *StreamRegistry) Remove(participant Participant, purpose StreamPurpose) *WrappedMediaStream {
	removed := r.listFor(purpose).remove(participant.CanonicalID())
	if removed == nil {
		return nil
	}

	if removed.Local {
		removed.stop()
	}

	r.emitChanged(purpose)
	if !removed.Local {
		r.bus.streamRemoved.Publish(removed)
	}

	return removed
}

// RemoveAllForParticipant removes both purposes' streams for a participant,
// used when a peer call is torn down (§4.3's remove()).
func (r *StreamRegistry) RemoveAllForParticipant(participant Participant) {
	r.Remove(participant, PurposeUserMedia)
	r.Remove(participant, PurposeScreenshare)
}

func (r *StreamRegistry) Get(participant Participant, purpose StreamPurpose) *WrappedMediaStream {
	return r.listFor(purpose).get(participant.CanonicalID())
}

func (r *StreamRegistry) UserMediaStreams() []*WrappedMediaStream {
	return r.userMedia.all()
}

func (r *StreamRegistry) ScreenshareStreams() []*WrappedMediaStream {
	return r.screenshare.all()
}

// LocalUserMediaStream returns this session's own camera/mic stream, if any.
func (r *StreamRegistry) LocalUserMediaStream(local Participant) *WrappedMediaStream {
	if s := r.userMedia.get(local.CanonicalID()); s != nil && s.Local {
		return s
	}
	return nil
}

// LocalScreenshareStream returns this session's own screenshare stream, if any.
func (r *StreamRegistry) LocalScreenshareStream(local Participant) *WrappedMediaStream {
	if s := r.screenshare.get(local.CanonicalID()); s != nil && s.Local {
		return s
	}
	return nil
}

func (r *StreamRegistry) emitChanged(purpose StreamPurpose) {
	if purpose == PurposeScreenshare {
		r.bus.screenshareStreamsChanged.Publish(r.ScreenshareStreams())
	} else {
		r.bus.userMediaStreamsChanged.Publish(r.UserMediaStreams())
	}
}

// remoteParticipants returns every non-local user-media stream currently
// registered, in no particular order.
func (r *StreamRegistry) remoteParticipants() []*WrappedMediaStream {
	out := make([]*WrappedMediaStream, 0, len(r.userMedia.byID))
	for _, s := range maps.Values(r.userMedia.byID) {
		if !s.Local {
			out = append(out, s)
		}
	}
	return out
}
