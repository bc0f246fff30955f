package groupcall

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// MembershipView parses, filters and refreshes call-membership state events
// for a single group call, exposing only the set of currently live
// participants (§4.1, C2).
type MembershipView struct {
	room    RoomService
	roomID  id.RoomID
	callID  string
	appl    string
	scope   string
	logger  *logrus.Entry
	nowFunc func() time.Time
}

func NewMembershipView(room RoomService, roomID id.RoomID, callID, application, scope string, logger *logrus.Entry) *MembershipView {
	return &MembershipView{
		room:    room,
		roomID:  roomID,
		callID:  callID,
		appl:    application,
		scope:   scope,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Current returns the memberships matching this call's (callId, application,
// scope, roomId) that are not expired, sorted oldest-origin-server-ts-first
// for deterministic iteration (§4.1).
func (v *MembershipView) Current(ctx context.Context) ([]Membership, error) {
	all, err := v.room.Memberships(ctx, v.roomID)
	if err != nil {
		return nil, err
	}

	now := v.nowFunc()
	matching := make([]Membership, 0, len(all))

	for _, m := range all {
		if m.CallID != v.callID || m.Application != v.appl || m.Scope != v.scope || string(m.RoomID) != string(v.roomID) {
			continue
		}
		if m.IsExpired(now) {
			continue
		}
		matching = append(matching, m)
	}

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].OriginServer < matching[j].OriginServer
	})

	return matching, nil
}

// Participants projects Current() onto the unique set of Participants.
func (v *MembershipView) Participants(ctx context.Context) (map[Participant]struct{}, error) {
	memberships, err := v.Current(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[Participant]struct{}, len(memberships))
	for _, m := range memberships {
		result[m.Participant()] = struct{}{}
	}

	return result, nil
}

// ParticipantCount is a convenience projection used by UIs/metrics.
func (v *MembershipView) ParticipantCount(ctx context.Context) (int, error) {
	participants, err := v.Participants(ctx)
	if err != nil {
		return 0, err
	}

	return len(participants), nil
}

// ActiveGroupCallIds returns the distinct, non-expired callIds visible
// anywhere in the room, regardless of which call a caller is scoped to.
func ActiveGroupCallIds(ctx context.Context, room RoomService, roomID id.RoomID) ([]string, error) {
	all, err := room.Memberships(ctx, roomID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	seen := make(map[string]struct{})
	ids := make([]string, 0)

	for _, m := range all {
		if m.IsExpired(now) {
			continue
		}
		if _, ok := seen[m.CallID]; !ok {
			seen[m.CallID] = struct{}{}
			ids = append(ids, m.CallID)
		}
	}

	return ids, nil
}

// ValidateMembership checks the required fields called out in §4.1. A
// missing call_id, device_id, expires_ts or foci_active is a fail-open
// discard, never an error surfaced to the state machine.
func ValidateMembership(m Membership, hasFociActive bool) error {
	switch {
	case m.CallID == "":
		return ErrMalformedEvent
	case m.DeviceID == "":
		return ErrMalformedEvent
	case m.ExpiresTsMs == 0:
		return ErrMalformedEvent
	case !hasFociActive:
		return ErrMalformedEvent
	default:
		return nil
	}
}
