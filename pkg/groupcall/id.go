package groupcall

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// VoipId identifies a single group call: the room it lives in plus the
// call's own identifier (a room can host more than one concurrent group
// call, e.g. separate "main" and "breakout" calls).
type VoipId struct {
	RoomID id.RoomID
	CallID string
}

// String renders the canonical "{roomId}:{callId}" form. The callId never
// contains a colon, so splitting on the *last* colon recovers the room ID
// even though Matrix room IDs themselves contain one (`!opaque:server`).
func (v VoipId) String() string {
	return string(v.RoomID) + ":" + v.CallID
}

// ParseVoipId is the inverse of String. It splits on the last colon, so a
// room ID's own colon (`!opaque:server`) is preserved intact.
func ParseVoipId(s string) (VoipId, bool) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return VoipId{}, false
	}

	return VoipId{RoomID: id.RoomID(s[:idx]), CallID: s[idx+1:]}, true
}

// Participant identifies a single (user, device) pair taking part in a
// group call. DeviceID is optional: some legacy events omit it.
type Participant struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

// CanonicalID is the string used for equality, map keys and the tie-break
// total order (§I5): userId concatenated with deviceId, empty string if the
// device is absent.
func (p Participant) CanonicalID() string {
	return string(p.UserID) + string(p.DeviceID)
}

// Less implements the tie-break total order: lexicographic on CanonicalID.
func (p Participant) Less(other Participant) bool {
	return p.CanonicalID() < other.CanonicalID()
}

func (p Participant) String() string {
	return p.CanonicalID()
}
