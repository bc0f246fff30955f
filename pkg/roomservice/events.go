package roomservice

import "maunium.net/go/mautrix/event"

// CallMemberEventType is the MSC3401 per-room-member call membership state
// event, grounded on matrix.go's pattern of registering extra event.Type
// values the mautrix SDK doesn't ship by default.
var CallMemberEventType = event.Type{Type: "org.matrix.msc3401.call.member", Class: event.StateEventType}

// EncryptionKeysEventType and EncryptionKeyRequestEventType are the
// to-device events carrying E2EE sender keys and key-resend requests (§6).
var (
	EncryptionKeysEventType       = event.Type{Type: "io.element.call.encryption_keys", Class: event.ToDeviceEventType}
	EncryptionKeyRequestEventType = event.Type{Type: "io.element.call.encryption_key_request", Class: event.ToDeviceEventType}
)

// CallInviteEventType is the to-device invite a full-mesh leg is placed
// with, carrying the offering side's call_id/room_id/device identity
// (§4.5's onIncomingCall source), grounded on matrix.go's CallInvite
// to-device registration.
var CallInviteEventType = event.Type{Type: "m.call.invite", Class: event.ToDeviceEventType}

// These event contents are hand-parsed with gjson/sjson rather than
// registered in event.TypeMap: MSC3401's membership array shape is still
// evolving and several fields are optional, which defensive field
// extraction handles more gracefully than a fixed struct tag set would.
