package groupcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestVoipIdStringRoundTrip(t *testing.T) {
	// A Matrix room ID carries its own colon ("!opaque:server"); String must
	// still be invertible by splitting on the *last* colon.
	voipID := VoipId{RoomID: id.RoomID("!opaque:example.org"), CallID: "conf1"}

	parsed, ok := ParseVoipId(voipID.String())
	assert.True(t, ok)
	assert.Equal(t, voipID, parsed)
}

func TestParseVoipIdRejectsMissingColon(t *testing.T) {
	_, ok := ParseVoipId("no-colon-here")
	assert.False(t, ok)
}

func TestParticipantCanonicalIDAndLess(t *testing.T) {
	alice := Participant{UserID: id.UserID("@alice:example.org"), DeviceID: id.DeviceID("AAAA")}
	bob := Participant{UserID: id.UserID("@bob:example.org"), DeviceID: id.DeviceID("BBBB")}

	assert.Equal(t, "@alice:example.orgAAAA", alice.CanonicalID())
	assert.True(t, alice.Less(bob))
	assert.False(t, bob.Less(alice))
	assert.False(t, alice.Less(alice))
}
