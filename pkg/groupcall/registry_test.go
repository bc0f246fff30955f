package groupcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestSessionRegistryRegisterGetUnregister(t *testing.T) {
	registry := NewSessionRegistry()
	voipID := VoipId{RoomID: id.RoomID("!room:example.org"), CallID: "conf1"}
	session := &GroupCallSession{}

	assert.Nil(t, registry.Get(voipID))

	registry.Register(voipID, session)
	assert.Same(t, session, registry.Get(voipID))
	assert.Len(t, registry.All(), 1)

	registry.Unregister(voipID)
	assert.Nil(t, registry.Get(voipID))
	assert.Empty(t, registry.All())
}

func TestSessionRegistryRegisterReplacesExisting(t *testing.T) {
	registry := NewSessionRegistry()
	voipID := VoipId{RoomID: id.RoomID("!room:example.org"), CallID: "conf1"}
	first := &GroupCallSession{}
	second := &GroupCallSession{}

	registry.Register(voipID, first)
	registry.Register(voipID, second)

	assert.Same(t, second, registry.Get(voipID))
	assert.Len(t, registry.All(), 1)
}
