package groupcall

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func newTestHeartbeat(room *fakeRoomService, isLive func() GroupCallState) (*MembershipHeartbeat, VoipId, Participant) {
	voipID := VoipId{RoomID: id.RoomID("!room:example.org"), CallID: "conf1"}
	local := Participant{UserID: id.UserID("@local:example.org"), DeviceID: id.DeviceID("L")}
	cfg := Config{ExpireTsBumpDuration: time.Minute, UpdateExpireTsTimerDuration: 15 * time.Millisecond, Application: "m.call", Scope: "m.room"}

	h := NewMembershipHeartbeat(room, voipID, local, "membership-1", Backend{Kind: BackendMesh}, cfg, isLive, logrus.NewEntry(logrus.New()))
	return h, voipID, local
}

func TestMembershipHeartbeatStartWritesInitialMembership(t *testing.T) {
	room := newFakeRoomService()
	h, voipID, local := newTestHeartbeat(room, func() GroupCallState { return Entered })
	defer h.Stop()

	assert.NoError(t, h.Start(context.Background()))

	current, err := room.Memberships(context.Background(), voipID.RoomID)
	assert.NoError(t, err)
	assert.Len(t, current, 1)
	assert.Equal(t, string(local.UserID), current[0].UserID)
}

// TestMembershipHeartbeatRefreshesWhileLive covers Open Question (a): the
// heartbeat keeps rewriting a single entry (never duplicating it) as long
// as isLive reports anything other than Ended.
func TestMembershipHeartbeatRefreshesWhileLive(t *testing.T) {
	room := newFakeRoomService()
	h, voipID, _ := newTestHeartbeat(room, func() GroupCallState { return Entered })
	defer h.Stop()

	assert.NoError(t, h.Start(context.Background()))

	current, _ := room.Memberships(context.Background(), voipID.RoomID)
	firstExpiry := current[0].ExpiresTsMs

	assert.Eventually(t, func() bool {
		later, _ := room.Memberships(context.Background(), voipID.RoomID)
		return len(later) == 1 && later[0].ExpiresTsMs > firstExpiry
	}, time.Second, 5*time.Millisecond)
}

func TestMembershipHeartbeatRemovesWhenEnded(t *testing.T) {
	room := newFakeRoomService()
	h, voipID, _ := newTestHeartbeat(room, func() GroupCallState { return Ended })
	defer h.Stop()

	assert.NoError(t, h.Start(context.Background()))

	assert.Eventually(t, func() bool {
		current, _ := room.Memberships(context.Background(), voipID.RoomID)
		return len(current) == 0
	}, time.Second, 5*time.Millisecond)
}
