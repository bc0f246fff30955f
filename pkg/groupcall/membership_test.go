package groupcall

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestValidateMembershipRejectsMissingFields(t *testing.T) {
	base := Membership{
		CallID:      "conf1",
		DeviceID:    "AAAA",
		ExpiresTsMs: time.Now().Add(time.Minute).UnixMilli(),
	}

	assert.NoError(t, ValidateMembership(base, true))

	missingCallID := base
	missingCallID.CallID = ""
	assert.ErrorIs(t, ValidateMembership(missingCallID, true), ErrMalformedEvent)

	missingDeviceID := base
	missingDeviceID.DeviceID = ""
	assert.ErrorIs(t, ValidateMembership(missingDeviceID, true), ErrMalformedEvent)

	missingExpiry := base
	missingExpiry.ExpiresTsMs = 0
	assert.ErrorIs(t, ValidateMembership(missingExpiry, true), ErrMalformedEvent)

	assert.ErrorIs(t, ValidateMembership(base, false), ErrMalformedEvent)
}

func TestMembershipViewCurrentFiltersAndSorts(t *testing.T) {
	room := newFakeRoomService()
	roomID := id.RoomID("!room:example.org")
	now := time.Now()

	room.set(roomID, []Membership{
		{ // wrong call ID, excluded.
			UserID: "@other:example.org", RoomID: string(roomID), CallID: "other-call",
			DeviceID: "X", Application: "m.call", Scope: "m.room",
			ExpiresTsMs: now.Add(time.Minute).UnixMilli(), OriginServer: 1,
		},
		{ // expired, excluded.
			UserID: "@stale:example.org", RoomID: string(roomID), CallID: "conf1",
			DeviceID: "S", Application: "m.call", Scope: "m.room",
			ExpiresTsMs: now.Add(-time.Minute).UnixMilli(), OriginServer: 2,
		},
		{ // newer origin_server_ts, should sort after bob.
			UserID: "@alice:example.org", RoomID: string(roomID), CallID: "conf1",
			DeviceID: "A", Application: "m.call", Scope: "m.room",
			ExpiresTsMs: now.Add(time.Minute).UnixMilli(), OriginServer: 20,
		},
		{
			UserID: "@bob:example.org", RoomID: string(roomID), CallID: "conf1",
			DeviceID: "B", Application: "m.call", Scope: "m.room",
			ExpiresTsMs: now.Add(time.Minute).UnixMilli(), OriginServer: 10,
		},
	})

	view := NewMembershipView(room, roomID, "conf1", "m.call", "m.room", logrus.NewEntry(logrus.New()))

	current, err := view.Current(context.Background())
	assert.NoError(t, err)
	assert.Len(t, current, 2)
	assert.Equal(t, "@bob:example.org", current[0].UserID)
	assert.Equal(t, "@alice:example.org", current[1].UserID)

	count, err := view.ParticipantCount(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestActiveGroupCallIdsDedupsAndSkipsExpired(t *testing.T) {
	room := newFakeRoomService()
	roomID := id.RoomID("!room:example.org")
	now := time.Now()

	room.set(roomID, []Membership{
		{CallID: "conf1", ExpiresTsMs: now.Add(time.Minute).UnixMilli()},
		{CallID: "conf1", ExpiresTsMs: now.Add(time.Minute).UnixMilli()},
		{CallID: "conf2", ExpiresTsMs: now.Add(-time.Minute).UnixMilli()},
	})

	ids, err := ActiveGroupCallIds(context.Background(), room, roomID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"conf1"}, ids)
}
