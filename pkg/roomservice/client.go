package roomservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/groupcall/pkg/groupcall"
)

// MatrixRoomService is the RoomService/DeviceMessenger implementation
// backed by a real Matrix homeserver connection, grounded on
// pkg/signaling/matrix.go's MatrixForConference (to-device sends) and
// matrix.go's initMatrix (client setup, Whoami identity check).
type MatrixRoomService struct {
	client *mautrix.Client
	logger *logrus.Entry
}

// Connect creates and authenticates a Matrix client, verifying the access
// token belongs to the configured user the way initMatrix does.
func Connect(config Config, logger *logrus.Entry) (*MatrixRoomService, error) {
	client, err := mautrix.NewClient(config.HomeserverURL, config.UserID, config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	whoami, err := client.Whoami()
	if err != nil {
		return nil, fmt.Errorf("identifying matrix user: %w", err)
	}
	if whoami.UserID != config.UserID {
		return nil, fmt.Errorf("access token belongs to %s, not configured user %s", whoami.UserID, config.UserID)
	}
	client.DeviceID = whoami.DeviceID

	return &MatrixRoomService{client: client, logger: logger}, nil
}

func (s *MatrixRoomService) DeviceID() id.DeviceID { return s.client.DeviceID }

// Client exposes the underlying mautrix client so the process entrypoint
// can wire up its own syncer event handlers.
func (s *MatrixRoomService) Client() *mautrix.Client { return s.client }

// Memberships reads every org.matrix.msc3401.call.member state event in
// the room and flattens their memberships arrays into groupcall.Membership
// values, dropping anything that fails ValidateMembership (§4.1).
func (s *MatrixRoomService) Memberships(ctx context.Context, roomID id.RoomID) ([]groupcall.Membership, error) {
	state, err := s.client.State(roomID)
	if err != nil {
		return nil, fmt.Errorf("fetching room state: %w", err)
	}

	byStateKey, ok := state[CallMemberEventType]
	if !ok {
		return nil, nil
	}

	result := make([]groupcall.Membership, 0, len(byStateKey))

	for stateKey, evt := range byStateKey {
		raw, err := json.Marshal(evt.Content.Raw)
		if err != nil {
			s.logger.WithError(err).WithField("state_key", stateKey).Warn("failed to marshal call member content")
			continue
		}

		memberships := parseMemberships(raw, id.UserID(stateKey), roomID, evt.Timestamp)
		result = append(result, memberships...)
	}

	return result, nil
}

// parseMemberships extracts the "memberships" array from a raw
// org.matrix.msc3401.call.member event body with gjson, tolerating
// missing optional fields rather than failing the whole event.
func parseMemberships(raw []byte, userID id.UserID, roomID id.RoomID, originServerTs int64) []groupcall.Membership {
	var out []groupcall.Membership

	gjson.GetBytes(raw, "memberships").ForEach(func(_, entry gjson.Result) bool {
		membership := groupcall.Membership{
			UserID:       string(userID),
			RoomID:       string(roomID),
			CallID:       entry.Get("call_id").String(),
			DeviceID:     entry.Get("device_id").String(),
			Application:  entry.Get("application").String(),
			Scope:        entry.Get("scope").String(),
			MembershipID: entry.Get("membership_id").String(),
			ExpiresTsMs:  entry.Get("expires_ts").Int(),
			OriginServer: originServerTs,
		}

		hasFociActive := entry.Get("foci_active").IsArray() && len(entry.Get("foci_active").Array()) > 0
		if entry.Get("backend").String() == "livekit" {
			membership.BackendRef = groupcall.Backend{
				Kind: groupcall.BackendLiveKit,
				SFUInfo: groupcall.SFUInfo{
					ServiceURL: entry.Get("livekit_service_url").String(),
				},
			}
			hasFociActive = true
		} else {
			membership.BackendRef = groupcall.Backend{Kind: groupcall.BackendMesh}
		}

		if err := groupcall.ValidateMembership(membership, hasFociActive); err != nil {
			return true
		}

		out = append(out, membership)
		return true
	})

	return out
}

// WriteOwnMemberships sends a fresh org.matrix.msc3401.call.member state
// event for the local user with the given memberships array, built with
// sjson field-by-field so unrecognised/future fields already present on
// the wire aren't required here.
func (s *MatrixRoomService) WriteOwnMemberships(ctx context.Context, roomID id.RoomID, memberships []groupcall.Membership) error {
	content, err := buildMembershipsContent(memberships)
	if err != nil {
		return fmt.Errorf("building memberships content: %w", err)
	}

	_, err = s.client.SendStateEvent(roomID, CallMemberEventType, string(s.client.UserID), content)
	if err != nil {
		return fmt.Errorf("sending call member state event: %w", err)
	}

	return nil
}
