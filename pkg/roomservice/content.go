package roomservice

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/matrix-org/groupcall/pkg/groupcall"
)

// buildMembershipsContent constructs the raw JSON body of a
// org.matrix.msc3401.call.member state event field-by-field with sjson,
// mirroring parseMemberships's field-by-field gjson reads on the way in.
func buildMembershipsContent(memberships []groupcall.Membership) (json.RawMessage, error) {
	raw := []byte(`{"memberships":[]}`)

	for i, m := range memberships {
		var err error
		path := func(field string) string { return fmt.Sprintf("memberships.%d.%s", i, field) }

		if raw, err = sjson.SetBytes(raw, path("call_id"), m.CallID); err != nil {
			return nil, err
		}
		if raw, err = sjson.SetBytes(raw, path("device_id"), m.DeviceID); err != nil {
			return nil, err
		}
		if raw, err = sjson.SetBytes(raw, path("application"), m.Application); err != nil {
			return nil, err
		}
		if raw, err = sjson.SetBytes(raw, path("scope"), m.Scope); err != nil {
			return nil, err
		}
		if raw, err = sjson.SetBytes(raw, path("membership_id"), m.MembershipID); err != nil {
			return nil, err
		}
		if raw, err = sjson.SetBytes(raw, path("expires_ts"), m.ExpiresTsMs); err != nil {
			return nil, err
		}

		if m.BackendRef.IsLivekitCall() {
			if raw, err = sjson.SetBytes(raw, path("backend"), "livekit"); err != nil {
				return nil, err
			}
			if raw, err = sjson.SetBytes(raw, path("livekit_service_url"), m.BackendRef.SFUInfo.ServiceURL); err != nil {
				return nil, err
			}
		} else {
			if raw, err = sjson.SetBytes(raw, path("foci_active"), []string{"mesh"}); err != nil {
				return nil, err
			}
		}
	}

	return raw, nil
}
