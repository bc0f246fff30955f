package groupcall

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/groupcall/pkg/common"
)

// MembershipHeartbeat periodically refreshes the local membership event
// with a fresh expiry, and removes it on leave (§4.6, C6).
//
// Grounded on common.Worker's self-rearming OnTimeout loop: a membership
// state-event write has no reply to wait for, so there's nothing to feed
// OnTask, only the timeout side.
type MembershipHeartbeat struct {
	room         RoomService
	voipID       VoipId
	local        Participant
	membershipID string
	backend      Backend
	config       Config
	// isLive reports whether the heartbeat should keep refreshing. Per
	// Open Question (a), resolved as "keep refreshing while not Ended"
	// rather than the original's always-true disjunction.
	isLive func() GroupCallState
	logger *logrus.Entry

	mutex  sync.Mutex
	worker *common.Worker[struct{}]
}

func NewMembershipHeartbeat(
	room RoomService,
	voipID VoipId,
	local Participant,
	membershipID string,
	backend Backend,
	config Config,
	isLive func() GroupCallState,
	logger *logrus.Entry,
) *MembershipHeartbeat {
	return &MembershipHeartbeat{
		room:         room,
		voipID:       voipID,
		local:        local,
		membershipID: membershipID,
		backend:      backend,
		config:       config,
		isLive:       isLive,
		logger:       logger,
	}
}

// Start sends the first membership event and arms the periodic refresh.
func (h *MembershipHeartbeat) Start(ctx context.Context) error {
	if err := h.sendMemberStateEvent(ctx); err != nil {
		return err
	}

	h.mutex.Lock()
	h.worker = common.StartWorker(common.WorkerConfig[struct{}]{
		ChannelSize: common.UnboundedChannelSize,
		Timeout:     h.config.UpdateExpireTsTimerDuration,
		OnTimeout:   func() { h.tick(ctx) },
		OnTask:      func(struct{}) {},
	})
	h.mutex.Unlock()

	return nil
}

// tick re-sends the membership event while the call is still live,
// otherwise removes it. Errors are logged, never fatal to the loop: "all
// errors raised from inside timers are logged but must not kill the
// session loop" (§7).
func (h *MembershipHeartbeat) tick(ctx context.Context) {
	if h.isLive() == Ended {
		if err := h.removeMemberStateEvent(ctx); err != nil {
			h.logger.WithError(err).Error("failed to remove membership on heartbeat tick")
		}
		return
	}

	if err := h.sendMemberStateEvent(ctx); err != nil {
		h.logger.WithError(err).Error("failed to refresh membership")
	}
}

// sendMemberStateEvent implements the (a)-(d) steps of §4.6: load the
// local user's memberships, strip this device's prior entry, append a
// fresh one, write back.
func (h *MembershipHeartbeat) sendMemberStateEvent(ctx context.Context) error {
	current, err := h.room.Memberships(ctx, h.voipID.RoomID)
	if err != nil {
		return err
	}

	kept := current[:0]
	for _, m := range current {
		if m.UserID != string(h.local.UserID) {
			continue
		}
		if m.CallID == h.voipID.CallID &&
			m.DeviceID == string(h.local.DeviceID) &&
			m.Application == h.config.Application &&
			m.Scope == h.config.Scope {
			continue
		}
		kept = append(kept, m)
	}

	fresh := Membership{
		UserID:       string(h.local.UserID),
		RoomID:       string(h.voipID.RoomID),
		CallID:       h.voipID.CallID,
		DeviceID:     string(h.local.DeviceID),
		Application:  h.config.Application,
		Scope:        h.config.Scope,
		BackendRef:   h.backend,
		MembershipID: h.membershipID,
		ExpiresTsMs:  time.Now().Add(h.config.ExpireTsBumpDuration).UnixMilli(),
	}

	return h.room.WriteOwnMemberships(ctx, h.voipID.RoomID, append(kept, fresh))
}

// removeMemberStateEvent cancels the timer and writes back the memberships
// array with this device's entry stripped.
func (h *MembershipHeartbeat) removeMemberStateEvent(ctx context.Context) error {
	h.Stop()

	current, err := h.room.Memberships(ctx, h.voipID.RoomID)
	if err != nil {
		return err
	}

	kept := current[:0]
	for _, m := range current {
		if m.UserID != string(h.local.UserID) {
			continue
		}
		if m.CallID == h.voipID.CallID && m.DeviceID == string(h.local.DeviceID) {
			continue
		}
		kept = append(kept, m)
	}

	return h.room.WriteOwnMemberships(ctx, h.voipID.RoomID, kept)
}

// Stop cancels the refresh worker without writing anything.
// removeMemberStateEvent calls it before writing the stripped array.
func (h *MembershipHeartbeat) Stop() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.worker != nil {
		h.worker.Stop()
	}
}
