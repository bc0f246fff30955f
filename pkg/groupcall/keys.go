package groupcall

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// keyRingSize bounds the sender-key index, per §4.9's mod-16 cycling rule (S7).
const keyRingSize = 16

// SenderKeyLadder owns this session's outbound E2EE sender keys and the
// history of keys received from every other participant, and forwards
// inbound keys to the KeyProvider that actually configures the media
// pipeline (§3, §4.7, C8).
//
// Grounded on the teacher's error/logging idiom throughout pkg/conference
// and src/call.go for the retry shape; there is no direct teacher
// analogue for key ratcheting since the SFU teacher never implements
// E2EE, so the ladder itself is built fresh from §4.7's description.
type SenderKeyLadder struct {
	voipID    VoipId
	local     Participant
	messenger DeviceMessenger
	provider  KeyProvider
	config    Config
	logger    *logrus.Entry

	mutex sync.Mutex

	// keys is the encryptionKeysMap (§3): participant canonical id ->
	// index -> key, capped at keyRingSize entries per participant (S7).
	keys map[string]map[int][32]byte

	// latestLocalKeyIndex advances the instant a new local key is
	// generated; currentLocalKeyIndex only advances once that key is
	// actually installed into the local encryptor, which may lag behind
	// by config.UseKeyDelay (§3, I3, P3, S5).
	latestLocalKeyIndex  int
	currentLocalKeyIndex int
	localKey             [32]byte
	hasLocalKey          bool

	leaveTimer       *time.Timer
	pendingLeaveLeft []Participant
}

func NewSenderKeyLadder(voipID VoipId, local Participant, messenger DeviceMessenger, provider KeyProvider, config Config, logger *logrus.Entry) *SenderKeyLadder {
	return &SenderKeyLadder{
		voipID:    voipID,
		local:     local,
		messenger: messenger,
		provider:  provider,
		config:    config,
		logger:    logger,
		keys:      make(map[string]map[int][32]byte),
	}
}

// storeKey records a key in the encryptionKeysMap, keyed by index mod
// keyRingSize: a participant's history can therefore never hold more than
// keyRingSize entries (S7), since a later index simply overwrites the
// ring slot its predecessor once occupied.
func (l *SenderKeyLadder) storeKey(participant Participant, index int, key [32]byte) {
	id := participant.CanonicalID()

	ring, ok := l.keys[id]
	if !ok {
		ring = make(map[int][32]byte)
		l.keys[id] = ring
	}

	ring[index%keyRingSize] = key
}

// setEncryptionKey is the single path by which any key, local or remote,
// enters the ladder (§4.7). When send is true the key is distributed to
// sendTo immediately; when delayBeforeUsingKeyOurself is true, installing
// it into our own KeyProvider (and advancing currentLocalKeyIndex) is
// deferred by config.UseKeyDelay so that peers have time to receive it
// before we start encrypting under it (P3, S5). Remote keys always pass
// delayBeforeUsingKeyOurself=false: the sender already waited out its own
// useKeyDelay before using it.
func (l *SenderKeyLadder) setEncryptionKey(ctx context.Context, participant Participant, index int, key [32]byte, send bool, delayBeforeUsingKeyOurself bool, sendTo []Participant) {
	l.mutex.Lock()
	l.storeKey(participant, index, key)
	isLocal := participant.CanonicalID() == l.local.CanonicalID()
	if isLocal {
		l.latestLocalKeyIndex = index
	}
	l.mutex.Unlock()

	if send {
		go func() {
			if err := l.sendKeyWithRetry(context.Background(), sendTo, index, key); err != nil {
				l.logger.WithError(err).Error("failed to distribute sender key")
			}
		}()
	}

	install := func() {
		l.mutex.Lock()
		if isLocal {
			l.currentLocalKeyIndex = index
			l.localKey = key
			l.hasLocalKey = true
		}
		l.mutex.Unlock()

		if l.provider == nil {
			return
		}
		if err := l.provider.OnSetEncryptionKey(participant, key, index); err != nil {
			l.logger.WithError(err).WithField("participant", participant).Error("key provider rejected key install")
		}
	}

	if isLocal && delayBeforeUsingKeyOurself && l.config.UseKeyDelay > 0 {
		time.AfterFunc(l.config.UseKeyDelay, install)
		return
	}
	install()
}

// makeNewSenderKey generates a fresh random key, advances the ring index
// (cycling mod keyRingSize, I6/S7), and distributes it to the given
// recipients immediately. Whether the local install waits for
// config.UseKeyDelay is left to the caller (§4.7's join vs. ratchet-less
// rotation both call this, with differing delay needs).
func (l *SenderKeyLadder) makeNewSenderKey(ctx context.Context, recipients []Participant, delayBeforeUsingKeyOurself bool) error {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}

	l.mutex.Lock()
	index := (l.latestLocalKeyIndex + 1) % keyRingSize
	l.mutex.Unlock()

	l.setEncryptionKey(ctx, l.local, index, key, true, delayBeforeUsingKeyOurself, recipients)
	return nil
}

// sendKeyWithRetry bounds retries with an exponential backoff so a
// transiently unreachable device doesn't block key rotation for everyone
// else (§7: send failures are retried bounded, then logged and dropped).
func (l *SenderKeyLadder) sendKeyWithRetry(ctx context.Context, recipients []Participant, index int, key [32]byte) error {
	if len(recipients) == 0 {
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)

	return backoff.Retry(func() error {
		return l.messenger.SendEncryptionKeys(ctx, recipients, l.voipID, []EncryptionKeyEntry{{Index: index, Key: key}})
	}, backoff.WithContext(policy, ctx))
}

// ratchetLocalParticipantKey deterministically advances the local key at
// the same index via KeyProvider.OnRatchetKey, rather than generating a
// brand new random one, per §4.7's ratchet-enabled rotation policy. A
// transient failure (an all-zero key, or an error) is retried with a
// bounded backoff; if no provider is installed, no local key exists yet,
// or ratcheting is exhausted, it falls back to makeNewSenderKey.
func (l *SenderKeyLadder) ratchetLocalParticipantKey(ctx context.Context, recipients []Participant) error {
	l.mutex.Lock()
	index := l.currentLocalKeyIndex
	hasKey := l.hasLocalKey
	l.mutex.Unlock()

	if l.provider == nil || !hasKey {
		return l.makeNewSenderKey(ctx, recipients, true)
	}

	var key [32]byte
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)

	err := backoff.Retry(func() error {
		ratcheted, rerr := l.provider.OnRatchetKey(l.local, index)
		if rerr != nil {
			return rerr
		}
		if ratcheted == ([32]byte{}) {
			return ErrTransientKeyFailure
		}
		key = ratcheted
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		l.logger.WithError(err).Warn("key ratchet failed, falling back to a new sender key")
		return l.makeNewSenderKey(ctx, recipients, true)
	}

	l.setEncryptionKey(ctx, l.local, index, key, true, false, recipients)
	return nil
}

// scheduleLeaveRotation implements S4's leave-debounce coalescing: several
// leaves arriving within config.MakeKeyDelay of each other mint exactly
// one new sender key, not one per leave. Each call re-arms the timer,
// accumulates the leavers it has observed so far, and keeps the remaining
// set from the most recent call as the recipients of the new key.
func (l *SenderKeyLadder) scheduleLeaveRotation(ctx context.Context, left []Participant, remaining []Participant) {
	l.mutex.Lock()
	l.dropParticipantKeysLocked(left)

	if l.leaveTimer != nil {
		l.leaveTimer.Stop()
	}
	l.pendingLeaveLeft = append(l.pendingLeaveLeft, left...)
	pendingRemaining := remaining

	l.leaveTimer = time.AfterFunc(l.config.MakeKeyDelay, func() {
		l.mutex.Lock()
		l.pendingLeaveLeft = nil
		l.leaveTimer = nil
		l.mutex.Unlock()

		if err := l.makeNewSenderKey(context.Background(), pendingRemaining, true); err != nil {
			l.logger.WithError(err).Error("key rotation after debounced leave failed")
		}
	})
	l.mutex.Unlock()
}

func (l *SenderKeyLadder) dropParticipantKeysLocked(participants []Participant) {
	for _, p := range participants {
		delete(l.keys, p.CanonicalID())
	}
}

// purgeLocal clears the local ring entry and resets both local indices to
// zero, per §4.7's "On leave(self)" rotation policy and I6. Any pending
// debounced leave-rotation is cancelled, since the session is gone.
func (l *SenderKeyLadder) purgeLocal() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	delete(l.keys, l.local.CanonicalID())
	l.latestLocalKeyIndex = 0
	l.currentLocalKeyIndex = 0
	l.hasLocalKey = false
	l.localKey = [32]byte{}

	if l.leaveTimer != nil {
		l.leaveTimer.Stop()
		l.leaveTimer = nil
	}
	l.pendingLeaveLeft = nil
}

// onCallEncryption applies a key received from a remote participant.
// Unlike the local ladder, remote keys are installed immediately: the
// sender has already observed its own useKeyDelay before using it.
func (l *SenderKeyLadder) onCallEncryption(from Participant, entry EncryptionKeyEntry) error {
	l.setEncryptionKey(context.Background(), from, entry.Index%keyRingSize, entry.Key, false, false, nil)
	return nil
}

// onCallEncryptionKeyRequest resends the latest local key (the one at
// latestLocalKeyIndex) to a requester. Per Open Question (c), the request is scoped to the room
// this session belongs to, not compared against the requester's own
// identity: any participant asking about a different room's call is
// ignored rather than erroring, since such a request can legitimately
// arrive for a session this process also happens to run elsewhere.
func (l *SenderKeyLadder) onCallEncryptionKeyRequest(ctx context.Context, requestedRoomID string, from Participant) error {
	if requestedRoomID != string(l.voipID.RoomID) {
		return nil
	}

	l.mutex.Lock()
	ring := l.keys[l.local.CanonicalID()]
	index := l.latestLocalKeyIndex
	key, ok := ring[index]
	l.mutex.Unlock()

	if !ok {
		return nil
	}

	return l.sendKeyWithRetry(ctx, []Participant{from}, index, key)
}
