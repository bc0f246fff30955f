package roomservice

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/groupcall/pkg/groupcall"
)

// SendEncryptionKeys delivers an encryption_keys to-device event to every
// recipient, grounded on pkg/signaling/matrix.go's sendToDevice batching
// a single mautrix.ReqSendToDevice across recipients.
func (s *MatrixRoomService) SendEncryptionKeys(ctx context.Context, to []groupcall.Participant, voipID groupcall.VoipId, keys []groupcall.EncryptionKeyEntry) error {
	content := encryptionKeysContent(voipID, keys)
	content.Raw["device_id"] = string(s.client.DeviceID)

	messages := make(map[id.UserID]map[id.DeviceID]*event.Content, len(to))
	for _, p := range to {
		if _, ok := messages[p.UserID]; !ok {
			messages[p.UserID] = make(map[id.DeviceID]*event.Content)
		}
		messages[p.UserID][p.DeviceID] = content
	}

	req := &mautrix.ReqSendToDevice{Messages: messages}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	return backoff.Retry(func() error {
		_, err := s.client.SendToDevice(EncryptionKeysEventType, req)
		return err
	}, backoff.WithContext(policy, ctx))
}

// RequestEncryptionKeys asks a single device to resend its current key.
func (s *MatrixRoomService) RequestEncryptionKeys(ctx context.Context, to groupcall.Participant, voipID groupcall.VoipId) error {
	content := &event.Content{Raw: map[string]interface{}{
		"call_id": voipID.CallID,
		"room_id": string(voipID.RoomID),
	}}

	req := &mautrix.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*event.Content{
			to.UserID: {to.DeviceID: content},
		},
	}

	_, err := s.client.SendToDevice(EncryptionKeyRequestEventType, req)
	if err != nil {
		return fmt.Errorf("requesting encryption keys: %w", err)
	}
	return nil
}

func encryptionKeysContent(voipID groupcall.VoipId, keys []groupcall.EncryptionKeyEntry) *event.Content {
	entries := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, map[string]interface{}{
			"index": k.Index,
			"key":   hex.EncodeToString(k.Key[:]),
		})
	}

	return &event.Content{Raw: map[string]interface{}{
		"call_id": voipID.CallID,
		"room_id": string(voipID.RoomID),
		"keys":    entries,
	}}
}
