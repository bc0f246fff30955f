package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-org/groupcall/pkg/config"
	"github.com/matrix-org/groupcall/pkg/groupcall"
	"github.com/matrix-org/groupcall/pkg/profiling"
	"github.com/matrix-org/groupcall/pkg/roomservice"
	"github.com/matrix-org/groupcall/pkg/telemetry"
	"github.com/matrix-org/groupcall/pkg/transport"
)

func main() {
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		roomID         = flag.String("room", "", "room to enter a group call in")
		callID         = flag.String("call", "", "call id to join within the room")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	deferredFunctions := []func(){}
	if *cpuProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitCPUProfiling(cpuProfile))
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(memProfile))
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		for _, fn := range deferredFunctions {
			fn()
		}
		os.Exit(0)
	}()

	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.Telemetry.Enabled() {
		tp, err := telemetry.SetupTelemetry(cfg.Telemetry)
		if err != nil {
			logrus.WithError(err).Fatal("could not set up telemetry")
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	room, err := roomservice.Connect(cfg.Matrix, logrus.WithField("component", "roomservice"))
	if err != nil {
		logrus.WithError(err).Fatal("could not connect to matrix")
	}

	mediaTransport, err := transport.NewWebRTCMediaTransport(cfg.Transport, logrus.WithField("component", "transport"))
	if err != nil {
		logrus.WithError(err).Fatal("could not create media transport")
	}

	registry := groupcall.NewSessionRegistry()

	var activeSession *groupcall.GroupCallSession

	if *roomID != "" && *callID != "" {
		voipID := groupcall.VoipId{RoomID: id.RoomID(*roomID), CallID: *callID}
		local := groupcall.Participant{UserID: cfg.Matrix.UserID, DeviceID: room.DeviceID()}

		activeSession = groupcall.NewGroupCallSession(
			voipID,
			local,
			groupcall.Backend{Kind: groupcall.BackendMesh},
			cfg.GroupCall,
			room,
			room,
			mediaTransport,
			nil,
			registry,
			logrus.WithField("component", "session"),
		)

		ctx := context.Background()
		if err := activeSession.InitLocalStream(ctx, true, true); err != nil {
			logrus.WithError(err).Fatal("could not initialize local media")
		}
		if err := activeSession.Enter(ctx); err != nil {
			logrus.WithError(err).Fatal("could not enter call")
		}
	}

	client := room.Client()
	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.ParseEventContent = true

	syncer.OnEventType(roomservice.CallInviteEventType, func(_ mautrix.EventSource, evt *event.Event) {
		handleIncomingInvite(activeSession, mediaTransport, evt)
	})

	syncer.OnEventType(roomservice.EncryptionKeysEventType, func(_ mautrix.EventSource, evt *event.Event) {
		if activeSession == nil {
			return
		}
		handleEncryptionKeys(activeSession, evt)
	})

	syncer.OnEventType(roomservice.CallMemberEventType, func(_ mautrix.EventSource, _ *event.Event) {
		if activeSession == nil {
			return
		}
		if err := activeSession.OnMemberStateChanged(context.Background()); err != nil {
			logrus.WithError(err).Error("failed to reconcile membership")
		}
	})

	if err := client.Sync(); err != nil {
		logrus.WithError(err).Fatal("matrix sync failed")
	}
}

// handleIncomingInvite extracts the remote party identity from a to-device
// invite and hands it to the media transport, grounded on matrix.go's
// CallInvite handler (call.userID = event.Sender; call.deviceID =
// invite.DeviceID).
func handleIncomingInvite(session *groupcall.GroupCallSession, mediaTransport *transport.WebRTCMediaTransport, evt *event.Event) {
	if session == nil {
		return
	}

	callID, _ := evt.Content.Raw["call_id"].(string)
	deviceID, _ := evt.Content.Raw["device_id"].(string)
	groupCallID, _ := evt.Content.Raw["conf_id"].(string)
	roomID, _ := evt.Content.Raw["room_id"].(string)

	opts := groupcall.CallOptions{
		CallID:         callID,
		Room:           id.RoomID(roomID),
		Direction:      groupcall.DirectionIncoming,
		GroupCallID:    groupCallID,
		RemoteUserID:   evt.Sender,
		RemoteDeviceID: id.DeviceID(deviceID),
	}

	if _, err := mediaTransport.AcceptIncomingOffer(opts); err != nil {
		logrus.WithError(err).Warn("failed to accept incoming call")
	}
}

func handleEncryptionKeys(session *groupcall.GroupCallSession, evt *event.Event) {
	keysRaw, ok := evt.Content.Raw["keys"].([]interface{})
	if !ok {
		return
	}

	senderDeviceID, _ := evt.Content.Raw["device_id"].(string)
	from := groupcall.Participant{UserID: evt.Sender, DeviceID: id.DeviceID(senderDeviceID)}

	for _, raw := range keysRaw {
		entryMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		indexFloat, _ := entryMap["index"].(float64)
		hexKey, _ := entryMap["key"].(string)

		decoded, err := hex.DecodeString(hexKey)
		if err != nil || len(decoded) != 32 {
			continue
		}
		var key [32]byte
		copy(key[:], decoded)

		if err := session.OnCallEncryption(from, groupcall.EncryptionKeyEntry{Index: int(indexFloat), Key: key}); err != nil {
			logrus.WithError(err).Warn("failed to apply received encryption key")
		}
	}
}
