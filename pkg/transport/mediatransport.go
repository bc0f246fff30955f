package transport

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/groupcall/pkg/groupcall"
)

// WebRTCMediaTransport is the concrete groupcall.MediaTransport backed by
// pion/webrtc, grounded on pkg/webrtc_ext's factory plus pkg/peer's
// per-connection lifecycle, generalized from "accept an SDP offer for one
// SFU-bound leg" to "create outgoing legs and surface incoming ones."
//
// Local camera/microphone/display capture is outside this package's
// scope (§1 non-goal: "does not implement the WebRTC stack" extends here
// to platform media capture, which no example repo in this corpus wires
// either); AcquireUserMedia/AcquireDisplayMedia hand back tracks a real
// capture pipeline is expected to write samples into.
type WebRTCMediaTransport struct {
	factory *peerConnectionFactory
	logger  *logrus.Entry

	incoming chan groupcall.PeerCall
}

func NewWebRTCMediaTransport(config Config, logger *logrus.Entry) (*WebRTCMediaTransport, error) {
	factory, err := newPeerConnectionFactory(config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection factory: %w", err)
	}

	return &WebRTCMediaTransport{
		factory:  factory,
		logger:   logger,
		incoming: make(chan groupcall.PeerCall, 16),
	}, nil
}

func (t *WebRTCMediaTransport) AcquireUserMedia(ctx context.Context, audio, video bool) (*groupcall.WrappedMediaStream, error) {
	var track *webrtc.TrackLocalStaticRTP
	var err error

	switch {
	case video:
		track, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "usermedia")
	case audio:
		track, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "usermedia")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCantCreateLocalTrack, err)
	}

	return &groupcall.WrappedMediaStream{
		Purpose: groupcall.PurposeUserMedia,
		Handle:  &localMediaHandle{track: track},
		Local:   true,
	}, nil
}

func (t *WebRTCMediaTransport) AcquireDisplayMedia(ctx context.Context) (*groupcall.WrappedMediaStream, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screenshare")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCantCreateLocalTrack, err)
	}

	return &groupcall.WrappedMediaStream{
		Purpose: groupcall.PurposeScreenshare,
		Handle:  &localMediaHandle{track: track},
		Local:   true,
	}, nil
}

func (t *WebRTCMediaTransport) CreateOutgoingCall(ctx context.Context, opts groupcall.CallOptions) (groupcall.PeerCall, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.ICEServers))
	for _, s := range opts.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}

	pc, err := t.factory.create(iceServers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCantCreatePeerConnection, err)
	}

	return newWebrtcPeerCall(pc, opts, t.logger.WithField("remote_user", opts.RemoteUserID)), nil
}

func (t *WebRTCMediaTransport) SetMicrophoneMuted(ctx context.Context, stream *groupcall.WrappedMediaStream, muted bool) error {
	handle, ok := stream.Handle.(*localMediaHandle)
	if !ok {
		return nil
	}
	_ = handle // actual mute is implemented by the capture pipeline pausing writes to handle.track
	return nil
}

func (t *WebRTCMediaTransport) SetLocalVideoMuted(ctx context.Context, stream *groupcall.WrappedMediaStream, muted bool) error {
	handle, ok := stream.Handle.(*localMediaHandle)
	if !ok {
		return nil
	}
	_ = handle
	return nil
}

// IncomingCalls is fed by AcceptIncomingOffer, the entry point the Matrix
// to-device CallInvite handler in cmd/groupcalld drives (§4.5's
// onIncomingCall source).
func (t *WebRTCMediaTransport) IncomingCalls() <-chan groupcall.PeerCall {
	return t.incoming
}

// AcceptIncomingOffer constructs a PeerConnection for an invite received
// over to-device signaling and publishes it on IncomingCalls. The caller
// (the to-device invite handler in cmd/groupcalld) is responsible for extracting
// CallOptions from the invite event before calling this.
func (t *WebRTCMediaTransport) AcceptIncomingOffer(opts groupcall.CallOptions) (groupcall.PeerCall, error) {
	pc, err := t.factory.create(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCantCreatePeerConnection, err)
	}

	call := newWebrtcPeerCall(pc, opts, t.logger.WithField("remote_user", opts.RemoteUserID))

	select {
	case t.incoming <- call:
	default:
		t.logger.Warn("incoming call queue full, dropping invite")
		return nil, fmt.Errorf("incoming call queue full")
	}

	return call, nil
}
