package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// peerConnectionFactory builds pre-configured PeerConnections, grounded
// on webrtc_ext.PeerConnectionFactory/createWebRTCAPI, dropping the
// simulcast RTP header extensions the SFU teacher needs for subscriber
// fan-out but a full-mesh leg never does.
type peerConnectionFactory struct {
	api    *webrtc.API
	config Config
}

func newPeerConnectionFactory(config Config) (*peerConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering default codecs: %w", err)
	}

	settingsEngine := webrtc.SettingEngine{}
	if config.PublicIP != "" {
		settingsEngine.SetNAT1To1IPs([]string{config.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("registering default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	return &peerConnectionFactory{api: api, config: config}, nil
}

func (f *peerConnectionFactory) defaultICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(f.config.ICEServers))
	for _, s := range f.config.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func (f *peerConnectionFactory) create(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	if len(iceServers) == 0 {
		iceServers = f.defaultICEServers()
	}

	return f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}
