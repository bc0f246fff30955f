package transport

// Config configures the pion/webrtc API used to construct every
// PeerConnection this process creates, grounded on webrtc_ext.Config,
// trimmed of the simulcast header extensions: full-mesh legs carry a
// single quality layer per track, unlike the teacher's SFU subscriber
// fan-out.
type Config struct {
	// PublicIP pins the host candidate address pion advertises, for
	// deployments behind a static NAT mapping.
	PublicIP string `yaml:"ip"`
	// ICEServers is the default STUN/TURN server set used when a call's
	// own CallOptions don't carry any.
	ICEServers []ICEServerConfig `yaml:"iceServers"`
}

type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}
