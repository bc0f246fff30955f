package groupcall

import "time"

// Config holds the tunables referenced throughout §6 of the design. Zero
// values are replaced by SetDefaults, mirroring the way the teacher's
// conference.Config is validated/defaulted once at load time.
type Config struct {
	// How far into the future a freshly written membership event's
	// expires_ts is set.
	ExpireTsBumpDuration time.Duration `yaml:"expireTsBumpDuration"`
	// Period of the heartbeat that rewrites the local membership event.
	UpdateExpireTsTimerDuration time.Duration `yaml:"updateExpireTsTimerDuration"`
	// Poll period of the active-speaker detector.
	ActiveSpeakerInterval time.Duration `yaml:"activeSpeakerInterval"`
	// Debounce window used to coalesce simultaneous leavers before
	// rotating the sender key.
	MakeKeyDelay time.Duration `yaml:"makeKeyDelay"`
	// Delay before the local encryptor starts using a freshly generated
	// key, giving peers time to install it first.
	UseKeyDelay time.Duration `yaml:"useKeyDelay"`
	// Whether to ratchet the sender key on join instead of generating a
	// brand new one.
	EnableSFUE2EEKeyRatcheting bool `yaml:"enableSFUE2EEKeyRatcheting"`
	// Whether E2EE is enabled for calls created with this config.
	EnableE2EE bool `yaml:"enableE2EE"`
	// Application and scope values used to scope membership events
	// (MSC3401's "application"/"scope" fields).
	Application string `yaml:"application"`
	Scope       string `yaml:"scope"`
	// Overrides the client-generated to-device transaction ID. Nil means
	// "let the transport generate one per send" (the common case).
	CustomTxnID func() string `yaml:"-"`
}

// SetDefaults fills in zero fields with the illustrative defaults from §6.
func (c *Config) SetDefaults() {
	if c.ExpireTsBumpDuration == 0 {
		c.ExpireTsBumpDuration = 12 * time.Second
	}
	if c.UpdateExpireTsTimerDuration == 0 {
		c.UpdateExpireTsTimerDuration = 7500 * time.Millisecond
	}
	if c.ActiveSpeakerInterval == 0 {
		c.ActiveSpeakerInterval = 1 * time.Second
	}
	if c.MakeKeyDelay == 0 {
		c.MakeKeyDelay = 1 * time.Second
	}
	if c.UseKeyDelay == 0 {
		c.UseKeyDelay = 5 * time.Second
	}
	if c.Application == "" {
		c.Application = "m.call"
	}
	if c.Scope == "" {
		c.Scope = "m.room"
	}
}
