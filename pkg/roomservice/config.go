package roomservice

import "maunium.net/go/mautrix/id"

// Config is the Matrix client configuration, grounded on
// pkg/signaling/config.go's equivalent SFU-side shape.
type Config struct {
	// UserID is the Matrix ID (MXID) this process logs in as.
	UserID id.UserID `yaml:"userId"`
	// HomeserverURL is the homeserver this process talks to.
	HomeserverURL string `yaml:"homeserverUrl"`
	// AccessToken authenticates the Matrix SDK client.
	AccessToken string `yaml:"accessToken"`
}
