package telemetry

// OTLP holds the configuration for an OTLP/HTTP trace exporter, used as an
// alternative to Jaeger.
type OTLP struct {
	// Host is the collector endpoint, without scheme or trailing slash.
	Host string `yaml:"host"`
	// Secure selects HTTPS (true) vs. plaintext HTTP (false) to Host.
	Secure bool `yaml:"secure"`
}

type Config struct {
	// The URL to the Jaeger instance.
	JaegerURL string `yaml:"jaegerUrl"`
	// Alternative OTLP/HTTP exporter configuration.
	OTLP OTLP `yaml:"otlp"`
	// The package name to use for the telemetry.
	Package string `yaml:"package"`
	// ID of the service instance.
	ID string `yaml:"id"`
}

// Enabled reports whether enough configuration is present to stand up tracing.
func (c Config) Enabled() bool {
	return c.JaegerURL != "" || c.OTLP.Host != ""
}
