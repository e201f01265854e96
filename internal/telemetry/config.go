package telemetry

// Config holds OpenTelemetry tracing configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	SampleRate     float64
}

// DefaultConfig returns a disabled, local-development configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "kiseki",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}
