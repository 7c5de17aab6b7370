package astimoq

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Configuration represents a headless host configuration
type Configuration struct {
	Log       ConfigurationLog       `toml:"log"`
	Server    ConfigurationServer    `toml:"server"`
	Source    ConfigurationSource    `toml:"source"`
	Stats     ConfigurationStats     `toml:"stats"`
	Transport ConfigurationTransport `toml:"transport"`
}

// ConfigurationLog represents a log configuration
type ConfigurationLog struct {
	MessageMergingPeriod time.Duration `toml:"message_merging_period"`
}

// ConfigurationServer represents a server configuration. An empty address disables the server.
type ConfigurationServer struct {
	Addr string `toml:"addr"`
}

// ConfigurationSource represents a source configuration
type ConfigurationSource struct {
	Broadcast     string        `toml:"broadcast"`
	QueueCapacity int           `toml:"queue_capacity"`
	TrackLatency  time.Duration `toml:"track_latency"`
	URL           string        `toml:"url"`
}

// Settings returns the source settings
func (c ConfigurationSource) Settings() Settings {
	return Settings{
		Broadcast: c.Broadcast,
		URL:       c.URL,
	}
}

// ConfigurationStats represents a stats configuration. A zero period disables stats.
type ConfigurationStats struct {
	Period time.Duration `toml:"period"`
}

// ConfigurationTransport represents a transport configuration
type ConfigurationTransport struct {
	HandshakeTimeout   time.Duration `toml:"handshake_timeout"`
	InsecureSkipVerify bool          `toml:"insecure_skip_verify"`
}

// DefaultConfiguration returns the default configuration
func DefaultConfiguration() Configuration {
	return Configuration{
		Log:    ConfigurationLog{MessageMergingPeriod: time.Second},
		Server: ConfigurationServer{Addr: "127.0.0.1:4000"},
		Source: ConfigurationSource{
			QueueCapacity: defaultQueueCapacity,
			TrackLatency:  DefaultTrackLatency,
		},
		Stats:     ConfigurationStats{Period: time.Second},
		Transport: ConfigurationTransport{HandshakeTimeout: 10 * time.Second},
	}
}

// ParseConfiguration decodes TOML data on top of the default configuration
func ParseConfiguration(data string) (c Configuration, err error) {
	c = DefaultConfiguration()
	if _, err = toml.Decode(data, &c); err != nil {
		err = fmt.Errorf("astimoq: decoding toml failed: %w", err)
		return
	}
	return
}

// LoadConfiguration decodes a TOML file on top of the default configuration. An empty path returns the default
// configuration.
func LoadConfiguration(path string) (c Configuration, err error) {
	c = DefaultConfiguration()
	if path == "" {
		return
	}
	if _, err = toml.DecodeFile(path, &c); err != nil {
		err = fmt.Errorf("astimoq: decoding toml file %s failed: %w", path, err)
		return
	}
	return
}
