package astimoq

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfiguration(t *testing.T) {
	c, err := ParseConfiguration(`
[source]
url = "https://relay.example:443"
broadcast = "demo"
track_latency = "250ms"

[transport]
insecure_skip_verify = true

[server]
addr = ""

[log]
message_merging_period = "2s"
`)
	require.NoError(t, err)
	require.Equal(t, Configuration{
		Log:    ConfigurationLog{MessageMergingPeriod: 2 * time.Second},
		Server: ConfigurationServer{},
		Source: ConfigurationSource{
			Broadcast:     "demo",
			QueueCapacity: 16,
			TrackLatency:  250 * time.Millisecond,
			URL:           "https://relay.example:443",
		},
		Stats: ConfigurationStats{Period: time.Second},
		Transport: ConfigurationTransport{
			HandshakeTimeout:   10 * time.Second,
			InsecureSkipVerify: true,
		},
	}, c)
	require.Equal(t, Settings{Broadcast: "demo", URL: "https://relay.example:443"}, c.Source.Settings())

	_, err = ParseConfiguration(`[source`)
	require.Error(t, err)
}

func TestLoadConfiguration(t *testing.T) {
	c, err := LoadConfiguration("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfiguration(), c)

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte("[stats]\nperiod = \"5s\"\n"), 0600))
	c, err = LoadConfiguration(p)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, c.Stats.Period)
	require.Equal(t, "127.0.0.1:4000", c.Server.Addr)

	_, err = LoadConfiguration(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
