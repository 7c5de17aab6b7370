package astimoq

import (
	"errors"
	"fmt"
	"strings"
)

// Settings keys
const (
	SettingKeyBroadcast = "broadcast"
	SettingKeyURL       = "url"
)

// Settings errors
var (
	ErrInvalidSettings  = errors.New("astimoq: invalid settings")
	ErrMissingBroadcast = fmt.Errorf("%w: broadcast path is empty", ErrInvalidSettings)
	ErrMissingHost      = fmt.Errorf("%w: url has no host", ErrInvalidSettings)
	ErrMissingScheme    = fmt.Errorf("%w: url must include a scheme such as https://", ErrInvalidSettings)
	ErrMissingURL       = fmt.Errorf("%w: url is empty", ErrInvalidSettings)
)

// Settings represents the connection settings of a source
type Settings struct {
	Broadcast string `json:"broadcast" toml:"broadcast"`
	URL       string `json:"url" toml:"url"`
}

// IsEmpty returns whether either field is empty
func (s Settings) IsEmpty() bool {
	return s.URL == "" || s.Broadcast == ""
}

// Validate checks that the url contains a "scheme://host" separator with a non-empty host and that the broadcast
// path is not empty
func (s Settings) Validate() error {
	// Check url
	if s.URL == "" {
		return ErrMissingURL
	}
	i := strings.Index(s.URL, "://")
	if i < 0 {
		return fmt.Errorf("%w (url: %s)", ErrMissingScheme, s.URL)
	}
	if host := urlHost(s.URL[i+3:]); host == "" {
		return fmt.Errorf("%w (url: %s)", ErrMissingHost, s.URL)
	}

	// Check broadcast
	if s.Broadcast == "" {
		return ErrMissingBroadcast
	}
	return nil
}

func urlHost(rest string) string {
	// Authority stops at the path, query or fragment
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}

	// Strip user info
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}

	// Strip port
	if strings.HasPrefix(rest, "[") {
		if i := strings.Index(rest, "]"); i >= 0 {
			return rest[1:i]
		}
		return ""
	}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// Property describes a host-facing configuration field
type Property struct {
	Label string `json:"label"`
	Name  string `json:"name"`
	Type  string `json:"type"`
}

// Properties returns the fields a host should expose to configure a source
func Properties() []Property {
	return []Property{
		{Label: "URL", Name: SettingKeyURL, Type: "text"},
		{Label: "Broadcast", Name: SettingKeyBroadcast, Type: "text"},
	}
}

// Defaults returns the default settings
func Defaults() map[string]string {
	return map[string]string{
		SettingKeyBroadcast: "",
		SettingKeyURL:       "",
	}
}

// SettingsFromMap builds settings out of host key/value data
func SettingsFromMap(m map[string]string) Settings {
	return Settings{
		Broadcast: m[SettingKeyBroadcast],
		URL:       m[SettingKeyURL],
	}
}
