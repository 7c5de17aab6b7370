package astimoq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsValidate(t *testing.T) {
	for _, v := range []struct {
		err error
		s   Settings
	}{
		{s: Settings{Broadcast: "demo", URL: "https://example:443"}},
		{s: Settings{Broadcast: "demo", URL: "https://user@[::1]:443/path?q"}},
		{s: Settings{Broadcast: "demo", URL: "moql://relay.example.com"}},
		{err: ErrMissingURL, s: Settings{Broadcast: "demo"}},
		{err: ErrMissingScheme, s: Settings{Broadcast: "demo", URL: "example.com"}},
		{err: ErrMissingHost, s: Settings{Broadcast: "demo", URL: "https://"}},
		{err: ErrMissingHost, s: Settings{Broadcast: "demo", URL: "https://:443/path"}},
		{err: ErrMissingBroadcast, s: Settings{URL: "https://example:443"}},
	} {
		err := v.s.Validate()
		if v.err == nil {
			require.NoError(t, err, v.s.URL)
		} else {
			require.ErrorIs(t, err, v.err, v.s.URL)
			require.ErrorIs(t, err, ErrInvalidSettings, v.s.URL)
		}
	}
}

func TestSettings(t *testing.T) {
	require.True(t, Settings{URL: "https://example"}.IsEmpty())
	require.True(t, Settings{Broadcast: "demo"}.IsEmpty())
	require.False(t, Settings{Broadcast: "demo", URL: "https://example"}.IsEmpty())

	d := Defaults()
	require.Equal(t, map[string]string{SettingKeyBroadcast: "", SettingKeyURL: ""}, d)
	require.True(t, SettingsFromMap(d).IsEmpty())
	require.Equal(t, Settings{Broadcast: "demo", URL: "https://example"}, SettingsFromMap(map[string]string{
		SettingKeyBroadcast: "demo",
		SettingKeyURL:       "https://example",
	}))

	ps := Properties()
	require.Len(t, ps, 2)
	require.Equal(t, SettingKeyURL, ps[0].Name)
	require.Equal(t, SettingKeyBroadcast, ps[1].Name)
}
