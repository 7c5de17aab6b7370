package astimoq

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Eyevinn/mp4ff/avc"
)

// VideoCodecID represents a video codec
type VideoCodecID int

// Video codecs
const (
	VideoCodecH264 VideoCodecID = iota
	VideoCodecHEVC
	VideoCodecAV1
)

func (c VideoCodecID) String() string {
	switch c {
	case VideoCodecHEVC:
		return "hevc"
	case VideoCodecAV1:
		return "av1"
	default:
		return "h264"
	}
}

// UsesNALUnits returns whether the codec bitstream is made of NAL units
func (c VideoCodecID) UsesNALUnits() bool {
	return c == VideoCodecH264 || c == VideoCodecHEVC
}

// ParseVideoCodec maps a codec string to a video codec. Only the first 4 characters are significant since catalog
// codec strings usually carry profile and level after a dot.
// ok is false when the codec is unknown, in which case H.264 is returned.
func ParseVideoCodec(codec string) (id VideoCodecID, ok bool) {
	switch {
	case hasPrefix(codec, "avc1", false), hasPrefix(codec, "h264", true):
		return VideoCodecH264, true
	case hasPrefix(codec, "hev1", false), hasPrefix(codec, "hvc1", false), hasPrefix(codec, "hevc", true), hasPrefix(codec, "h265", true):
		return VideoCodecHEVC, true
	case hasPrefix(codec, "av01", false), hasPrefix(codec, "av1", true):
		return VideoCodecAV1, true
	}
	return VideoCodecH264, false
}

// AudioCodecID represents an audio codec
type AudioCodecID int

// Audio codecs
const (
	AudioCodecOpus AudioCodecID = iota
	AudioCodecAAC
)

func (c AudioCodecID) String() string {
	if c == AudioCodecAAC {
		return "aac"
	}
	return "opus"
}

// ParseAudioCodec maps a codec string to an audio codec. ok is false when the codec is unknown, in which case Opus
// is returned.
func ParseAudioCodec(codec string) (id AudioCodecID, ok bool) {
	switch {
	case hasPrefix(codec, "opus", true):
		return AudioCodecOpus, true
	case hasPrefix(codec, "mp4a", false), hasPrefix(codec, "aac", true):
		return AudioCodecAAC, true
	}
	return AudioCodecOpus, false
}

func hasPrefix(s, prefix string, caseInsensitive bool) bool {
	if len(s) < len(prefix) {
		return false
	}
	if caseInsensitive {
		return strings.EqualFold(s[:len(prefix)], prefix)
	}
	return s[:len(prefix)] == prefix
}

// VideoConfig represents the configuration of a video track
type VideoConfig struct {
	Bitrate     uint64
	Codec       string
	CodedHeight *uint32
	CodedWidth  *uint32
	Extradata   []byte
	Framerate   float64
}

// CodecID returns the video codec. ok is false when the codec string is unknown.
func (c VideoConfig) CodecID() (VideoCodecID, bool) {
	return ParseVideoCodec(c.Codec)
}

// DefaultVideoConfig is used whenever the catalog doesn't provide a usable video configuration
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{Codec: "h264"}
}

// VideoConfigInfo holds what could be learned from a video config's extradata
type VideoConfigInfo struct {
	Height  uint
	Level   byte
	Profile byte
	Width   uint
}

// Inspect decodes the extradata when it holds an AVC decoder configuration record
func (c VideoConfig) Inspect() (i VideoConfigInfo, err error) {
	// Only H.264 extradata is inspected
	if id, _ := c.CodecID(); id != VideoCodecH264 || len(c.Extradata) == 0 {
		return
	}

	// Decode record
	var r avc.DecConfRec
	if r, err = avc.DecodeAVCDecConfRec(c.Extradata); err != nil {
		err = fmt.Errorf("astimoq: decoding avc decoder configuration record failed: %w", err)
		return
	}
	i.Profile = r.AVCProfileIndication
	i.Level = r.AVCLevelIndication

	// Parse sps
	if len(r.SPSnalus) > 0 {
		var sps *avc.SPS
		if sps, err = avc.ParseSPSNALUnit(r.SPSnalus[0], false); err != nil {
			err = fmt.Errorf("astimoq: parsing sps failed: %w", err)
			return
		}
		i.Width = sps.Width
		i.Height = sps.Height
	}
	return
}

// AudioConfig represents the configuration of an audio track
type AudioConfig struct {
	Bitrate    uint64
	Channels   int
	Codec      string
	Extradata  []byte
	SampleRate int
}

// CodecID returns the audio codec. ok is false when the codec string is unknown.
func (c AudioConfig) CodecID() (AudioCodecID, bool) {
	return ParseAudioCodec(c.Codec)
}

// Track describes a catalog track
type Track struct {
	Name     string
	Priority uint8
}

// VideoTrack is a catalog video entry
type VideoTrack struct {
	Config VideoConfig
	Track  Track
}

// AudioTrack is a catalog audio entry
type AudioTrack struct {
	Config AudioConfig
	Track  Track
}

// Catalog is an immutable snapshot of a broadcast catalog. Entries are kept in catalog order.
type Catalog struct {
	Audio []AudioTrack
	Video []VideoTrack
}

// VideoConfig returns the video config at index i
func (c Catalog) VideoConfig(i int) (VideoConfig, bool) {
	if i < 0 || i >= len(c.Video) {
		return VideoConfig{}, false
	}
	return c.Video[i].Config, true
}

// AudioConfig returns the audio config at index i
func (c Catalog) AudioConfig(i int) (AudioConfig, bool) {
	if i < 0 || i >= len(c.Audio) {
		return AudioConfig{}, false
	}
	return c.Audio[i].Config, true
}

type jsonCatalog struct {
	Audio []jsonCatalogAudio `json:"audio,omitempty"`
	Video []jsonCatalogVideo `json:"video,omitempty"`
}

type jsonCatalogTrack struct {
	Name     string `json:"name"`
	Priority uint8  `json:"priority"`
}

type jsonCatalogVideo struct {
	Config jsonCatalogVideoConfig `json:"config"`
	Track  jsonCatalogTrack       `json:"track"`
}

type jsonCatalogVideoConfig struct {
	Bitrate     uint64  `json:"bitrate,omitempty"`
	Codec       string  `json:"codec"`
	CodedHeight *uint32 `json:"codedHeight,omitempty"`
	CodedWidth  *uint32 `json:"codedWidth,omitempty"`
	Description string  `json:"description,omitempty"`
	Framerate   float64 `json:"framerate,omitempty"`
}

type jsonCatalogAudio struct {
	Config jsonCatalogAudioConfig `json:"config"`
	Track  jsonCatalogTrack       `json:"track"`
}

type jsonCatalogAudioConfig struct {
	Bitrate          uint64 `json:"bitrate,omitempty"`
	Codec            string `json:"codec"`
	Description      string `json:"description,omitempty"`
	NumberOfChannels int    `json:"numberOfChannels"`
	SampleRate       int    `json:"sampleRate"`
}

// ParseCatalog parses a JSON catalog
func ParseCatalog(b []byte) (c Catalog, err error) {
	// Unmarshal
	var j jsonCatalog
	if err = json.Unmarshal(b, &j); err != nil {
		err = fmt.Errorf("astimoq: unmarshaling catalog failed: %w", err)
		return
	}

	// Loop through video tracks
	for idx, v := range j.Video {
		var d []byte
		if d, err = decodeDescription(v.Config.Description); err != nil {
			err = fmt.Errorf("astimoq: decoding description of video track #%d failed: %w", idx, err)
			return
		}
		c.Video = append(c.Video, VideoTrack{
			Config: VideoConfig{
				Bitrate:     v.Config.Bitrate,
				Codec:       v.Config.Codec,
				CodedHeight: v.Config.CodedHeight,
				CodedWidth:  v.Config.CodedWidth,
				Extradata:   d,
				Framerate:   v.Config.Framerate,
			},
			Track: Track{Name: v.Track.Name, Priority: v.Track.Priority},
		})
	}

	// Loop through audio tracks
	for idx, a := range j.Audio {
		var d []byte
		if d, err = decodeDescription(a.Config.Description); err != nil {
			err = fmt.Errorf("astimoq: decoding description of audio track #%d failed: %w", idx, err)
			return
		}
		c.Audio = append(c.Audio, AudioTrack{
			Config: AudioConfig{
				Bitrate:    a.Config.Bitrate,
				Channels:   a.Config.NumberOfChannels,
				Codec:      a.Config.Codec,
				Extradata:  d,
				SampleRate: a.Config.SampleRate,
			},
			Track: Track{Name: a.Track.Name, Priority: a.Track.Priority},
		})
	}
	return
}

// MarshalCatalog marshals a catalog into its JSON form
func MarshalCatalog(c Catalog) ([]byte, error) {
	var j jsonCatalog
	for _, v := range c.Video {
		j.Video = append(j.Video, jsonCatalogVideo{
			Config: jsonCatalogVideoConfig{
				Bitrate:     v.Config.Bitrate,
				Codec:       v.Config.Codec,
				CodedHeight: v.Config.CodedHeight,
				CodedWidth:  v.Config.CodedWidth,
				Description: hex.EncodeToString(v.Config.Extradata),
				Framerate:   v.Config.Framerate,
			},
			Track: jsonCatalogTrack{Name: v.Track.Name, Priority: v.Track.Priority},
		})
	}
	for _, a := range c.Audio {
		j.Audio = append(j.Audio, jsonCatalogAudio{
			Config: jsonCatalogAudioConfig{
				Bitrate:          a.Config.Bitrate,
				Codec:            a.Config.Codec,
				Description:      hex.EncodeToString(a.Config.Extradata),
				NumberOfChannels: a.Config.Channels,
				SampleRate:       a.Config.SampleRate,
			},
			Track: jsonCatalogTrack{Name: a.Track.Name, Priority: a.Track.Priority},
		})
	}
	return json.Marshal(j)
}

func decodeDescription(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
