package http2

import (
	"encoding/binary"
	"math"

	"golang.org/x/net/http2"
)

const maxWindowSize = 1<<31 - 1

// Settings is one side's view of the SETTINGS parameters.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// DefaultSettings returns the protocol initial values. Unbounded limits are
// represented as math.MaxUint32.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:      4096,
		EnablePush:           true,
		MaxConcurrentStreams: math.MaxUint32,
		InitialWindowSize:    65535,
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxHeaderListSize:    math.MaxUint32,
	}
}

// Apply parses a non-ACK SETTINGS payload into s. Values are validated before
// any is applied; unknown identifiers are ignored.
func (s *Settings) Apply(payload []byte) error {
	if len(payload)%6 != 0 {
		return connError(http2.ErrCodeFrameSize, "settings length %d not a multiple of 6", len(payload))
	}

	next := *s
	for i := 0; i < len(payload); i += 6 {
		id := http2.SettingID(binary.BigEndian.Uint16(payload[i:]))
		val := binary.BigEndian.Uint32(payload[i+2:])
		switch id {
		case http2.SettingHeaderTableSize:
			next.HeaderTableSize = val
		case http2.SettingEnablePush:
			if val > 1 {
				return connError(http2.ErrCodeProtocol, "invalid ENABLE_PUSH %d", val)
			}
			next.EnablePush = val == 1
		case http2.SettingMaxConcurrentStreams:
			next.MaxConcurrentStreams = val
		case http2.SettingInitialWindowSize:
			if val > maxWindowSize {
				return connError(http2.ErrCodeFlowControl, "invalid INITIAL_WINDOW_SIZE %d", val)
			}
			next.InitialWindowSize = val
		case http2.SettingMaxFrameSize:
			if val < DefaultMaxFrameSize || val > MaxFrameLength {
				return connError(http2.ErrCodeProtocol, "invalid MAX_FRAME_SIZE %d", val)
			}
			next.MaxFrameSize = val
		case http2.SettingMaxHeaderListSize:
			next.MaxHeaderListSize = val
		}
	}
	*s = next
	return nil
}

// advertised returns the local settings announced during the handshake.
// An unbounded header list size is left unannounced.
func (s Settings) advertised() []http2.Setting {
	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: s.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: s.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: s.MaxFrameSize},
		{ID: http2.SettingHeaderTableSize, Val: s.HeaderTableSize},
	}
	if s.MaxHeaderListSize != math.MaxUint32 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: s.MaxHeaderListSize})
	}
	return settings
}
