package http2

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestFramerWriteInterop(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fr := NewFramer(&buf, nil)
	require.NoError(t, fr.WriteSettings(http2.Setting{ID: http2.SettingMaxFrameSize, Val: 32768}))
	require.NoError(t, fr.WriteSettingsAck())
	require.NoError(t, fr.WritePing(true, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, fr.WriteRSTStream(3, http2.ErrCodeRefusedStream))
	require.NoError(t, fr.WriteWindowUpdate(0, 1024))
	require.NoError(t, fr.WriteData(5, true, []byte("body")))
	require.NoError(t, fr.WriteGoAway(7, http2.ErrCodeProtocol, []byte("bye")))

	peer := http2.NewFramer(nil, &buf)
	f, err := peer.ReadFrame()
	require.NoError(t, err)
	settings := f.(*http2.SettingsFrame)
	assert.False(t, settings.IsAck())
	v, ok := settings.Value(http2.SettingMaxFrameSize)
	assert.True(t, ok)
	assert.Equal(t, uint32(32768), v)

	f, err = peer.ReadFrame()
	require.NoError(t, err)
	assert.True(t, f.(*http2.SettingsFrame).IsAck())

	f, err = peer.ReadFrame()
	require.NoError(t, err)
	ping := f.(*http2.PingFrame)
	assert.True(t, ping.IsAck())
	assert.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, ping.Data)

	f, err = peer.ReadFrame()
	require.NoError(t, err)
	rst := f.(*http2.RSTStreamFrame)
	assert.Equal(t, uint32(3), rst.StreamID)
	assert.Equal(t, http2.ErrCodeRefusedStream, rst.ErrCode)

	f, err = peer.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), f.(*http2.WindowUpdateFrame).Increment)

	f, err = peer.ReadFrame()
	require.NoError(t, err)
	data := f.(*http2.DataFrame)
	assert.True(t, data.StreamEnded())
	assert.Equal(t, "body", string(data.Data()))

	f, err = peer.ReadFrame()
	require.NoError(t, err)
	goAway := f.(*http2.GoAwayFrame)
	assert.Equal(t, uint32(7), goAway.LastStreamID)
	assert.Equal(t, http2.ErrCodeProtocol, goAway.ErrCode)
	assert.Equal(t, "bye", string(goAway.DebugData()))
}

func TestFramerReadInterop(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	peer := http2.NewFramer(&buf, nil)
	require.NoError(t, peer.WritePing(false, [8]byte{9}))
	require.NoError(t, peer.WriteHeaders(http2.HeadersFrameParam{
		StreamID: 1, BlockFragment: []byte{0x82}, EndStream: true, EndHeaders: true,
	}))

	fr := NewFramer(nil, &buf)
	f, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, http2.FramePing, f.Type)
	assert.Equal(t, uint32(8), f.Length)
	assert.Equal(t, []byte{9, 0, 0, 0, 0, 0, 0, 0}, f.Payload)

	f, err = fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, http2.FrameHeaders, f.Type)
	assert.Equal(t, uint32(1), f.StreamID)
	assert.True(t, f.Has(http2.FlagHeadersEndStream|http2.FlagHeadersEndHeaders))
	assert.Equal(t, []byte{0x82}, f.Payload)

	_, err = fr.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramerReadErrors(t *testing.T) {
	t.Parallel()

	t.Run("truncated_payload", func(t *testing.T) {
		t.Parallel()
		raw := []byte{0, 0, 8, byte(http2.FramePing), 0, 0, 0, 0, 0, 1, 2}
		_, err := NewFramer(nil, bytes.NewReader(raw)).ReadFrame()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated_header", func(t *testing.T) {
		t.Parallel()
		_, err := NewFramer(nil, bytes.NewReader([]byte{0, 0})).ReadFrame()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("too_large", func(t *testing.T) {
		t.Parallel()
		raw := []byte{0x00, 0x40, 0x01, byte(http2.FrameData), 0, 0, 0, 0, 1}
		_, err := NewFramer(nil, bytes.NewReader(raw)).ReadFrame()
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("reserved_bit_masked", func(t *testing.T) {
		t.Parallel()
		raw := []byte{0, 0, 0, byte(http2.FrameData), 0, 0x80, 0, 0, 3}
		f, err := NewFramer(nil, bytes.NewReader(raw)).ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, uint32(3), f.StreamID)
	})
}

func TestFramerWriteValidation(t *testing.T) {
	t.Parallel()

	fr := NewFramer(io.Discard, nil)
	err := fr.WriteFrame(&Frame{FrameHeader: FrameHeader{Length: 3, Type: http2.FrameData, StreamID: 1}, Payload: []byte("ab")})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestFramerWriteHeadersContinuation(t *testing.T) {
	t.Parallel()

	block := bytes.Repeat([]byte{0xbe}, 10)
	var buf bytes.Buffer
	require.NoError(t, NewFramer(&buf, nil).WriteHeaders(1, true, block, 4))

	fr := NewFramer(nil, &buf)
	var got []byte
	var types []http2.FrameType
	for {
		f, err := fr.ReadFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, f.Type)
		got = append(got, f.Payload...)
		if f.Type == http2.FrameHeaders {
			assert.True(t, f.Has(http2.FlagHeadersEndStream))
			assert.False(t, f.Has(http2.FlagHeadersEndHeaders))
		} else if len(got) == len(block) {
			assert.True(t, f.Has(http2.FlagContinuationEndHeaders))
		}
	}
	assert.Equal(t, []http2.FrameType{http2.FrameHeaders, http2.FrameContinuation, http2.FrameContinuation}, types)
	assert.Equal(t, block, got)
}
