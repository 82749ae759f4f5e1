package http2

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2"
)

const (
	frameHeaderLen = 9

	// MaxFrameLength is the largest length representable in a frame header.
	MaxFrameLength = 1<<24 - 1

	// DefaultMaxFrameSize is the initial and smallest SETTINGS_MAX_FRAME_SIZE.
	DefaultMaxFrameSize = 16384

	streamIDMask = 1<<31 - 1
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds max frame size")
	ErrLengthMismatch = errors.New("frame length does not match payload")
)

// FrameHeader is the fixed 9-byte frame prefix.
type FrameHeader struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

// Has reports if all bits in f are set.
func (h FrameHeader) Has(f http2.Flags) bool { return h.Flags.Has(f) }

func (h FrameHeader) String() string {
	return fmt.Sprintf("%s stream=%d len=%d flags=0x%x", h.Type, h.StreamID, h.Length, uint8(h.Flags))
}

// Frame is a frame header plus its raw payload.
type Frame struct {
	FrameHeader
	Payload []byte
}

// Framer reads and writes raw frames. Reads must come from one goroutine;
// writes are serialized so stream relays may write alongside the read loop.
type Framer struct {
	r   io.Reader
	hdr [frameHeaderLen]byte

	// MaxReadSize rejects inbound frames above our advertised SETTINGS_MAX_FRAME_SIZE.
	MaxReadSize uint32

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewFramer creates a framer reading from r and writing to w.
func NewFramer(w io.Writer, r io.Reader) *Framer {
	return &Framer{
		r:           r,
		w:           bufio.NewWriterSize(w, 16<<10),
		MaxReadSize: DefaultMaxFrameSize,
	}
}

// ReadFrame reads the next frame. It returns io.EOF if the connection closed
// cleanly before any byte of the frame, and io.ErrUnexpectedEOF if it closed
// partway through.
func (f *Framer) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(f.r, f.hdr[:]); err != nil {
		return nil, err
	}
	fh := parseFrameHeader(f.hdr)
	if fh.Length > f.MaxReadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, fh.Length, f.MaxReadSize)
	}

	fr := &Frame{FrameHeader: fh, Payload: make([]byte, fh.Length)}
	if _, err := io.ReadFull(f.r, fr.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return fr, nil
}

func parseFrameHeader(b [frameHeaderLen]byte) FrameHeader {
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     http2.FrameType(b[3]),
		Flags:    http2.Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:]) & streamIDMask,
	}
}

// WriteFrame validates, writes, and flushes a frame.
func (f *Framer) WriteFrame(fr *Frame) error {
	if fr.Length > MaxFrameLength {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, fr.Length)
	} else if int(fr.Length) != len(fr.Payload) {
		return fmt.Errorf("%w: declared %d, payload %d", ErrLengthMismatch, fr.Length, len(fr.Payload))
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.writeLocked(fr.Type, fr.Flags, fr.StreamID, fr.Payload)
}

func (f *Framer) write(t http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) error {
	return f.WriteFrame(&Frame{
		FrameHeader: FrameHeader{Length: uint32(len(payload)), Type: t, Flags: flags, StreamID: streamID},
		Payload:     payload,
	})
}

// WriteSettings writes a non-ACK SETTINGS frame.
func (f *Framer) WriteSettings(settings ...http2.Setting) error {
	payload := make([]byte, 0, 6*len(settings))
	for _, s := range settings {
		payload = binary.BigEndian.AppendUint16(payload, uint16(s.ID))
		payload = binary.BigEndian.AppendUint32(payload, s.Val)
	}
	return f.write(http2.FrameSettings, 0, 0, payload)
}

// WriteSettingsAck acknowledges the peer's SETTINGS.
func (f *Framer) WriteSettingsAck() error {
	return f.write(http2.FrameSettings, http2.FlagSettingsAck, 0, nil)
}

// WritePing writes a PING with the given opaque data.
func (f *Framer) WritePing(ack bool, data [8]byte) error {
	var flags http2.Flags
	if ack {
		flags = http2.FlagPingAck
	}
	return f.write(http2.FramePing, flags, 0, data[:])
}

// WriteRSTStream resets a stream.
func (f *Framer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return f.write(http2.FrameRSTStream, 0, streamID, binary.BigEndian.AppendUint32(nil, uint32(code)))
}

// WriteGoAway announces connection shutdown.
func (f *Framer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debug []byte) error {
	payload := binary.BigEndian.AppendUint32(nil, lastStreamID&streamIDMask)
	payload = binary.BigEndian.AppendUint32(payload, uint32(code))
	return f.write(http2.FrameGoAway, 0, 0, append(payload, debug...))
}

// WriteWindowUpdate grants incr bytes of receive window.
func (f *Framer) WriteWindowUpdate(streamID, incr uint32) error {
	return f.write(http2.FrameWindowUpdate, 0, streamID, binary.BigEndian.AppendUint32(nil, incr&streamIDMask))
}

// WriteData writes a single DATA frame.
func (f *Framer) WriteData(streamID uint32, endStream bool, data []byte) error {
	var flags http2.Flags
	if endStream {
		flags = http2.FlagDataEndStream
	}
	return f.write(http2.FrameData, flags, streamID, data)
}

// WriteHeaders writes a header block as HEADERS plus CONTINUATION frames no
// larger than maxFrame.
func (f *Framer) WriteHeaders(streamID uint32, endStream bool, block []byte, maxFrame uint32) error {
	first := block
	if uint32(len(first)) > maxFrame {
		first = block[:maxFrame]
	}
	rest := block[len(first):]

	var flags http2.Flags
	if endStream {
		flags |= http2.FlagHeadersEndStream
	}
	if len(rest) == 0 {
		flags |= http2.FlagHeadersEndHeaders
	}

	// hold the lock so no other frame interleaves with the header block
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.writeLocked(http2.FrameHeaders, flags, streamID, first); err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		if uint32(len(chunk)) > maxFrame {
			chunk = rest[:maxFrame]
		}
		rest = rest[len(chunk):]
		var cflags http2.Flags
		if len(rest) == 0 {
			cflags = http2.FlagContinuationEndHeaders
		}
		if err := f.writeLocked(http2.FrameContinuation, cflags, streamID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (f *Framer) writeLocked(t http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) error {
	var hdr [frameHeaderLen]byte
	n := len(payload)
	hdr[0], hdr[1], hdr[2] = byte(n>>16), byte(n>>8), byte(n)
	hdr[3] = byte(t)
	hdr[4] = byte(flags)
	binary.BigEndian.PutUint32(hdr[5:], streamID&streamIDMask)
	if _, err := f.w.Write(hdr[:]); err != nil {
		return err
	} else if _, err := f.w.Write(payload); err != nil {
		return err
	}
	return f.w.Flush()
}
