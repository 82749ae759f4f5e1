package http2

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"

	"github.com/go-appsec/wrm/wrm/service/http2/hpack"
	"github.com/go-appsec/wrm/wrm/service/httpmsg"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
	"github.com/go-appsec/wrm/wrm/service/sniff"
	"github.com/go-appsec/wrm/wrm/service/tunnel"
)

var ErrBadPreface = errors.New("invalid client preface")

// connection-specific headers are forbidden in HTTP/2 messages
var connectionHeaders = []string{"connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade"}

// serverConn is the state of one HTTP/2 connection. Everything except the
// framer's write side is owned by the goroutine running serve.
type serverConn struct {
	cfg  Config
	cc   *pipeline.Context
	next pipeline.Handler

	framer        *Framer
	local, remote Settings
	enc           *hpack.Encoder
	dec           *hpack.Decoder
	streams       *streamTable

	// header block accumulation across CONTINUATION frames
	hdrActive    bool
	hdrStream    uint32
	hdrEndStream bool
	hdrSelfDep   bool
	hdrBuf       []byte

	// pending is the first post-handshake frame when it was not a SETTINGS ACK
	pending *Frame

	tunnels sync.WaitGroup
}

func newDecoder(local Settings) *hpack.Decoder {
	dec := hpack.NewDecoder(local.HeaderTableSize)
	if local.MaxHeaderListSize != math.MaxUint32 {
		dec.MaxHeaderListSize = local.MaxHeaderListSize
	}
	return dec
}

func newServerConn(cfg Config, cc *pipeline.Context, next pipeline.Handler) *serverConn {
	local := cfg.localSettings()
	framer := NewFramer(cc.Conn, cc.Conn)
	framer.MaxReadSize = local.MaxFrameSize
	enc := hpack.NewEncoder()
	enc.Huffman = true
	return &serverConn{
		cfg:     cfg,
		cc:      cc,
		next:    next,
		framer:  framer,
		local:   local,
		remote:  DefaultSettings(),
		enc:     enc,
		dec:     newDecoder(local),
		streams: newStreamTable(),
	}
}

func (sc *serverConn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() {
		_ = sc.cc.Conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		sc.abortTunnels()
		cancel()
		sc.tunnels.Wait()
	}()

	if err := sc.handshake(); err != nil {
		var ce ConnectionError
		if errors.As(err, &ce) {
			sc.goAway(ce)
		}
		return fmt.Errorf("h2 handshake: %w", err)
	}

	for {
		fr := sc.pending
		sc.pending = nil
		if fr == nil {
			var err error
			if fr, err = sc.framer.ReadFrame(); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return nil
				} else if errors.Is(err, ErrFrameTooLarge) {
					ce := connError(http2.ErrCodeFrameSize, "%v", err)
					sc.goAway(ce)
					return ce
				}
				return err
			}
		}

		if err := sc.dispatch(fr); err != nil {
			var se StreamError
			var ce ConnectionError
			if errors.As(err, &se) {
				if err := sc.resetStream(se); err != nil {
					return err
				}
				continue
			} else if errors.As(err, &ce) {
				sc.goAway(ce)
				return ce
			}
			return err
		}

		if err := sc.dispatchReady(ctx); err != nil {
			return err
		}
	}
}

// handshake reads the preface and the peer's SETTINGS, then sends our
// SETTINGS followed by the ACK. The next frame is consumed when it is a
// SETTINGS ACK; any other frame is kept for the dispatch loop.
func (sc *serverConn) handshake() error {
	conn := sc.cc.Conn
	if sc.cfg.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(sc.cfg.HandshakeTimeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	preface := make([]byte, len(sniff.Preface))
	if _, err := io.ReadFull(conn, preface); err != nil {
		return fmt.Errorf("%w: %w", ErrBadPreface, err)
	} else if string(preface) != sniff.Preface {
		return ErrBadPreface
	}

	fr, err := sc.framer.ReadFrame()
	if err != nil {
		return err
	} else if fr.Type != http2.FrameSettings || fr.Has(http2.FlagSettingsAck) {
		return connError(http2.ErrCodeProtocol, "expected SETTINGS, got %s", fr.Type)
	} else if fr.StreamID != 0 {
		return connError(http2.ErrCodeProtocol, "SETTINGS on stream %d", fr.StreamID)
	} else if err := sc.applyRemoteSettings(fr.Payload); err != nil {
		return err
	}

	if err := sc.framer.WriteSettings(sc.local.advertised()...); err != nil {
		return err
	} else if err := sc.framer.WriteSettingsAck(); err != nil {
		return err
	}

	ack, err := sc.framer.ReadFrame()
	if err != nil {
		return fmt.Errorf("awaiting SETTINGS ACK: %w", err)
	} else if ack.Type != http2.FrameSettings || !ack.Has(http2.FlagSettingsAck) || ack.Length != 0 {
		sc.pending = ack
	}
	return nil
}

func (sc *serverConn) applyRemoteSettings(payload []byte) error {
	if err := sc.remote.Apply(payload); err != nil {
		return err
	}
	sc.enc.SetMaxDynamicTableSizeLimit(sc.remote.HeaderTableSize)
	return nil
}

// checkStreamID enforces which frame types require a zero or nonzero stream.
func checkStreamID(fh FrameHeader) error {
	switch fh.Type {
	case http2.FrameData, http2.FrameHeaders, http2.FramePriority, http2.FrameRSTStream, http2.FrameContinuation:
		if fh.StreamID == 0 {
			return connError(http2.ErrCodeProtocol, "%s frame with stream id 0", fh.Type)
		}
	case http2.FrameSettings, http2.FramePing, http2.FrameGoAway:
		if fh.StreamID != 0 {
			return connError(http2.ErrCodeProtocol, "%s frame with stream id %d", fh.Type, fh.StreamID)
		}
	}
	return nil
}

func (sc *serverConn) dispatch(fr *Frame) error {
	if sc.hdrActive && (fr.Type != http2.FrameContinuation || fr.StreamID != sc.hdrStream) {
		return connError(http2.ErrCodeProtocol, "expected CONTINUATION for stream %d, got %s", sc.hdrStream, fr.FrameHeader)
	} else if err := checkStreamID(fr.FrameHeader); err != nil {
		return err
	}

	switch fr.Type {
	case http2.FrameData:
		return sc.onData(fr)
	case http2.FrameHeaders:
		return sc.onHeaders(fr)
	case http2.FrameContinuation:
		return sc.onContinuation(fr)
	case http2.FrameSettings:
		return sc.onSettings(fr)
	case http2.FramePing:
		return sc.onPing(fr)
	case http2.FrameRSTStream:
		return sc.onRSTStream(fr)
	case http2.FrameGoAway:
		return sc.onGoAway(fr)
	case http2.FrameWindowUpdate:
		if fr.Length != 4 {
			return connError(http2.ErrCodeFrameSize, "WINDOW_UPDATE length %d", fr.Length)
		}
		return nil // peer windows are not enforced
	case http2.FramePriority:
		if fr.Length != 5 {
			return streamError(fr.StreamID, http2.ErrCodeFrameSize, "PRIORITY length")
		}
		return nil
	case http2.FramePushPromise:
		return connError(http2.ErrCodeProtocol, "PUSH_PROMISE from client")
	}
	return nil // unknown frame types are ignored
}

// stripPadding removes the pad length octet and trailing padding.
func stripPadding(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, connError(http2.ErrCodeProtocol, "padded frame without pad length")
	}
	pad := int(payload[0])
	if pad >= len(payload) {
		return nil, connError(http2.ErrCodeProtocol, "padding %d exceeds payload %d", pad, len(payload))
	}
	return payload[1 : len(payload)-pad], nil
}

func (sc *serverConn) onData(fr *Frame) error {
	payload := fr.Payload
	if fr.Has(http2.FlagDataPadded) {
		var err error
		if payload, err = stripPadding(payload); err != nil {
			return err
		}
	}

	s, ok := sc.streams.get(fr.StreamID)
	if !ok || !s.acceptsData() {
		if err := sc.replenish(0, fr.Length); err != nil {
			return err
		}
		return streamError(fr.StreamID, http2.ErrCodeStreamClosed, "DATA on closed stream")
	}

	if s.tunnel != nil {
		s.tunnel.deliver(payload)
	} else if sc.cfg.MaxBodyBytes > 0 && int64(s.body.Len()+len(payload)) > sc.cfg.MaxBodyBytes {
		if err := sc.replenish(0, fr.Length); err != nil {
			return err
		}
		return streamError(s.id, http2.ErrCodeRefusedStream, "request body too large")
	} else {
		s.body.Write(payload)
	}

	end := fr.Has(http2.FlagDataEndStream)
	if end {
		s.markEndStream()
		if s.tunnel != nil {
			s.tunnel.closeRead()
		}
	}
	if err := sc.replenish(0, fr.Length); err != nil {
		return err
	} else if !end {
		return sc.replenish(s.id, fr.Length)
	}
	return nil
}

// replenish returns consumed bytes to the peer's send window.
func (sc *serverConn) replenish(streamID, n uint32) error {
	if n == 0 {
		return nil
	}
	return sc.framer.WriteWindowUpdate(streamID, n)
}

func (sc *serverConn) onHeaders(fr *Frame) error {
	payload := fr.Payload
	if fr.Has(http2.FlagHeadersPadded) {
		var err error
		if payload, err = stripPadding(payload); err != nil {
			return err
		}
	}
	sc.hdrSelfDep = false
	if fr.Has(http2.FlagHeadersPriority) {
		if len(payload) < 5 {
			return connError(http2.ErrCodeFrameSize, "HEADERS priority fields truncated")
		}
		// rejected only after the block is decoded
		sc.hdrSelfDep = binary.BigEndian.Uint32(payload)&streamIDMask == fr.StreamID
		payload = payload[5:]
	}

	sc.hdrStream = fr.StreamID
	sc.hdrEndStream = fr.Has(http2.FlagHeadersEndStream)
	sc.hdrBuf = append(sc.hdrBuf[:0], payload...)
	if fr.Has(http2.FlagHeadersEndHeaders) {
		return sc.finishHeaders()
	}
	sc.hdrActive = true
	return nil
}

func (sc *serverConn) onContinuation(fr *Frame) error {
	if !sc.hdrActive {
		return connError(http2.ErrCodeProtocol, "unexpected CONTINUATION on stream %d", fr.StreamID)
	}
	sc.hdrBuf = append(sc.hdrBuf, fr.Payload...)
	if sc.cfg.MaxHeaderBlockBytes > 0 && len(sc.hdrBuf) > sc.cfg.MaxHeaderBlockBytes {
		return connError(http2.ErrCodeEnhanceYourCalm, "header block exceeds %d bytes", sc.cfg.MaxHeaderBlockBytes)
	} else if fr.Has(http2.FlagContinuationEndHeaders) {
		sc.hdrActive = false
		return sc.finishHeaders()
	}
	return nil
}

// finishHeaders decodes a complete header block. Decoding always happens so
// the dynamic table stays in sync even when the stream is then refused.
func (sc *serverConn) finishHeaders() error {
	id, endStream := sc.hdrStream, sc.hdrEndStream
	fields, err := sc.dec.Decode(sc.hdrBuf)
	if errors.Is(err, hpack.ErrHeaderListTooLarge) {
		return sc.refuseHeaders(id, http2.ErrCodeEnhanceYourCalm, err.Error())
	} else if err != nil {
		return connError(http2.ErrCodeCompression, "%v", err)
	} else if sc.hdrSelfDep {
		return sc.refuseHeaders(id, http2.ErrCodeProtocol, "stream depends on itself")
	}

	if s, ok := sc.streams.get(id); ok {
		// trailers
		if s.state != stateOpen {
			return streamError(id, http2.ErrCodeStreamClosed, "HEADERS on closed stream")
		} else if !endStream {
			return streamError(id, http2.ErrCodeProtocol, "trailers without END_STREAM")
		}
		s.markEndStream()
		if s.tunnel != nil {
			s.tunnel.closeRead()
		}
		return nil
	}

	if id%2 == 0 || id <= sc.streams.lastClientID {
		return connError(http2.ErrCodeProtocol, "invalid client stream id %d", id)
	}
	if uint32(sc.streams.active()) >= sc.local.MaxConcurrentStreams {
		sc.streams.lastClientID = id
		return streamError(id, http2.ErrCodeRefusedStream, "max concurrent streams")
	}

	s := sc.streams.open(id)
	s.state = stateOpen
	req, err := buildRequest(id, fields)
	if err != nil {
		return streamError(id, http2.ErrCodeProtocol, err.Error())
	}
	s.req = req
	s.headersReceived = true
	if endStream {
		s.markEndStream()
	}
	return nil
}

// refuseHeaders rejects a decoded block with a stream error. A new stream id
// is still consumed so it cannot be reused.
func (sc *serverConn) refuseHeaders(id uint32, code http2.ErrCode, reason string) error {
	if _, ok := sc.streams.get(id); !ok {
		if id%2 == 0 || id <= sc.streams.lastClientID {
			return connError(http2.ErrCodeProtocol, "invalid client stream id %d", id)
		}
		sc.streams.lastClientID = id
	}
	return streamError(id, code, reason)
}

// buildRequest splits pseudo-headers from regular fields. Host is
// synthesized from :authority.
func buildRequest(id uint32, fields []hpack.HeaderField) (*httpmsg.Request, error) {
	req := &httpmsg.Request{Version: httpmsg.Version2, StreamID: id}
	var authority string
	var sawRegular bool
	seen := make(map[string]bool, 4)
	for _, f := range fields {
		if f.IsPseudo() {
			if sawRegular {
				return nil, fmt.Errorf("pseudo-header %s after regular header", f.Name)
			} else if seen[f.Name] {
				return nil, fmt.Errorf("duplicate pseudo-header %s", f.Name)
			}
			seen[f.Name] = true
			switch f.Name {
			case ":method":
				req.Method = f.Value
			case ":path":
				req.Path = f.Value
			case ":authority":
				authority = f.Value
			case ":scheme", ":protocol":
			default:
				return nil, fmt.Errorf("unknown pseudo-header %s", f.Name)
			}
			continue
		}

		sawRegular = true
		if !httpguts.ValidHeaderFieldName(f.Name) || strings.ToLower(f.Name) != f.Name {
			return nil, fmt.Errorf("invalid header name %q", f.Name)
		} else if !httpguts.ValidHeaderFieldValue(f.Value) {
			return nil, fmt.Errorf("invalid value for header %s", f.Name)
		}
		for _, h := range connectionHeaders {
			if f.Name == h {
				return nil, fmt.Errorf("connection-specific header %s", f.Name)
			}
		}
		req.Headers.Add(f.Name, f.Value)
	}

	if req.Method == "" || !httpguts.ValidHeaderFieldName(req.Method) {
		return nil, errors.New("missing or invalid :method")
	} else if req.Method != http.MethodConnect && req.Path == "" {
		return nil, errors.New("missing :path")
	}
	if authority != "" {
		req.Headers.Set("Host", authority)
	}
	req.Body = bytes.NewReader(nil)
	return req, nil
}

func (sc *serverConn) onSettings(fr *Frame) error {
	if fr.Has(http2.FlagSettingsAck) {
		if fr.Length != 0 {
			return connError(http2.ErrCodeFrameSize, "SETTINGS ACK with payload")
		}
		return nil
	} else if err := sc.applyRemoteSettings(fr.Payload); err != nil {
		return err
	}
	return sc.framer.WriteSettingsAck()
}

func (sc *serverConn) onPing(fr *Frame) error {
	if fr.Length != 8 {
		return connError(http2.ErrCodeFrameSize, "PING length %d", fr.Length)
	} else if fr.Has(http2.FlagPingAck) {
		return nil
	}
	var data [8]byte
	copy(data[:], fr.Payload)
	return sc.framer.WritePing(true, data)
}

func (sc *serverConn) onRSTStream(fr *Frame) error {
	if fr.Length != 4 {
		return connError(http2.ErrCodeFrameSize, "RST_STREAM length %d", fr.Length)
	}
	if s, ok := sc.streams.get(fr.StreamID); ok {
		s.state = stateClosed
		if s.tunnel != nil {
			s.tunnel.abort()
		}
		sc.streams.remove(fr.StreamID)
	}
	return nil
}

func (sc *serverConn) onGoAway(fr *Frame) error {
	if fr.Length < 8 {
		return connError(http2.ErrCodeFrameSize, "GOAWAY length %d", fr.Length)
	}
	last := binary.BigEndian.Uint32(fr.Payload) & streamIDMask
	code := http2.ErrCode(binary.BigEndian.Uint32(fr.Payload[4:]))
	log.Printf("h2: %s peer GOAWAY last_stream=%d code=%s debug=%q", sc.cc.ID, last, code, fr.Payload[8:])
	return nil
}

func (sc *serverConn) resetStream(se StreamError) error {
	if s, ok := sc.streams.get(se.StreamID); ok {
		s.state = stateClosed
		if s.tunnel != nil {
			s.tunnel.abort()
		}
		sc.streams.remove(se.StreamID)
	}
	if se.Code != http2.ErrCodeStreamClosed {
		log.Printf("h2: %s reset %v", sc.cc.ID, se)
	}
	return sc.framer.WriteRSTStream(se.StreamID, se.Code)
}

func (sc *serverConn) goAway(ce ConnectionError) {
	log.Printf("h2: %s %v", sc.cc.ID, ce)
	if err := sc.framer.WriteGoAway(sc.streams.lastClientID, ce.Code, []byte(ce.Reason)); err != nil {
		log.Printf("h2: %s failed to send GOAWAY: %v", sc.cc.ID, err)
	}
}

// pruneTunnels retires CONNECT streams whose relay has ended. A stream the
// client has not yet ended stays half-closed so trailing DATA is accepted.
func (sc *serverConn) pruneTunnels() {
	for _, s := range sc.streams.all() {
		if s.tunnel == nil || !s.tunnel.done() {
			continue
		} else if s.endStreamReceived {
			sc.streams.remove(s.id)
		} else {
			s.state = stateHalfClosedLocal
		}
	}
}

// dispatchReady runs the pipeline for every stream that has a complete request.
func (sc *serverConn) dispatchReady(ctx context.Context) error {
	sc.pruneTunnels()
	for _, s := range sc.streams.readyStreams() {
		if err := sc.respond(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (sc *serverConn) respond(ctx context.Context, s *stream) error {
	s.responseSent = true
	resp, decision := sc.invoke(ctx, s)
	if decision == pipeline.Block {
		return sc.resetStream(streamError(s.id, http2.ErrCodeRefusedStream, "blocked by policy"))
	}

	if resp.Tunnel != nil {
		if s.req.Method == http.MethodConnect && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return sc.openTunnel(ctx, s, resp)
		}
		_ = resp.Tunnel.Close()
	}

	var body []byte
	if !httpmsg.BodyForbidden(s.req.Method, resp.StatusCode) && resp.Body != nil {
		var err error
		if body, err = io.ReadAll(resp.Body); err != nil {
			log.Printf("h2: %s stream %d failed to read response body: %v", sc.cc.ID, s.id, err)
			return sc.resetStream(streamError(s.id, http2.ErrCodeInternal, "response body"))
		}
	}

	block := sc.enc.Encode(nil, sc.responseFields(resp, s.req.Method, len(body)))
	if err := sc.framer.WriteHeaders(s.id, false, block, sc.remote.MaxFrameSize); err != nil {
		return err
	}
	maxFrame := int(sc.remote.MaxFrameSize)
	for {
		chunk := body
		if len(chunk) > maxFrame {
			chunk = body[:maxFrame]
		}
		body = body[len(chunk):]
		if err := sc.framer.WriteData(s.id, len(body) == 0, chunk); err != nil {
			return err
		} else if len(body) == 0 {
			break
		}
	}

	s.state = stateClosed
	sc.streams.remove(s.id)
	return nil
}

// invoke runs the remaining stages for a stream, converting errors and
// panics into a 500 response.
func (sc *serverConn) invoke(ctx context.Context, s *stream) (resp *httpmsg.Response, decision pipeline.Decision) {
	cc := sc.cc
	s.req.Body = bytes.NewReader(s.body.Bytes())
	cc.BeginExchange(s.req)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("h2: %s stream %d handler panic: %v", cc.ID, s.id, r)
			resp, decision = internalError(), pipeline.Allow
		}
	}()

	err := sc.next(ctx, cc)
	if cc.Decision == pipeline.Block {
		return nil, pipeline.Block
	} else if err != nil {
		log.Printf("h2: %s stream %d handler error: %v", cc.ID, s.id, err)
		return internalError(), pipeline.Allow
	} else if cc.Response == nil {
		return internalError(), pipeline.Allow
	}
	return cc.Response, pipeline.Allow
}

func internalError() *httpmsg.Response {
	return httpmsg.NewResponse(http.StatusInternalServerError, "text/plain; charset=utf-8", []byte("internal server error\n"))
}

func (sc *serverConn) responseFields(resp *httpmsg.Response, method string, bodyLen int) []hpack.HeaderField {
	headers := append(httpmsg.Headers(nil), resp.Headers...)
	headers.RemoveHopByHop()
	headers.Remove("Content-Length")

	fields := make([]hpack.HeaderField, 0, len(headers)+4)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.StatusCode)})
	for _, h := range headers {
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(h.Name), Value: h.Value})
	}
	if resp.Tunnel == nil && resp.StatusCode >= 200 && resp.StatusCode != http.StatusNoContent {
		length := bodyLen
		if method == http.MethodHead {
			if n, ok := httpmsg.BodyLength(resp.Body); ok {
				length = int(n)
			}
		}
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(length)})
	}
	if !resp.Headers.Has("Server") && sc.cfg.ServerName != "" {
		fields = append(fields, hpack.HeaderField{Name: "server", Value: sc.cfg.ServerName})
	}
	return fields
}

// openTunnel answers a CONNECT stream and relays DATA frames to the upstream.
func (sc *serverConn) openTunnel(ctx context.Context, s *stream, resp *httpmsg.Response) error {
	block := sc.enc.Encode(nil, sc.responseFields(resp, s.req.Method, 0))
	if err := sc.framer.WriteHeaders(s.id, false, block, sc.remote.MaxFrameSize); err != nil {
		_ = resp.Tunnel.Close()
		return err
	}

	sconn := newStreamConn(s.id, sc.framer, sc.remote.MaxFrameSize)
	s.tunnel = sconn
	if s.endStreamReceived {
		sconn.closeRead()
	}

	sc.tunnels.Add(1)
	go func() {
		defer sc.tunnels.Done()
		if err := tunnel.Relay(ctx, sconn, resp.Tunnel); err != nil {
			log.Printf("h2: %s stream %d tunnel ended: %v", sc.cc.ID, s.id, err)
		}
	}()
	return nil
}

func (sc *serverConn) abortTunnels() {
	for _, s := range sc.streams.all() {
		if s.tunnel != nil {
			s.tunnel.abort()
		}
	}
}
