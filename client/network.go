package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"babiling/client/internal/adapt"
	"babiling/client/internal/config"
)

// Network loop constants. writeTickInterval matches the 20 ms voice frame
// cadence so a freshly encoded packet never waits long to go out; the
// round-trip backoff doubles from 1 s to 15 s the way a dial-round retry
// schedule does.
const (
	connBufSize       = 1024
	dialTimeout       = 5 * time.Second
	handshakeTimeout  = 5 * time.Second
	readTimeout       = 90 * time.Second
	writeTimeout      = 10 * time.Second
	readChunkSize     = 512
	writeTickInterval = 20 * time.Millisecond
	keepAliveIdle     = 60 * time.Second
	adaptInterval     = 5 * time.Second
	minRoundBackoff   = 1 * time.Second
	maxRoundBackoff   = 15 * time.Second
	maxHandshakeBytes = 4096

	rttAlpha       = 0.3
	jitterAlpha    = 0.3
	lossBumpAlpha  = 0.5
	lossDecayAlpha = 0.1
)

// ClientCallbacks lets the caller (typically the UI / main loop) react to
// server->client commands without Client depending on any presentation
// layer.
type ClientCallbacks struct {
	OnPlayerID       func(playerID uint64)
	OnNPlayers       func(n uint16)
	OnPlayerPosition func(slot uint16, pos PositionState)
	OnConsistent     func()
}

// Client drives one logical connection to the presence service: dialing
// down a round-robin address list with exponential backoff, the hand-rolled
// WebSocket handshake, the write schedule from fill_write_buf (hello,
// position, voice, keep-alive), and dispatch of inbound commands. Run blocks
// until ctx is cancelled, reconnecting for as long as that takes.
type Client struct {
	addrs    *AddrList
	recorder *Recorder
	playback *Playback
	logger   *log.Logger
	cb       ClientCallbacks

	mu                   sync.Mutex
	playerID             uint64
	hasPlayerID          bool
	helloSent            bool
	position             PositionState
	positionDirty        bool
	lastActivityWrite    time.Time
	lastWriteAt          time.Time
	lastFrameAt          time.Time
	smoothRTTMs          float64
	smoothJitterMs       float64
	smoothInterArrivalMs float64
	lossEstimate         float64
	maxPacketsPerFlush   int
	writeBuf             *capBuffer
	scratch              [maxFrameHeaderBytes + frameHeaderSize + MaxSpeechSize]byte
	wsScratch            [maxFrameHeaderBytes + frameHeaderSize + MaxSpeechSize]byte
}

// NewClient builds a Client from cfg's saved server list and identity.
func NewClient(cfg config.Config, recorder *Recorder, playback *Playback, logger *log.Logger, cb ClientCallbacks) (*Client, error) {
	raw := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		raw[i] = s.Addr
	}
	addrs, errs := NewAddrList(raw)
	for _, e := range errs {
		logger.Printf("[client] %v", e)
	}
	if addrs.Len() == 0 {
		return nil, errors.New("client: no usable server addresses configured")
	}
	return &Client{
		addrs:              addrs,
		recorder:           recorder,
		playback:           playback,
		logger:             logger,
		cb:                 cb,
		playerID:           cfg.SavedPlayerID,
		hasPlayerID:        cfg.SavedPlayerID != 0,
		maxPacketsPerFlush: adapt.DefaultJitterDepth,
		writeBuf:           newCapBuffer(connBufSize),
	}, nil
}

// SetPosition records the local player's position as dirty; it goes out on
// the next write tick.
func (c *Client) SetPosition(s PositionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = s
	c.positionDirty = true
}

// SavedIdentity returns the player id to persist to config, so a later
// process restart reconnects with RECONNECT instead of NEW_PLAYER.
func (c *Client) SavedIdentity() (playerID uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID, c.hasPlayerID
}

// Run dials the configured servers in round-robin order until ctx is
// cancelled, backing off (1-15 s, doubling) once per full pass over the
// address list that fails to yield even one live session.
func (c *Client) Run(ctx context.Context) error {
	backoff := minRoundBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr, ok := c.addrs.Current()
		if !ok {
			return errors.New("client: no server addresses configured")
		}

		connected, err := c.attempt(ctx, addr)
		if err != nil {
			c.logger.Printf("[client] %s: %v", addr, err)
		}

		wrapped := c.addrs.Advance()
		switch {
		case connected:
			backoff = minRoundBackoff
		case wrapped:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxRoundBackoff {
				backoff = maxRoundBackoff
			}
		}
	}
}

// attempt dials addr, performs the WebSocket handshake, and — on success —
// serves the session until it ends. connected reports whether the
// handshake completed, which is what resets the backoff regardless of how
// the session subsequently ended.
func (c *Client) attempt(ctx context.Context, addr string) (connected bool, err error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.bumpLoss()
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	key, err := newHandshakeKey()
	if err != nil {
		return false, err
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	if _, err := conn.Write(buildHandshakeRequest(addr, key)); err != nil {
		c.bumpLoss()
		return false, fmt.Errorf("handshake write: %w", err)
	}
	if _, err := readHandshakeResponse(conn); err != nil {
		c.bumpLoss()
		return false, fmt.Errorf("handshake read: %w", err)
	}

	c.logger.Printf("[client] connected to %s", addr)
	c.recorder.Reset()
	c.mu.Lock()
	c.helloSent = false
	c.lastActivityWrite = time.Now()
	c.mu.Unlock()

	return true, c.serve(ctx, conn)
}

func readHandshakeResponse(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, 512)
	tmp := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			return nil, err
		}
		buf = append(buf, tmp[:n]...)
		if end := findHandshakeEnd(buf); end >= 0 {
			return buf[:end], nil
		}
		if len(buf) > maxHandshakeBytes {
			return nil, errors.New("handshake response too large")
		}
	}
}

// serve runs one established session: a background reader goroutine feeds
// parsed frames back over frameCh, while this goroutine dispatches them and
// drives the write schedule off a ticker. It returns once the connection
// fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	frameCh := make(chan []byte, 32)
	readErrCh := make(chan error, 1)
	go readFrames(conn, frameCh, readErrCh)

	writeTicker := time.NewTicker(writeTickInterval)
	defer writeTicker.Stop()
	adaptTicker := time.NewTicker(adaptInterval)
	defer adaptTicker.Stop()

	if err := c.flush(conn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrCh:
			return err
		case payload, ok := <-frameCh:
			if !ok {
				continue
			}
			c.handleInbound(payload)
		case <-writeTicker.C:
			if err := c.flush(conn); err != nil {
				return err
			}
		case <-adaptTicker.C:
			c.adaptQuality()
		}
	}
}

// readFrames parses the server's unmasked WebSocket frames out of conn and
// forwards each payload (a complete command envelope) to frameCh. It exits
// and closes frameCh on the first read or frame error.
func readFrames(conn net.Conn, frameCh chan<- []byte, errCh chan<- error) {
	defer close(frameCh)
	readBuf := newCapBuffer(connBufSize)
	tmp := make([]byte, readChunkSize)
	maxPayload := connBufSize - maxFrameHeaderBytes

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(tmp)
		if err != nil {
			errCh <- err
			return
		}
		if !readBuf.tryAppend(tmp[:n]) {
			errCh <- errors.New("client: read buffer exceeded")
			return
		}
		for {
			payload, consumed, needMore, perr := parseFrame(readBuf.bytes(), maxPayload)
			if perr != nil {
				errCh <- perr
				return
			}
			if needMore {
				break
			}
			readBuf.consume(consumed)
			frameCh <- payload
		}
	}
}

// handleInbound decodes one command envelope and dispatches it, updating
// the rolling RTT/jitter estimates adaptQuality consumes.
func (c *Client) handleInbound(envelope []byte) {
	now := time.Now()
	c.mu.Lock()
	if !c.lastFrameAt.IsZero() {
		intervalMs := float64(now.Sub(c.lastFrameAt).Milliseconds())
		sample := intervalMs - c.smoothInterArrivalMs
		if sample < 0 {
			sample = -sample
		}
		c.smoothJitterMs = adapt.SmoothLoss(c.smoothJitterMs, sample, jitterAlpha)
		c.smoothInterArrivalMs = adapt.SmoothLoss(c.smoothInterArrivalMs, intervalMs, jitterAlpha)
	}
	c.lastFrameAt = now
	if !c.lastWriteAt.IsZero() {
		rttMs := float64(now.Sub(c.lastWriteAt).Milliseconds())
		c.smoothRTTMs = adapt.SmoothLoss(c.smoothRTTMs, rttMs, rttAlpha)
		c.lastWriteAt = time.Time{}
	}
	c.mu.Unlock()

	if len(envelope) < frameHeaderSize {
		return
	}
	id, ok := GetMessageID(envelope[:frameHeaderSize])
	if !ok {
		return
	}
	body := envelope[frameHeaderSize:]

	switch id {
	case cmdPlayerID:
		playerID, err := DecodePlayerID(body)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.playerID = playerID
		c.hasPlayerID = true
		c.mu.Unlock()
		if c.cb.OnPlayerID != nil {
			c.cb.OnPlayerID(playerID)
		}
	case cmdNPlayers:
		n, err := DecodeNPlayers(body)
		if err == nil && c.cb.OnNPlayers != nil {
			c.cb.OnNPlayers(n)
		}
	case cmdPlayerPosition:
		slot, s, err := DecodePlayerPosition(body)
		if err == nil && c.cb.OnPlayerPosition != nil {
			c.cb.OnPlayerPosition(slot, s)
		}
	case cmdConsistent:
		if c.cb.OnConsistent != nil {
			c.cb.OnConsistent()
		}
	case cmdSpeechRelay:
		slot, data, err := DecodeSpeechRelay(body)
		if err == nil && c.playback != nil {
			if perr := c.playback.AddPacket(slot, data); perr != nil {
				c.logger.Printf("[client] speech relay: %v", perr)
			}
		}
	default:
		// NEW_PLAYER, RECONNECT, UPDATE_POS, KEEP_ALIVE, SPEECH are
		// client->server only; the server never sends them back.
	}
}

// flush fills the write buffer per the write schedule and sends whatever
// fits. Anything left over is retried on the next tick.
func (c *Client) flush(conn net.Conn) error {
	c.mu.Lock()
	c.fillWriteBufLocked()
	pending := c.writeBuf.len()
	var buf []byte
	if pending > 0 {
		buf = append([]byte(nil), c.writeBuf.bytes()...)
	}
	c.mu.Unlock()
	if pending == 0 {
		return nil
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := conn.Write(buf)
	c.mu.Lock()
	c.writeBuf.consume(n)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if n > 0 {
		c.mu.Lock()
		c.lastWriteAt = time.Now()
		c.mu.Unlock()
	}
	return nil
}

// fillWriteBufLocked implements the write schedule: the hello (NEW_PLAYER
// or RECONNECT, whichever the saved identity calls for) goes first and only
// once; UPDATE_POSITION goes out next whenever the position is dirty; queued
// voice packets follow, up to maxPacketsPerFlush per tick; KEEP_ALIVE is sent only once the connection
// has otherwise been idle for keepAliveIdle. c.mu must be held.
func (c *Client) fillWriteBufLocked() {
	if !c.helloSent {
		var n int
		var err error
		if c.hasPlayerID {
			n, err = EncodeReconnect(c.scratch[:], c.playerID)
		} else {
			n, err = EncodeNewPlayer(c.scratch[:])
		}
		if err != nil || !c.appendOutLocked(c.scratch[:n]) {
			return
		}
		c.helloSent = true
		c.lastActivityWrite = time.Now()
	}

	if c.positionDirty {
		n, err := EncodeUpdatePosition(c.scratch[:], c.position)
		if err != nil {
			c.positionDirty = false
		} else if !c.appendOutLocked(c.scratch[:n]) {
			return
		} else {
			c.positionDirty = false
			c.lastActivityWrite = time.Now()
		}
	}

	sent := 0
	for sent < c.maxPacketsPerFlush {
		data, ok := c.recorder.GetPacket()
		if !ok {
			break
		}
		n, err := EncodeSpeech(c.scratch[:], data)
		if err != nil {
			continue
		}
		if !c.appendOutLocked(c.scratch[:n]) {
			break
		}
		sent++
		c.lastActivityWrite = time.Now()
	}

	if sent == 0 && !c.positionDirty && time.Since(c.lastActivityWrite) >= keepAliveIdle {
		n, err := EncodeKeepAlive(c.scratch[:])
		if err == nil && c.appendOutLocked(c.scratch[:n]) {
			c.lastActivityWrite = time.Now()
		}
	}
}

// appendOutLocked wraps one already-serialised command envelope in a masked
// WebSocket frame and appends it to the write buffer. c.mu must be held.
func (c *Client) appendOutLocked(cmd []byte) bool {
	n, err := encodeMaskedFrame(c.wsScratch[:], cmd)
	if err != nil {
		return false
	}
	return c.writeBuf.tryAppend(c.wsScratch[:n])
}

// bumpLoss records a failed connect/handshake attempt as evidence of a
// degraded link, nudging the loss estimate up; adaptQuality decays it back
// toward zero absent further failures.
func (c *Client) bumpLoss() {
	c.mu.Lock()
	c.lossEstimate = adapt.SmoothLoss(c.lossEstimate, 1.0, lossBumpAlpha)
	c.mu.Unlock()
}

// adaptQuality applies the observed jitter/loss estimates to the per-tick
// voice packet batch size, and decays the loss estimate toward zero absent
// fresh evidence of a failed round. The Opus encoder bitrate is fixed by
// protocol and is not part of this adaptation.
func (c *Client) adaptQuality() {
	c.mu.Lock()
	c.lossEstimate = adapt.SmoothLoss(c.lossEstimate, 0, lossDecayAlpha)
	rtt := c.smoothRTTMs
	jitter := c.smoothJitterMs
	loss := c.lossEstimate
	depth := adapt.TargetJitterDepth(jitter, loss)
	c.maxPacketsPerFlush = depth
	c.mu.Unlock()

	c.logger.Printf("[client] link rtt=%.0fms jitter=%.0fms loss=%.2f depth=%d", rtt, jitter, loss, depth)
}
