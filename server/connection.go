package main

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-connection limits, mirroring the "connection" data model:
// a bounded read/write buffer pair, nothing unbounded ever queued.
const (
	connBufSize   = 1024
	readTimeout   = 90 * time.Second
	writeTimeout  = 10 * time.Second
	readChunkSize = 512
)

var errDisconnect = errors.New("connection: protocol error, closing")

// Connection is one peer's state machine: read frames, dispatch commands,
// maintain a per-player dirty vector, and schedule writes in the
// PLAYER_ID -> N_PLAYERS -> PLAYER_POSITION* -> CONSISTENT order from
// §4.4. It upgrades to WebSocket framing the first time it sees an
// HTTP "GET" instead of the native binary stream (§4.2).
type Connection struct {
	conn       net.Conn
	remoteAddr string
	registry   *Registry
	limiter    *rate.Limiter // nil disables per-connection rate limiting
	logger     *log.Logger

	readBuf  *capBuffer
	writeBuf *capBuffer
	scratch  [connBufSize]byte
	framed   [maxFrameHeaderBytes + frameHeaderSize + MaxSpeechSize]byte

	wsMode             bool
	upgradeInProgress  bool
	upgradeModeChecked bool

	mu             sync.Mutex
	player         *Player
	ownSlot        int // -1 until bound
	sentPlayerID   bool
	consistentSent bool
	lastSentCount  int
	dirty          []byte
	dirtyBits      *bitset

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps an accepted socket. limiter may be nil to disable
// inbound command rate limiting (tests, trusted bots).
func NewConnection(conn net.Conn, registry *Registry, limiter *rate.Limiter, logger *log.Logger) *Connection {
	return &Connection{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		registry:   registry,
		limiter:    limiter,
		logger:     logger,
		readBuf:    newCapBuffer(connBufSize),
		writeBuf:   newCapBuffer(connBufSize),
		ownSlot:    -1,
		dirtyBits:  newBitset(0),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

// Serve runs the connection to completion, blocking until the socket closes
// or a protocol error occurs. Call it from its own goroutine.
func (c *Connection) Serve() {
	go c.writeLoop()
	c.readLoop()
	c.cleanup()
}

func (c *Connection) cleanup() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.registry.Unsubscribe(c)
	c.mu.Lock()
	p := c.player
	c.player = nil
	c.mu.Unlock()
	if p != nil {
		p.Unref()
	}
	c.conn.Close()
}

func (c *Connection) pokeWrite() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) readLoop() {
	var tmp [readChunkSize]byte
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := c.conn.Read(tmp[:])
		if err != nil {
			return
		}
		if err := c.handleInbound(tmp[:n]); err != nil {
			c.logger.Printf("[conn %s] %v", c.remoteAddr, err)
			return
		}
	}
}

// handleInbound buffers newly read bytes and drains as many complete
// frames as are available, dispatching each.
func (c *Connection) handleInbound(data []byte) error {
	if !c.readBuf.tryAppend(data) {
		return errors.New("read buffer exceeded, dropping connection")
	}

	if !c.upgradeModeChecked {
		if c.readBuf.len() < 3 {
			return nil // need more bytes to rule GET in or out
		}
		if isHTTPUpgradeStart(c.readBuf.bytes()) {
			c.upgradeInProgress = true
		}
		c.upgradeModeChecked = true
	}

	if c.upgradeInProgress {
		return c.tryCompleteHandshake()
	}
	if c.wsMode {
		return c.drainWSFrames()
	}
	return c.drainRawFrames()
}

func (c *Connection) tryCompleteHandshake() error {
	end := findHandshakeEnd(c.readBuf.bytes())
	if end < 0 {
		if c.readBuf.free() == 0 {
			return errors.New("handshake request too large")
		}
		return nil
	}
	req := c.readBuf.bytes()[:end]
	acceptKey, err := parseHandshakeRequest(req)
	if err != nil {
		return err
	}
	resp := buildHandshakeResponse(acceptKey)
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(resp); err != nil {
		return err
	}
	c.readBuf.consume(end)
	c.upgradeInProgress = false
	c.wsMode = true
	return c.drainWSFrames()
}

func (c *Connection) drainWSFrames() error {
	maxPayload := connBufSize - maxFrameHeaderBytes
	for {
		payload, consumed, needMore, err := parseFrame(c.readBuf.bytes(), maxPayload)
		if err != nil {
			return err
		}
		if needMore {
			return nil
		}
		c.readBuf.consume(consumed)
		if err := c.dispatch(payload); err != nil {
			return err
		}
	}
}

func (c *Connection) drainRawFrames() error {
	maxPayload := connBufSize - frameHeaderSize
	for {
		buf := c.readBuf.bytes()
		if len(buf) < frameHeaderSize {
			return nil
		}
		if !CheckMagic(buf) {
			return errDisconnect
		}
		plen, err := GetPayloadLength(buf)
		if err != nil {
			return err
		}
		if int(plen) > maxPayload {
			return errFrameTooLarge
		}
		total := frameHeaderSize + int(plen)
		if len(buf) < total {
			return nil
		}
		full := buf[:total]
		c.readBuf.consume(total)
		if err := c.dispatch(full); err != nil {
			return err
		}
	}
}

// dispatch handles one complete command envelope (header + payload),
// whether it arrived as a raw-stream frame or a WebSocket frame payload
// (§6: the frame wrapped in WebSocket tunnelling is the full envelope).
// Unknown command ids are ignored rather than treated as errors, matching
// a forward-compatibility stance: unknown or out-of-place commands are
// dropped without closing the connection.
func (c *Connection) dispatch(envelope []byte) error {
	if len(envelope) < frameHeaderSize {
		return errDisconnect
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return errors.New("inbound command rate exceeded")
	}
	id, ok := GetMessageID(envelope[:frameHeaderSize])
	if !ok {
		return nil
	}
	payload := envelope[frameHeaderSize:]

	switch id {
	case cmdNewPlayer:
		c.handleNewPlayer()
	case cmdReconnect:
		c.handleReconnect(payload)
	case cmdUpdatePosition:
		c.handleUpdatePosition(payload)
	case cmdKeepAlive:
		if p := c.boundPlayer(); p != nil {
			p.Touch()
		}
	case cmdSpeech:
		c.handleSpeech(payload)
	default:
		// PLAYER_ID, N_PLAYERS, PLAYER_POSITION, CONSISTENT, SPEECH_RLY
		// are server->client only; a client sending one is ignored.
	}
	return nil
}

func (c *Connection) boundPlayer() *Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player
}

func (c *Connection) handleNewPlayer() {
	if c.boundPlayer() != nil {
		return
	}
	id, err := randomPlayerID()
	if err != nil {
		return
	}
	p := c.registry.AddPlayer(id)
	c.bindPlayer(p)
}

func (c *Connection) handleReconnect(payload []byte) {
	if c.boundPlayer() != nil {
		return
	}
	id, err := DecodeReconnect(payload)
	if err != nil {
		return
	}
	p, ok := c.registry.GetByID(id)
	if !ok {
		// Unknown id (expired by sweep, or never issued): treat like a
		// fresh join rather than rejecting the connection outright.
		var genErr error
		id, genErr = randomPlayerID()
		if genErr != nil {
			return
		}
		p = c.registry.AddPlayer(id)
	}
	c.bindPlayer(p)
}

func (c *Connection) bindPlayer(p *Player) {
	c.mu.Lock()
	if c.player != nil {
		c.mu.Unlock()
		return
	}
	c.player = p
	c.ownSlot = p.Num
	c.mu.Unlock()

	p.Ref()
	p.Touch()
	c.registry.Subscribe(c)
	c.pokeWrite()
}

func (c *Connection) handleUpdatePosition(payload []byte) {
	p := c.boundPlayer()
	if p == nil {
		return
	}
	s, err := DecodeUpdatePosition(payload)
	if err != nil {
		return
	}
	c.registry.UpdatePosition(p, s, c)
}

func (c *Connection) handleSpeech(payload []byte) {
	p := c.boundPlayer()
	if p == nil {
		return
	}
	data, err := DecodeSpeech(payload)
	if err != nil {
		return
	}
	p.Touch()
	c.registry.BroadcastSpeech(p.Num, data, c)
}

// relaySpeech implements speechRelay: it is called from whichever
// connection's goroutine originated the voice packet, so it must not touch
// shared state outside its own mu.
func (c *Connection) relaySpeech(fromNum int, data []byte) {
	c.mu.Lock()
	slot, ok := renumberSlot(fromNum, c.ownSlot)
	if !ok {
		c.mu.Unlock()
		return
	}
	n, err := EncodeSpeechRelay(c.scratch[:], slot, data)
	if err != nil {
		c.mu.Unlock()
		return
	}
	c.appendOutLocked(c.scratch[:n])
	c.mu.Unlock()
	c.pokeWrite()
}

// markDirty implements dirtyListener. It runs on whichever goroutine
// triggered the state change, concurrently with this connection's own
// writeLoop, hence the lock.
func (c *Connection) markDirty(num int, mask byte) {
	c.mu.Lock()
	c.growDirtyLocked(num + 1)
	c.dirty[num] |= mask
	c.dirtyBits.set(num)
	c.consistentSent = false
	c.mu.Unlock()
	c.pokeWrite()
}

func (c *Connection) growDirtyLocked(n int) {
	if len(c.dirty) < n {
		grown := make([]byte, n)
		copy(grown, c.dirty)
		c.dirty = grown
	}
	c.dirtyBits.grow(n)
}

// renumberSlot maps an absolute registry slot to the slot number a
// connection bound to ownSlot should see on the wire: its own slot is never
// sent (ok=false), and every slot above it shifts down by one (§3, §4.4).
func renumberSlot(num, ownSlot int) (slot uint16, ok bool) {
	if ownSlot >= 0 && num == ownSlot {
		return 0, false
	}
	if ownSlot >= 0 && num > ownSlot {
		num--
	}
	return uint16(num), true
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		if err := c.flush(); err != nil {
			c.logger.Printf("[conn %s] write: %v", c.remoteAddr, err)
			c.closeOnce.Do(func() { close(c.closed) })
			c.conn.Close()
			return
		}
	}
}

func (c *Connection) flush() error {
	c.mu.Lock()
	c.fillWriteBufLocked()
	pending := c.writeBuf.len()
	c.mu.Unlock()
	if pending == 0 {
		return nil
	}

	c.mu.Lock()
	buf := append([]byte(nil), c.writeBuf.bytes()...)
	c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := c.conn.Write(buf)
	c.mu.Lock()
	c.writeBuf.consume(n)
	remaining := c.writeBuf.len()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if remaining > 0 {
		c.pokeWrite()
	}
	return nil
}

// fillWriteBufLocked implements the §4.4 write schedule: PLAYER_ID
// once, then N_PLAYERS whenever the roster count has moved, then one
// PLAYER_POSITION per dirty, non-self slot (renumbered), then CONSISTENT.
// Any step that does not fit in the remaining buffer stops the whole
// sequence; whatever didn't fit is retried on the connection's next wake.
// c.mu must be held.
func (c *Connection) fillWriteBufLocked() {
	if c.player != nil && !c.sentPlayerID {
		n, err := EncodePlayerID(c.scratch[:], c.player.ID)
		if err != nil || !c.appendOutLocked(c.scratch[:n]) {
			return
		}
		c.sentPlayerID = true
	}

	if c.consistentSent {
		return
	}

	count := c.registry.Count()
	if count != c.lastSentCount {
		n := count
		if c.player != nil {
			n--
		}
		if n < 0 {
			n = 0
		}
		written, err := EncodeNPlayers(c.scratch[:], uint16(n))
		if err != nil || !c.appendOutLocked(c.scratch[:written]) {
			return
		}
		c.lastSentCount = count
	}

	c.growDirtyLocked(count)
	c.dirtyBits.truncate(count)

	stopped := false
	c.dirtyBits.forEach(func(slot int) {
		if stopped || slot >= len(c.dirty) {
			return
		}
		if c.player != nil && slot == c.ownSlot {
			c.dirty[slot] = 0
			c.dirtyBits.clear(slot)
			return
		}
		p, ok := c.registry.GetByNum(slot)
		if !ok {
			c.dirty[slot] = 0
			c.dirtyBits.clear(slot)
			return
		}
		renum, ok := renumberSlot(slot, c.ownSlot)
		if !ok {
			c.dirty[slot] = 0
			c.dirtyBits.clear(slot)
			return
		}
		n, err := EncodePlayerPosition(c.scratch[:], renum, p.Position())
		if err != nil || !c.appendOutLocked(c.scratch[:n]) {
			stopped = true
			return
		}
		c.dirty[slot] = 0
		c.dirtyBits.clear(slot)
	})
	if stopped {
		return
	}

	n, err := EncodeConsistent(c.scratch[:])
	if err != nil || !c.appendOutLocked(c.scratch[:n]) {
		return
	}
	c.consistentSent = true
}

// appendOutLocked appends one already-serialised command envelope to the
// write buffer, wrapping it in a WebSocket frame first if the connection
// upgraded. c.mu must be held.
func (c *Connection) appendOutLocked(cmd []byte) bool {
	if !c.wsMode {
		return c.writeBuf.tryAppend(cmd)
	}
	n, err := encodeFrame(c.framed[:], cmd)
	if err != nil {
		return false
	}
	return c.writeBuf.tryAppend(c.framed[:n])
}

func randomPlayerID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
