package main

import (
	"io"
	"log"
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// readEnvelope reads one complete command frame off r: the fixed header,
// then its declared payload.
func readEnvelope(t *testing.T, r io.Reader) []byte {
	t.Helper()
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	plen, err := GetPayloadLength(header)
	if err != nil {
		t.Fatalf("GetPayloadLength: %v", err)
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return append(header, payload...)
}

func expectCommand(t *testing.T, r io.Reader, want commandID) []byte {
	t.Helper()
	env := readEnvelope(t, r)
	id, ok := GetMessageID(env[:frameHeaderSize])
	if !ok || id != want {
		t.Fatalf("expected command %v, got %v (ok=%v)", commandNames[want], commandNames[id], ok)
	}
	return env[frameHeaderSize:]
}

func newTestConnection(t *testing.T, registry *Registry) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := NewConnection(server, registry, nil, discardLogger())
	go c.Serve()
	t.Cleanup(func() { client.Close() })
	return c, client
}

func TestHandshakeAssignsPlayerAndSendsConsistent(t *testing.T) {
	registry := NewRegistry()
	_, client := newTestConnection(t, registry)

	buf := make([]byte, connBufSize)
	n, err := EncodeNewPlayer(buf)
	if err != nil {
		t.Fatalf("EncodeNewPlayer: %v", err)
	}
	if _, err := client.Write(buf[:n]); err != nil {
		t.Fatalf("write NEW_PLAYER: %v", err)
	}

	expectCommand(t, client, cmdPlayerID)
	payload := expectCommand(t, client, cmdNPlayers)
	count, err := DecodeNPlayers(payload)
	if err != nil || count != 0 {
		t.Fatalf("expected N_PLAYERS(0) excluding self, got %d err=%v", count, err)
	}
	expectCommand(t, client, cmdConsistent)
}

func TestTwoPlayersSeeEachOthersPosition(t *testing.T) {
	registry := NewRegistry()
	_, clientA := newTestConnection(t, registry)
	_, clientB := newTestConnection(t, registry)

	buf := make([]byte, connBufSize)
	n, _ := EncodeNewPlayer(buf)
	clientA.Write(buf[:n])
	expectCommand(t, clientA, cmdPlayerID)
	expectCommand(t, clientA, cmdNPlayers)
	expectCommand(t, clientA, cmdConsistent)

	n, _ = EncodeNewPlayer(buf)
	clientB.Write(buf[:n])
	expectCommand(t, clientB, cmdPlayerID)
	expectCommand(t, clientB, cmdNPlayers) // B has no dirty peers yet (fresh subscription)
	expectCommand(t, clientB, cmdConsistent)
	// A is notified of B's join (count change) and gets a refreshed
	// N_PLAYERS plus B's (dirty, default) position before CONSISTENT again.
	aPayload := expectCommand(t, clientA, cmdNPlayers)
	if n, err := DecodeNPlayers(aPayload); err != nil || n != 1 {
		t.Fatalf("expected A to learn of 1 other player, got %d err=%v", n, err)
	}
	expectCommand(t, clientA, cmdPlayerPosition)
	expectCommand(t, clientA, cmdConsistent)

	// B moves; A should see a PLAYER_POSITION for B's renumbered slot.
	n, _ = EncodeUpdatePosition(buf, PositionState{X: 10, Y: 20, Direction: 1})
	clientB.Write(buf[:n])

	payload := expectCommand(t, clientA, cmdPlayerPosition)
	slot, s, err := DecodePlayerPosition(payload)
	if err != nil {
		t.Fatalf("DecodePlayerPosition: %v", err)
	}
	if slot != 0 {
		t.Fatalf("expected B renumbered to slot 0 from A's view, got %d", slot)
	}
	if s.X != 10 || s.Y != 20 || s.Direction != 1 {
		t.Fatalf("unexpected position %+v", s)
	}
	expectCommand(t, clientA, cmdConsistent)

	// B must never be told about its own move.
	clientB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	junk := make([]byte, 1)
	if _, err := clientB.Read(junk); err == nil {
		t.Fatal("expected no further traffic to B after its own update")
	}
}

func TestReconnectRebindsKnownPlayer(t *testing.T) {
	registry := NewRegistry()
	p := registry.AddPlayer(0xdeadbeef)

	_, client := newTestConnection(t, registry)
	buf := make([]byte, connBufSize)
	n, _ := EncodeReconnect(buf, p.ID)
	client.Write(buf[:n])

	payload := expectCommand(t, client, cmdPlayerID)
	id, err := DecodePlayerID(payload)
	if err != nil || id != p.ID {
		t.Fatalf("expected reconnect to rebind id %d, got %d err=%v", p.ID, id, err)
	}
}

func TestWebSocketHandshakeAndFrame(t *testing.T) {
	registry := NewRegistry()
	_, client := newTestConnection(t, registry)

	req := "GET /ws HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	resp := make([]byte, 256)
	n, err := client.Read(resp)
	if err != nil {
		t.Fatalf("read handshake response: %v", err)
	}
	body := string(resp[:n])
	if !containsAcceptKey(body, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
		t.Fatalf("response missing expected accept key: %q", body)
	}

	// Send NEW_PLAYER wrapped in a WS binary frame and expect a WS-framed
	// PLAYER_ID back.
	var cmdBuf [64]byte
	cn, _ := EncodeNewPlayer(cmdBuf[:])
	var frame [80]byte
	fn, err := encodeFrame(frame[:], cmdBuf[:cn])
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if _, err := client.Write(frame[:fn]); err != nil {
		t.Fatalf("write ws frame: %v", err)
	}

	header := make([]byte, 2)
	if _, err := io.ReadFull(client, header); err != nil {
		t.Fatalf("read ws frame header: %v", err)
	}
	if header[0] != 0x82 {
		t.Fatalf("expected binary frame opcode, got %x", header[0])
	}
	plen := int(header[1])
	payload := make([]byte, plen)
	if _, err := io.ReadFull(client, payload); err != nil {
		t.Fatalf("read ws frame payload: %v", err)
	}
	id, ok := GetMessageID(payload[:frameHeaderSize])
	if !ok || id != cmdPlayerID {
		t.Fatalf("expected PLAYER_ID inside ws frame, got %v", commandNames[id])
	}
}

func containsAcceptKey(resp, key string) bool {
	return len(resp) > 0 && indexOf(resp, key) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// TestRelaySpeechBroadcastsToOthersNotOrigin exercises BroadcastSpeech and
// relaySpeech end to end: a SPEECH frame from one connection must reach
// every other ready connection as SPEECH_RLY with the origin's slot
// renumbered to the recipient's own view, and must never echo back to the
// sender.
func TestRelaySpeechBroadcastsToOthersNotOrigin(t *testing.T) {
	registry := NewRegistry()
	_, clientA := newTestConnection(t, registry)
	_, clientB := newTestConnection(t, registry)
	_, clientC := newTestConnection(t, registry)

	join := func(c net.Conn) {
		buf := make([]byte, connBufSize)
		n, err := EncodeNewPlayer(buf)
		if err != nil {
			t.Fatalf("EncodeNewPlayer: %v", err)
		}
		if _, err := c.Write(buf[:n]); err != nil {
			t.Fatalf("write NEW_PLAYER: %v", err)
		}
	}

	join(clientA)
	expectCommand(t, clientA, cmdPlayerID)
	expectCommand(t, clientA, cmdNPlayers)
	expectCommand(t, clientA, cmdConsistent)

	join(clientB)
	expectCommand(t, clientB, cmdPlayerID)
	expectCommand(t, clientB, cmdNPlayers)
	expectCommand(t, clientB, cmdConsistent)
	expectCommand(t, clientA, cmdNPlayers) // A learns of B
	expectCommand(t, clientA, cmdPlayerPosition)
	expectCommand(t, clientA, cmdConsistent)

	join(clientC)
	expectCommand(t, clientC, cmdPlayerID)
	expectCommand(t, clientC, cmdNPlayers)
	expectCommand(t, clientC, cmdConsistent)
	expectCommand(t, clientA, cmdNPlayers) // A and B learn of C
	expectCommand(t, clientA, cmdPlayerPosition)
	expectCommand(t, clientA, cmdConsistent)
	expectCommand(t, clientB, cmdNPlayers)
	expectCommand(t, clientB, cmdPlayerPosition)
	expectCommand(t, clientB, cmdConsistent)

	buf := make([]byte, connBufSize)
	n, err := EncodeSpeech(buf, []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeSpeech: %v", err)
	}
	if _, err := clientA.Write(buf[:n]); err != nil {
		t.Fatalf("write SPEECH: %v", err)
	}

	bPayload := expectCommand(t, clientB, cmdSpeechRelay)
	fromSlot, data, err := DecodeSpeechRelay(bPayload)
	if err != nil || fromSlot != 0 || string(data) != "hello" {
		t.Fatalf("B got fromSlot=%d data=%q err=%v", fromSlot, data, err)
	}

	cPayload := expectCommand(t, clientC, cmdSpeechRelay)
	fromSlot, data, err = DecodeSpeechRelay(cPayload)
	if err != nil || fromSlot != 0 || string(data) != "hello" {
		t.Fatalf("C got fromSlot=%d data=%q err=%v", fromSlot, data, err)
	}

	clientA.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	junk := make([]byte, 1)
	if _, err := clientA.Read(junk); err == nil {
		t.Fatal("expected no speech echoed back to the origin")
	}
}

// TestRateLimiterClosesConnectionOnFlood exercises the
// golang.org/x/time/rate limiter NewConnection is handed: once a
// connection exhausts its burst it must be dropped rather than left open
// to keep flooding the dispatch loop.
func TestRateLimiterClosesConnectionOnFlood(t *testing.T) {
	registry := NewRegistry()
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	server, client := net.Pipe()
	c := NewConnection(server, registry, limiter, discardLogger())
	go c.Serve()
	t.Cleanup(func() { client.Close() })

	buf := make([]byte, connBufSize)
	n, err := EncodeNewPlayer(buf)
	if err != nil {
		t.Fatalf("EncodeNewPlayer: %v", err)
	}
	if _, err := client.Write(buf[:n]); err != nil {
		t.Fatalf("write NEW_PLAYER: %v", err)
	}
	expectCommand(t, client, cmdPlayerID)
	expectCommand(t, client, cmdNPlayers)
	expectCommand(t, client, cmdConsistent)

	n, err = EncodeKeepAlive(buf)
	if err != nil {
		t.Fatalf("EncodeKeepAlive: %v", err)
	}
	if _, err := client.Write(buf[:n]); err != nil {
		t.Fatalf("write KEEP_ALIVE: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	junk := make([]byte, 1)
	if _, err := client.Read(junk); err == nil {
		t.Fatal("expected the connection to close once the rate limiter's burst was exhausted")
	}
}
