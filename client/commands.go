package main

import "fmt"

// Command payloads, typed one level above the generic codec. Each Encode*
// function produces a complete frame (header + payload); each Decode*
// function parses a payload that has already been sliced out of a frame by
// its declared length.

// PositionState groups the fields carried by UPDATE_POSITION / PLAYER_POSITION.
type PositionState struct {
	X         uint32
	Y         uint32
	Direction uint16
}

func EncodeNewPlayer(dst []byte) (int, error) {
	return WriteCommand(dst, cmdNewPlayer)
}

func EncodeReconnect(dst []byte, playerID uint64) (int, error) {
	return WriteCommand(dst, cmdReconnect, u64(playerID))
}

func DecodeReconnect(payload []byte) (playerID uint64, err error) {
	err = ReadPayload(payload, fu64(&playerID))
	return
}

func EncodeUpdatePosition(dst []byte, s PositionState) (int, error) {
	return WriteCommand(dst, cmdUpdatePosition, u32(s.X), u32(s.Y), u16(s.Direction))
}

func DecodeUpdatePosition(payload []byte) (s PositionState, err error) {
	err = ReadPayload(payload, fu32(&s.X), fu32(&s.Y), fu16(&s.Direction))
	return
}

func EncodeKeepAlive(dst []byte) (int, error) {
	return WriteCommand(dst, cmdKeepAlive)
}

func EncodeSpeech(dst []byte, payload []byte) (int, error) {
	if len(payload) > MaxSpeechSize {
		return 0, fmt.Errorf("codec: speech payload of %d bytes exceeds max %d", len(payload), MaxSpeechSize)
	}
	return WriteCommandRaw(dst, cmdSpeech, nil, payload)
}

func DecodeSpeech(payload []byte) ([]byte, error) {
	if len(payload) > MaxSpeechSize {
		return nil, fmt.Errorf("codec: speech payload of %d bytes exceeds max %d", len(payload), MaxSpeechSize)
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func EncodePlayerID(dst []byte, playerID uint64) (int, error) {
	return WriteCommand(dst, cmdPlayerID, u64(playerID))
}

func DecodePlayerID(payload []byte) (playerID uint64, err error) {
	err = ReadPayload(payload, fu64(&playerID))
	return
}

func EncodeNPlayers(dst []byte, n uint16) (int, error) {
	return WriteCommand(dst, cmdNPlayers, u16(n))
}

func DecodeNPlayers(payload []byte) (n uint16, err error) {
	err = ReadPayload(payload, fu16(&n))
	return
}

func EncodePlayerPosition(dst []byte, slot uint16, s PositionState) (int, error) {
	return WriteCommand(dst, cmdPlayerPosition, u16(slot), u32(s.X), u32(s.Y), u16(s.Direction))
}

func DecodePlayerPosition(payload []byte) (slot uint16, s PositionState, err error) {
	err = ReadPayload(payload, fu16(&slot), fu32(&s.X), fu32(&s.Y), fu16(&s.Direction))
	return
}

func EncodeConsistent(dst []byte) (int, error) {
	return WriteCommand(dst, cmdConsistent)
}

// EncodeSpeechRelay frames a server-to-peer voice relay: the sender's
// renumbered slot followed by the opaque Opus payload. The client only
// ever decodes this; it never constructs one.
func EncodeSpeechRelay(dst []byte, fromSlot uint16, payload []byte) (int, error) {
	if len(payload) > MaxSpeechSize {
		return 0, fmt.Errorf("codec: speech payload of %d bytes exceeds max %d", len(payload), MaxSpeechSize)
	}
	return WriteCommandRaw(dst, cmdSpeechRelay, []arg{u16(fromSlot)}, payload)
}

func DecodeSpeechRelay(payload []byte) (fromSlot uint16, data []byte, err error) {
	if len(payload) < 2 {
		return 0, nil, ErrTruncated
	}
	if err = ReadPayload(payload[:2], fu16(&fromSlot)); err != nil {
		return 0, nil, err
	}
	data = make([]byte, len(payload)-2)
	copy(data, payload[2:])
	return fromSlot, data, nil
}
