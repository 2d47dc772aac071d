package main

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire codec for the presence protocol. All integers are big-endian. Every
// application command is framed as:
//
//	4-byte magic | 12-byte zero-padded ASCII command name | 4-byte payload
//	length (big-endian) | payload
//
// Variable-length integers use the compact encoding: a single byte below
// 0xfd is itself; 0xfd introduces a 16-bit value, 0xfe a 32-bit value, 0xff
// a 64-bit value. Variable-length strings are a var_int length followed by
// raw bytes.

var frameMagic = [4]byte{'F', 'V', 'P', '1'}

const (
	cmdNameSize     = 12
	frameHeaderSize = len(frameMagic) + cmdNameSize + 4
	maxFrameHeader  = 14 // largest WebSocket frame header the framer reserves for

	// MaxSpeechSize bounds an opaque SPEECH payload.
	MaxSpeechSize = 255
)

// ErrShortBuffer is returned by WriteCommand when dst cannot hold the frame.
// The destination buffer is left unchanged on this error.
var ErrShortBuffer = errors.New("codec: destination buffer too small")

// ErrTruncated is returned by ReadPayload/GetPayloadLength when the input
// runs out of bytes before all fields have been read.
var ErrTruncated = errors.New("codec: payload truncated")

// ErrVarIntLength is returned when a var_int's declared length byte (0xfd,
// 0xfe, 0xff) does not have enough trailing bytes available.
var ErrVarIntLength = errors.New("codec: truncated var_int")

// commandID identifies an application command independent of its wire name.
type commandID byte

const (
	cmdNewPlayer commandID = iota + 1
	cmdReconnect
	cmdUpdatePosition
	cmdKeepAlive
	cmdSpeech
	cmdPlayerID
	cmdNPlayers
	cmdPlayerPosition
	cmdConsistent
	cmdSpeechRelay
)

// commandNames maps each command to its 12-byte, zero-padded wire name.
// Lookups in both directions go through this single table so the name and
// the id can never drift apart.
var commandNames = map[commandID]string{
	cmdNewPlayer:      "NEW_PLAYER",
	cmdReconnect:      "RECONNECT",
	cmdUpdatePosition: "UPDATE_POS",
	cmdKeepAlive:      "KEEP_ALIVE",
	cmdSpeech:         "SPEECH",
	cmdPlayerID:       "PLAYER_ID",
	cmdNPlayers:       "N_PLAYERS",
	cmdPlayerPosition: "PLAYER_POS",
	cmdConsistent:     "CONSISTENT",
	cmdSpeechRelay:    "SPEECH_RLY",
}

var namesToCommand = func() map[string]commandID {
	m := make(map[string]commandID, len(commandNames))
	for id, name := range commandNames {
		m[name] = id
	}
	return m
}()

func nameBytes(id commandID) ([cmdNameSize]byte, error) {
	var out [cmdNameSize]byte
	name, ok := commandNames[id]
	if !ok {
		return out, fmt.Errorf("codec: unknown command id %d", id)
	}
	if len(name) > cmdNameSize {
		return out, fmt.Errorf("codec: command name %q exceeds %d bytes", name, cmdNameSize)
	}
	copy(out[:], name)
	return out, nil
}

// argType tags the wire representation of one command argument.
type argType int

const (
	typeUint8 argType = iota
	typeUint16
	typeUint32
	typeUint64
	typeBool
	typeVarInt
	typeTimestamp
	typeVarStr
	typeVarIntList
)

// arg is one value to be written by WriteCommand.
type arg struct {
	typ   argType
	u8    uint8
	u16   uint16
	u32   uint32
	u64   uint64
	b     bool
	str   string
	list  []uint64
}

func u8(v uint8) arg               { return arg{typ: typeUint8, u8: v} }
func u16(v uint16) arg             { return arg{typ: typeUint16, u16: v} }
func u32(v uint32) arg             { return arg{typ: typeUint32, u32: v} }
func u64(v uint64) arg             { return arg{typ: typeUint64, u64: v} }
func boolArg(v bool) arg           { return arg{typ: typeBool, b: v} }
func varInt(v uint64) arg          { return arg{typ: typeVarInt, u64: v} }
func timestamp(v int64) arg        { return arg{typ: typeTimestamp, u64: uint64(v)} }
func varStr(v string) arg          { return arg{typ: typeVarStr, str: v} }
func varIntList(v []uint64) arg    { return arg{typ: typeVarIntList, list: v} }

// encodedSize reports how many bytes a is encoded as, without writing it.
func encodedSize(a arg) int {
	switch a.typ {
	case typeUint8, typeBool:
		return 1
	case typeUint16:
		return 2
	case typeUint32:
		return 4
	case typeUint64, typeTimestamp:
		return 8
	case typeVarInt:
		return varIntSize(a.u64)
	case typeVarStr:
		return varIntSize(uint64(len(a.str))) + len(a.str)
	case typeVarIntList:
		n := varIntSize(uint64(len(a.list)))
		for _, v := range a.list {
			n += varIntSize(v)
		}
		return n
	default:
		return 0
	}
}

func varIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

func putVarInt(dst []byte, v uint64) int {
	switch {
	case v < 0xfd:
		dst[0] = byte(v)
		return 1
	case v <= 0xffff:
		dst[0] = 0xfd
		binary.BigEndian.PutUint16(dst[1:], uint16(v))
		return 3
	case v <= 0xffffffff:
		dst[0] = 0xfe
		binary.BigEndian.PutUint32(dst[1:], uint32(v))
		return 5
	default:
		dst[0] = 0xff
		binary.BigEndian.PutUint64(dst[1:], v)
		return 9
	}
}

// getVarInt decodes a var_int from the front of src, returning the value
// and the number of bytes consumed.
func getVarInt(src []byte) (uint64, int, error) {
	if len(src) < 1 {
		return 0, 0, ErrTruncated
	}
	switch b := src[0]; {
	case b < 0xfd:
		return uint64(b), 1, nil
	case b == 0xfd:
		if len(src) < 3 {
			return 0, 0, ErrVarIntLength
		}
		return uint64(binary.BigEndian.Uint16(src[1:3])), 3, nil
	case b == 0xfe:
		if len(src) < 5 {
			return 0, 0, ErrVarIntLength
		}
		return uint64(binary.BigEndian.Uint32(src[1:5])), 5, nil
	default: // 0xff
		if len(src) < 9 {
			return 0, 0, ErrVarIntLength
		}
		return binary.BigEndian.Uint64(src[1:9]), 9, nil
	}
}

func putArg(dst []byte, a arg) int {
	switch a.typ {
	case typeUint8:
		dst[0] = a.u8
		return 1
	case typeBool:
		if a.b {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
		return 1
	case typeUint16:
		binary.BigEndian.PutUint16(dst, a.u16)
		return 2
	case typeUint32:
		binary.BigEndian.PutUint32(dst, a.u32)
		return 4
	case typeUint64, typeTimestamp:
		binary.BigEndian.PutUint64(dst, a.u64)
		return 8
	case typeVarInt:
		return putVarInt(dst, a.u64)
	case typeVarStr:
		n := putVarInt(dst, uint64(len(a.str)))
		copy(dst[n:], a.str)
		return n + len(a.str)
	case typeVarIntList:
		n := putVarInt(dst, uint64(len(a.list)))
		for _, v := range a.list {
			n += putVarInt(dst[n:], v)
		}
		return n
	}
	return 0
}

// payloadSize returns the total encoded length of args.
func payloadSize(args []arg) int {
	n := 0
	for _, a := range args {
		n += encodedSize(a)
	}
	return n
}

// WriteCommand serialises id and its arguments as a complete frame into
// dst, returning the number of bytes produced. dst is left unchanged if the
// frame does not fit; no partial frame is ever written.
func WriteCommand(dst []byte, id commandID, args ...arg) (int, error) {
	name, err := nameBytes(id)
	if err != nil {
		return 0, err
	}
	plen := payloadSize(args)
	total := frameHeaderSize + plen
	if len(dst) < total {
		return 0, ErrShortBuffer
	}

	off := 0
	off += copy(dst[off:], frameMagic[:])
	off += copy(dst[off:], name[:])
	binary.BigEndian.PutUint32(dst[off:], uint32(plen))
	off += 4
	for _, a := range args {
		off += putArg(dst[off:], a)
	}
	return off, nil
}

// WriteCommandRaw is WriteCommand plus an opaque trailing byte slice, used
// by commands whose payload is partly typed fields and partly an opaque
// blob (SPEECH, SPEECH_RLY) that the frame's own length field already
// delimits — no extra var_int length prefix is written for tail.
func WriteCommandRaw(dst []byte, id commandID, prefixArgs []arg, tail []byte) (int, error) {
	name, err := nameBytes(id)
	if err != nil {
		return 0, err
	}
	plen := payloadSize(prefixArgs) + len(tail)
	total := frameHeaderSize + plen
	if len(dst) < total {
		return 0, ErrShortBuffer
	}

	off := 0
	off += copy(dst[off:], frameMagic[:])
	off += copy(dst[off:], name[:])
	binary.BigEndian.PutUint32(dst[off:], uint32(plen))
	off += 4
	for _, a := range prefixArgs {
		off += putArg(dst[off:], a)
	}
	off += copy(dst[off:], tail)
	return off, nil
}

// GetPayloadLength reads the payload-length field out of a frame header.
// header must be at least frameHeaderSize bytes.
func GetPayloadLength(header []byte) (uint32, error) {
	if len(header) < frameHeaderSize {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(header[len(frameMagic)+cmdNameSize:]), nil
}

// GetMessageID reads the command name out of a frame header and resolves it
// to the command it names. header must be at least frameHeaderSize bytes.
func GetMessageID(header []byte) (commandID, bool) {
	if len(header) < frameHeaderSize {
		return 0, false
	}
	nameField := header[len(frameMagic) : len(frameMagic)+cmdNameSize]
	end := 0
	for end < len(nameField) && nameField[end] != 0 {
		end++
	}
	id, ok := namesToCommand[string(nameField[:end])]
	return id, ok
}

// CheckMagic verifies the 4-byte magic at the front of header.
func CheckMagic(header []byte) bool {
	return len(header) >= len(frameMagic) && header[0] == frameMagic[0] &&
		header[1] == frameMagic[1] && header[2] == frameMagic[2] && header[3] == frameMagic[3]
}

// field binds one argument slot to decode into. Exactly one of the pointer
// fields is set, matching typ.
type field struct {
	typ  argType
	u8   *uint8
	u16  *uint16
	u32  *uint32
	u64  *uint64
	ts   *int64
	b    *bool
	str  *string
	list *[]uint64
}

func fu8(p *uint8) field            { return field{typ: typeUint8, u8: p} }
func fu16(p *uint16) field          { return field{typ: typeUint16, u16: p} }
func fu32(p *uint32) field          { return field{typ: typeUint32, u32: p} }
func fu64(p *uint64) field          { return field{typ: typeUint64, u64: p} }
func fbool(p *bool) field           { return field{typ: typeBool, b: p} }
func fvarInt(p *uint64) field       { return field{typ: typeVarInt, u64: p} }
func ftimestamp(p *int64) field     { return field{typ: typeTimestamp, ts: p} }
func fvarStr(p *string) field       { return field{typ: typeVarStr, str: p} }
func fvarIntList(p *[]uint64) field { return field{typ: typeVarIntList, list: p} }

// ReadPayload decodes each field from payload in order, failing if any
// field would run off the end. Partially-decoded fields from an aborted
// read are left at whatever value they held; callers should not inspect
// them on error.
func ReadPayload(payload []byte, fields ...field) error {
	off := 0
	for _, f := range fields {
		switch f.typ {
		case typeUint8:
			if off+1 > len(payload) {
				return ErrTruncated
			}
			*f.u8 = payload[off]
			off++
		case typeBool:
			if off+1 > len(payload) {
				return ErrTruncated
			}
			*f.b = payload[off] != 0
			off++
		case typeUint16:
			if off+2 > len(payload) {
				return ErrTruncated
			}
			*f.u16 = binary.BigEndian.Uint16(payload[off:])
			off += 2
		case typeUint32:
			if off+4 > len(payload) {
				return ErrTruncated
			}
			*f.u32 = binary.BigEndian.Uint32(payload[off:])
			off += 4
		case typeUint64:
			if off+8 > len(payload) {
				return ErrTruncated
			}
			*f.u64 = binary.BigEndian.Uint64(payload[off:])
			off += 8
		case typeTimestamp:
			if off+8 > len(payload) {
				return ErrTruncated
			}
			*f.ts = int64(binary.BigEndian.Uint64(payload[off:]))
			off += 8
		case typeVarInt:
			v, n, err := getVarInt(payload[off:])
			if err != nil {
				return err
			}
			*f.u64 = v
			off += n
		case typeVarStr:
			l, n, err := getVarInt(payload[off:])
			if err != nil {
				return err
			}
			off += n
			if off+int(l) > len(payload) {
				return ErrTruncated
			}
			*f.str = string(payload[off : off+int(l)])
			off += int(l)
		case typeVarIntList:
			l, n, err := getVarInt(payload[off:])
			if err != nil {
				return err
			}
			off += n
			out := make([]uint64, l)
			for i := range out {
				v, vn, err := getVarInt(payload[off:])
				if err != nil {
					return err
				}
				out[i] = v
				off += vn
			}
			*f.list = out
		}
	}
	return nil
}
