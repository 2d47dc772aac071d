package main

import (
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrameSamples bounds a single decoded Opus frame: 120 ms at 48 kHz,
// the largest frame size RFC 6716 allows.
const maxOpusFrameSamples = 5760

// initialRingSamples is the playback ring's starting capacity: 40 ms at
// 48 kHz, two 20 ms frames of headroom before the ring needs to grow.
const initialRingSamples = 1920

// channelState is one sender's decode state: an Opus decoder and the
// sample offset, relative to the ring's read cursor, where its next
// decoded frame lands.
type channelState struct {
	dec    *opus.Decoder
	offset int
	muted  bool
}

// Playback mixes decoded voice from every sender into one power-of-two s16
// mono ring at 48 kHz. Each sender's decoder is created on first use; the
// ring grows (doubling) to accommodate whichever sender is furthest ahead.
type Playback struct {
	mu       sync.Mutex
	ring     []int16
	start    int // read cursor
	length   int // logical length: the furthest any channel has written
	channels map[uint16]*channelState

	volume float64
}

// NewPlayback returns an empty Playback engine.
func NewPlayback(volume float64) *Playback {
	return &Playback{
		ring:     make([]int16, initialRingSamples),
		channels: make(map[uint16]*channelState),
		volume:   volume,
	}
}

// AddPacket decodes one Opus packet from the given channel (the sender's
// renumbered slot) and mixes it into the ring at that channel's current
// offset. A decode failure drops the packet; it never tears down the
// channel's decoder.
func (p *Playback) AddPacket(channel uint16, opusData []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.channels[channel]
	if !ok {
		dec, err := opus.NewDecoder(sampleRate, channels)
		if err != nil {
			return fmt.Errorf("playback: new decoder for channel %d: %w", channel, err)
		}
		ch = &channelState{dec: dec}
		p.channels[channel] = ch
	}
	if ch.muted {
		return nil
	}

	frame := make([]int16, maxOpusFrameSamples)
	n, err := ch.dec.Decode(opusData, frame)
	if err != nil {
		return fmt.Errorf("playback: decode channel %d: %w", channel, err)
	}
	if n <= 0 {
		return fmt.Errorf("playback: channel %d decoded %d samples", channel, n)
	}
	samples := frame[:n]

	p.growLocked(ch.offset + n)
	pos := (p.start + ch.offset) % len(p.ring)
	mixInto(p.ring, pos, samples)

	ch.offset += n
	if ch.offset > p.length {
		p.length = ch.offset
	}
	return nil
}

// growLocked doubles the ring until it can hold need samples ahead of the
// read cursor, relaying existing content to the front of the new ring.
func (p *Playback) growLocked(need int) {
	if need <= len(p.ring) {
		return
	}
	newRing := make([]int16, nextPow2(need))
	oldLen := len(p.ring)
	for i := 0; i < p.length; i++ {
		newRing[i] = p.ring[(p.start+i)%oldLen]
	}
	p.ring = newRing
	p.start = 0
}

// Drain fills dst with the next len(dst) mixed samples, zeroing the drained
// region of the ring and moving every channel's offset back by the same
// amount (never below zero). Any shortfall (the ring holds fewer samples than dst wants) is
// padded with silence. Drain is the PortAudio playback callback's only call
// into Playback per tick.
func (p *Playback) Drain(dst []int16) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(dst)
	if n > p.length {
		n = p.length
	}
	size := len(p.ring)
	for i := 0; i < n; i++ {
		idx := (p.start + i) % size
		dst[i] = scaleVolume(p.ring[idx], p.volume)
		p.ring[idx] = 0
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	p.start = (p.start + n) % size
	p.length -= n
	for _, ch := range p.channels {
		ch.offset -= n
		if ch.offset < 0 {
			ch.offset = 0
		}
	}
	return n
}

// SetMuted suppresses (or restores) local playback of one sender's voice
// without affecting its decoder state.
func (p *Playback) SetMuted(channel uint16, muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channel]
	if !ok {
		ch = &channelState{}
		p.channels[channel] = ch
	}
	ch.muted = muted
}

// SetVolume sets the overall playback volume multiplier (0.0-2.0 typical).
func (p *Playback) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

func mixInto(ring []int16, pos int, samples []int16) {
	size := len(ring)
	for _, s := range samples {
		ring[pos] = saturatingAdd(ring[pos], s)
		pos++
		if pos == size {
			pos = 0
		}
	}
}

func saturatingAdd(a, b int16) int16 {
	sum := int32(a) + int32(b)
	switch {
	case sum > 32767:
		return 32767
	case sum < -32768:
		return -32768
	default:
		return int16(sum)
	}
}

func scaleVolume(s int16, volume float64) int16 {
	scaled := float64(s) * volume
	switch {
	case scaled > 32767:
		return 32767
	case scaled < -32768:
		return -32768
	default:
		return int16(scaled)
	}
}
