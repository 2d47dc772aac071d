package main

import (
	"testing"

	"gopkg.in/hraban/opus.v2"
)

func encodeTone(t *testing.T, amplitude int16) []byte {
	t.Helper()
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	frame := make([]int16, frameSize)
	for i := range frame {
		frame[i] = amplitude
	}
	out := make([]byte, MaxSpeechSize)
	n, err := enc.Encode(frame, out)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return out[:n]
}

func TestPlaybackAddPacketAndDrain(t *testing.T) {
	p := NewPlayback(1.0)
	packet := encodeTone(t, 5000)

	if err := p.AddPacket(0, packet); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}

	out := make([]int16, frameSize)
	n := p.Drain(out)
	if n != frameSize {
		t.Fatalf("Drain() = %d, want %d", n, frameSize)
	}

	nonZero := false
	for _, s := range out {
		if s != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Fatal("expected decoded audio, got silence")
	}
}

func TestPlaybackDrainPadsShortfallWithSilence(t *testing.T) {
	p := NewPlayback(1.0)
	out := make([]int16, frameSize)
	n := p.Drain(out)
	if n != 0 {
		t.Fatalf("Drain() on an empty ring = %d, want 0", n)
	}
	for _, s := range out {
		if s != 0 {
			t.Fatal("expected silence when nothing has been added")
		}
	}
}

func TestPlaybackMixesTwoChannels(t *testing.T) {
	p := NewPlayback(1.0)
	if err := p.AddPacket(0, encodeTone(t, 5000)); err != nil {
		t.Fatalf("AddPacket channel 0: %v", err)
	}
	if err := p.AddPacket(1, encodeTone(t, 5000)); err != nil {
		t.Fatalf("AddPacket channel 1: %v", err)
	}

	out := make([]int16, frameSize)
	p.Drain(out)

	// Two in-phase 5000-amplitude tones mixed together stay within int16
	// range (saturatingAdd).
	for _, s := range out {
		if s > 32767 || s < -32768 {
			t.Fatalf("sample %d out of int16 range", s)
		}
	}
}

func TestPlaybackMutedChannelIsSilent(t *testing.T) {
	p := NewPlayback(1.0)
	p.SetMuted(0, true)
	if err := p.AddPacket(0, encodeTone(t, 5000)); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}

	out := make([]int16, frameSize)
	n := p.Drain(out)
	if n != 0 {
		t.Fatalf("muted channel should contribute no audio, got %d samples", n)
	}
}

func TestPlaybackGrowsRingAsNeeded(t *testing.T) {
	p := NewPlayback(1.0)
	packet := encodeTone(t, 1000)
	for i := 0; i < 8; i++ {
		if err := p.AddPacket(0, packet); err != nil {
			t.Fatalf("AddPacket %d: %v", i, err)
		}
	}
	if len(p.ring) < frameSize*8 {
		t.Fatalf("ring did not grow to hold 8 queued frames: len=%d", len(p.ring))
	}
}

func TestPlaybackVolumeScalesOutput(t *testing.T) {
	p := NewPlayback(0.5)
	if err := p.AddPacket(0, encodeTone(t, 10000)); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	out := make([]int16, frameSize)
	p.Drain(out)

	full := NewPlayback(1.0)
	full.AddPacket(0, encodeTone(t, 10000))
	outFull := make([]int16, frameSize)
	full.Drain(outFull)

	var sumHalf, sumFull int64
	for i := range out {
		sumHalf += int64(abs16(out[i]))
		sumFull += int64(abs16(outFull[i]))
	}
	if sumFull == 0 || sumHalf >= sumFull {
		t.Fatalf("expected half volume to be quieter: half=%d full=%d", sumHalf, sumFull)
	}
}
