package main

import (
	"sync"
	"sync/atomic"

	"babiling/client/internal/config"
	"babiling/client/internal/jitter"

	"gopkg.in/hraban/opus.v2"
)

const (
	sampleRate  = 48000
	channels    = 1
	frameSize   = 960 // 20 ms @ 48 kHz
	opusBitrate = 8192

	// silenceAmplitude is the protocol's own silence threshold: a window is
	// silent iff every sample's magnitude is below this.
	silenceAmplitude = 1024
)

// Recorder implements the microphone side of the voice pipeline: it
// accumulates captured PCM into 20 ms windows, optionally runs the RNNoise
// noise canceller ahead of encoding, Opus-encodes windows that survive the
// protocol's own silence gate, and feeds the result into a jitter.Queue that
// the network loop drains.
//
// The silence-gate decision is always made on the raw, pre-noise-cancellation
// samples — noise cancellation shapes what gets encoded, not whether a
// window counts as speech.
type Recorder struct {
	mu  sync.Mutex
	enc *opus.Encoder

	queue *jitter.Queue

	window  []int16
	scratch []byte

	nc           *NoiseCanceller
	noiseEnabled bool

	// speaking reports the protocol's silence-gate call for the most recent
	// window — a signal a UI can use for a "mic active" indicator.
	speaking atomic.Bool
}

// NewRecorder builds a Recorder from cfg.
func NewRecorder(cfg config.Config) (*Recorder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		return nil, err
	}

	nc := NewNoiseCanceller()
	nc.SetEnabled(cfg.NoiseEnabled)
	nc.SetLevel(float32(cfg.NoiseLevel) / 100.0)

	return &Recorder{
		enc:          enc,
		queue:        jitter.NewQueue(),
		scratch:      make([]byte, MaxSpeechSize),
		nc:           nc,
		noiseEnabled: cfg.NoiseEnabled,
	}, nil
}

// Close releases the RNNoise state backing the recorder's noise canceller.
// Call once, after the capture loop has stopped.
func (r *Recorder) Close() {
	r.nc.Destroy()
}

// PushPCM accumulates captured samples and processes every complete 20 ms
// window they form. Safe to call from a PortAudio capture callback.
func (r *Recorder) PushPCM(samples []int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window = append(r.window, samples...)
	var firstErr error
	for len(r.window) >= frameSize {
		frame := append([]int16(nil), r.window[:frameSize]...)
		if err := r.processWindowLocked(frame); err != nil && firstErr == nil {
			firstErr = err
		}
		r.window = append(r.window[:0], r.window[frameSize:]...)
	}
	return firstErr
}

func (r *Recorder) processWindowLocked(frame []int16) error {
	silent := isSilent(frame)
	r.speaking.Store(!silent)

	encFrame := frame
	if r.noiseEnabled {
		proc := make([]float32, frameSize)
		for i, s := range frame {
			proc[i] = float32(s) / 32768.0
		}
		r.nc.Process(proc)
		encFrame = make([]int16, frameSize)
		for i, v := range proc {
			encFrame[i] = floatToInt16(v)
		}
	}

	shouldEncode := r.queue.Gate(silent)
	if !shouldEncode {
		return nil
	}

	n, err := r.enc.Encode(encFrame, r.scratch)
	if err != nil {
		return err
	}
	out := make([]byte, n)
	copy(out, r.scratch[:n])
	r.queue.Push(out)
	return nil
}

// HasPacket reports whether a buffered packet is ready for the network loop.
func (r *Recorder) HasPacket() bool { return r.queue.HasPacket() }

// GetPacket removes and returns the oldest buffered Opus packet.
func (r *Recorder) GetPacket() ([]byte, bool) { return r.queue.GetPacket() }

// Speaking reports the silence gate's call for the most recently processed
// window.
func (r *Recorder) Speaking() bool { return r.speaking.Load() }

// Reset clears buffered audio, e.g. on disconnect.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue.Reset()
	r.window = r.window[:0]
}

func isSilent(frame []int16) bool {
	for _, s := range frame {
		if abs16(s) >= silenceAmplitude {
			return false
		}
	}
	return true
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

func floatToInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}
