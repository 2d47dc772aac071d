package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"

	"babiling/client/internal/config"

	"github.com/gordonklaus/portaudio"
)

func main() {
	cfg := config.Load()

	inputDevice := flag.Int("input-device", cfg.InputDeviceID, "PortAudio input device index (-1 for system default)")
	outputDevice := flag.Int("output-device", cfg.OutputDeviceID, "PortAudio output device index (-1 for system default)")
	volume := flag.Float64("volume", cfg.Volume, "playback volume multiplier")
	servers := flag.String("servers", "", "comma-separated server address list, overriding the saved one")
	flag.Parse()

	cfg.InputDeviceID = *inputDevice
	cfg.OutputDeviceID = *outputDevice
	cfg.Volume = *volume
	if *servers != "" {
		cfg.Servers = parseServerFlag(*servers)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("[client] %v", err)
	}
}

func parseServerFlag(raw string) []config.ServerEntry {
	parts := strings.Split(raw, ",")
	entries := make([]config.ServerEntry, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		entries = append(entries, config.ServerEntry{Name: fmt.Sprintf("server-%d", i+1), Addr: p})
	}
	return entries
}

func run(cfg config.Config, logger *log.Logger) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	playback := NewPlayback(cfg.Volume)
	recorder, err := NewRecorder(cfg)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	defer recorder.Close()

	captureStream, captureBuf, err := openCaptureStream(cfg.InputDeviceID)
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}
	defer captureStream.Close()

	playbackStream, playbackBuf, err := openPlaybackStream(cfg.OutputDeviceID)
	if err != nil {
		return fmt.Errorf("open playback stream: %w", err)
	}
	defer playbackStream.Close()

	if err := captureStream.Start(); err != nil {
		return fmt.Errorf("start capture stream: %w", err)
	}
	defer captureStream.Stop()
	if err := playbackStream.Start(); err != nil {
		return fmt.Errorf("start playback stream: %w", err)
	}
	defer playbackStream.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Println("[client] shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); captureLoop(ctx, captureStream, captureBuf, recorder, logger) }()
	go func() { defer wg.Done(); playbackLoop(ctx, playbackStream, playbackBuf, playback, logger) }()

	cb := ClientCallbacks{
		OnPlayerID: func(playerID uint64) {
			logger.Printf("[client] assigned player id %d", playerID)
		},
		OnNPlayers: func(n uint16) {
			logger.Printf("[client] %d other players online", n)
		},
	}

	client, err := NewClient(cfg, recorder, playback, logger, cb)
	if err != nil {
		cancel()
		wg.Wait()
		return err
	}

	runErr := client.Run(ctx)
	cancel()
	wg.Wait()

	if playerID, ok := client.SavedIdentity(); ok {
		cfg.SavedPlayerID = playerID
	}
	if err := config.Save(cfg); err != nil {
		logger.Printf("[client] save config: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// openCaptureStream opens a blocking-I/O mono float32 input stream at the
// voice pipeline's sample rate and frame size. deviceID < 0 selects the
// system default input device.
func openCaptureStream(deviceID int) (*portaudio.Stream, []float32, error) {
	dev, err := resolveInputDevice(deviceID)
	if err != nil {
		return nil, nil, err
	}
	buf := make([]float32, frameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, nil, err
	}
	return stream, buf, nil
}

// openPlaybackStream opens a blocking-I/O mono float32 output stream at the
// voice pipeline's sample rate and frame size. deviceID < 0 selects the
// system default output device.
func openPlaybackStream(deviceID int) (*portaudio.Stream, []float32, error) {
	dev, err := resolveOutputDevice(deviceID)
	if err != nil {
		return nil, nil, err
	}
	buf := make([]float32, frameSize)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, nil, err
	}
	return stream, buf, nil
}

func resolveInputDevice(id int) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if id >= len(devices) {
		return nil, fmt.Errorf("input device index %d out of range", id)
	}
	return devices[id], nil
}

func resolveOutputDevice(id int) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if id >= len(devices) {
		return nil, fmt.Errorf("output device index %d out of range", id)
	}
	return devices[id], nil
}

// captureLoop repeatedly fills buf from the microphone and feeds it to the
// recorder until ctx is cancelled or the stream errors out.
func captureLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, recorder *Recorder, logger *log.Logger) {
	pcm := make([]int16, len(buf))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := stream.Read(); err != nil {
			if ctx.Err() == nil {
				logger.Printf("[audio] capture read: %v", err)
			}
			return
		}
		for i, s := range buf {
			pcm[i] = floatToInt16(s)
		}
		if err := recorder.PushPCM(pcm); err != nil {
			logger.Printf("[audio] recorder: %v", err)
		}
	}
}

// playbackLoop repeatedly drains mixed audio from playback into buf and
// writes it to the speakers until ctx is cancelled or the stream errors out.
func playbackLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, playback *Playback, logger *log.Logger) {
	pcm := make([]int16, len(buf))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		playback.Drain(pcm)
		for i, s := range pcm {
			buf[i] = float32(s) / 32768.0
		}
		if err := stream.Write(); err != nil {
			if ctx.Err() == nil {
				logger.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}
