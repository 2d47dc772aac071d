package main

import "testing"

func TestNoiseCancellerNoopProcess(t *testing.T) {
	nc := NewNoiseCanceller()
	buf := make([]float32, frameSize)
	for i := range buf {
		buf[i] = float32(i) / float32(frameSize)
	}
	original := append([]float32(nil), buf...)

	nc.SetEnabled(true)
	nc.SetLevel(0)
	nc.Process(buf)

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("sample[%d]: got %v, want %v", i, buf[i], original[i])
		}
	}
}

func TestNoiseCancellerSetLevelClamps(t *testing.T) {
	nc := NewNoiseCanceller()
	nc.SetEnabled(true)
	nc.SetLevel(1.5)
	if nc.level != 1 {
		t.Fatalf("SetLevel(1.5): level = %v, want 1", nc.level)
	}
	nc.SetLevel(-1)
	if nc.level != 0 {
		t.Fatalf("SetLevel(-1): level = %v, want 0", nc.level)
	}
	nc.Destroy()
}
