package tts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMockRendererWritesWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	r := NewMockRenderer(22050)
	if err := r.Render(context.Background(), "こんにちは", path); err != nil {
		t.Fatalf("render: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) < 44 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("artifact is not a wav file (%d bytes)", len(data))
	}
}

func TestMockRendererHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewMockRenderer(22050)
	if err := r.Render(ctx, "x", filepath.Join(t.TempDir(), "out.wav")); err == nil {
		t.Fatal("expected context error")
	}
}
