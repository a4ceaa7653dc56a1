package tts

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// mockRenderer writes a short silent WAV so the rest of the pipeline,
// including playback, can run against real files.
type mockRenderer struct {
	sampleRate int
}

func NewMockRenderer(sampleRate int) Renderer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &mockRenderer{sampleRate: sampleRate}
}

func (m *mockRenderer) Render(ctx context.Context, text, path string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create audio artifact: %w", err)
	}

	enc := wav.NewEncoder(f, m.sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: m.sampleRate},
		Data:           make([]int, m.sampleRate/5), // 200ms of silence
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return f.Close()
}
