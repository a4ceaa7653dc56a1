package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/config"
)

// voicevoxRenderer drives a VOICEVOX engine: one call builds the audio
// query, a second synthesizes the waveform from it.
type voicevoxRenderer struct {
	endpoint   string
	speaker    int
	httpClient *http.Client
}

func NewVoicevoxRenderer(cfg config.SynthesisConfig) Renderer {
	return &voicevoxRenderer{
		endpoint:   cfg.Endpoint,
		speaker:    cfg.Speaker,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
	}
}

func (r *voicevoxRenderer) Render(ctx context.Context, text, path string) error {
	speaker := strconv.Itoa(r.speaker)

	queryURL := fmt.Sprintf("%s/audio_query?speaker=%s&text=%s",
		r.endpoint, speaker, url.QueryEscape(text))
	query, err := r.post(ctx, queryURL, "", nil)
	if err != nil {
		return fmt.Errorf("voicevox audio_query: %w", err)
	}

	wav, err := r.post(ctx, fmt.Sprintf("%s/synthesis?speaker=%s", r.endpoint, speaker),
		"application/json", query)
	if err != nil {
		return fmt.Errorf("voicevox synthesis: %w", err)
	}

	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return fmt.Errorf("write audio artifact: %w", err)
	}
	return nil
}

func (r *voicevoxRenderer) post(ctx context.Context, rawURL, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
