package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/astro"
	"github.com/hoshiyomi-live/hoshiyomi/internal/config"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
)

const extractSystemPrompt = `You extract birth data from a live-stream comment requesting a fortune reading.
Respond with a single JSON object with the keys name, birthday (YYYY/MM/DD),
birth_time (HH:MM), birthplace, worries. Use "" for anything the comment does
not state. If the comment states neither a name nor a birthday, respond with
{"insufficient": true}.`

const composeSystemPrompt = `You are a warm, concise western-astrology reader on a live stream.
Write the reading as a short spoken monologue addressed to the commenter by
name. No markdown, no lists.`

type ollamaClient struct {
	endpoint    string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewOllamaExtractor builds the extraction client for an Ollama-compatible
// endpoint.
func NewOllamaExtractor(cfg config.ExtractionConfig) Extractor {
	return &ollamaClient{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
	}
}

// NewOllamaComposer builds the generation client.
func NewOllamaComposer(cfg config.GenerationConfig) Composer {
	return &ollamaClient{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type extractResult struct {
	reading.RequiredInfo
	Insufficient bool `json:"insufficient"`
}

func (c *ollamaClient) Extract(ctx context.Context, comment string) (reading.RequiredInfo, error) {
	raw, err := c.generate(ctx, ollamaRequest{
		Model:  c.model,
		Prompt: comment,
		System: extractSystemPrompt,
		Format: "json",
	})
	if err != nil {
		return reading.RequiredInfo{}, err
	}

	var result extractResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return reading.RequiredInfo{}, fmt.Errorf("decode extraction response: %w", err)
	}
	if result.Insufficient {
		return reading.RequiredInfo{}, ErrInsufficient
	}
	return result.RequiredInfo, nil
}

func (c *ollamaClient) Compose(ctx context.Context, info reading.RequiredInfo, facts astro.Facts) (string, error) {
	prompt := fmt.Sprintf(
		"Commenter: %s\nBirth data: %s %s, %s\nChart: %s\nWorries: %s\n\nGive the reading.",
		info.Name, info.Birthday, info.BirthTime, info.Birthplace, facts.Summary(), info.Worries)

	text, err := c.generate(ctx, ollamaRequest{
		Model:  c.model,
		Prompt: prompt,
		System: composeSystemPrompt,
		Options: ollamaOptions{
			Temperature: c.temperature,
			NumPredict:  c.maxTokens,
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *ollamaClient) generate(ctx context.Context, payload ollamaRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var chunk ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", err
	}
	return chunk.Response, nil
}
