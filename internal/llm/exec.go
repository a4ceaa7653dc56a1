package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hoshiyomi-live/hoshiyomi/internal/astro"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
	shellwords "github.com/mattn/go-shellwords"
)

// execClient shells out to an operator-supplied command. The command reads
// one JSON request on stdin and writes one JSON response on stdout.
type execClient struct {
	cmd []string
}

type execExtractor struct{ execClient }
type execComposer struct{ execClient }

func newExecClient(command string) (execClient, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return execClient{}, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return execClient{}, fmt.Errorf("llm command empty")
	}
	return execClient{cmd: args}, nil
}

func NewExecExtractor(command string) (Extractor, error) {
	c, err := newExecClient(command)
	if err != nil {
		return nil, err
	}
	return &execExtractor{c}, nil
}

func NewExecComposer(command string) (Composer, error) {
	c, err := newExecClient(command)
	if err != nil {
		return nil, err
	}
	return &execComposer{c}, nil
}

type execExtractRequest struct {
	Op      string `json:"op"`
	Comment string `json:"comment"`
}

type execComposeRequest struct {
	Op    string               `json:"op"`
	Info  reading.RequiredInfo `json:"info"`
	Facts astro.Facts          `json:"facts"`
}

type execComposeResponse struct {
	Text string `json:"text"`
}

func (e *execExtractor) Extract(ctx context.Context, comment string) (reading.RequiredInfo, error) {
	out, err := e.run(ctx, execExtractRequest{Op: "extract", Comment: comment})
	if err != nil {
		return reading.RequiredInfo{}, err
	}
	var result extractResult
	if err := json.Unmarshal(out, &result); err != nil {
		return reading.RequiredInfo{}, fmt.Errorf("decode extract output: %w", err)
	}
	if result.Insufficient {
		return reading.RequiredInfo{}, ErrInsufficient
	}
	return result.RequiredInfo, nil
}

func (e *execComposer) Compose(ctx context.Context, info reading.RequiredInfo, facts astro.Facts) (string, error) {
	out, err := e.run(ctx, execComposeRequest{Op: "compose", Info: info, Facts: facts})
	if err != nil {
		return "", err
	}
	var result execComposeResponse
	if err := json.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("decode compose output: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func (c execClient) run(ctx context.Context, request any) ([]byte, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run llm command: %w", err)
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}
