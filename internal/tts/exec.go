package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
)

// execRenderer shells out to an operator-supplied command that reads a
// JSON request on stdin and writes the finished WAV on stdout. A mutex
// serializes invocations because most local engines are single-voice.
type execRenderer struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text string `json:"text"`
}

func NewExecRenderer(command string) (Renderer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execRenderer{cmd: args}, nil
}

func (e *execRenderer) Render(ctx context.Context, text, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{Text: text})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run tts command: %w", err)
	}
	if stdout.Len() == 0 {
		return fmt.Errorf("tts command produced no audio")
	}
	if err := os.WriteFile(path, stdout.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write audio artifact: %w", err)
	}
	return nil
}
