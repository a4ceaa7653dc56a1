// Package player plays rendered audio artifacts. Exactly one artifact
// plays at a time; Play blocks until playback completes.
package player

import (
	"context"
	"fmt"
	"os/exec"

	shellwords "github.com/mattn/go-shellwords"
)

// Player drives the audience-facing audio output.
type Player interface {
	Play(ctx context.Context, path string) error
}

type execPlayer struct {
	cmd []string
}

// NewExecPlayer wraps an external player command (aplay, afplay, ffplay).
// The artifact path is appended as the final argument.
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Play(ctx context.Context, path string) error {
	args := append(append([]string{}, p.cmd[1:]...), path)
	cmd := exec.CommandContext(ctx, p.cmd[0], args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("play %s: %w", path, err)
	}
	return nil
}
