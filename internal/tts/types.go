// Package tts renders reading text to audio artifacts on disk.
package tts

import "context"

// Renderer synthesizes speech for text and writes the artifact to path.
// Rendering may take seconds to tens of seconds; callers bound it with the
// context.
type Renderer interface {
	Render(ctx context.Context, text, path string) error
}
