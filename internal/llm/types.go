// Package llm holds the two language-model collaborators: the structured
// extractor that pulls birth data out of a comment, and the composer that
// turns birth data plus astrological facts into a reading.
package llm

import (
	"context"
	"errors"

	"github.com/hoshiyomi-live/hoshiyomi/internal/astro"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
)

// ErrInsufficient reports that the service judged the comment to lack the
// information a reading needs. It is a permanent verdict, not a transient
// failure.
var ErrInsufficient = errors.New("llm: insufficient information in comment")

// Extractor derives the structured required-info document from a comment.
type Extractor interface {
	Extract(ctx context.Context, comment string) (reading.RequiredInfo, error)
}

// Composer produces the reading text from the extracted info and the
// computed facts.
type Composer interface {
	Compose(ctx context.Context, info reading.RequiredInfo, facts astro.Facts) (string, error)
}
