package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hoshiyomi-live/hoshiyomi/internal/astro"
	"github.com/hoshiyomi-live/hoshiyomi/internal/reading"
)

// mockExtractor parses key=value tokens out of the comment, so development
// streams can drive the full pipeline without a model. A comment naming
// neither a name nor a birthday is judged insufficient, matching the real
// service's contract.
type mockExtractor struct{}

func NewMockExtractor() Extractor { return &mockExtractor{} }

func (m *mockExtractor) Extract(ctx context.Context, comment string) (reading.RequiredInfo, error) {
	select {
	case <-ctx.Done():
		return reading.RequiredInfo{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	var info reading.RequiredInfo
	for _, field := range strings.Fields(comment) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "name":
			info.Name = value
		case "birthday":
			info.Birthday = value
		case "birth_time":
			info.BirthTime = value
		case "birthplace":
			info.Birthplace = value
		case "worries":
			info.Worries = value
		}
	}
	if info.Name == "" || info.Birthday == "" {
		return reading.RequiredInfo{}, ErrInsufficient
	}
	return info, nil
}

type mockComposer struct{}

func NewMockComposer() Composer { return &mockComposer{} }

func (m *mockComposer) Compose(ctx context.Context, info reading.RequiredInfo, facts astro.Facts) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return fmt.Sprintf("[mock reading for %s: %s]", info.Name, facts.Summary()), nil
}
