package pipeline

import (
	"encoding/json"

	"github.com/hoshiyomi-live/hoshiyomi/internal/protocol"
)

// Stage names, also the operator API identifiers.
const (
	StageIngest     = "ingest"
	StageClassify   = "classify"
	StageExtract    = "extract"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
	StagePlayback   = "playback"
)

func decodePayload(raw []byte) protocol.ChatPayload {
	var payload protocol.ChatPayload
	// A payload that fails to decode yields empty fields; the caller
	// decides what that means for its stage.
	_ = json.Unmarshal(raw, &payload)
	return payload
}
