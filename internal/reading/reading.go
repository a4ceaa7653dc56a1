package reading

import (
	"encoding/json"
	"fmt"
	"time"
)

// Classification is the ternary decision recorded for every comment.
// A row stays Unclassified until the classifier has looked at it; Rejected
// and Target are both terminal.
type Classification string

const (
	Unclassified Classification = "unclassified"
	Rejected     Classification = "rejected"
	Target       Classification = "target"
)

// InsufficientDoc is the terminal required-info document written when the
// extraction service reports the comment does not carry enough birth data.
// Rows holding it are never reclaimed by extraction or generation.
const InsufficientDoc = `{"insufficient":true}`

// IsInsufficient reports whether doc is the insufficient sentinel.
func IsInsufficient(doc string) bool {
	return doc == InsufficientDoc
}

const (
	birthdayLayout  = "2006/01/02"
	birthTimeLayout = "15:04"

	defaultBirthTime  = "00:00"
	defaultBirthplace = "Tokyo"
)

// RequiredInfo is the structured birth data a western-astrology reading
// needs, extracted from a target comment.
type RequiredInfo struct {
	Name       string `json:"name"`
	Birthday   string `json:"birthday"`   // YYYY/MM/DD
	BirthTime  string `json:"birth_time"` // HH:MM
	Birthplace string `json:"birthplace"`
	Worries    string `json:"worries"`
}

// SupplementDefaults fills the optional fields commenters usually omit.
// Name and birthday are never supplemented.
func (i *RequiredInfo) SupplementDefaults() {
	if i.BirthTime == "" {
		i.BirthTime = defaultBirthTime
	}
	if i.Birthplace == "" {
		i.Birthplace = defaultBirthplace
	}
}

// Satisfied reports whether every required field is present and well-formed.
func (i RequiredInfo) Satisfied() bool {
	if i.Name == "" || i.Birthplace == "" {
		return false
	}
	if _, err := time.Parse(birthdayLayout, i.Birthday); err != nil {
		return false
	}
	if _, err := time.Parse(birthTimeLayout, i.BirthTime); err != nil {
		return false
	}
	return true
}

// BirthDate parses the birthday field.
func (i RequiredInfo) BirthDate() (time.Time, error) {
	t, err := time.Parse(birthdayLayout, i.Birthday)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse birthday %q: %w", i.Birthday, err)
	}
	return t, nil
}

// BirthClock parses the birth time field.
func (i RequiredInfo) BirthClock() (time.Time, error) {
	t, err := time.Parse(birthTimeLayout, i.BirthTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse birth time %q: %w", i.BirthTime, err)
	}
	return t, nil
}

func (i RequiredInfo) String() string {
	return fmt.Sprintf("%s (%s %s %s), worries: %s", i.Name, i.Birthday, i.BirthTime, i.Birthplace, i.Worries)
}

// Encode serializes the document for storage.
func (i RequiredInfo) Encode() (string, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("encode required info: %w", err)
	}
	return string(data), nil
}

// DecodeRequiredInfo parses a stored required-info document.
func DecodeRequiredInfo(doc string) (RequiredInfo, error) {
	var info RequiredInfo
	if err := json.Unmarshal([]byte(doc), &info); err != nil {
		return RequiredInfo{}, fmt.Errorf("decode required info: %w", err)
	}
	return info, nil
}

// Status is the per-message pipeline record. Each field past Classification
// is owned by exactly one stage and written at most once.
type Status struct {
	MessageID       string         `json:"message_id"`
	Classification  Classification `json:"classification"`
	RequiredInfo    string         `json:"required_info,omitempty"`
	Result          string         `json:"result,omitempty"`
	ResultAudioPath string         `json:"result_audio_path,omitempty"`
	IsPlayed        bool           `json:"is_played"`
	Attempts        int            `json:"attempts"`
	Failed          bool           `json:"failed"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
