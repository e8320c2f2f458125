package participants

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/lang"
)

var (
	ErrNoMetadata      = errors.New("participant metadata is empty")
	ErrMissingLanguage = errors.New("speaksLanguage and hearsLanguage are required")
)

// Metadata is the language-preference payload a participant publishes.
type Metadata struct {
	DisplayName    string `json:"displayName"`
	SpeaksLanguage string `json:"speaksLanguage"`
	HearsLanguage  string `json:"hearsLanguage"`
}

// ParseMetadata decodes and validates raw participant metadata against the
// supported language set. Language codes are returned normalized.
func ParseMetadata(raw string, supported lang.Set) (Metadata, error) {
	if strings.TrimSpace(raw) == "" {
		return Metadata{}, errorsx.Wrap(ErrNoMetadata, errorsx.ReasonMetadata)
	}
	var md Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return Metadata{}, errorsx.Errorf(errorsx.ReasonMetadata, "decode metadata: %w", err)
	}
	if strings.TrimSpace(md.SpeaksLanguage) == "" || strings.TrimSpace(md.HearsLanguage) == "" {
		return Metadata{}, errorsx.Wrap(ErrMissingLanguage, errorsx.ReasonMetadata)
	}
	speaks, ok := supported.Resolve(md.SpeaksLanguage)
	if !ok {
		return Metadata{}, errorsx.Errorf(errorsx.ReasonMetadata, "unsupported speaksLanguage %q", md.SpeaksLanguage)
	}
	hears, ok := supported.Resolve(md.HearsLanguage)
	if !ok {
		return Metadata{}, errorsx.Errorf(errorsx.ReasonMetadata, "unsupported hearsLanguage %q", md.HearsLanguage)
	}
	md.DisplayName = strings.TrimSpace(md.DisplayName)
	md.SpeaksLanguage = speaks
	md.HearsLanguage = hears
	return md, nil
}
