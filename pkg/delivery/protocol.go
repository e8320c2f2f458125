package delivery

import (
	"encoding/base64"
	"strings"
)

// Message types understood by listener clients.
const (
	TypeStart = "translation_start"
	TypeChunk = "translation_chunk"
	TypeText  = "translation_text"
	TypeError = "translation_error"
)

// StartMessage announces a translated utterance and how many chunks follow.
type StartMessage struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	SpeakerName    string `json:"speakerName"`
	OriginalText   string `json:"originalText"`
	TranslatedText string `json:"translatedText,omitempty"`
	SourceLang     string `json:"sourceLang"`
	TargetLang     string `json:"targetLang"`
	TotalChunks    int    `json:"totalChunks"`
}

// ChunkMessage carries one slice of the base64 audio.
type ChunkMessage struct {
	Type        string `json:"type"`
	MessageID   string `json:"messageId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Audio       string `json:"audio"`
}

// TextMessage is sent instead of audio when synthesis produced nothing.
type TextMessage struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	SpeakerName    string `json:"speakerName"`
	OriginalText   string `json:"originalText"`
	TranslatedText string `json:"translatedText"`
	SourceLang     string `json:"sourceLang"`
	TargetLang     string `json:"targetLang"`
}

// ErrorMessage reports an utterance that produced no audio for the listener.
// Error mirrors Message for clients that read that key.
type ErrorMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

// Encode renders audio as standard padded base64.
func Encode(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

// Split cuts encoded into ceil(len/size) consecutive pieces. Empty input
// yields no chunks.
func Split(encoded string, size int) []string {
	if encoded == "" {
		return nil
	}
	if size <= 0 || size >= len(encoded) {
		return []string{encoded}
	}
	out := make([]string, 0, (len(encoded)+size-1)/size)
	for start := 0; start < len(encoded); start += size {
		end := start + size
		if end > len(encoded) {
			end = len(encoded)
		}
		out = append(out, encoded[start:end])
	}
	return out
}

// Reassemble joins chunks in index order.
func Reassemble(chunks []string) string {
	return strings.Join(chunks, "")
}

// Decode reverses Encode.
func Decode(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
