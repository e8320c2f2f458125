package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/logging"
)

const (
	DefaultChunkSize  = 48000
	DefaultChunkDelay = 10 * time.Millisecond

	// chunkOverhead covers the JSON envelope around a chunk's audio field.
	chunkOverhead = 512
)

// Sender publishes a payload to the given participant identities.
type Sender interface {
	Send(ctx context.Context, payload []byte, destinations ...string) error
	// MaxMessageBytes is the largest payload the transport accepts; zero
	// means unbounded.
	MaxMessageBytes() int
}

type Config struct {
	ChunkSize  int           `mapstructure:"chunk_size"`
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
}

// Result is one translated utterance addressed to a listener.
type Result struct {
	MessageID      string
	SpeakerName    string
	OriginalText   string
	TranslatedText string
	SourceLang     string
	TargetLang     string
	Audio          []byte
}

// TextResult is a translation without audio.
type TextResult struct {
	MessageID      string
	SpeakerName    string
	OriginalText   string
	TranslatedText string
	SourceLang     string
	TargetLang     string
}

// Deliverer streams results to one listener at a time as a start message
// followed by ordered audio chunks.
type Deliverer struct {
	sender Sender
	cfg    Config
	logger *slog.Logger
	newID  func() (string, error)
}

func NewDeliverer(sender Sender, cfg Config, logger *slog.Logger) (*Deliverer, error) {
	if sender == nil {
		return nil, fmt.Errorf("delivery: sender is required")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("delivery: chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkDelay < 0 {
		cfg.ChunkDelay = 0
	}
	if limit := sender.MaxMessageBytes(); limit > 0 && cfg.ChunkSize+chunkOverhead > limit {
		return nil, fmt.Errorf("delivery: chunk size %d exceeds transport limit %d", cfg.ChunkSize, limit-chunkOverhead)
	}
	return &Deliverer{
		sender: sender,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "delivery"),
		newID:  NewMessageID,
	}, nil
}

// Chunks reports how many chunk messages audioBytes of audio will take.
func (d *Deliverer) Chunks(audioBytes int) int {
	if audioBytes <= 0 {
		return 0
	}
	encoded := base64.StdEncoding.EncodedLen(audioBytes)
	return (encoded + d.cfg.ChunkSize - 1) / d.cfg.ChunkSize
}

// NewMessageID returns a time-ordered unique id.
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Deliver sends translation_start then every translation_chunk to target.
// It returns the message id used, which is generated when res has none.
func (d *Deliverer) Deliver(ctx context.Context, res Result, target string) (string, error) {
	id, err := d.messageID(res.MessageID)
	if err != nil {
		return "", err
	}
	chunks := Split(Encode(res.Audio), d.cfg.ChunkSize)
	if len(chunks) == 0 {
		return id, errorsx.Errorf(errorsx.ReasonDeliver, "delivery: no audio for %s", target)
	}

	start := time.Now()
	err = d.send(ctx, StartMessage{
		Type:           TypeStart,
		MessageID:      id,
		SpeakerName:    res.SpeakerName,
		OriginalText:   res.OriginalText,
		TranslatedText: res.TranslatedText,
		SourceLang:     res.SourceLang,
		TargetLang:     res.TargetLang,
		TotalChunks:    len(chunks),
	}, target)
	if err != nil {
		return id, err
	}
	for i, chunk := range chunks {
		if i > 0 && d.cfg.ChunkDelay > 0 {
			if err := sleepCtx(ctx, d.cfg.ChunkDelay); err != nil {
				return id, errorsx.Wrap(err, errorsx.ReasonDeliver)
			}
		}
		err := d.send(ctx, ChunkMessage{
			Type:        TypeChunk,
			MessageID:   id,
			ChunkIndex:  i,
			TotalChunks: len(chunks),
			Audio:       chunk,
		}, target)
		if err != nil {
			d.logger.Warn("delivery_chunk_failed",
				slog.String("message_id", id),
				slog.String("listener", target),
				slog.Int("chunk_index", i),
				slog.String("error", err.Error()))
			return id, err
		}
	}
	d.logger.Debug("delivery_completed",
		slog.String("message_id", id),
		slog.String("listener", target),
		slog.Int("chunks", len(chunks)),
		slog.Int("audio_bytes", len(res.Audio)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return id, nil
}

// DeliverText sends a single translation_text message.
func (d *Deliverer) DeliverText(ctx context.Context, res TextResult, target string) (string, error) {
	id, err := d.messageID(res.MessageID)
	if err != nil {
		return "", err
	}
	return id, d.send(ctx, TextMessage{
		Type:           TypeText,
		MessageID:      id,
		SpeakerName:    res.SpeakerName,
		OriginalText:   res.OriginalText,
		TranslatedText: res.TranslatedText,
		SourceLang:     res.SourceLang,
		TargetLang:     res.TargetLang,
	}, target)
}

// DeliverError tells a listener that an utterance could not be relayed.
func (d *Deliverer) DeliverError(ctx context.Context, message, target string) (string, error) {
	id, err := d.messageID("")
	if err != nil {
		return "", err
	}
	return id, d.send(ctx, ErrorMessage{Type: TypeError, MessageID: id, Message: message, Error: message}, target)
}

func (d *Deliverer) messageID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	id, err := d.newID()
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonDeliver, "delivery: message id: %w", err)
	}
	return id, nil
}

func (d *Deliverer) send(ctx context.Context, msg any, target string) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDeliver)
	}
	if err := d.sender.Send(ctx, b, target); err != nil {
		return errorsx.Errorf(errorsx.ReasonTransportSend, "delivery: send to %s: %w", target, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
