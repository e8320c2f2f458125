package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/juru/pkg/adapters/stt"
	"github.com/harunnryd/juru/pkg/audio"
	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/lang"
	"github.com/harunnryd/juru/pkg/logging"
	"github.com/harunnryd/juru/pkg/resilience"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const DefaultModel = "nova-2"

type Config struct {
	APIKey     string
	Model      string
	SampleRate int
	Punctuate  bool
	// Host overrides the Deepgram API host.
	Host string
}

// streamFunc posts one WAV body and returns the raw prerecorded response JSON.
type streamFunc func(ctx context.Context, body io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) ([]byte, error)

// Transcriber sends each finished utterance to Deepgram's prerecorded
// endpoint with language detection enabled.
type Transcriber struct {
	cfg         Config
	fromStream  streamFunc
	logger      *slog.Logger
	retryPolicy resilience.RetryPolicy
}

func New(cfg Config) (*Transcriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("deepgram: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}

	clientOptions := &interfaces.ClientOptions{Host: cfg.Host}
	dg := api.New(client.NewREST(cfg.APIKey, clientOptions))
	fromStream := func(ctx context.Context, body io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) ([]byte, error) {
		res, err := dg.FromStream(ctx, body, opts)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
	return newTranscriber(cfg, fromStream), nil
}

func newTranscriber(cfg Config, fn streamFunc) *Transcriber {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	policy := resilience.NewRetryPolicy(2, 250*time.Millisecond)
	policy.Retryable = resilience.IsTransient
	return &Transcriber{
		cfg:         cfg,
		fromStream:  fn,
		logger:      logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
		retryPolicy: policy,
	}
}

func (t *Transcriber) Name() string { return "deepgram_prerecorded" }

func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Result, error) {
	if sampleRate <= 0 {
		sampleRate = t.cfg.SampleRate
	}
	wav, err := audio.EncodeWAV(pcm, sampleRate, 1)
	if err != nil {
		return stt.Result{}, errorsx.Wrap(err, errorsx.ReasonSTTTranscribe)
	}
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:          t.cfg.Model,
		DetectLanguage: true,
		Punctuate:      t.cfg.Punctuate,
	}

	start := time.Now()
	var raw []byte
	err = t.retryPolicy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = t.fromStream(ctx, bytes.NewReader(wav), opts)
		return callErr
	})
	if err != nil {
		t.logger.Warn("deepgram_transcribe_failed",
			slog.String("error", err.Error()),
			slog.Int("audio_bytes", len(pcm)))
		if resilience.IsRateLimit(err) {
			return stt.Result{}, errorsx.Wrap(err, errorsx.ReasonSTTRateLimit)
		}
		return stt.Result{}, errorsx.Wrap(err, errorsx.ReasonSTTTranscribe)
	}

	res, err := parseResponse(raw)
	if err != nil {
		return stt.Result{}, errorsx.Wrap(err, errorsx.ReasonSTTTranscribe)
	}
	t.logger.Debug("deepgram_transcribed",
		slog.String("language", res.Language),
		slog.Float64("confidence", res.Confidence),
		slog.Int("chars", len(res.Text)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	return res, nil
}

type prerecordedResponse struct {
	Results *struct {
		Channels []struct {
			DetectedLanguage   string  `json:"detected_language"`
			LanguageConfidence float64 `json:"language_confidence"`
			Alternatives       []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseResponse takes the first alternative of the first channel. A response
// without channels is an empty transcript, not an error.
func parseResponse(raw []byte) (stt.Result, error) {
	var resp prerecordedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: decode response: %w", err)
	}
	if resp.Results == nil || len(resp.Results.Channels) == 0 {
		return stt.Result{}, nil
	}
	ch := resp.Results.Channels[0]
	out := stt.Result{Language: lang.Normalize(ch.DetectedLanguage)}
	if len(ch.Alternatives) > 0 {
		out.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
		out.Confidence = ch.Alternatives[0].Confidence
	}
	return out, nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
