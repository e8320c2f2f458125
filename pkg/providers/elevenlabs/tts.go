package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/juru/pkg/adapters/tts"
	"github.com/harunnryd/juru/pkg/errorsx"
	"github.com/harunnryd/juru/pkg/logging"
	"github.com/harunnryd/juru/pkg/resilience"
)

const (
	DefaultModel        = "eleven_multilingual_v2"
	DefaultOutputFormat = "mp3_44100_128"
	DefaultBaseURL      = "wss://api.elevenlabs.io"
	DefaultStability    = 0.5
	DefaultSimilarity   = 0.75
)

type Config struct {
	APIKey       string
	ModelID      string
	OutputFormat string
	Stability    float64
	Similarity   float64
	// BaseURL is the websocket origin, e.g. wss://api.elevenlabs.io.
	BaseURL string
	// ReadTimeout bounds the wait for each audio message.
	ReadTimeout time.Duration
}

// Synthesizer opens one stream-input websocket per utterance, sends the whole
// text followed by end-of-input, and collects audio until the final message.
type Synthesizer struct {
	cfg         Config
	dialer      websocket.Dialer
	logger      *slog.Logger
	retryPolicy resilience.RetryPolicy
}

type inboundMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func New(cfg Config) (*Synthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing elevenlabs config: api key")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModel
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = DefaultStability
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = DefaultSimilarity
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 20 * time.Second
	}
	policy := resilience.NewRetryPolicy(2, 300*time.Millisecond)
	policy.Retryable = resilience.IsTransient
	return &Synthesizer{
		cfg:         cfg,
		dialer:      websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger:      logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
		retryPolicy: policy,
	}, nil
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if voice == "" {
		return nil, errorsx.Wrap(errors.New("elevenlabs: voice id is required"), errorsx.ReasonTTSSynthesize)
	}

	var conn *websocket.Conn
	err := s.retryPolicy.Do(ctx, func(ctx context.Context) error {
		c, err := s.dial(ctx, voice)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		s.logger.Error("elevenlabs_connect_failed",
			slog.String("voice_id", voice),
			slog.String("error", err.Error()))
		if resilience.IsRateLimit(err) {
			return nil, errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, payload := range s.requestMessages(text) {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return nil, errorsx.Errorf(errorsx.ReasonTTSSend, "elevenlabs: send: %w", err)
		}
	}

	out, err := s.collect(conn)
	if ctx.Err() != nil {
		return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonTTSSynthesize)
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.logger.Debug("elevenlabs_synthesized",
		slog.String("voice_id", voice),
		slog.Int("chars", len(text)),
		slog.Int("size_bytes", len(out)))
	return out, nil
}

func (s *Synthesizer) dial(ctx context.Context, voice string) (*websocket.Conn, error) {
	u, err := s.buildURL(voice)
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil {
			if serr := resilience.FromStatus("elevenlabs", resp.StatusCode, resp.Status); serr != nil {
				return nil, serr
			}
		}
		return nil, err
	}
	return conn, nil
}

func (s *Synthesizer) requestMessages(text string) []map[string]any {
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	return []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
		},
		{"text": text, "try_trigger_generation": true},
		{"text": ""},
	}
}

func (s *Synthesizer) collect(conn *websocket.Conn) ([]byte, error) {
	var out []byte
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return out, nil
			}
			return out, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("elevenlabs_unparsed_message", slog.Int("size_bytes", len(data)))
			continue
		}
		if msg.Error != "" {
			return out, fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return out, fmt.Errorf("elevenlabs: audio decode: %w", err)
			}
			out = append(out, raw...)
		}
		if msg.IsFinal {
			return out, nil
		}
	}
}

func (s *Synthesizer) buildURL(voice string) (string, error) {
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: base url: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/v1/text-to-speech/" + url.PathEscape(voice) + "/stream-input"
	q := url.Values{}
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
