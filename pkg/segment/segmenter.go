package segment

import (
	"fmt"

	"github.com/harunnryd/juru/pkg/audio"
)

type State int

const (
	StateIdle State = iota
	StateSpeaking
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Config holds the energy-gate thresholds. Byte sizes refer to mono 16-bit PCM.
type Config struct {
	SpeechThreshold    float64 `mapstructure:"speech_threshold"`
	SilenceFrames      int     `mapstructure:"silence_frames"`
	MinBytes           int     `mapstructure:"min_bytes"`
	MaxBytes           int     `mapstructure:"max_bytes"`
	LongUtteranceBytes int     `mapstructure:"long_utterance_bytes"`
	ExtensionFrames    int     `mapstructure:"extension_frames"`
}

// DefaultConfig is tuned for 48 kHz mono input at 50 frames per second.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:    200,
		SilenceFrames:      75,
		MinBytes:           48000,
		MaxBytes:           960000,
		LongUtteranceBytes: 480000,
		ExtensionFrames:    25,
	}
}

func (c Config) Validate() error {
	if c.SpeechThreshold <= 0 {
		return fmt.Errorf("segment.speech_threshold must be positive, got %v", c.SpeechThreshold)
	}
	if c.SilenceFrames <= 0 {
		return fmt.Errorf("segment.silence_frames must be positive, got %d", c.SilenceFrames)
	}
	if c.MinBytes < 0 || c.MaxBytes <= 0 {
		return fmt.Errorf("segment byte bounds must be positive (min=%d max=%d)", c.MinBytes, c.MaxBytes)
	}
	if c.MinBytes > c.MaxBytes {
		return fmt.Errorf("segment.min_bytes (%d) exceeds segment.max_bytes (%d)", c.MinBytes, c.MaxBytes)
	}
	if c.ExtensionFrames < 0 || c.LongUtteranceBytes < 0 {
		return fmt.Errorf("segment extension settings must not be negative")
	}
	return nil
}

// Segmenter turns a stream of PCM frames into utterance buffers.
// It is owned by a single goroutine and is not safe for concurrent use.
type Segmenter struct {
	cfg     Config
	state   State
	acc     []byte
	silence int
}

func New(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg, state: StateIdle}
}

func (s *Segmenter) State() State  { return s.state }
func (s *Segmenter) Buffered() int { return len(s.acc) }

// Push feeds one frame. It returns a finished utterance when this frame ends
// one (silence after speech) or forces one out (max size reached).
func (s *Segmenter) Push(frame []byte, channels int) ([]byte, bool) {
	mono := audio.Downmix(frame, channels)
	if len(mono) < 2 {
		return nil, false
	}
	mono = mono[:len(mono)&^1]

	if audio.RMS(mono) > s.cfg.SpeechThreshold {
		s.state = StateSpeaking
		s.silence = 0
		s.acc = append(s.acc, mono...)
		if len(s.acc) > s.cfg.MaxBytes {
			out := s.acc
			s.acc = nil
			return out, true
		}
		return nil, false
	}

	if s.state != StateSpeaking {
		return nil, false
	}

	s.silence++
	s.acc = append(s.acc, mono...)
	if s.silence < s.effectiveSilenceFrames() {
		return nil, false
	}
	out := s.acc
	s.Reset()
	if len(out) < s.cfg.MinBytes {
		return nil, false
	}
	return out, true
}

// Flush emits whatever is buffered if it is long enough, and returns to Idle.
func (s *Segmenter) Flush() ([]byte, bool) {
	out := s.acc
	s.Reset()
	if len(out) == 0 || len(out) < s.cfg.MinBytes {
		return nil, false
	}
	return out, true
}

// Reset drops any partial utterance.
func (s *Segmenter) Reset() {
	s.state = StateIdle
	s.acc = nil
	s.silence = 0
}

func (s *Segmenter) effectiveSilenceFrames() int {
	if s.cfg.LongUtteranceBytes > 0 && len(s.acc) > s.cfg.LongUtteranceBytes {
		return s.cfg.SilenceFrames + s.cfg.ExtensionFrames
	}
	return s.cfg.SilenceFrames
}
