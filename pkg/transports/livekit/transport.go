package livekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/harunnryd/juru/pkg/frames"
	"github.com/harunnryd/juru/pkg/logging"
	"github.com/harunnryd/juru/pkg/transports"
)

const (
	// MetaTrackSID tags audio and track frames with the LiveKit track sid.
	MetaTrackSID = "track_sid"

	defaultMaxMessageBytes = 64 * 1024
	opusSampleRate         = 48000
)

type Config struct {
	URL             string `mapstructure:"url"`
	APIKey          string `mapstructure:"api_key"`
	APISecret       string `mapstructure:"api_secret"`
	RoomName        string `mapstructure:"room_name"`
	Identity        string `mapstructure:"identity"`
	Name            string `mapstructure:"name"`
	Channels        int    `mapstructure:"channels"`
	MaxMessageBytes int    `mapstructure:"max_message_bytes"`
	// MicrophoneOnly ignores screen-share and other non-microphone audio.
	MicrophoneOnly bool `mapstructure:"microphone_only"`
}

func (c Config) withDefaults() Config {
	if c.Identity == "" {
		c.Identity = "juru-relay"
	}
	if c.Name == "" {
		c.Name = "Translation Agent"
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("livekit: url is required"))
	}
	if c.APIKey == "" || c.APISecret == "" {
		errs = append(errs, errors.New("livekit: api_key and api_secret are required"))
	}
	if c.RoomName == "" {
		errs = append(errs, errors.New("livekit: room_name is required"))
	}
	return errors.Join(errs...)
}

// room is the subset of *lksdk.Room the transport drives.
type room interface {
	publish(payload []byte, destinations []string) error
	// present lists remote participants already in the room at join time.
	// The SDK adds them without firing OnParticipantConnected.
	present() []participantInfo
	disconnect()
}

type participantInfo struct {
	identity string
	name     string
	metadata string
}

type lkRoom struct {
	r *lksdk.Room
}

func (l lkRoom) publish(payload []byte, destinations []string) error {
	opts := []lksdk.DataPublishOption{lksdk.WithDataPublishReliable(true)}
	if len(destinations) > 0 {
		opts = append(opts, lksdk.WithDataPublishDestination(destinations))
	}
	return l.r.LocalParticipant.PublishDataPacket(lksdk.UserData(payload), opts...)
}

func (l lkRoom) present() []participantInfo {
	remote := l.r.GetRemoteParticipants()
	out := make([]participantInfo, 0, len(remote))
	for _, rp := range remote {
		out = append(out, participantInfo{identity: rp.Identity(), name: rp.Name(), metadata: rp.Metadata()})
	}
	return out
}

func (l lkRoom) disconnect() { l.r.Disconnect() }

type connectFunc func(cfg Config, cb *lksdk.RoomCallback) (room, error)

func connectToRoom(cfg Config, cb *lksdk.RoomCallback) (room, error) {
	r, err := lksdk.ConnectToRoom(cfg.URL, lksdk.ConnectInfo{
		APIKey:              cfg.APIKey,
		APISecret:           cfg.APISecret,
		RoomName:            cfg.RoomName,
		ParticipantIdentity: cfg.Identity,
		ParticipantName:     cfg.Name,
	}, cb)
	if err != nil {
		return nil, err
	}
	return lkRoom{r: r}, nil
}

// Transport joins a LiveKit room as a hidden agent participant. Remote
// microphone tracks are Opus-decoded to PCM; outbound payloads are reliable
// data packets addressed to participant identities.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	connect connectFunc
	decoder decoderFactory

	recvMu     sync.RWMutex
	recvCh     chan frames.Frame
	recvClosed bool

	mu   sync.Mutex
	room room

	stopped atomic.Bool
}

func New(cfg Config, logger *slog.Logger) *Transport {
	return &Transport{
		cfg:     cfg.withDefaults(),
		logger:  logging.NewComponentLogger(logger, "livekit"),
		connect: connectToRoom,
		decoder: newOpusDecoder,
		recvCh:  make(chan frames.Frame, 512),
	}
}

func (t *Transport) Name() string { return "livekit" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) MaxMessageBytes() int { return t.cfg.MaxMessageBytes }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"livekit_url": t.cfg.URL,
		"room":        t.cfg.RoomName,
		"identity":    t.cfg.Identity,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.cfg.validate(); err != nil {
		return err
	}
	r, err := t.connect(t.cfg, t.callbacks())
	if err != nil {
		return fmt.Errorf("livekit: connect to room %s: %w", t.cfg.RoomName, err)
	}
	t.mu.Lock()
	t.room = r
	t.mu.Unlock()
	existing := r.present()
	t.logger.Info("livekit_room_joined",
		slog.String("room", t.cfg.RoomName),
		slog.String("identity", t.cfg.Identity),
		slog.Int("participants", len(existing)))
	for _, p := range existing {
		t.participantJoined(p.identity, p.name, p.metadata)
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	r := t.room
	t.room = nil
	t.mu.Unlock()
	if r != nil {
		r.disconnect()
	}

	t.recvMu.Lock()
	if !t.recvClosed {
		t.recvClosed = true
		close(t.recvCh)
	}
	t.recvMu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, payload []byte, destinations ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(payload) > t.cfg.MaxMessageBytes {
		return fmt.Errorf("livekit: payload of %d bytes exceeds limit %d", len(payload), t.cfg.MaxMessageBytes)
	}
	t.mu.Lock()
	r := t.room
	t.mu.Unlock()
	if r == nil {
		return transports.ErrClosed
	}
	return r.publish(payload, destinations)
}

func (t *Transport) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			t.participantJoined(rp.Identity(), rp.Name(), rp.Metadata())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			t.participantLeft(rp.Identity())
		},
		OnActiveSpeakersChanged: func(ps []lksdk.Participant) {
			ids := make([]string, 0, len(ps))
			for _, p := range ps {
				ids = append(ids, p.Identity())
			}
			t.speakersChanged(ids)
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnMetadataChanged: func(_ string, p lksdk.Participant) {
				t.metadataChanged(p.Identity(), p.Name(), p.Metadata())
			},
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				if t.cfg.MicrophoneOnly && pub.Source() != livekit.TrackSource_MICROPHONE {
					return
				}
				t.startTrack(rp.Identity(), pub.SID(), track)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				t.trackEnded(rp.Identity(), pub.SID())
			},
		},
	}
}

func (t *Transport) participantJoined(identity, name, metadata string) {
	t.emit(frames.NewSystemFrame(identity, frames.Now(), frames.ParticipantJoined, t.meta(map[string]string{
		frames.MetaName:     name,
		frames.MetaMetadata: metadata,
	})))
}

func (t *Transport) participantLeft(identity string) {
	t.emit(frames.NewSystemFrame(identity, frames.Now(), frames.ParticipantLeft, t.meta(nil)))
}

func (t *Transport) metadataChanged(identity, name, metadata string) {
	if identity == t.cfg.Identity {
		return
	}
	t.emit(frames.NewSystemFrame(identity, frames.Now(), frames.MetadataChanged, t.meta(map[string]string{
		frames.MetaName:     name,
		frames.MetaMetadata: metadata,
	})))
}

func (t *Transport) speakersChanged(identities []string) {
	t.emit(frames.NewSpeakersFrame(frames.Now(), identities, t.meta(nil)))
}

func (t *Transport) trackEnded(identity, trackSID string) {
	t.emit(frames.NewSystemFrame(identity, frames.Now(), frames.TrackEnded, t.meta(map[string]string{
		MetaTrackSID: trackSID,
	})))
}

func (t *Transport) startTrack(identity, trackSID string, track *webrtc.TrackRemote) {
	t.readTrack(identity, trackSID, func() ([]byte, error) {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return nil, err
		}
		return pkt.Payload, nil
	})
}

// readTrack decodes packets from next on its own goroutine until the track
// ends or the transport stops.
func (t *Transport) readTrack(identity, trackSID string, next func() ([]byte, error)) {
	dec, err := t.decoder(opusSampleRate, t.cfg.Channels)
	if err != nil {
		t.logger.Error("livekit_decoder_unavailable",
			slog.String("participant", identity),
			slog.String("error", err.Error()))
		return
	}
	go func() {
		meta := t.meta(map[string]string{MetaTrackSID: trackSID})
		for !t.stopped.Load() {
			payload, err := next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					t.logger.Debug("livekit_track_read_failed",
						slog.String("participant", identity),
						slog.String("error", err.Error()))
				}
				return
			}
			if len(payload) == 0 {
				continue
			}
			pcm, err := dec.Decode(payload)
			if err != nil {
				t.logger.Debug("livekit_opus_decode_failed",
					slog.String("participant", identity),
					slog.String("error", err.Error()))
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			t.emit(frames.NewAudioFrame(identity, frames.Now(), pcm, opusSampleRate, t.cfg.Channels, meta))
		}
	}()
}

func (t *Transport) meta(extra map[string]string) map[string]string {
	meta := map[string]string{
		frames.MetaRoom:   t.cfg.RoomName,
		frames.MetaSource: "transport",
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

func (t *Transport) emit(f frames.Frame) {
	t.recvMu.RLock()
	defer t.recvMu.RUnlock()
	if t.recvClosed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		t.logger.Warn("livekit_frame_dropped", slog.String("kind", string(f.Kind())))
	}
}
