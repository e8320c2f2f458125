package frames

import "time"

type Kind string

const (
	KindAudio    Kind = "audio"
	KindSystem   Kind = "system"
	KindSpeakers Kind = "speakers"
)

// System frame names emitted by transports.
const (
	ParticipantJoined = "participant_joined"
	ParticipantLeft   = "participant_left"
	MetadataChanged   = "metadata_changed"
	TrackEnded        = "track_ended"
)

// Meta keys shared by transports and the engine.
const (
	MetaParticipant = "participant"
	MetaName        = "participant_name"
	MetaMetadata    = "metadata"
	MetaSource      = "source"
	MetaRoom        = "room"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries raw 16-bit little-endian PCM from one participant.
type AudioFrame struct {
	pts         int64
	participant string
	data        []byte
	rate        int
	ch          int
	meta        map[string]string
}

func NewAudioFrame(participant string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:         pts,
		participant: participant,
		data:        data,
		rate:        rate,
		ch:          ch,
		meta:        mergeMeta(participant, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Participant() string     { return a.participant }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// SystemFrame signals a participant lifecycle change.
type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(participant string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(participant, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }
func (s SystemFrame) Participant() string     { return s.meta[MetaParticipant] }

// SpeakersFrame carries the transport's ordered list of currently active speakers.
type SpeakersFrame struct {
	pts      int64
	speakers []string
	meta     map[string]string
}

func NewSpeakersFrame(pts int64, speakers []string, meta map[string]string) SpeakersFrame {
	return SpeakersFrame{
		pts:      pts,
		speakers: append([]string(nil), speakers...),
		meta:     cloneMeta(meta),
	}
}

func (s SpeakersFrame) Kind() Kind              { return KindSpeakers }
func (s SpeakersFrame) PTS() int64              { return s.pts }
func (s SpeakersFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SpeakersFrame) Speakers() []string      { return append([]string(nil), s.speakers...) }

// Now returns a PTS for frames created at the current instant.
func Now() int64 {
	return time.Now().UnixNano()
}

func mergeMeta(participant string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if participant != "" {
		out[MetaParticipant] = participant
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
