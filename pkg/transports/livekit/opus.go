//go:build opus
// +build opus

package livekit

import (
	"encoding/binary"

	"github.com/hraban/opus"
)

// maxFrameSamples covers a 120ms Opus frame at 48kHz.
const maxFrameSamples = 5760

type opusDecoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

func newOpusDecoder(sampleRate, channels int) (pcmDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &opusDecoder{dec: dec, channels: channels, buf: make([]int16, maxFrameSamples*channels)}, nil
}

func (d *opusDecoder) Decode(payload []byte) ([]byte, error) {
	n, err := d.dec.Decode(payload, d.buf)
	if err != nil {
		return nil, err
	}
	samples := n * d.channels
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(d.buf[i]))
	}
	return out, nil
}
