package livekit

// pcmDecoder turns one encoded packet into 16-bit little-endian PCM.
type pcmDecoder interface {
	Decode(payload []byte) ([]byte, error)
}

type decoderFactory func(sampleRate, channels int) (pcmDecoder, error)
