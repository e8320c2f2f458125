//go:build !opus
// +build !opus

package livekit

import "errors"

// ErrOpusUnavailable is returned when the binary was built without libopus.
// Rebuild with -tags opus to decode LiveKit audio.
var ErrOpusUnavailable = errors.New("livekit: opus support not compiled in (build with -tags opus)")

func newOpusDecoder(int, int) (pcmDecoder, error) {
	return nil, ErrOpusUnavailable
}
