package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func samples(vals ...int16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestDownmixAveragesPairs(t *testing.T) {
	stereo := samples(100, 300, -200, -400, 7)
	mono := Downmix(stereo, 2)
	if len(mono) != 4 {
		t.Fatalf("expected 2 mono samples, got %d bytes", len(mono))
	}
	first := int16(binary.LittleEndian.Uint16(mono[0:]))
	second := int16(binary.LittleEndian.Uint16(mono[2:]))
	if first != 200 || second != -300 {
		t.Fatalf("unexpected downmix: %d %d", first, second)
	}
}

func TestDownmixMonoPassthrough(t *testing.T) {
	in := samples(1, 2, 3)
	if got := Downmix(in, 1); len(got) != len(in) {
		t.Fatalf("expected passthrough")
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("expected 0 for empty input, got %f", got)
	}
	if got := RMS(samples(300, -300, 300, -300)); math.Abs(got-300) > 1e-9 {
		t.Fatalf("expected 300, got %f", got)
	}
	if got := RMS(append(samples(400), 0x01)); math.Abs(got-400) > 1e-9 {
		t.Fatalf("odd trailing byte should be ignored, got %f", got)
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(96000, 48000, 1); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
	if got := Duration(96000, 0, 1); got != 0 {
		t.Fatalf("expected 0 for unknown rate, got %s", got)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := samples(1, 2, 3, 4)
	wav, err := EncodeWAV(pcm, 48000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("unexpected length %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad header markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:]); rate != 48000 {
		t.Fatalf("expected rate 48000, got %d", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:]); int(size) != len(pcm) {
		t.Fatalf("expected data size %d, got %d", len(pcm), size)
	}
	if _, err := EncodeWAV(nil, 48000, 1); err == nil {
		t.Fatalf("expected error for empty pcm")
	}
}
