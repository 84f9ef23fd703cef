package whisper

import (
	"encoding/binary"
	"math"
)

const (
	// bitsPerSample is fixed at 16 for the signed little-endian PCM that
	// whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the energy level (in 16-bit PCM units) below which
	// a chunk counts as silence. Narrowband phone lines carry a noise floor, so
	// this sits a little above pure digital silence.
	defaultRMSThreshold = 300.0
)

// segmenter cuts a PCM stream into utterances using an energy detector. An
// utterance ends after silenceMs of consecutive quiet audio, or when the
// buffer reaches maxBytes. Leading silence is discarded.
//
// A segmenter is owned by a single goroutine.
type segmenter struct {
	sampleRate int
	channels   int
	silenceMs  int
	maxBytes   int
	threshold  float64

	buffer    []byte
	hadSpeech bool
	quietMs   int
}

func newSegmenter(sampleRate, channels, silenceMs, maxBufferMs int) *segmenter {
	s := &segmenter{
		sampleRate: sampleRate,
		channels:   channels,
		silenceMs:  silenceMs,
		threshold:  defaultRMSThreshold,
	}
	if bpms := bytesPerMs(sampleRate, channels); bpms > 0 {
		s.maxBytes = maxBufferMs * bpms
	}
	return s
}

// push adds a chunk and returns a completed utterance when one is ready.
func (s *segmenter) push(chunk []byte) ([]byte, bool) {
	if computeRMS(chunk) < s.threshold {
		if !s.hadSpeech {
			return nil, false
		}
		s.quietMs += chunkDurationMs(chunk, s.sampleRate, s.channels)
		s.buffer = append(s.buffer, chunk...)
		if s.quietMs >= s.silenceMs {
			return s.flush()
		}
		return nil, false
	}

	s.hadSpeech = true
	s.quietMs = 0
	s.buffer = append(s.buffer, chunk...)
	if s.maxBytes > 0 && len(s.buffer) >= s.maxBytes {
		return s.flush()
	}
	return nil, false
}

// flush returns the buffered utterance, if it contains any speech, and resets
// the segmenter.
func (s *segmenter) flush() ([]byte, bool) {
	pcm, speech := s.buffer, s.hadSpeech
	s.buffer = nil
	s.hadSpeech = false
	s.quietMs = 0
	if !speech || len(pcm) == 0 {
		return nil, false
	}
	return pcm, true
}

// computeRMS returns the root-mean-square energy of 16-bit little-endian PCM,
// or 0 for buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func bytesPerMs(sampleRate, channels int) int {
	return sampleRate * channels * (bitsPerSample / 8) / 1000
}

// chunkDurationMs returns the duration of chunk in milliseconds, or 0 for an
// invalid format.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return len(chunk) * 1000 / (sampleRate * channels * (bitsPerSample / 8))
}

// encodeWAV wraps 16-bit PCM in a minimal RIFF/WAV container for upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * bitsPerSample / 8
	buf := make([]byte, 44+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
