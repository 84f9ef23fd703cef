package whisper

import "encoding/binary"

// pcmToFloat32 converts interleaved 16-bit little-endian PCM to mono float32
// samples in [-1, 1], averaging channels when there is more than one. A
// trailing partial frame is ignored.
func pcmToFloat32(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}
