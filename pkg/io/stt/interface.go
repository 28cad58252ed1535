package stt

// PCM layout carried end to end by the realtime pipeline: mono signed 16-bit
// little endian.
const (
	DefaultSampleRate = 16000
	NumChannels       = 1
	BitsPerSample     = 16
	BytesPerSample    = BitsPerSample / 8
)

const wavHeaderSize = 44

// EncodeWAV wraps raw PCM in a canonical 44-byte RIFF header so HTTP speech
// services can sniff the format.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	byteRate := sampleRate * NumChannels * BytesPerSample
	blockAlign := NumChannels * BytesPerSample

	out := make([]byte, wavHeaderSize, wavHeaderSize+len(pcm))

	// RIFF chunk descriptor
	copy(out[0:4], "RIFF")
	writeUint32LE(out[4:8], uint32(wavHeaderSize-8+len(pcm)))
	copy(out[8:12], "WAVE")

	// fmt sub-chunk
	copy(out[12:16], "fmt ")
	writeUint32LE(out[16:20], 16) // PCM format chunk size
	writeUint16LE(out[20:22], 1)  // PCM format
	writeUint16LE(out[22:24], NumChannels)
	writeUint32LE(out[24:28], uint32(sampleRate))
	writeUint32LE(out[28:32], uint32(byteRate))
	writeUint16LE(out[32:34], uint16(blockAlign))
	writeUint16LE(out[34:36], BitsPerSample)

	// data sub-chunk
	copy(out[36:40], "data")
	writeUint32LE(out[40:44], uint32(len(pcm)))

	return append(out, pcm...)
}

// Duration of a PCM payload in milliseconds.
func DurationMs(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return len(pcm) / (NumChannels * BytesPerSample) * 1000 / sampleRate
}

func writeUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func writeUint16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
