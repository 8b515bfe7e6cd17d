package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Supported client audio encodings
const (
	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
)

// Decode converts a raw audio chunk to 16-bit samples
func Decode(encoding string, data []byte) ([]int16, error) {
	switch encoding {
	case EncodingLinear16, "":
		return BytesToSamples(data)
	case EncodingMulaw:
		return MulawToSamples(data), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// BytesToSamples reads little-endian signed 16-bit PCM. A trailing odd byte is an error.
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes writes samples as little-endian signed 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// MulawToSamples expands G.711 μ-law bytes to linear samples
func MulawToSamples(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = mulawToLinear(b)
	}
	return samples
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM (ITU-T G.711)
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa << 3) + 0x84) << segment
	magnitude -= 0x84

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSToDBFS converts an RMS amplitude to decibels relative to full scale.
// Silence maps to math.Inf(-1).
func RMSToDBFS(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/math.MaxInt16)
}
