package capture

import "encoding/binary"

// DecodeSamples reinterprets little-endian 16-bit PCM as signed samples.
// A trailing odd byte is ignored. The result never aliases p.
func DecodeSamples(p []byte) []int16 {
	samples := make([]int16, len(p)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(p[2*i:]))
	}
	return samples
}

// EncodeSamples is the inverse of DecodeSamples.
func EncodeSamples(samples []int16) []byte {
	p := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(p[2*i:], uint16(v))
	}
	return p
}
