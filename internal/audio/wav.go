package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// WAVHeaderSize is the size of the canonical PCM WAV header in bytes
const WAVHeaderSize = 44

// ErrInvalidWindowLength is returned by EncodeWindow when the window does not
// hold exactly one second of audio at the given sample rate
var ErrInvalidWindowLength = errors.New("invalid window length")

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// newPCMHeader builds the mono 16-bit PCM header for dataSize payload bytes
func newPCMHeader(sampleRate int, dataSize uint32) WAVHeader {
	numChannels := uint16(1)
	bitsPerSample := uint16(16)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// QuantizeSample converts a normalized sample to signed 16-bit PCM.
// The sample is clamped to [-1, 1] first. Positive values scale by 32767 and
// negative values by 32768 so the full int16 range is reachable. NaN maps to 0.
func QuantizeSample(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}

	if v >= 0 {
		return int16(math.Round(v * 32767))
	}
	return int16(math.Round(v * 32768))
}

// EncodeWindow encodes one analysis window of normalized float samples into a
// mono 16-bit PCM WAV container. The window must hold exactly sampleRate
// samples.
func EncodeWindow(window []float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if len(window) != sampleRate {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrInvalidWindowLength, len(window), sampleRate)
	}

	samples := make([]int16, len(window))
	for i, s := range window {
		samples[i] = QuantizeSample(s)
	}

	return EncodeWAV(samples, sampleRate)
}

// EncodeWAV encodes PCM-16 samples into WAV format
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2) // 2 bytes per sample
	header := newPCMHeader(sampleRate, dataSize)

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes WAV format data back to PCM-16 samples
func DecodeWAV(data []byte) ([]int16, int, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, 0, err
	}

	if header.AudioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.BitsPerSample != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}

	if header.NumChannels != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}

	numSamples := int(header.Subchunk2Size) / 2
	if numSamples <= 0 {
		return nil, 0, fmt.Errorf("no audio data found")
	}

	if len(data)-WAVHeaderSize < numSamples*2 {
		return nil, 0, fmt.Errorf("WAV payload truncated: header declares %d bytes, got %d",
			numSamples*2, len(data)-WAVHeaderSize)
	}

	samples := make([]int16, numSamples)
	payload := bytes.NewReader(data[WAVHeaderSize:])
	if err := binary.Read(payload, binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	return samples, int(header.SampleRate), nil
}

// readHeader parses and validates the fixed 44-byte header
func readHeader(data []byte) (WAVHeader, error) {
	var header WAVHeader

	if err := ValidateWAV(data); err != nil {
		return header, err
	}

	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return header, fmt.Errorf("failed to read WAV header: %w", err)
	}

	return header, nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// ClipInfo describes a mono or multi-channel PCM WAV clip
type ClipInfo struct {
	SampleRate    int           `json:"sample_rate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bits_per_sample"`
	Samples       int           `json:"samples"` // Frames per channel
	Duration      time.Duration `json:"duration"`
}

// InspectClip reads the header of a canonical WAV clip without decoding the payload
func InspectClip(data []byte) (*ClipInfo, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if header.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	frameSize := int(header.BitsPerSample) / 8 * int(header.NumChannels)
	if frameSize == 0 {
		return nil, fmt.Errorf("invalid format: %d channels, %d bits per sample",
			header.NumChannels, header.BitsPerSample)
	}

	samples := int(header.Subchunk2Size) / frameSize
	return &ClipInfo{
		SampleRate:    int(header.SampleRate),
		Channels:      int(header.NumChannels),
		BitsPerSample: int(header.BitsPerSample),
		Samples:       samples,
		Duration:      time.Duration(samples) * time.Second / time.Duration(header.SampleRate),
	}, nil
}
