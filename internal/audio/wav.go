package audio

import (
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// WAV output format: mono 16-bit PCM
const (
	wavBitDepth    = 16
	wavChannels    = 1
	wavAudioFormat = 1 // PCM
)

// WAVInfo describes a decoded WAV stream
type WAVInfo struct {
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	NumSamples    int     `json:"num_samples"`
	Duration      float64 `json:"duration_seconds"`
}

// ToPCM16 converts float samples in [-1, 1] to 16-bit integer samples,
// clipping anything outside the range
func ToPCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * math.MaxInt16)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int(v)
	}
	return out
}

// FromPCM converts integer samples of the given bit depth to floats in [-1, 1)
func FromPCM(samples []int, bitDepth int) []float32 {
	scale := float32(int(1) << (bitDepth - 1))
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / scale
	}
	return out
}

// WriteWAV encodes samples as a mono 16-bit WAV stream to w
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if len(samples) == 0 {
		return fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	encoder := wav.NewEncoder(w, sampleRate, wavBitDepth, wavChannels, wavAudioFormat)

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: wavChannels, SampleRate: sampleRate},
		Data:           ToPCM16(samples),
		SourceBitDepth: wavBitDepth,
	}

	if err := encoder.Write(buffer); err != nil {
		return fmt.Errorf("encoder write buffer: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("encoder close: %w", err)
	}

	return nil
}

// EncodeWAV encodes samples into an in-memory WAV file
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	wavFile := &writerseeker.WriterSeeker{}

	if err := WriteWAV(wavFile, samples, sampleRate); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(wavFile.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}

	return data, nil
}

// DecodeWAV reads a PCM WAV stream into mono float samples. Multi-channel
// input is downmixed by averaging.
func DecodeWAV(r io.ReadSeeker) ([]float32, *WAVInfo, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, nil, fmt.Errorf("invalid WAV file")
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read PCM data: %w", err)
	}

	channels := int(decoder.NumChans)
	if channels < 1 {
		return nil, nil, fmt.Errorf("invalid channel count: %d", channels)
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth < 8 || bitDepth > 32 {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}

	data := buffer.Data
	if channels > 1 {
		mono := make([]int, len(data)/channels)
		for i := range mono {
			sum := 0
			for c := 0; c < channels; c++ {
				sum += data[i*channels+c]
			}
			mono[i] = sum / channels
		}
		data = mono
	}

	samples := FromPCM(data, bitDepth)
	sampleRate := int(decoder.SampleRate)

	info := &WAVInfo{
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: bitDepth,
		NumSamples:    len(samples),
	}
	if sampleRate > 0 {
		info.Duration = float64(len(samples)) / float64(sampleRate)
	}

	return samples, info, nil
}
