package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-audio/wav"
)

// ErrUnsupportedAudio is returned by [DecodeWAV] when the input is not a
// readable PCM WAV file.
var ErrUnsupportedAudio = errors.New("audio: unsupported audio file")

// DecodeWAV reads a PCM WAV file of any sample rate and channel count and
// returns its content as a mono float32 waveform at [SampleRate], together
// with the source format.
func DecodeWAV(r io.ReadSeeker) ([]float32, Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%w: not a valid wav file", ErrUnsupportedAudio)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: read pcm: %v", ErrUnsupportedAudio, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, Format{}, fmt.Errorf("%w: missing format chunk", ErrUnsupportedAudio)
	}

	src := Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	samples := IntToFloat32(buf.Data, int(dec.BitDepth))
	samples = DownmixToMono(samples, src.Channels)

	if src.SampleRate != SampleRate {
		slog.Debug("resampling upload",
			"from", src.String(),
			"to", formatString(SampleRate, 1),
		)
		samples, err = Resample(samples, src.SampleRate, SampleRate)
		if err != nil {
			return nil, src, err
		}
	}
	return samples, src, nil
}
