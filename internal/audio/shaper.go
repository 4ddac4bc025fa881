package audio

import (
	"fmt"
	"math"
	"os"
)

// ConvertToCanonicalPCM re-encodes a clip to 16-bit mono PCM at
// CanonicalSampleRate. Raw PCM and PCM WAV are handled in-process; other
// containers go through FFmpeg.
func ConvertToCanonicalPCM(c Clip) (Clip, error) {
	if c.Empty() {
		return Clip{}, fmt.Errorf("%w: empty source", ErrConversion)
	}

	src := c
	switch c.Container {
	case "":
	case "wav", "wave":
		decoded, err := DecodeWAV(c.Data)
		if err != nil {
			// float or compressed WAV: let FFmpeg deal with it
			return convertContainer(c)
		}
		src = decoded
	default:
		return convertContainer(c)
	}

	if err := src.checkPCM(); err != nil {
		return Clip{}, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	if src.SampleRate == CanonicalSampleRate && src.Channels == CanonicalChannels && src.BitDepth == CanonicalBitDepth {
		return Clip{
			Data:       append([]byte(nil), src.Data[:src.Frames()*src.FrameLen()]...),
			SampleRate: CanonicalSampleRate,
			Channels:   CanonicalChannels,
			BitDepth:   CanonicalBitDepth,
		}, nil
	}

	mono := Resample(downmix(src), src.SampleRate, CanonicalSampleRate)
	return canonicalClip(mono), nil
}

func convertContainer(c Clip) (Clip, error) {
	tmp, err := os.CreateTemp("", "gary-src-*."+c.Container)
	if err != nil {
		return Clip{}, fmt.Errorf("%w: create temp file: %v", ErrConversion, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(c.Data); err != nil {
		tmp.Close()
		return Clip{}, fmt.Errorf("%w: write temp file: %v", ErrConversion, err)
	}
	tmp.Close()

	samples, err := decodeWithFFmpeg(tmp.Name(), CanonicalSampleRate, CanonicalChannels)
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	if len(samples) == 0 {
		return Clip{}, fmt.Errorf("%w: no audio decoded", ErrConversion)
	}
	return canonicalClip(samples), nil
}

func canonicalClip(samples []int16) Clip {
	return Clip{
		Data:       SamplesToBytes(samples),
		SampleRate: CanonicalSampleRate,
		Channels:   CanonicalChannels,
		BitDepth:   CanonicalBitDepth,
	}
}

// PadToDuration appends silence until the clip lasts targetSeconds. Clips
// that are already long enough come back unchanged, never truncated.
func PadToDuration(c Clip, targetSeconds float64) (Clip, error) {
	if err := c.checkPCM(); err != nil {
		return Clip{}, err
	}

	targetFrames := int(math.Ceil(targetSeconds * float64(c.SampleRate)))
	frames := c.Frames()
	if frames >= targetFrames {
		return c, nil
	}

	used := frames * c.FrameLen()
	data := make([]byte, targetFrames*c.FrameLen())
	copy(data, c.Data[:used])
	if c.BitDepth == 8 {
		// unsigned 8-bit silence sits at the midpoint
		for i := used; i < len(data); i++ {
			data[i] = 0x80
		}
	}

	out := c
	out.Data = data
	return out, nil
}

// CropAtPlaybackPosition keeps frames [0, elapsed*rate), clamped to the clip
// length. A crop that would keep nothing fails with ErrEmptyCrop.
func CropAtPlaybackPosition(c Clip, elapsedSeconds float64) (Clip, error) {
	if err := c.checkPCM(); err != nil {
		return Clip{}, err
	}

	total := c.Frames()
	end := 0
	if elapsedSeconds > 0 {
		f := elapsedSeconds * float64(c.SampleRate)
		if f >= float64(total) {
			end = total
		} else {
			end = int(f)
		}
	}
	if end <= 0 {
		return Clip{}, ErrEmptyCrop
	}

	out := c
	out.Data = append([]byte(nil), c.Data[:end*c.FrameLen()]...)
	return out, nil
}
