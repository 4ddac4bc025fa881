package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// ffmpegBin is the decoder used for containers we cannot parse in-process.
var ffmpegBin = "ffmpeg"

// decodeWithFFmpeg runs FFmpeg to decode an audio file to raw PCM int16
// samples at the given rate and channel count.
func decodeWithFFmpeg(path string, rate, channels int) ([]int16, error) {
	cmd := exec.Command(ffmpegBin,
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", strconv.Itoa(channels),
		"-loglevel", "error",
		"pipe:1",
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}
	return BytesToSamples(out), nil
}

// DecodeFile decodes an audio file to interleaved preview samples
// (48kHz stereo). WAV files are decoded in-process, anything else via FFmpeg.
func DecodeFile(path string) ([]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if clip, err := DecodeWAV(data); err == nil {
		mono := downmix(clip)
		mono = Resample(mono, clip.SampleRate, SampleRate)
		return upmix(mono, Channels), nil
	}
	return decodeWithFFmpeg(path, SampleRate, Channels)
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples converts little-endian bytes to int16 samples. A trailing
// odd byte is dropped.
func BytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return samples
}

// sampleAt reads sample i of a PCM clip scaled to the int16 range.
func sampleAt(c Clip, i int) int16 {
	switch c.BitDepth {
	case 8:
		return int16((int(c.Data[i]) - 128) << 8)
	case 24:
		b := c.Data[i*3:]
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return int16(v >> 8)
	case 32:
		return int16(int32(binary.LittleEndian.Uint32(c.Data[i*4:])) >> 16)
	default:
		return int16(binary.LittleEndian.Uint16(c.Data[i*2:]))
	}
}

// downmix averages all channels of a PCM clip into one int16 channel.
func downmix(c Clip) []int16 {
	frames := c.Frames()
	out := make([]int16, frames)
	for f := 0; f < frames; f++ {
		var sum int
		for ch := 0; ch < c.Channels; ch++ {
			sum += int(sampleAt(c, f*c.Channels+ch))
		}
		out[f] = int16(sum / c.Channels)
	}
	return out
}

// upmix duplicates a mono signal into n interleaved channels.
func upmix(mono []int16, n int) []int16 {
	if n == 1 {
		return mono
	}
	out := make([]int16, len(mono)*n)
	for i, s := range mono {
		for ch := 0; ch < n; ch++ {
			out[i*n+ch] = s
		}
	}
	return out
}

// Resample converts a mono signal between sample rates with linear
// interpolation. Equal rates return a copy.
func Resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return append([]int16(nil), in...)
	}

	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(j)
		a, b := float64(in[j]), float64(in[j+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
