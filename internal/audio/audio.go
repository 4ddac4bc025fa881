package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Canonical format expected by the processing service.
const (
	CanonicalSampleRate = 32000
	CanonicalChannels   = 1
	CanonicalBitDepth   = 16
)

// Preview playback format (Opus-friendly, 20ms frames).
const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

var (
	// ErrConversion wraps every failure to produce canonical PCM.
	ErrConversion = errors.New("audio conversion failed")
	// ErrEmptyCrop is returned when a crop would produce zero frames.
	ErrEmptyCrop = errors.New("crop position yields an empty clip")
	// ErrNotPCM is returned when an operation needs raw PCM but got an encoded container.
	ErrNotPCM = errors.New("clip is not raw PCM")
)

// Clip is an immutable audio buffer. When Container is empty, Data holds
// little-endian interleaved PCM described by SampleRate, Channels and BitDepth.
// Otherwise Data is an encoded file ("m4a", "wav", ...) and the format fields
// may be zero.
type Clip struct {
	Data       []byte
	SampleRate int
	Channels   int
	BitDepth   int
	Container  string
}

// IsPCM reports whether Data is raw PCM.
func (c Clip) IsPCM() bool {
	return c.Container == ""
}

// BytesPerSample returns the size of one sample of one channel.
func (c Clip) BytesPerSample() int {
	return c.BitDepth / 8
}

// FrameLen returns the byte size of one frame (one sample for every channel).
func (c Clip) FrameLen() int {
	return c.BytesPerSample() * c.Channels
}

// Frames returns the number of whole frames in a PCM clip.
func (c Clip) Frames() int {
	fl := c.FrameLen()
	if !c.IsPCM() || fl <= 0 {
		return 0
	}
	return len(c.Data) / fl
}

// Duration returns the clip length in seconds. Encoded clips report 0.
func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(c.Frames()) / float64(c.SampleRate)
}

// Empty reports whether the clip carries no bytes at all.
func (c Clip) Empty() bool {
	return len(c.Data) == 0
}

func (c Clip) checkPCM() error {
	if !c.IsPCM() {
		return fmt.Errorf("%w: container %q", ErrNotPCM, c.Container)
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid format: rate=%d channels=%d", c.SampleRate, c.Channels)
	}
	switch c.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth: %d", c.BitDepth)
	}
	return nil
}

// LoadFile reads a recording from disk. See FromBytes for how the container
// is chosen.
func LoadFile(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("read %s: %w", path, err)
	}
	return FromBytes(data, path), nil
}

// FromBytes wraps recorded bytes using name's extension as the container.
// ".pcm" and ".raw" are taken as canonical PCM.
func FromBytes(data []byte, name string) Clip {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch ext {
	case "pcm", "raw":
		return Clip{
			Data:       data,
			SampleRate: CanonicalSampleRate,
			Channels:   CanonicalChannels,
			BitDepth:   CanonicalBitDepth,
		}
	case "":
		ext = "bin"
	}
	return Clip{Data: data, Container: ext}
}
