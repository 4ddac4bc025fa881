package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte RIFF/WAVE header for integer PCM.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// EncodeWAV wraps a PCM clip in a WAV container.
func EncodeWAV(c Clip) ([]byte, error) {
	if err := c.checkPCM(); err != nil {
		return nil, err
	}

	data := c.Data[:c.Frames()*c.FrameLen()]
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(data)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(c.Channels),
		SampleRate:    uint32(c.SampleRate),
		ByteRate:      uint32(c.SampleRate * c.FrameLen()),
		BlockAlign:    uint16(c.FrameLen()),
		BitsPerSample: uint16(c.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(data)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(data)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// DecodeWAV parses an integer-PCM WAV file into a raw PCM clip. Unknown
// chunks (LIST, fact, ...) are skipped; WAVE_FORMAT_EXTENSIBLE is accepted
// when its sub-format is PCM.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("invalid wav: missing RIFF/WAVE header")
	}

	var (
		c      Clip
		gotFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// Streaming writers leave the data size unset; take what is there.
			if id != "data" {
				return Clip{}, fmt.Errorf("invalid wav: chunk %q overruns file", id)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("invalid wav: fmt chunk too short (%d)", size)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format == 0xFFFE && size >= 26 {
				format = binary.LittleEndian.Uint16(data[body+24:])
			}
			if format != 1 {
				return Clip{}, fmt.Errorf("unsupported wav format: %d (only integer PCM)", format)
			}
			c.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			c.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			c.BitDepth = int(binary.LittleEndian.Uint16(data[body+14:]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return Clip{}, fmt.Errorf("invalid wav: data before fmt chunk")
			}
			c.Data = append([]byte(nil), data[body:end]...)
			if err := c.checkPCM(); err != nil {
				return Clip{}, err
			}
			c.Data = c.Data[:c.Frames()*c.FrameLen()]
			return c, nil
		}

		pos = end
		if size%2 == 1 {
			pos++ // chunks are word aligned
		}
	}
	return Clip{}, fmt.Errorf("invalid wav: no data chunk")
}
