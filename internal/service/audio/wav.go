package audio

import (
	"bytes"
	"encoding/binary"
)

const wavHeaderSize = 44

// EncodeWAV wraps raw PCM in a canonical RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	ch := f.channels()
	var b bytes.Buffer
	b.Grow(wavHeaderSize + len(pcm))

	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVE")

	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(ch))
	_ = binary.Write(&b, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(f.BytesPerSecond()))
	_ = binary.Write(&b, binary.LittleEndian, uint16(f.SampleWidth*ch))
	_ = binary.Write(&b, binary.LittleEndian, uint16(f.SampleWidth*8))

	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}
