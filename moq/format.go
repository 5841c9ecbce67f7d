package moq

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"
)

// Payload and decoder-configuration helpers for the AVC1/HVC1 packaging
// used on the video track. Objects arrive as length-prefixed NALUs with a
// decoder configuration record on keyframes; native decoders that consume
// Annex B need the conversions below.

// AVCConfig is a parsed AVCDecoderConfigurationRecord (ISO 14496-15 §5.2.4.1.1).
type AVCConfig struct {
	Profile       byte
	Compatibility byte
	Level         byte
	NALULengthLen int // bytes per NALU length prefix, 1-4
	SPS           [][]byte
	PPS           [][]byte
}

// CodecString returns the RFC 6381 codec string, e.g. "avc1.64001f".
func (c AVCConfig) CodecString() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", c.Profile, c.Compatibility, c.Level)
}

// ParseAVCDecoderConfig parses an AVCDecoderConfigurationRecord.
func ParseAVCDecoderConfig(data []byte) (AVCConfig, error) {
	var c AVCConfig
	if len(data) < 7 {
		return c, fmt.Errorf("%w: avc config too short (%d bytes)", ErrMalformed, len(data))
	}
	if data[0] != 1 {
		return c, fmt.Errorf("%w: avc config version %d", ErrMalformed, data[0])
	}

	c.Profile = data[1]
	c.Compatibility = data[2]
	c.Level = data[3]
	c.NALULengthLen = int(data[4]&0x03) + 1

	pos := 5
	numSPS := int(data[pos] & 0x1F)
	pos++
	for i := 0; i < numSPS; i++ {
		nal, next, err := readU16Prefixed(data, pos)
		if err != nil {
			return c, fmt.Errorf("%w: sps %d truncated", ErrMalformed, i)
		}
		c.SPS = append(c.SPS, nal)
		pos = next
	}

	if pos >= len(data) {
		return c, fmt.Errorf("%w: avc config missing pps count", ErrMalformed)
	}
	numPPS := int(data[pos])
	pos++
	for i := 0; i < numPPS; i++ {
		nal, next, err := readU16Prefixed(data, pos)
		if err != nil {
			return c, fmt.Errorf("%w: pps %d truncated", ErrMalformed, i)
		}
		c.PPS = append(c.PPS, nal)
		pos = next
	}

	return c, nil
}

// HEVCConfig is a parsed HEVCDecoderConfigurationRecord (ISO 14496-15 §8.3.3.1.2),
// limited to the fields the player needs.
type HEVCConfig struct {
	ProfileSpace    byte
	TierFlag        byte
	ProfileIDC      byte
	CompatFlags     uint32
	ConstraintFlags uint64 // 48 bits
	LevelIDC        byte
	NALULengthLen   int
	NALUs           [][]byte // VPS/SPS/PPS in array order
}

// CodecString returns the RFC 6381 codec string, e.g. "hvc1.1.6.L120.B0".
func (c HEVCConfig) CodecString() string {
	var sb strings.Builder
	sb.WriteString("hvc1.")
	if c.ProfileSpace > 0 {
		sb.WriteByte('A' + c.ProfileSpace - 1)
	}
	fmt.Fprintf(&sb, "%d.", c.ProfileIDC)
	fmt.Fprintf(&sb, "%X.", bits.Reverse32(c.CompatFlags))
	if c.TierFlag != 0 {
		sb.WriteByte('H')
	} else {
		sb.WriteByte('L')
	}
	fmt.Fprintf(&sb, "%d", c.LevelIDC)
	for i := 5; i >= 0; i-- {
		b := byte(c.ConstraintFlags >> (i * 8))
		fmt.Fprintf(&sb, ".%X", b)
		// Trailing zero bytes are omitted.
		rest := c.ConstraintFlags & ((uint64(1) << (i * 8)) - 1)
		if rest == 0 {
			break
		}
	}
	return sb.String()
}

// ParseHEVCDecoderConfig parses an HEVCDecoderConfigurationRecord.
func ParseHEVCDecoderConfig(data []byte) (HEVCConfig, error) {
	var c HEVCConfig
	if len(data) < 23 {
		return c, fmt.Errorf("%w: hevc config too short (%d bytes)", ErrMalformed, len(data))
	}
	if data[0] != 1 {
		return c, fmt.Errorf("%w: hevc config version %d", ErrMalformed, data[0])
	}

	c.ProfileSpace = data[1] >> 6
	c.TierFlag = (data[1] >> 5) & 1
	c.ProfileIDC = data[1] & 0x1F
	c.CompatFlags = binary.BigEndian.Uint32(data[2:6])
	for i := 0; i < 6; i++ {
		c.ConstraintFlags = c.ConstraintFlags<<8 | uint64(data[6+i])
	}
	c.LevelIDC = data[12]
	c.NALULengthLen = int(data[21]&0x03) + 1

	numArrays := int(data[22])
	pos := 23
	for a := 0; a < numArrays; a++ {
		if pos+3 > len(data) {
			return c, fmt.Errorf("%w: hevc array %d truncated", ErrMalformed, a)
		}
		numNALUs := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		pos += 3
		for n := 0; n < numNALUs; n++ {
			nal, next, err := readU16Prefixed(data, pos)
			if err != nil {
				return c, fmt.Errorf("%w: hevc nalu truncated", ErrMalformed)
			}
			c.NALUs = append(c.NALUs, nal)
			pos = next
		}
	}

	return c, nil
}

// AVC1ToAnnexB converts a length-prefixed NALU payload to Annex B
// (4-byte start code prefixed). lengthSize is the NALU length prefix
// width from the decoder configuration record (normally 4).
func AVC1ToAnnexB(payload []byte, lengthSize int) ([]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("%w: nalu length size %d", ErrMalformed, lengthSize)
	}

	out := make([]byte, 0, len(payload)+16)
	pos := 0
	for pos < len(payload) {
		if pos+lengthSize > len(payload) {
			return nil, fmt.Errorf("%w: truncated nalu length at %d", ErrMalformed, pos)
		}
		var n int
		for i := 0; i < lengthSize; i++ {
			n = n<<8 | int(payload[pos+i])
		}
		pos += lengthSize
		if pos+n > len(payload) || n < 0 {
			return nil, fmt.Errorf("%w: nalu overruns payload at %d", ErrMalformed, pos)
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, payload[pos:pos+n]...)
		pos += n
	}
	return out, nil
}

func readU16Prefixed(data []byte, pos int) ([]byte, int, error) {
	if pos+2 > len(data) {
		return nil, 0, fmt.Errorf("short length prefix")
	}
	n := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if pos+n > len(data) {
		return nil, 0, fmt.Errorf("short payload")
	}
	return data[pos : pos+n], pos + n, nil
}
