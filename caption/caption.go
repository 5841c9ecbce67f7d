// Package caption parses the binary closed-caption payloads delivered on
// the captions track. Payloads are surfaced as ccx caption frames, the
// caption interchange type shared across the streaming toolchain.
package caption

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zsiec/ccx"
)

// Magic prefixes a structured caption payload. Payloads without it fall
// back to the legacy encoding: first byte = channel, remainder = UTF-8 text.
const Magic uint16 = 0xCC02

// Region is one positioned text region of a caption frame.
type Region struct {
	Row    uint8
	Indent uint8
	Text   string
}

// Payload is a parsed caption payload.
type Payload struct {
	Version uint8
	Channel uint8
	Regions []Region
}

// Parse decodes a caption payload. Wire layout after the 2-byte magic:
// version:u8, channel:u8, region_count:u8, then per region
// row:u8 | indent:u8 | text_len:u16 BE | utf8 text.
func Parse(data []byte) (*Payload, error) {
	if len(data) < 2 || binary.BigEndian.Uint16(data[:2]) != Magic {
		return parseLegacy(data)
	}

	if len(data) < 5 {
		return nil, fmt.Errorf("caption: truncated header (%d bytes)", len(data))
	}

	p := &Payload{
		Version: data[2],
		Channel: data[3],
	}
	count := int(data[4])

	pos := 5
	for i := 0; i < count; i++ {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("caption: truncated region %d header", i)
		}
		row := data[pos]
		indent := data[pos+1]
		textLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		pos += 4
		if pos+textLen > len(data) {
			return nil, fmt.Errorf("caption: region %d text overruns payload", i)
		}
		p.Regions = append(p.Regions, Region{
			Row:    row,
			Indent: indent,
			Text:   string(data[pos : pos+textLen]),
		})
		pos += textLen
	}

	return p, nil
}

// parseLegacy decodes the pre-magic encoding: channel byte followed by text.
func parseLegacy(data []byte) (*Payload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("caption: empty payload")
	}
	return &Payload{
		Channel: data[0],
		Regions: []Region{{Text: string(data[1:])}},
	}, nil
}

// Frame converts the payload to a ccx caption frame at the given PTS,
// joining region texts in display order.
func (p *Payload) Frame(pts int64) *ccx.CaptionFrame {
	texts := make([]string, 0, len(p.Regions))
	for _, r := range p.Regions {
		if r.Text != "" {
			texts = append(texts, r.Text)
		}
	}
	return &ccx.CaptionFrame{
		PTS:     pts,
		Channel: int(p.Channel),
		Text:    strings.Join(texts, "\n"),
	}
}
