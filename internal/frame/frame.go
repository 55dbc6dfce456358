package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"

	"agentnet/internal/agenterr"
)

// MaxDatagram is the largest frame an agent sends or accepts.
const MaxDatagram = 60000

// Format selects the header framing.
type Format int

const (
	// FormatCurrent is a 2-byte little-endian header length then a JSON header.
	FormatCurrent Format = iota
	// FormatLegacy has no length prefix: the JSON header starts at byte 1.
	FormatLegacy
	// FormatCompact is a 2-byte length then a msgpack header.
	FormatCompact
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatCompact:
		return "compact"
	default:
		return "current"
	}
}

// ParseFormat accepts "current", "legacy" or "compact".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "current", "json":
		return FormatCurrent, nil
	case "legacy":
		return FormatLegacy, nil
	case "compact", "msgpack":
		return FormatCompact, nil
	default:
		return FormatCurrent, fmt.Errorf("unknown header format %q", s)
	}
}

const compactVersion = 1

type compactHeader struct {
	Version uint8 `msgpack:"v"`
	Header
}

// Frame is one decoded datagram.
type Frame struct {
	Type    MessageType
	Header  Header
	Payload []byte
	Format  Format
}

// Text returns the payload as a string with trailing NULs removed.
func (f *Frame) Text() string {
	return string(bytes.TrimRight(f.Payload, "\x00"))
}

// Encode builds a datagram. Header strings must be valid UTF-8.
func Encode(t MessageType, h Header, payload []byte, format Format) ([]byte, error) {
	for _, f := range []string{h.Node, h.Proc, h.Addr} {
		if !utf8.ValidString(f) {
			return nil, agenterr.Wrap(agenterr.ErrEncode, "header string %q is not valid UTF-8", f)
		}
	}

	var hdr []byte
	var err error

	switch format {
	case FormatCompact:
		hdr, err = msgpack.Marshal(&compactHeader{Version: compactVersion, Header: h})
	default:
		hdr, err = h.appendJSON(make([]byte, 0, 256))
	}
	if err != nil {
		return nil, agenterr.Wrap(agenterr.ErrEncode, "encoding header: %v", err)
	}

	var out []byte
	if format == FormatLegacy {
		if t == 0 {
			return nil, agenterr.Wrap(agenterr.ErrEncode, "type 0 has no legacy encoding")
		}
		out = make([]byte, 0, 1+len(hdr)+len(payload))
		out = append(out, byte(t-1))
	} else {
		// A length whose low byte is '{' would read as a legacy frame.
		if len(hdr)&0xff == '{' {
			if format == FormatCompact {
				hdr = append(hdr, msgpackNil)
			} else {
				hdr = append(hdr, ' ')
			}
		}
		if len(hdr) > math.MaxUint16 {
			return nil, agenterr.Wrap(agenterr.ErrBufferOverflow, "header is %d bytes", len(hdr))
		}
		out = make([]byte, 0, 3+len(hdr)+len(payload))
		out = append(out, byte(t))
		out = binary.LittleEndian.AppendUint16(out, uint16(len(hdr)))
	}
	out = append(out, hdr...)
	out = append(out, payload...)

	if len(out) > MaxDatagram {
		return nil, agenterr.Wrap(agenterr.ErrBufferOverflow, "frame is %d bytes, limit %d", len(out), MaxDatagram)
	}
	return out, nil
}

const msgpackNil = 0xc0

// Decode parses a datagram in any supported format.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) < 2 {
		return f, agenterr.Wrap(agenterr.ErrProtocol, "frame too short: %d bytes", len(b))
	}

	if b[1] == '{' {
		h, n, err := parseJSONHeader(b[1:])
		if err != nil {
			return f, agenterr.Wrap(agenterr.ErrProtocol, "legacy header: %v", err)
		}
		f.Type = MessageType(b[0] + 1)
		f.Header = h
		f.Payload = append([]byte{}, b[1+n:]...)
		f.Format = FormatLegacy
		return f, nil
	}

	if len(b) < 4 {
		return f, agenterr.Wrap(agenterr.ErrProtocol, "frame too short: %d bytes", len(b))
	}
	hlen := int(binary.LittleEndian.Uint16(b[1:3]))
	if hlen == 0 || 3+hlen > len(b) {
		return f, agenterr.Wrap(agenterr.ErrProtocol, "header length %d exceeds frame of %d bytes", hlen, len(b))
	}
	hdr := b[3 : 3+hlen]
	f.Type = MessageType(b[0])
	f.Payload = append([]byte{}, b[3+hlen:]...)

	if hdr[0] == '{' {
		h, n, err := parseJSONHeader(hdr)
		if err != nil {
			return f, agenterr.Wrap(agenterr.ErrProtocol, "header: %v", err)
		}
		if len(bytes.TrimSpace(hdr[n:])) != 0 {
			return f, agenterr.Wrap(agenterr.ErrProtocol, "trailing bytes after header")
		}
		f.Header = h
		f.Format = FormatCurrent
		return f, nil
	}

	var ch compactHeader
	if err := msgpack.Unmarshal(hdr, &ch); err != nil {
		return f, agenterr.Wrap(agenterr.ErrProtocol, "compact header: %v", err)
	}
	if ch.Version != compactVersion {
		return f, agenterr.Wrap(agenterr.ErrProtocol, "compact header version %d", ch.Version)
	}
	f.Header = ch.Header
	f.Format = FormatCompact
	return f, nil
}
