package frame

import (
	"encoding/binary"

	"gitlab.com/d21d3q/gombus/internal/crc"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

const (
	firstBlockLen = 10
	blockLen      = 16
	// minWirelessL covers the link header plus the CI field.
	minWirelessL = firstBlockLen
)

// Wireless is a Format A wM-Bus telegram with its CRCs verified and removed.
type Wireless struct {
	Length  byte
	Control byte
	Link    Address
	App     Application
	Meta    Meta
	// CRCStripped marks a telegram received without block CRCs, i.e. one the
	// receiver already validated.
	CRCStripped bool
}

func (*Wireless) Kind() Kind { return KindWireless }
func (*Wireless) sealed()    {}

// BlockSizes partitions n data bytes (L-field included, CRCs excluded) into
// Format A blocks: a 10-byte first block, then 16-byte blocks, the last one
// possibly shorter.
func BlockSizes(n int) []int {
	if n <= 0 {
		return nil
	}
	if n <= firstBlockLen {
		return []int{n}
	}
	sizes := []int{firstBlockLen}
	for rest := n - firstBlockLen; rest > 0; rest -= blockLen {
		sizes = append(sizes, min(rest, blockLen))
	}
	return sizes
}

// ParseOption relaxes wireless parsing.
type ParseOption func(*parseConfig)

type parseConfig struct {
	allowStripped bool
}

// AllowStrippedCRC accepts telegrams of exactly L+1 bytes whose block CRCs
// were removed by the receiver. Nothing checks their integrity.
func AllowStrippedCRC() ParseOption {
	return func(c *parseConfig) { c.allowStripped = true }
}

// ParseWireless validates every block CRC of a Format A telegram and decodes
// the link and application layers. The first failing block aborts parsing
// with an integrity error carrying its 1-based index. Telegrams without CRCs
// are length mismatches unless AllowStrippedCRC is given.
func ParseWireless(raw []byte, opts ...ParseOption) (*Wireless, error) {
	var cfg parseConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(raw) == 0 {
		return nil, protoerr.LengthMismatch(1, 0)
	}
	l := int(raw[0])
	if l < minWirelessL {
		return nil, protoerr.New(protoerr.CodeLengthMismatch, "L-field %d shorter than link header", l)
	}
	sizes := BlockSizes(l + 1)
	withCRC := l + 1 + crc.Size*len(sizes)

	var data []byte
	stripped := false
	switch len(raw) {
	case withCRC:
		data = make([]byte, 0, l+1)
		off := 0
		for i, size := range sizes {
			block := raw[off : off+size+crc.Size]
			if !crc.VerifyBlock(block) {
				return nil, protoerr.Integrity(i+1, "CRC mismatch in block of %d bytes", size)
			}
			data = append(data, block[:size]...)
			off += size + crc.Size
		}
	case l + 1:
		if !cfg.allowStripped {
			return nil, protoerr.LengthMismatch(withCRC, len(raw))
		}
		data = raw
		stripped = true
	default:
		return nil, protoerr.LengthMismatch(withCRC, len(raw))
	}

	app, err := ParseApplication(data[firstBlockLen:], true)
	if err != nil {
		return nil, err
	}
	w := &Wireless{
		Length:      data[0],
		Control:     data[1],
		App:         app,
		CRCStripped: stripped,
	}
	w.Link.Manufacturer = binary.LittleEndian.Uint16(data[2:4])
	copy(w.Link.ID[:], data[4:8])
	w.Link.Version = data[8]
	w.Link.DeviceType = data[9]
	return w, nil
}

// Device returns the address the application data belongs to: the long
// transport header address when present, the link address otherwise.
func (w *Wireless) Device() Address {
	if w.App.Header.Type == HeaderLong {
		return w.App.Header.Address
	}
	return w.Link
}

// EncodeWireless serialises w in Format A, computing L and inserting block
// CRCs.
func EncodeWireless(w *Wireless) ([]byte, error) {
	data := make([]byte, 1, 32)
	data = append(data, w.Control)
	data = append(data, w.Link.LinkBytes()...)
	data = append(data, w.App.Bytes()...)
	if len(data)-1 > 0xFF {
		return nil, protoerr.LengthMismatch(0xFF, len(data)-1)
	}
	data[0] = byte(len(data) - 1)

	sizes := BlockSizes(len(data))
	out := make([]byte, 0, len(data)+crc.Size*len(sizes))
	off := 0
	for _, size := range sizes {
		out = append(out, data[off:off+size]...)
		out = crc.AppendCRC(out, data[off:off+size])
		off += size
	}
	return out, nil
}
