package frame

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a frame variant.
type Kind int

const (
	KindAck Kind = iota + 1
	KindShort
	KindControl
	KindLong
	KindWireless
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindShort:
		return "short"
	case KindControl:
		return "control"
	case KindLong:
		return "long"
	case KindWireless:
		return "wireless"
	default:
		return "unknown"
	}
}

// Frame is a validated transport frame. The set of implementations is
// closed: Ack, Short, Control, Long and Wireless.
type Frame interface {
	Kind() Kind
	sealed()
}

// Address is the secondary address of a device: manufacturer, identification
// number (BCD, as transmitted), version and device type.
type Address struct {
	Manufacturer uint16
	ID           [4]byte
	Version      byte
	DeviceType   byte
}

// IDString returns the EN 13757 display format (MSB first).
func (a Address) IDString() string {
	return fmt.Sprintf("%02X%02X%02X%02X", a.ID[3], a.ID[2], a.ID[1], a.ID[0])
}

// IDValue returns the identification field as a little-endian integer.
func (a Address) IDValue() uint32 {
	return binary.LittleEndian.Uint32(a.ID[:])
}

// ManufacturerCode decodes the three-letter FLAG association code.
func (a Address) ManufacturerCode() string {
	m := a.Manufacturer
	return string([]byte{
		byte((m>>10)&0x1F) + 64,
		byte((m>>5)&0x1F) + 64,
		byte(m&0x1F) + 64,
	})
}

// LinkBytes returns the address in link-layer order: M(2) ID(4) V T.
func (a Address) LinkBytes() []byte {
	out := make([]byte, 0, 8)
	out = binary.LittleEndian.AppendUint16(out, a.Manufacturer)
	out = append(out, a.ID[:]...)
	return append(out, a.Version, a.DeviceType)
}

// HeaderBytes returns the address in application-header order: ID(4) M(2) V T.
func (a Address) HeaderBytes() []byte {
	out := make([]byte, 0, 8)
	out = append(out, a.ID[:]...)
	out = binary.LittleEndian.AppendUint16(out, a.Manufacturer)
	return append(out, a.Version, a.DeviceType)
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%s.v%02X.t%02X", a.ManufacturerCode(), a.IDString(), a.Version, a.DeviceType)
}

// ManufacturerFromCode encodes a three-letter manufacturer code.
func ManufacturerFromCode(code string) (uint16, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return 0, fmt.Errorf("manufacturer code must be 3 letters, got %q", code)
	}
	var m uint16
	for i := 0; i < 3; i++ {
		c := code[i]
		if c < 'A' || c > 'Z' {
			return 0, fmt.Errorf("invalid manufacturer code %q", code)
		}
		m = m<<5 | uint16(c-64)
	}
	return m, nil
}

// ParseID parses an 8-digit identification number in display format.
func ParseID(s string) ([4]byte, error) {
	var id [4]byte
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return id, fmt.Errorf("identification number must be 8 digits, got %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid identification number %q: %w", s, err)
	}
	for i := range b {
		id[3-i] = b[i]
	}
	return id, nil
}

// Meta is receiver-supplied metadata carried through unchanged.
type Meta struct {
	RSSI       int
	ReceivedAt time.Time
}

var statusFlagDefs = []struct {
	mask byte
	key  string
}{
	{0x80, "status_empty_pipe"},
	{0x40, "status_reverse_flow"},
	{0x20, "status_freezing"},
	{0x10, "status_temp_alarm"},
	{0x08, "status_perm_alarm"},
	{0x04, "status_battery_alarm"},
	{0x02, "status_hw_alarm"},
}

// StatusFlags expands the status byte of the transport header.
func StatusFlags(status byte) map[string]bool {
	flags := make(map[string]bool)
	for _, def := range statusFlagDefs {
		if status&def.mask != 0 {
			flags[def.key] = true
		}
	}
	return flags
}
