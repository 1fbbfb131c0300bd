package records

import (
	"fmt"

	"gitlab.com/d21d3q/gombus/internal/crc"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

const (
	maxDIFE = 10
	maxVIFE = 10

	difExtension = 0x80
	vifExtension = 0x80

	// Special DIF values.
	DIFManufacturer     = 0x0F
	DIFMoreRecords      = 0x1F
	DIFIdleFiller       = 0x2F
	DIFGlobalReadout    = 0x7F
	dataFieldVariable   = 0x0D
	dataFieldSpecial    = 0x0F
	vifPlainText        = 0x7C
	vifFirstExtension   = 0xFB
	vifSecondExtension  = 0xFD
	vifReservedExtended = 0xEF
)

// Function is the function field of a DIF.
type Function byte

const (
	FunctionInstantaneous Function = iota
	FunctionMaximum
	FunctionMinimum
	FunctionError
)

func (f Function) String() string {
	switch f {
	case FunctionInstantaneous:
		return "instantaneous"
	case FunctionMaximum:
		return "maximum"
	case FunctionMinimum:
		return "minimum"
	default:
		return "error"
	}
}

// Descriptor is one data information block plus value information block.
// It is the unit the compact frame cache stores: everything needed to
// interpret a value except the value bytes themselves.
type Descriptor struct {
	DIF       byte
	DIFE      []byte
	VIF       byte
	VIFE      []byte
	PlainUnit string

	Storage  uint32
	Tariff   int32
	SubUnit  int32
	Function Function

	plain []byte
}

// DataField returns the low nibble of the DIF.
func (d Descriptor) DataField() byte {
	return d.DIF & 0x0F
}

// Width returns the number of value bytes the descriptor declares, or -1
// when the length is carried in an LVAR prefix.
func (d Descriptor) Width() int {
	return widthForDataField(d.DataField())
}

// Bytes returns the descriptor in its wire form.
func (d Descriptor) Bytes() []byte {
	out := make([]byte, 0, 2+len(d.DIFE)+len(d.VIFE)+len(d.plain))
	out = append(out, d.DIF)
	out = append(out, d.DIFE...)
	out = append(out, d.VIF)
	out = append(out, d.VIFE...)
	out = append(out, d.plain...)
	return out
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	c := d
	c.DIFE = append([]byte(nil), d.DIFE...)
	c.VIFE = append([]byte(nil), d.VIFE...)
	c.plain = append([]byte(nil), d.plain...)
	return c
}

func (d Descriptor) String() string {
	return fmt.Sprintf("DIF=%02X DIFE=%X VIF=%02X VIFE=%X storage=%d tariff=%d subunit=%d",
		d.DIF, d.DIFE, d.VIF, d.VIFE, d.Storage, d.Tariff, d.SubUnit)
}

// ParseDescriptor reads one DIB/VIB starting at off and returns the offset
// of the first value byte.
func ParseDescriptor(buf []byte, off int) (Descriptor, int, error) {
	i := off
	if i >= len(buf) {
		return Descriptor{}, off, protoerr.Truncated(i, 1, 0)
	}
	d := Descriptor{DIF: buf[i]}
	i++
	if d.DataField() == dataFieldSpecial {
		return Descriptor{}, off, protoerr.New(protoerr.CodeMalformedRecord, "reserved special DIF 0x%02X at offset %d", d.DIF, off)
	}
	d.Function = Function((d.DIF >> 4) & 0x03)
	d.Storage = uint32((d.DIF >> 6) & 0x01)

	ext := d.DIF&difExtension != 0
	for n := 0; ext; n++ {
		if n == maxDIFE {
			return Descriptor{}, off, protoerr.New(protoerr.CodeMalformedRecord, "more than %d DIFE bytes", maxDIFE)
		}
		if i >= len(buf) {
			return Descriptor{}, off, protoerr.Truncated(i, 1, 0)
		}
		dife := buf[i]
		i++
		d.DIFE = append(d.DIFE, dife)
		d.Storage |= uint32(dife&0x0F) << (1 + 4*n)
		d.Tariff |= int32((dife>>4)&0x03) << (2 * n)
		d.SubUnit |= int32((dife>>6)&0x01) << n
		ext = dife&difExtension != 0
	}

	if i >= len(buf) {
		return Descriptor{}, off, protoerr.Truncated(i, 1, 0)
	}
	d.VIF = buf[i]
	i++

	ext = d.VIF&vifExtension != 0
	for n := 0; ext; n++ {
		if n == maxVIFE {
			return Descriptor{}, off, protoerr.New(protoerr.CodeMalformedRecord, "more than %d VIFE bytes", maxVIFE)
		}
		if i >= len(buf) {
			return Descriptor{}, off, protoerr.Truncated(i, 1, 0)
		}
		vife := buf[i]
		i++
		d.VIFE = append(d.VIFE, vife)
		ext = vife&vifExtension != 0
	}

	// The plain-text unit follows the whole VIFE chain.
	if d.VIF&0x7F == vifPlainText {
		if i >= len(buf) {
			return Descriptor{}, off, protoerr.Truncated(i, 1, 0)
		}
		n := int(buf[i])
		if i+1+n > len(buf) {
			return Descriptor{}, off, protoerr.Truncated(i+1, n, len(buf)-i-1)
		}
		d.plain = append([]byte(nil), buf[i:i+1+n]...)
		d.PlainUnit = reversedString(buf[i+1 : i+1+n])
		i += 1 + n
	}
	return d, i, nil
}

// Signature is the compact-frame format signature of a record layout: the
// EN 13757 CRC over the concatenated descriptor bytes.
func Signature(layout []Descriptor) uint16 {
	var buf []byte
	for _, d := range layout {
		buf = append(buf, d.Bytes()...)
	}
	return crc.CRC16(buf)
}

func widthForDataField(df byte) int {
	switch df {
	case 0x00, 0x08:
		return 0
	case 0x01, 0x09:
		return 1
	case 0x02, 0x0A:
		return 2
	case 0x03, 0x0B:
		return 3
	case 0x04, 0x05, 0x0C:
		return 4
	case 0x06, 0x0E:
		return 6
	case 0x07:
		return 8
	case dataFieldVariable:
		return -1
	default:
		return 0
	}
}

func reversedString(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return string(out)
}
