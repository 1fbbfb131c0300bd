// Package records walks the application layer of an M-Bus telegram and turns
// its DIF/VIF blocks into typed, unit-annotated records.
package records

import (
	"fmt"
	"strconv"
	"time"
)

// Kind tells which of Value, Text or Timestamp carries the reading.
type Kind int

const (
	KindNone Kind = iota
	KindNumber
	KindText
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindTime:
		return "time"
	}
	return "none"
}

// Record is one decoded measurement. Value is already scaled to Unit.
type Record struct {
	Storage  uint32
	Tariff   int32
	SubUnit  int32
	Function Function

	Quantity  string
	Unit      string
	Kind      Kind
	Value     float64
	Text      string
	Timestamp time.Time

	DIF      byte
	VIF      byte
	Raw      []byte
	Unparsed bool
	Note     string
}

func (r Record) String() string {
	var v string
	switch r.Kind {
	case KindNumber:
		v = strconv.FormatFloat(r.Value, 'f', -1, 64)
		if r.Unit != "" {
			v += " " + r.Unit
		}
	case KindText, KindTime:
		v = r.Text
	default:
		v = "-"
	}
	if r.Unparsed {
		v = fmt.Sprintf("unparsed %X", r.Raw)
	}
	return fmt.Sprintf("%s[s%d t%d u%d] %s", r.Quantity, r.Storage, r.Tariff, r.SubUnit, v)
}

// Field pairs a descriptor with the value bytes it describes.
type Field struct {
	Descriptor Descriptor
	Raw        []byte
}

// Decoded is the result of walking one application payload.
type Decoded struct {
	Records []Record
	Layout  []Descriptor
	// Tail is the special DIF that ended the record area (0x0F or 0x1F), or 0.
	Tail              byte
	ManufacturerData  []byte
	MoreRecordsFollow bool
}

// Decode walks payload until it is exhausted or manufacturer data begins.
// A descriptor that claims more bytes than remain fails the whole payload
// with a truncated-record error; an unknown VIF only flags its own record.
func Decode(payload []byte) (Decoded, error) {
	var out Decoded
	i := 0
	for i < len(payload) {
		switch dif := payload[i]; dif {
		case DIFIdleFiller, DIFGlobalReadout:
			i++
			continue
		case DIFManufacturer, DIFMoreRecords:
			out.Tail = dif
			out.MoreRecordsFollow = dif == DIFMoreRecords
			out.ManufacturerData = append([]byte(nil), payload[i+1:]...)
			return out, nil
		}
		desc, next, err := ParseDescriptor(payload, i)
		if err != nil {
			return Decoded{}, err
		}
		raw, next, err := ReadValue(desc, payload, next)
		if err != nil {
			return Decoded{}, err
		}
		out.Layout = append(out.Layout, desc)
		out.Records = append(out.Records, DecodeField(desc, raw))
		i = next
	}
	return out, nil
}

// DecodeFields converts bound fields, as produced by compact frame expansion.
func DecodeFields(fields []Field) []Record {
	out := make([]Record, 0, len(fields))
	for _, f := range fields {
		out = append(out, DecodeField(f.Descriptor, f.Raw))
	}
	return out
}

// Encode writes fields back into their wire form.
func Encode(fields []Field) []byte {
	var out []byte
	for _, f := range fields {
		out = append(out, f.Descriptor.Bytes()...)
		out = append(out, f.Raw...)
	}
	return out
}

// HasMoreRecords reports whether an unencrypted payload ends its record area
// with DIF 0x1F. Malformed payloads report false.
func HasMoreRecords(payload []byte) bool {
	d, err := Decode(payload)
	return err == nil && d.MoreRecordsFollow
}
