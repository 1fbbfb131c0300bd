package records

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

const (
	dateFormat     = "2006-01-02"
	dateTimeFormat = "2006-01-02 15:04"
	timeSecFormat  = "2006-01-02 15:04:05"
)

// ReadValue slices the value bytes for d starting at off. For variable
// length values the returned slice includes the LVAR prefix.
func ReadValue(d Descriptor, buf []byte, off int) ([]byte, int, error) {
	width := d.Width()
	if width >= 0 {
		if off+width > len(buf) {
			return nil, off, protoerr.Truncated(off, width, len(buf)-off)
		}
		return buf[off : off+width], off + width, nil
	}
	if off >= len(buf) {
		return nil, off, protoerr.Truncated(off, 1, 0)
	}
	n, err := lvarLength(buf[off])
	if err != nil {
		return nil, off, err
	}
	if off+1+n > len(buf) {
		return nil, off, protoerr.Truncated(off+1, n, len(buf)-off-1)
	}
	return buf[off : off+1+n], off + 1 + n, nil
}

func lvarLength(lvar byte) (int, error) {
	switch {
	case lvar <= 0xBF:
		return int(lvar), nil
	case lvar >= 0xC0 && lvar <= 0xC9:
		return int(lvar - 0xC0), nil
	case lvar >= 0xD0 && lvar <= 0xD9:
		return int(lvar - 0xD0), nil
	case lvar >= 0xE0 && lvar <= 0xEF:
		return int(lvar - 0xE0), nil
	case lvar >= 0xF0 && lvar <= 0xF4:
		return 4 * int(lvar-0xEC), nil
	case lvar == 0xF5:
		return 6, nil
	case lvar == 0xF6:
		return 8, nil
	}
	return 0, protoerr.New(protoerr.CodeMalformedRecord, "reserved LVAR 0x%02X", lvar)
}

// DecodeField interprets raw value bytes according to d. It never fails:
// values that cannot be interpreted produce a record flagged Unparsed.
func DecodeField(d Descriptor, raw []byte) Record {
	rec := Record{
		Storage:  d.Storage,
		Tariff:   d.Tariff,
		SubUnit:  d.SubUnit,
		Function: d.Function,
		Raw:      append([]byte(nil), raw...),
		DIF:      d.DIF,
		VIF:      d.VIF,
	}
	if !rawFits(d, raw) {
		rec.Unparsed = true
		rec.Note = fmt.Sprintf("value length %d does not match DIF %02X", len(raw), d.DIF)
		return rec
	}
	info, note, ok := resolve(d)
	if !ok {
		rec.Quantity = "Unknown"
		rec.Unparsed = true
		rec.Note = fmt.Sprintf("unknown VIF %02X %X", d.VIF, d.VIFE)
		return rec
	}
	rec.Quantity = info.quantity
	rec.Unit = info.unit
	if note != "" {
		rec.Unparsed = true
		rec.Note = note
		return rec
	}
	if info.kind == kindOpaque {
		rec.Unparsed = true
		rec.Note = "opaque value"
		return rec
	}

	df := d.DataField()
	switch {
	case df == 0x00 || df == 0x08:
		rec.Kind = KindNone
	case info.kind == kindDate || info.kind == kindDateTime:
		decodeTime(&rec, df, raw)
	case df == dataFieldVariable:
		decodeVariable(&rec, info, raw)
	case df == 0x05:
		rec.Kind = KindNumber
		rec.Value = scale(float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), info.exp)
	case df >= 0x09:
		v, err := DecodeBCD(raw)
		if err != nil {
			rec.Unparsed = true
			rec.Note = err.Error()
			return rec
		}
		rec.Kind = KindNumber
		rec.Value = scale(float64(v), info.exp)
	default:
		rec.Kind = KindNumber
		rec.Value = scale(float64(DecodeInt(raw)), info.exp)
	}
	return rec
}

func rawFits(d Descriptor, raw []byte) bool {
	if w := d.Width(); w >= 0 {
		return len(raw) == w
	}
	if len(raw) == 0 {
		return false
	}
	n, err := lvarLength(raw[0])
	return err == nil && len(raw) == 1+n
}

func decodeTime(rec *Record, df byte, raw []byte) {
	var (
		ts     time.Time
		err    error
		layout string
	)
	switch df {
	case 0x02:
		ts, err = DecodeTypeGDate(raw)
		layout = dateFormat
	case 0x04:
		ts, err = DecodeTypeFDateTime(raw)
		layout = dateTimeFormat
	case 0x06:
		ts, err = DecodeTypeIDateTime(raw)
		layout = timeSecFormat
	default:
		err = fmt.Errorf("data field 0x%X cannot carry a date", df)
	}
	if err != nil {
		rec.Unparsed = true
		rec.Note = err.Error()
		return
	}
	rec.Kind = KindTime
	rec.Timestamp = ts
	rec.Text = ts.Format(layout)
}

func decodeVariable(rec *Record, info unitInfo, raw []byte) {
	lvar, body := raw[0], raw[1:]
	switch {
	case lvar <= 0xBF:
		rec.Kind = KindText
		rec.Text = reversedString(body)
	case lvar <= 0xC9 || (lvar >= 0xD0 && lvar <= 0xD9):
		v, err := DecodeBCD(body)
		if err != nil {
			rec.Unparsed = true
			rec.Note = err.Error()
			return
		}
		if lvar >= 0xD0 {
			v = -v
		}
		rec.Kind = KindNumber
		rec.Value = scale(float64(v), info.exp)
	default:
		if len(body) > 8 {
			rec.Unparsed = true
			rec.Note = fmt.Sprintf("binary value of %d bytes", len(body))
			return
		}
		rec.Kind = KindNumber
		rec.Value = scale(float64(DecodeInt(body)), info.exp)
	}
}

// DecodeInt decodes a little-endian two's complement integer of up to 8 bytes.
func DecodeInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	bits := uint(len(b) * 8)
	if bits < 64 && u&(1<<(bits-1)) != 0 {
		u |= ^uint64(0) << bits
	}
	return int64(u)
}

// DecodeBCD converts a little-endian BCD value. A high nibble of 0xF in the
// most significant byte marks a negative number.
func DecodeBCD(b []byte) (int64, error) {
	var value int64
	negative := false
	for i := len(b) - 1; i >= 0; i-- {
		by := b[i]
		high := int64(by >> 4)
		low := int64(by & 0x0F)
		if i == len(b)-1 && high == 0x0F {
			negative = true
			high = 0
		}
		if high > 9 || low > 9 {
			return 0, fmt.Errorf("invalid BCD byte: 0x%02X", by)
		}
		value = value*100 + high*10 + low
	}
	if negative {
		value = -value
	}
	return value, nil
}

// DecodeTypeGDate decodes the two-byte type G date.
func DecodeTypeGDate(b []byte) (time.Time, error) {
	if len(b) != 2 {
		return time.Time{}, fmt.Errorf("type G date requires 2 bytes, got %d", len(b))
	}
	day := int(b[0] & 0x1F)
	month := int(b[1] & 0x0F)
	year := 2000 + int((b[0]&0xE0)>>5|(b[1]&0xF0)>>1)
	if day == 0 || day > 31 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid type G date encoding: %s", hex.EncodeToString(b))
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// DecodeTypeFDateTime decodes the four-byte type F timestamp used by many
// Wireless M-Bus meters.
func DecodeTypeFDateTime(b []byte) (time.Time, error) {
	if len(b) != 4 {
		return time.Time{}, fmt.Errorf("type F datetime requires 4 bytes, got %d", len(b))
	}
	if b[0]&0x80 != 0 {
		return time.Time{}, fmt.Errorf("type F datetime marked invalid: %s", hex.EncodeToString(b))
	}
	minute := int(b[0] & 0x3F)
	hour := int(b[1] & 0x1F)
	day := int(b[2] & 0x1F)
	month := int(b[3] & 0x0F)
	yearBitsHigh := (b[3] >> 4) & 0x0F
	yearBitsLow := (b[2] >> 5) & 0x07
	year := 2000 + int(yearBitsHigh<<3|yearBitsLow)
	if minute > 59 || hour > 23 || day == 0 || day > 31 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid type F datetime encoding: %s", hex.EncodeToString(b))
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), nil
}

// DecodeTypeIDateTime decodes the six-byte type I timestamp (with seconds).
func DecodeTypeIDateTime(b []byte) (time.Time, error) {
	if len(b) != 6 {
		return time.Time{}, fmt.Errorf("type I datetime requires 6 bytes, got %d", len(b))
	}
	second := int(b[0] & 0x3F)
	minute := int(b[1] & 0x3F)
	hour := int(b[2] & 0x1F)
	day := int(b[3] & 0x1F)
	month := int(b[4] & 0x0F)
	year := 2000 + int((b[3]&0xE0)>>5|(b[4]&0xF0)>>1)
	if second > 59 || minute > 59 || hour > 23 || day == 0 || day > 31 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid type I datetime encoding: %s", hex.EncodeToString(b))
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

func scale(v float64, exp int) float64 {
	if exp < 0 {
		return v / math.Pow10(-exp)
	}
	return v * math.Pow10(exp)
}
