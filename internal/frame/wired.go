package frame

import (
	"gitlab.com/d21d3q/gombus/internal/crc"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
	"gitlab.com/d21d3q/gombus/internal/records"
)

// Wired frame markers.
const (
	AckByte    = 0xE5
	ShortStart = 0x10
	LongStart  = 0x68
	StopByte   = 0x16

	shortFrameLen = 5
	longOverhead  = 6
	controlLen    = 3
)

// Control field values for the master/slave dialogue.
const (
	ControlSndNke = 0x40
	ControlSndUd  = 0x53
	ControlReqUd2 = 0x5B
	ControlReqUd1 = 0x5A
	ControlRspUd  = 0x08

	// ControlFCB is the frame count bit of master requests.
	ControlFCB = 0x20
	// ControlACD is set by a slave that has alarm data pending.
	ControlACD = 0x20
)

// Reserved primary addresses.
const (
	AddressUnconfigured = 0x00
	AddressMaxPrimary   = 0xFA
	AddressSelected     = 0xFD
	AddressTest         = 0xFE
	AddressBroadcast    = 0xFF
)

// Ack is the single-character acknowledgement 0xE5.
type Ack struct{}

// Short is the fixed five-byte frame 10 C A CS 16.
type Short struct {
	Control byte
	Address byte
}

// Control is a long-format frame without data (L = 3).
type Control struct {
	Control byte
	Address byte
	CI      byte
}

// Long is a long-format frame carrying application data.
type Long struct {
	Control byte
	Address byte
	App     Application
	// MoreRecordsFollow is set when the unencrypted record area ends with
	// DIF 0x1F and the slave has another telegram queued. It stays false for
	// encrypted and compact payloads; only the decoded plaintext tells.
	MoreRecordsFollow bool
}

func (Ack) Kind() Kind { return KindAck }
func (Short) Kind() Kind { return KindShort }
func (Control) Kind() Kind { return KindControl }
func (*Long) Kind() Kind { return KindLong }
func (Ack) sealed() {}
func (Short) sealed() {}
func (Control) sealed() {}
func (*Long) sealed() {}

// ParseWired validates one complete wired frame. raw must hold exactly one
// frame: trailing bytes are a length mismatch.
func ParseWired(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return nil, protoerr.LengthMismatch(1, 0)
	}
	switch raw[0] {
	case AckByte:
		if len(raw) != 1 {
			return nil, protoerr.LengthMismatch(1, len(raw))
		}
		return Ack{}, nil
	case ShortStart:
		if len(raw) != shortFrameLen {
			return nil, protoerr.LengthMismatch(shortFrameLen, len(raw))
		}
		if raw[4] != StopByte {
			return nil, protoerr.New(protoerr.CodeUnknownFrameKind, "short frame stop byte 0x%02X", raw[4])
		}
		if sum := crc.Checksum(raw[1:3]); sum != raw[3] {
			return nil, protoerr.Integrity(0, "checksum 0x%02X, computed 0x%02X", raw[3], sum)
		}
		return Short{Control: raw[1], Address: raw[2]}, nil
	case LongStart:
		return parseLong(raw)
	}
	return nil, protoerr.New(protoerr.CodeUnknownFrameKind, "start byte 0x%02X", raw[0])
}

func parseLong(raw []byte) (Frame, error) {
	if len(raw) < 4 {
		return nil, protoerr.LengthMismatch(4, len(raw))
	}
	if raw[1] != raw[2] || raw[3] != LongStart {
		return nil, protoerr.New(protoerr.CodeUnknownFrameKind, "inconsistent long header % X", raw[:4])
	}
	l := int(raw[1])
	if l < controlLen {
		return nil, protoerr.New(protoerr.CodeUnknownFrameKind, "L-field %d below minimum", l)
	}
	if want := l + longOverhead; len(raw) != want {
		return nil, protoerr.LengthMismatch(want, len(raw))
	}
	body := raw[4 : 4+l]
	if raw[4+l+1] != StopByte {
		return nil, protoerr.New(protoerr.CodeUnknownFrameKind, "long frame stop byte 0x%02X", raw[4+l+1])
	}
	if sum := crc.Checksum(body); sum != raw[4+l] {
		return nil, protoerr.Integrity(0, "checksum 0x%02X, computed 0x%02X", raw[4+l], sum)
	}
	if l == controlLen {
		return Control{Control: body[0], Address: body[1], CI: body[2]}, nil
	}
	app, err := ParseApplication(body[2:], false)
	if err != nil {
		return nil, err
	}
	f := &Long{Control: body[0], Address: body[1], App: app}
	if app.Header.SecurityMode() == 0 && IsResponse(app.CI) && !app.Compact() {
		f.MoreRecordsFollow = records.HasMoreRecords(app.Payload)
	}
	return f, nil
}

// EncodeWired serialises f, computing the checksum.
func EncodeWired(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Ack:
		return []byte{AckByte}, nil
	case Short:
		return []byte{ShortStart, v.Control, v.Address, crc.Checksum([]byte{v.Control, v.Address}), StopByte}, nil
	case Control:
		return encodeLong([]byte{v.Control, v.Address, v.CI})
	case *Long:
		body := append([]byte{v.Control, v.Address}, v.App.Bytes()...)
		return encodeLong(body)
	}
	return nil, protoerr.New(protoerr.CodeUnknownFrameKind, "cannot encode %T as a wired frame", f)
}

func encodeLong(body []byte) ([]byte, error) {
	if len(body) > 0xFF {
		return nil, protoerr.LengthMismatch(0xFF, len(body))
	}
	l := byte(len(body))
	out := make([]byte, 0, len(body)+longOverhead)
	out = append(out, LongStart, l, l, LongStart)
	out = append(out, body...)
	return append(out, crc.Checksum(body), StopByte), nil
}
