package frame

import (
	"encoding/binary"

	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

// CI field values handled by the application layer.
const (
	CIResetApplication = 0x50
	CIDataSend         = 0x51
	CISelectSecondary  = 0x52
	CIResponseLong     = 0x72
	CICompactLong      = 0x73
	CIResponseNone     = 0x78
	CICompactNone      = 0x79
	CIResponseShort    = 0x7A
	CICompactShort     = 0x7B
	CIExtendedLinkLong = 0x8C
)

// HeaderType is the kind of transport layer header that follows the CI.
type HeaderType int

const (
	HeaderNone HeaderType = iota
	HeaderShort
	HeaderLong
)

const (
	shortHeaderLen = 4
	longHeaderLen  = 12
)

// Header is the transport layer header (access number, status, configuration
// word and, for long headers, the device address).
type Header struct {
	Type         HeaderType
	Address      Address
	AccessNumber byte
	Status       byte
	Config       uint16
	ConfigExt    byte
}

// SecurityMode returns the security mode number of the configuration word.
func (h Header) SecurityMode() int {
	if h.Type == HeaderNone {
		return 0
	}
	return int((h.Config >> 8) & 0x1F)
}

// EncryptedBlocks returns the number of encrypted 16-byte blocks declared by
// the configuration word (modes 5 and 7).
func (h Header) EncryptedBlocks() int {
	return int((h.Config >> 4) & 0x0F)
}

func (h Header) hasConfigExt() bool {
	m := h.SecurityMode()
	return m == 7 || m == 9
}

// ELL is the short extended link layer (CI 0x8C).
type ELL struct {
	Control      byte
	AccessNumber byte
}

// Application is the CI-selected application layer of a Long or Wireless frame.
type Application struct {
	CI      byte
	ELL     *ELL
	Header  Header
	Payload []byte
}

// Compact reports whether the CI selects a compact frame.
func (a Application) Compact() bool {
	return a.CI == CICompactNone || a.CI == CICompactShort || a.CI == CICompactLong
}

// IsResponse reports whether the CI carries meter data the engine can decode.
func IsResponse(ci byte) bool {
	switch ci {
	case CIResponseLong, CICompactLong, CIResponseNone, CICompactNone, CIResponseShort, CICompactShort:
		return true
	}
	return false
}

func headerTypeFor(ci byte) HeaderType {
	switch ci {
	case CIResponseLong, CICompactLong:
		return HeaderLong
	case CIResponseShort, CICompactShort:
		return HeaderShort
	}
	return HeaderNone
}

// ParseApplication decodes the CI, the optional ELL and transport header.
// With strict set, CI values other than the response family are rejected;
// otherwise they are returned with the remaining bytes as payload.
func ParseApplication(data []byte, strict bool) (Application, error) {
	if len(data) == 0 {
		return Application{}, protoerr.New(protoerr.CodeLengthMismatch, "missing CI field")
	}
	var app Application
	if data[0] == CIExtendedLinkLong {
		if len(data) < 4 {
			return Application{}, protoerr.New(protoerr.CodeLengthMismatch, "extended link layer truncated")
		}
		app.ELL = &ELL{Control: data[1], AccessNumber: data[2]}
		data = data[3:]
	}
	app.CI = data[0]
	data = data[1:]
	if !IsResponse(app.CI) {
		if strict {
			return Application{}, protoerr.New(protoerr.CodeUnknownFrameKind, "unsupported CI 0x%02X", app.CI)
		}
		app.Payload = append([]byte(nil), data...)
		return app, nil
	}

	h := Header{Type: headerTypeFor(app.CI)}
	switch h.Type {
	case HeaderLong:
		if len(data) < longHeaderLen {
			return Application{}, protoerr.New(protoerr.CodeLengthMismatch, "long header truncated: %d bytes", len(data))
		}
		copy(h.Address.ID[:], data[0:4])
		h.Address.Manufacturer = binary.LittleEndian.Uint16(data[4:6])
		h.Address.Version = data[6]
		h.Address.DeviceType = data[7]
		data = data[8:]
	case HeaderShort:
		if len(data) < shortHeaderLen {
			return Application{}, protoerr.New(protoerr.CodeLengthMismatch, "short header truncated: %d bytes", len(data))
		}
	}
	if h.Type != HeaderNone {
		h.AccessNumber = data[0]
		h.Status = data[1]
		h.Config = binary.LittleEndian.Uint16(data[2:4])
		data = data[4:]
		if h.hasConfigExt() {
			if len(data) < 1 {
				return Application{}, protoerr.New(protoerr.CodeLengthMismatch, "configuration extension missing")
			}
			h.ConfigExt = data[0]
			data = data[1:]
		}
	}
	app.Header = h
	app.Payload = append([]byte(nil), data...)
	return app, nil
}

// HeaderBytes encodes the CI field and everything up to the payload. The
// result is the associated-data prefix of the application layer.
func (a Application) HeaderBytes() []byte {
	var out []byte
	if a.ELL != nil {
		out = append(out, CIExtendedLinkLong, a.ELL.Control, a.ELL.AccessNumber)
	}
	out = append(out, a.CI)
	h := a.Header
	if h.Type == HeaderNone {
		return out
	}
	if h.Type == HeaderLong {
		out = append(out, h.Address.HeaderBytes()...)
	}
	out = append(out, h.AccessNumber, h.Status)
	out = binary.LittleEndian.AppendUint16(out, h.Config)
	if h.hasConfigExt() {
		out = append(out, h.ConfigExt)
	}
	return out
}

// Bytes encodes the whole application layer.
func (a Application) Bytes() []byte {
	return append(a.HeaderBytes(), a.Payload...)
}
