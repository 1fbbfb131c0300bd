// Package security derives the per-telegram cipher parameters of the
// EN 13757 security modes and opens (or seals) encrypted application data.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

// KeySize is the AES-128 key length.
const KeySize = 16

const (
	gcmNonceSize = 12
	gcmTagSize   = 12
	aadSize      = 11

	filler = 0x2F
)

// Direction of a telegram, part of the Mode 9 nonce.
type Direction byte

const (
	FromMeter Direction = 0x00
	ToMeter   Direction = 0x01
)

// Confidence grades the trust in released plaintext.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceHigh
)

func (c Confidence) String() string {
	if c == ConfidenceHigh {
		return "high"
	}
	return "low"
}

// KeyLookup resolves the AES key of a device. Implementations must be safe
// for concurrent use and must not retain or modify the returned slice.
type KeyLookup interface {
	Key(ctx context.Context, device frame.Address) ([]byte, bool)
}

// KeyFunc adapts a function to KeyLookup.
type KeyFunc func(ctx context.Context, device frame.Address) ([]byte, bool)

// Key implements KeyLookup.
func (f KeyFunc) Key(ctx context.Context, device frame.Address) ([]byte, bool) {
	return f(ctx, device)
}

// Mode5Cipher selects the block cipher mode used for security mode 5.
type Mode5Cipher int

const (
	// Mode5CBC is AES-CBC with the access number repeated over the IV tail,
	// as deployed meters transmit.
	Mode5CBC Mode5Cipher = iota
	// Mode5CTR is AES-CTR with the link address and access number as the
	// initial counter block, zero-extended.
	Mode5CTR
)

func (c Mode5Cipher) String() string {
	if c == Mode5CTR {
		return "ctr"
	}
	return "cbc"
}

// ParseMode5Cipher accepts "cbc" or "ctr"; empty selects CBC.
func ParseMode5Cipher(s string) (Mode5Cipher, error) {
	switch s {
	case "", "cbc":
		return Mode5CBC, nil
	case "ctr":
		return Mode5CTR, nil
	}
	return Mode5CBC, fmt.Errorf("unknown mode 5 cipher %q", s)
}

// Params are the header fields the cipher parameters are built from.
type Params struct {
	Device    frame.Address
	CI        byte
	Access    byte
	Status    byte
	Config    uint16
	ConfigExt byte
	Direction Direction
	Mode5     Mode5Cipher
}

// ParamsFor collects Params from a parsed application layer. device is the
// address the data belongs to (long header address or link address).
func ParamsFor(app frame.Application, device frame.Address, dir Direction) Params {
	return Params{
		Device:    device,
		CI:        app.CI,
		Access:    app.Header.AccessNumber,
		Status:    app.Header.Status,
		Config:    app.Header.Config,
		ConfigExt: app.Header.ConfigExt,
		Direction: dir,
	}
}

// Mode is one of None, Mode5, Mode7 or Mode9.
type Mode interface {
	Number() int
	mode()
}

// None is an unencrypted payload.
type None struct{}

// Mode5 is AES-128-CBC with an IV built from the link address and the
// access number repeated eight times, or AES-128-CTR from the zero-extended
// link address and access number when Cipher is Mode5CTR.
type Mode5 struct {
	IV     [aes.BlockSize]byte
	Blocks int
	Cipher Mode5Cipher
}

// Mode7 is AES-128-CBC with the link address and access number as IV,
// zero-extended.
type Mode7 struct {
	IV     [aes.BlockSize]byte
	Blocks int
}

// Mode9 is AES-128-GCM with a 12-byte tag.
type Mode9 struct {
	Nonce [gcmNonceSize]byte
	AAD   [aadSize]byte
}

func (None) Number() int { return 0 }
func (Mode5) Number() int { return 5 }
func (Mode7) Number() int { return 7 }
func (Mode9) Number() int { return 9 }
func (None) mode() {}
func (Mode5) mode() {}
func (Mode7) mode() {}
func (Mode9) mode() {}

// Derive builds the mode selected by the configuration word.
func Derive(p Params) (Mode, error) {
	link := p.Device.LinkBytes()
	switch n := int((p.Config >> 8) & 0x1F); n {
	case 0:
		return None{}, nil
	case 5:
		m := Mode5{Blocks: int((p.Config >> 4) & 0x0F), Cipher: p.Mode5}
		copy(m.IV[:], link)
		if m.Cipher == Mode5CTR {
			m.IV[len(link)] = p.Access
			return m, nil
		}
		for i := len(link); i < aes.BlockSize; i++ {
			m.IV[i] = p.Access
		}
		return m, nil
	case 7:
		m := Mode7{Blocks: int((p.Config >> 4) & 0x0F)}
		copy(m.IV[:], link)
		m.IV[len(link)] = p.Access
		return m, nil
	case 9:
		var m Mode9
		copy(m.Nonce[:], link)
		m.Nonce[8] = p.Access
		m.Nonce[9] = byte(p.Direction)
		m.AAD[0] = p.CI
		m.AAD[1] = p.Access
		m.AAD[2] = p.Status
		m.AAD[3] = byte(p.Config)
		m.AAD[4] = byte(p.Config >> 8)
		copy(m.AAD[5:9], p.Device.ID[:])
		m.AAD[9] = byte(p.Device.Manufacturer)
		m.AAD[10] = byte(p.Device.Manufacturer >> 8)
		return m, nil
	default:
		return nil, protoerr.New(protoerr.CodeUnsupportedSecurity, "security mode %d", n)
	}
}

// Context pairs a derived mode with its key. The key is never printed.
type Context struct {
	Mode Mode
	Key  []byte
}

func (c Context) String() string {
	if c.Mode == nil {
		return fmt.Sprintf("mode unset (key %d bytes)", len(c.Key))
	}
	return fmt.Sprintf("mode %d (key %d bytes)", c.Mode.Number(), len(c.Key))
}

// GoString keeps %#v from printing the key.
func (c Context) GoString() string {
	return "security.Context{" + c.String() + "}"
}

// Open decrypts payload with the context's mode and key.
func (c Context) Open(payload []byte) (Opened, error) {
	return Open(c.Key, c.Mode, payload)
}

// Opened is decrypted application data.
type Opened struct {
	Plaintext     []byte
	Confidence    Confidence
	Authenticated bool
}

// Open decrypts and, where the mode allows, authenticates payload.
//
// Modes 5 and 7 carry no authentication: a plaintext that does not start
// with the 0x2F 0x2F filler is still returned, with low confidence and a
// likely-wrong-key error. Mode 9 releases nothing unless the tag verifies.
func Open(key []byte, m Mode, payload []byte) (Opened, error) {
	if _, ok := m.(None); ok {
		return Opened{Plaintext: append([]byte(nil), payload...), Confidence: ConfidenceHigh}, nil
	}
	block, err := newCipher(key)
	if err != nil {
		return Opened{}, err
	}
	switch v := m.(type) {
	case Mode5:
		if v.Cipher == Mode5CTR {
			return openCTR(block, v.IV[:], v.Blocks, payload)
		}
		return openCBC(block, v.IV[:], v.Blocks, payload)
	case Mode7:
		return openCBC(block, v.IV[:], v.Blocks, payload)
	case Mode9:
		aead, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
		if err != nil {
			return Opened{}, fmt.Errorf("init GCM: %w", err)
		}
		if len(payload) < gcmTagSize {
			return Opened{}, protoerr.New(protoerr.CodeAuthenticationFailed, "payload of %d bytes shorter than tag", len(payload))
		}
		plain, err := aead.Open(nil, v.Nonce[:], payload, v.AAD[:])
		if err != nil {
			return Opened{}, protoerr.New(protoerr.CodeAuthenticationFailed, "GCM tag mismatch")
		}
		return Opened{Plaintext: plain, Confidence: ConfidenceHigh, Authenticated: true}, nil
	}
	return Opened{}, protoerr.New(protoerr.CodeUnsupportedSecurity, "mode %T", m)
}

// Seal is the inverse of Open. For modes 5 and 7 the plaintext must cover
// the declared number of blocks (or be a whole number of blocks when none
// are declared) and should start with the filler.
func Seal(key []byte, m Mode, plaintext []byte) ([]byte, error) {
	if _, ok := m.(None); ok {
		return append([]byte(nil), plaintext...), nil
	}
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	switch v := m.(type) {
	case Mode5:
		if v.Cipher == Mode5CTR {
			return sealCTR(block, v.IV[:], v.Blocks, plaintext), nil
		}
		return sealCBC(block, v.IV[:], v.Blocks, plaintext)
	case Mode7:
		return sealCBC(block, v.IV[:], v.Blocks, plaintext)
	case Mode9:
		aead, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
		if err != nil {
			return nil, fmt.Errorf("init GCM: %w", err)
		}
		return aead.Seal(nil, v.Nonce[:], plaintext, v.AAD[:]), nil
	}
	return nil, protoerr.New(protoerr.CodeUnsupportedSecurity, "mode %T", m)
}

func newCipher(key []byte) (cipher.Block, error) {
	if len(key) == 0 {
		return nil, protoerr.New(protoerr.CodeKeyRequired, "encrypted telegram needs an AES key")
	}
	if len(key) != KeySize {
		return nil, protoerr.New(protoerr.CodeKeyRequired, "AES key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %w", err)
	}
	return block, nil
}

// encryptedLen returns the number of leading payload bytes covered by CBC.
func encryptedLen(blocks, payloadLen int) int {
	n := payloadLen
	if blocks > 0 && blocks*aes.BlockSize < n {
		n = blocks * aes.BlockSize
	}
	return n - n%aes.BlockSize
}

func openCBC(block cipher.Block, iv []byte, blocks int, payload []byte) (Opened, error) {
	n := encryptedLen(blocks, len(payload))
	if n == 0 {
		return Opened{}, protoerr.New(protoerr.CodeLengthMismatch, "encrypted section shorter than one block (%d bytes)", len(payload))
	}
	plain := make([]byte, len(payload))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain[:n], payload[:n])
	copy(plain[n:], payload[n:])
	return checkFiller(plain)
}

func checkFiller(plain []byte) (Opened, error) {
	if len(plain) < 2 || plain[0] != filler || plain[1] != filler {
		return Opened{Plaintext: plain, Confidence: ConfidenceLow},
			protoerr.New(protoerr.CodeLikelyWrongKey, "decrypted data does not start with the filler")
	}
	return Opened{Plaintext: plain, Confidence: ConfidenceHigh}, nil
}

// ctrLen returns the number of leading payload bytes covered by CTR; unlike
// CBC the section need not be a whole number of blocks.
func ctrLen(blocks, payloadLen int) int {
	if blocks > 0 && blocks*aes.BlockSize < payloadLen {
		return blocks * aes.BlockSize
	}
	return payloadLen
}

func openCTR(block cipher.Block, iv []byte, blocks int, payload []byte) (Opened, error) {
	if len(payload) < 2 {
		return Opened{}, protoerr.New(protoerr.CodeLengthMismatch, "encrypted section of %d bytes", len(payload))
	}
	return checkFiller(sealCTR(block, iv, blocks, payload))
}

// sealCTR applies the keystream; CTR encryption and decryption are the same
// operation.
func sealCTR(block cipher.Block, iv []byte, blocks int, in []byte) []byte {
	n := ctrLen(blocks, len(in))
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out[:n], in[:n])
	copy(out[n:], in[n:])
	return out
}

func sealCBC(block cipher.Block, iv []byte, blocks int, plaintext []byte) ([]byte, error) {
	n := len(plaintext) - len(plaintext)%aes.BlockSize
	if blocks > 0 {
		n = blocks * aes.BlockSize
	}
	if n == 0 || n > len(plaintext) {
		return nil, protoerr.New(protoerr.CodeLengthMismatch, "plaintext of %d bytes cannot fill %d blocks", len(plaintext), blocks)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[:n], plaintext[:n])
	copy(out[n:], plaintext[n:])
	return out, nil
}
