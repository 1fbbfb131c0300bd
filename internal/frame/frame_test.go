package frame

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"testing"

	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

func TestParseWirelessCRCStripped(t *testing.T) {
	raw := decodeHex(t, "4E44B4098686868613077AF00040052F2F0C1366380000046D27287E2A0F150E00000000C10000D10000E60000FD00000C01002F0100410100540100680100890000A00000B30000002F2F2F2F2F2F")
	if _, err := ParseWireless(raw); !errors.Is(err, protoerr.ErrLengthMismatch) {
		t.Fatalf("CRC-less telegram accepted without opting in: %v", err)
	}
	w, err := ParseWireless(raw, AllowStrippedCRC())
	if err != nil {
		t.Fatalf("ParseWireless: %v", err)
	}
	if !w.CRCStripped {
		t.Fatalf("expected telegram to be flagged CRC-stripped")
	}
	if w.Link.Manufacturer != 0x09B4 {
		t.Fatalf("manufacturer mismatch: %04X", w.Link.Manufacturer)
	}
	if got := w.Link.IDString(); got != "86868686" {
		t.Fatalf("meter id mismatch: %s", got)
	}
	if w.App.CI != CIResponseShort || w.App.Header.AccessNumber != 0xF0 {
		t.Fatalf("unexpected application header %+v", w.App.Header)
	}
	if w.App.Header.SecurityMode() != 5 || w.App.Header.EncryptedBlocks() != 4 {
		t.Fatalf("config word %04X decoded as mode %d / %d blocks", w.App.Header.Config, w.App.Header.SecurityMode(), w.App.Header.EncryptedBlocks())
	}
	if w.Device() != w.Link {
		t.Fatalf("short header should report the link address")
	}
}

func testAddress() Address {
	return Address{Manufacturer: 0x2C2D, ID: [4]byte{0x78, 0x56, 0x34, 0x12}, Version: 0x01, DeviceType: 0x07}
}

func TestWirelessRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n <= 0xFF-minWirelessL; n++ {
		payload := make([]byte, n)
		rng.Read(payload)
		in := &Wireless{
			Control: 0x44,
			Link:    testAddress(),
			App:     Application{CI: CIResponseNone, Payload: payload},
		}
		raw, err := EncodeWireless(in)
		if err != nil {
			t.Fatalf("encode %d: %v", n, err)
		}
		out, err := ParseWireless(raw)
		if err != nil {
			t.Fatalf("parse %d: %v", n, err)
		}
		if out.CRCStripped || out.Link != in.Link || !bytes.Equal(out.App.Payload, payload) {
			t.Fatalf("round trip %d: got %+v", n, out)
		}
	}
}

func TestWiredRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for n := 0; n <= 252; n++ {
		payload := make([]byte, n)
		rng.Read(payload)
		in := &Long{Control: ControlSndUd, Address: 5, App: Application{CI: CIResponseNone, Payload: payload}}
		raw, err := EncodeWired(in)
		if err != nil {
			t.Fatalf("encode %d: %v", n, err)
		}
		f, err := ParseWired(raw)
		if err != nil {
			t.Fatalf("parse %d: %v", n, err)
		}
		if n == 0 {
			// C A CI alone is a control frame.
			if c, ok := f.(Control); !ok || c.CI != CIResponseNone || c.Address != 5 {
				t.Fatalf("empty payload decoded as %#v", f)
			}
			continue
		}
		out, ok := f.(*Long)
		if !ok {
			t.Fatalf("expected *Long, got %T", f)
		}
		if out.Address != 5 || !bytes.Equal(out.App.Payload, payload) {
			t.Fatalf("round trip %d mismatch", n)
		}
	}
}

func threeBlockTelegram(t *testing.T) []byte {
	t.Helper()
	payload := decodeHex(t, "0C1367452301046D27287E2A02FD17000001FD0800")
	raw, err := EncodeWireless(&Wireless{
		Control: 0x44,
		Link:    testAddress(),
		App:     Application{CI: CIResponseNone, Payload: payload},
	})
	if err != nil {
		t.Fatalf("EncodeWireless: %v", err)
	}
	if got := len(BlockSizes(int(raw[0]) + 1)); got != 3 {
		t.Fatalf("fixture spans %d blocks, want 3", got)
	}
	return raw
}

func TestWirelessBlockIntegrity(t *testing.T) {
	raw := threeBlockTelegram(t)
	if _, err := ParseWireless(raw); err != nil {
		t.Fatalf("clean telegram rejected: %v", err)
	}
	cases := []struct {
		offset int
		block  int
	}{
		{offset: 3, block: 1},
		{offset: 12 + 5, block: 2},
		{offset: 12 + 16, block: 2},
		{offset: 12 + 18 + 1, block: 3},
		{offset: len(raw) - 1, block: 3},
	}
	for _, tc := range cases {
		corrupt := append([]byte(nil), raw...)
		corrupt[tc.offset] ^= 0x01
		w, err := ParseWireless(corrupt)
		if w != nil {
			t.Fatalf("offset %d: corrupted telegram produced a frame", tc.offset)
		}
		if !errors.Is(err, protoerr.ErrIntegrity) {
			t.Fatalf("offset %d: expected integrity error, got %v", tc.offset, err)
		}
		if block, _ := protoerr.BlockOf(err); block != tc.block {
			t.Fatalf("offset %d: block %d, want %d", tc.offset, block, tc.block)
		}
	}
}

func TestWirelessLengthMismatch(t *testing.T) {
	raw := threeBlockTelegram(t)
	_, err := ParseWireless(raw[:len(raw)-3])
	if !errors.Is(err, protoerr.ErrLengthMismatch) {
		t.Fatalf("expected length mismatch, got %v", err)
	}
	_, err = ParseWireless(append(raw, 0x00))
	if !errors.Is(err, protoerr.ErrLengthMismatch) {
		t.Fatalf("expected length mismatch for trailing byte, got %v", err)
	}
}

func TestWirelessUnknownCI(t *testing.T) {
	raw, err := EncodeWireless(&Wireless{Control: 0x44, Link: testAddress(), App: Application{CI: 0xA0, Payload: []byte{1, 2}}})
	if err != nil {
		t.Fatalf("EncodeWireless: %v", err)
	}
	if _, err := ParseWireless(raw); !errors.Is(err, protoerr.ErrUnknownFrameKind) {
		t.Fatalf("expected unknown frame kind, got %v", err)
	}
}

func TestLongHeaderAndELL(t *testing.T) {
	inner := testAddress()
	inner.ID = [4]byte{0x11, 0x22, 0x33, 0x44}
	in := &Wireless{
		Control: 0x44,
		Link:    testAddress(),
		App: Application{
			CI:  CIResponseLong,
			ELL: &ELL{Control: 0x20, AccessNumber: 0x33},
			Header: Header{
				Type:         HeaderLong,
				Address:      inner,
				AccessNumber: 0x33,
				Status:       0x04,
				Config:       0x0910,
				ConfigExt:    0x00,
			},
			Payload: []byte{0xAA, 0xBB},
		},
	}
	raw, err := EncodeWireless(in)
	if err != nil {
		t.Fatalf("EncodeWireless: %v", err)
	}
	out, err := ParseWireless(raw)
	if err != nil {
		t.Fatalf("ParseWireless: %v", err)
	}
	if out.App.ELL == nil || out.App.ELL.AccessNumber != 0x33 {
		t.Fatalf("ELL not decoded: %+v", out.App)
	}
	if out.Device() != inner || out.App.Header.SecurityMode() != 9 {
		t.Fatalf("long header not decoded: %+v", out.App.Header)
	}
	if !StatusFlags(out.App.Header.Status)["status_battery_alarm"] {
		t.Fatalf("status flags not decoded")
	}
	if !bytes.Equal(out.App.Payload, []byte{0xAA, 0xBB}) {
		t.Fatalf("payload = %X", out.App.Payload)
	}
}

func TestParseWiredKinds(t *testing.T) {
	f, err := ParseWired([]byte{AckByte})
	if err != nil || f.Kind() != KindAck {
		t.Fatalf("ack: %v %v", f, err)
	}
	f, err = ParseWired(decodeHex(t, "105BFE5916"))
	if err != nil {
		t.Fatalf("short: %v", err)
	}
	if s := f.(Short); s.Control != ControlReqUd2 || s.Address != AddressTest {
		t.Fatalf("short decoded as %+v", s)
	}
	_, err = ParseWired(decodeHex(t, "105BFE5A16"))
	if block, ok := protoerr.BlockOf(err); !ok || block != 0 {
		t.Fatalf("expected checksum failure on block 0, got %v", err)
	}
	f, err = ParseWired(decodeHex(t, "6803036853FE50A116"))
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if c := f.(Control); c.CI != CIResetApplication {
		t.Fatalf("control decoded as %+v", c)
	}
	if _, err := ParseWired(decodeHex(t, "6803046853FE50A116")); !errors.Is(err, protoerr.ErrUnknownFrameKind) {
		t.Fatalf("expected unknown frame kind for L mismatch, got %v", err)
	}
	if _, err := ParseWired(decodeHex(t, "6803036853FE50A1")); !errors.Is(err, protoerr.ErrLengthMismatch) {
		t.Fatalf("expected length mismatch, got %v", err)
	}
	if _, err := ParseWired([]byte{0x42}); !errors.Is(err, protoerr.ErrUnknownFrameKind) {
		t.Fatalf("expected unknown frame kind, got %v", err)
	}
}

func TestLongMoreRecordsFollow(t *testing.T) {
	hdr := Header{Type: HeaderLong, Address: testAddress(), AccessNumber: 1}
	for _, tc := range []struct {
		payload string
		more    bool
	}{
		{"0C13674523011F", true},
		{"0C13674523010F", false},
		{"0C1367452301", false},
	} {
		raw, err := EncodeWired(&Long{Control: ControlRspUd, Address: 5, App: Application{CI: CIResponseLong, Header: hdr, Payload: decodeHex(t, tc.payload)}})
		if err != nil {
			t.Fatalf("EncodeWired: %v", err)
		}
		f, err := ParseWired(raw)
		if err != nil {
			t.Fatalf("ParseWired: %v", err)
		}
		if got := f.(*Long).MoreRecordsFollow; got != tc.more {
			t.Fatalf("%s: MoreRecordsFollow = %v", tc.payload, got)
		}
	}
}

func TestEveryPrefixIsTyped(t *testing.T) {
	wireless := threeBlockTelegram(t)
	wired, err := EncodeWired(&Long{Control: ControlRspUd, Address: 5, App: Application{
		CI:      CIResponseLong,
		Header:  Header{Type: HeaderLong, Address: testAddress()},
		Payload: decodeHex(t, "0C1367452301"),
	}})
	if err != nil {
		t.Fatalf("EncodeWired: %v", err)
	}
	for n := 0; n < len(wireless); n++ {
		_, err := ParseWireless(wireless[:n])
		if err == nil {
			t.Fatalf("wireless prefix %d accepted", n)
		}
		if protoerr.CodeOf(err) == protoerr.CodeUnknown {
			t.Fatalf("wireless prefix %d: untyped result %v", n, err)
		}
	}
	for n := 0; n < len(wired); n++ {
		if _, err := ParseWired(wired[:n]); err != nil && protoerr.CodeOf(err) == protoerr.CodeUnknown {
			t.Fatalf("wired prefix %d: untyped result %v", n, err)
		}
	}
}

// chunkReader returns its data a few bytes at a time, with empty reads in
// between, the way a serial port with a read timeout does.
type chunkReader struct {
	data []byte
	step int
	idle bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.idle = !r.idle
	if r.idle {
		return 0, nil
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.step, len(r.data), len(p))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestScannerResync(t *testing.T) {
	good, err := EncodeWired(&Long{Control: ControlRspUd, Address: 5, App: Application{
		CI:      CIResponseLong,
		Header:  Header{Type: HeaderLong, Address: testAddress()},
		Payload: decodeHex(t, "0C1367452301"),
	}})
	if err != nil {
		t.Fatalf("EncodeWired: %v", err)
	}
	bad := append([]byte(nil), good...)
	bad[len(bad)-2] ^= 0xFF

	var stream []byte
	stream = append(stream, 0x00, 0x16, 0x68, 0x01)
	stream = append(stream, AckByte)
	stream = append(stream, bad...)
	stream = append(stream, good...)
	stream = append(stream, decodeHex(t, "105BFE5916")...)

	s := NewScanner(&chunkReader{data: stream, step: 3})
	var kinds []Kind
	integrity := 0
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !errors.Is(err, protoerr.ErrIntegrity) {
				t.Fatalf("unexpected error %v", err)
			}
			integrity++
			continue
		}
		kinds = append(kinds, f.Kind())
	}
	want := []Kind{KindAck, KindLong, KindShort}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if integrity == 0 {
		t.Fatalf("corrupted frame was not reported")
	}
	if s.Skipped() == 0 {
		t.Fatalf("junk bytes were not counted")
	}
}

func TestAddressHelpers(t *testing.T) {
	m, err := ManufacturerFromCode("kam")
	if err != nil {
		t.Fatalf("ManufacturerFromCode: %v", err)
	}
	id, err := ParseID("12345678")
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	a := Address{Manufacturer: m, ID: id, Version: 0x1B, DeviceType: 0x16}
	if a.ManufacturerCode() != "KAM" || a.IDString() != "12345678" || a.IDValue() != 0x12345678 {
		t.Fatalf("address helpers: %s", a)
	}
	if hex.EncodeToString(a.LinkBytes()) != "2d2c785634121b16" {
		t.Fatalf("link bytes %X", a.LinkBytes())
	}
	if hex.EncodeToString(a.HeaderBytes()) != "785634122d2c1b16" {
		t.Fatalf("header bytes %X", a.HeaderBytes())
	}
	if _, err := ParseID("1234"); err == nil {
		t.Fatalf("short id accepted")
	}
}

func decodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex decode: %v", err)
	}
	return b
}
