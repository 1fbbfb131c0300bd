package options

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gitlab.com/d21d3q/gombus/internal/frame"
)

func TestParseKeyHex(t *testing.T) {
	key, err := ParseKeyHex(" 00112233 44556677\t8899AABB CCDDEEFF ")
	if err != nil {
		t.Fatalf("ParseKeyHex: %v", err)
	}
	if len(key) != 16 || key[15] != 0xFF {
		t.Fatalf("key = %X", key)
	}
	colons, err := ParseKeyHex("0x00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF")
	if err != nil || !bytes.Equal(colons, key) {
		t.Fatalf("separated key = %X, %v", colons, err)
	}
	if key, err := ParseKeyHex("  "); err != nil || key != nil {
		t.Fatalf("blank key: %X %v", key, err)
	}
	if _, err := ParseKeyHex("0011"); err == nil {
		t.Fatalf("short key accepted")
	}
	if _, err := ParseKeyHex(strings.Repeat("Z", 32)); err == nil {
		t.Fatalf("non-hex key accepted")
	}
}

func TestContextKey(t *testing.T) {
	key := []byte{1, 2, 3}
	ctx := WithSecurityKey(context.Background(), key)
	key[0] = 9
	if got := SecurityKey(ctx); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("context key = %X", got)
	}
	if got := SecurityKey(context.Background()); got != nil {
		t.Fatalf("unexpected key %X", got)
	}
	if _, ok := (ContextKeys{}).Key(ctx, frame.Address{}); !ok {
		t.Fatalf("ContextKeys did not find the key")
	}
}

const keyFile = `
default: "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"
keys:
  - manufacturer: KAM
    id: "12345678"
    key: "000102030405060708090A0B0C0D0E0F"
  - id: "86868686"
    key: "00000000000000000000000000000000"
`

func TestKeyStoreLookupOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte(keyFile), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d", s.Len())
	}
	kam, _ := frame.ManufacturerFromCode("KAM")
	id, _ := frame.ParseID("12345678")
	key, ok := s.Key(context.Background(), frame.Address{Manufacturer: kam, ID: id})
	if !ok || key[1] != 0x01 {
		t.Fatalf("exact lookup = %X", key)
	}
	other, _ := frame.ParseID("86868686")
	key, ok = s.Key(context.Background(), frame.Address{Manufacturer: 0x09B4, ID: other})
	if !ok || key[0] != 0x00 || key[15] != 0x00 {
		t.Fatalf("id lookup = %X", key)
	}
	key, ok = s.Key(context.Background(), frame.Address{Manufacturer: 0x1234})
	if !ok || key[0] != 0xFF {
		t.Fatalf("default lookup = %X", key)
	}
}

func TestKeyStoreContextFallback(t *testing.T) {
	s := NewKeyStore()
	if _, ok := s.Key(context.Background(), frame.Address{}); ok {
		t.Fatalf("empty store returned a key")
	}
	ctx := WithSecurityKey(context.Background(), bytes.Repeat([]byte{7}, 16))
	if key, ok := s.Key(ctx, frame.Address{}); !ok || key[0] != 7 {
		t.Fatalf("context fallback = %X", key)
	}
	dev := frame.Address{Manufacturer: 1, ID: [4]byte{1, 2, 3, 4}}
	s.Add(dev, bytes.Repeat([]byte{3}, 16))
	if key, _ := s.Key(ctx, dev); key[0] != 3 {
		t.Fatalf("device key should win over context key")
	}
}

func TestReadKeysRejectsBadEntries(t *testing.T) {
	for _, doc := range []string{
		"keys:\n  - id: \"1234\"\n    key: \"000102030405060708090A0B0C0D0E0F\"\n",
		"keys:\n  - id: \"12345678\"\n    key: \"0001\"\n",
		"keys:\n  - manufacturer: K1\n    id: \"12345678\"\n    key: \"000102030405060708090A0B0C0D0E0F\"\n",
		"keys:\n  - id: \"12345678\"\n",
		"default: nothex\n",
	} {
		if _, err := ReadKeys(strings.NewReader(doc)); err == nil {
			t.Fatalf("document accepted:\n%s", doc)
		}
	}
	s, err := ReadKeys(strings.NewReader(""))
	if err != nil || s.Len() != 0 {
		t.Fatalf("empty document: %v", err)
	}
}
