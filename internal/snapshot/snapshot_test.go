package snapshot

import (
	"context"
	"encoding/hex"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"gitlab.com/d21d3q/gombus/internal/compact"
	"gitlab.com/d21d3q/gombus/internal/records"
)

func layout(t *testing.T) []records.Descriptor {
	t.Helper()
	raw, _ := hex.DecodeString("0C1367452301046D27287E2A02FD170000")
	d, err := records.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return d.Layout
}

func templates(t *testing.T) []compact.Template {
	l := layout(t)
	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []compact.Template{
		{Fingerprint: compact.Fingerprint{Manufacturer: 0x2C2D, ID: 0x12345678, Version: 1, DeviceType: 7, Signature: records.Signature(l)}, Layout: l, LastSeen: seen},
		{Fingerprint: compact.Fingerprint{Manufacturer: 0x2C2D, ID: 0x12345679, Version: 1, DeviceType: 7, Signature: records.Signature(l)}, Layout: l, Tail: 0x0F, LastSeen: seen.Add(time.Minute)},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := templates(t)
	doc, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(doc), `"layout":"0c13046d02fd17"`) {
		t.Fatalf("document = %s", doc)
	}
	out, err := Unmarshal(doc)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("templates = %d", len(out))
	}
	for i := range in {
		if out[i].Fingerprint != in[i].Fingerprint || out[i].Tail != in[i].Tail || !out[i].LastSeen.Equal(in[i].LastSeen) {
			t.Fatalf("template %d = %+v", i, out[i])
		}
		if !reflect.DeepEqual(out[i].Layout, in[i].Layout) {
			t.Fatalf("layout %d = %v, want %v", i, out[i].Layout, in[i].Layout)
		}
	}
}

func TestUnmarshalRejectsSignatureMismatch(t *testing.T) {
	in := templates(t)
	in[0].Fingerprint.Signature ^= 0xFFFF
	doc, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(doc); err == nil {
		t.Fatalf("mismatched signature accepted")
	}
	if _, err := Unmarshal([]byte(`[{"layout":"zz"}]`)); err == nil {
		t.Fatalf("bad hex accepted")
	}
}

// TestStoreRoundTrip needs a Redis server; set GOMBUS_TEST_REDIS to its
// address to run it.
func TestStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("GOMBUS_TEST_REDIS")
	if addr == "" {
		t.Skip("GOMBUS_TEST_REDIS not set")
	}
	ctx := context.Background()
	key := "gombus:test:" + t.Name()
	s, err := Open(ctx, Options{Address: addr, Key: key, TTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	defer s.client.Del(ctx, key)

	src, _ := compact.New(4)
	src.Restore(templates(t))
	if err := s.Save(ctx, src); err != nil {
		t.Fatalf("Save: %v", err)
	}
	dst, _ := compact.New(4)
	n, err := s.Load(ctx, dst)
	if err != nil || n != 2 || dst.Len() != 2 {
		t.Fatalf("Load = %d, %v", n, err)
	}

	empty := NewStore(redis.NewClient(&redis.Options{Addr: addr}), key+":missing", 0, nil)
	defer empty.Close()
	if n, err := empty.Load(ctx, dst); err != nil || n != 0 {
		t.Fatalf("missing snapshot = %d, %v", n, err)
	}
}
