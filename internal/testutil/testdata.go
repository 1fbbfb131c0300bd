// Package testutil loads fixtures from the repository testdata directory.
package testutil

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// LoadJSON decodes a JSON fixture into v.
func LoadJSON(t *testing.T, rel string, v any) {
	t.Helper()
	data := readTestdata(t, rel)
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", rel, err)
	}
}

// LoadHex returns a hex fixture as text with surrounding whitespace removed.
func LoadHex(t *testing.T, rel string) string {
	t.Helper()
	return strings.TrimSpace(string(readTestdata(t, rel)))
}

// LoadBytes returns a hex fixture decoded to raw telegram bytes.
func LoadBytes(t *testing.T, rel string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(strings.Join(strings.Fields(LoadHex(t, rel)), ""))
	if err != nil {
		t.Fatalf("decode %s: %v", rel, err)
	}
	return raw
}

// readTestdata walks up from the working directory to the module root.
func readTestdata(t *testing.T, rel string) []byte {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if data, err := os.ReadFile(filepath.Join(dir, "testdata", rel)); err == nil {
			return data
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatalf("unable to locate testdata file %s", rel)
	return nil
}
