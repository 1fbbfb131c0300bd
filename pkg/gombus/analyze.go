package gombus

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"gitlab.com/d21d3q/gombus/internal/frame"
)

// AnalyzeHex decodes one telegram given as hex, wired or wireless.
func AnalyzeHex(ctx context.Context, raw string) (*Result, error) {
	return AnalyzeHexWithOptions(ctx, raw, AnalyzeOptions{})
}

// AnalyzeHexWithOptions decodes one hex telegram with custom options.
func AnalyzeHexWithOptions(ctx context.Context, raw string, opts AnalyzeOptions) (*Result, error) {
	ctx, engine, err := opts.engine(ctx)
	if err != nil {
		return nil, err
	}
	data, err := DecodeHex(raw)
	if err != nil {
		return nil, err
	}
	return engine.Analyze(ctx, data)
}

// Analyze decodes data as a wired frame when it is framed like one and as a
// wireless telegram otherwise.
func (e *Engine) Analyze(ctx context.Context, data []byte) (*Result, error) {
	if !looksWired(data) {
		return e.DecodeWireless(ctx, data, frame.Meta{})
	}
	f, err := frame.ParseWired(data)
	if err != nil {
		return nil, e.fail(frame.KindLong, err)
	}
	return e.DecodeFrame(ctx, f)
}

func looksWired(data []byte) bool {
	n := len(data)
	switch {
	case n == 1:
		return data[0] == frame.AckByte
	case n == 5 && data[0] == frame.ShortStart:
		return data[4] == frame.StopByte
	case n >= 9 && data[0] == frame.LongStart:
		return data[1] == data[2] && data[3] == frame.LongStart && data[n-1] == frame.StopByte
	}
	return false
}

// DecodeHex parses a hex telegram. Whitespace, "|", "_" and ":" separators
// and a 0x prefix are ignored.
func DecodeHex(input string) ([]byte, error) {
	clean := strings.ToUpper(stripWhitespace(input))
	clean = strings.TrimPrefix(clean, "0X")
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("hex telegram must contain an even number of digits, got %d", len(clean))
	}
	decoded := make([]byte, len(clean)/2)
	if _, err := hex.Decode(decoded, []byte(clean)); err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return decoded, nil
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || r == '|' || r == '_' || r == ':' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
