package frame

import (
	"io"

	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

const readChunk = 64

// Scanner extracts validated wired frames from a byte stream. Bytes that
// cannot start a frame are skipped; a candidate that fails validation costs
// only its start byte, so the scanner resynchronises on the next marker.
//
// Next returns *protoerr.Error values for rejected candidates and keeps
// going on the following call. Any other error comes from the reader and
// is returned by every later call.
type Scanner struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	err     error
	skipped int
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r, chunk: make([]byte, readChunk)}
}

// Skipped returns the number of bytes discarded while resynchronising.
func (s *Scanner) Skipped() int {
	return s.skipped
}

// Next blocks until a complete frame has been validated or the reader fails.
// Zero-length reads without an error are retried.
func (s *Scanner) Next() (Frame, error) {
	for {
		f, need, err := s.extract()
		if f != nil || err != nil {
			return f, err
		}
		if !need {
			continue
		}
		if s.err != nil {
			if len(s.buf) == 0 {
				return nil, s.err
			}
			// No more input will complete the pending candidate.
			s.drop()
			continue
		}
		n, err := s.r.Read(s.chunk)
		s.buf = append(s.buf, s.chunk[:n]...)
		if err != nil {
			s.err = err
		}
	}
}

// extract tries to take one frame off the front of the buffer. need reports
// that more input is required before progress is possible.
func (s *Scanner) extract() (f Frame, need bool, err error) {
	for len(s.buf) > 0 {
		switch s.buf[0] {
		case AckByte:
			s.consume(1)
			return Ack{}, false, nil
		case ShortStart:
			if len(s.buf) < shortFrameLen {
				return nil, true, nil
			}
			return s.candidate(shortFrameLen)
		case LongStart:
			if len(s.buf) < 4 {
				return nil, true, nil
			}
			if s.buf[1] != s.buf[2] || s.buf[3] != LongStart || int(s.buf[1]) < controlLen {
				s.drop()
				continue
			}
			n := int(s.buf[1]) + longOverhead
			if len(s.buf) < n {
				return nil, true, nil
			}
			return s.candidate(n)
		default:
			s.drop()
		}
	}
	return nil, true, nil
}

func (s *Scanner) candidate(n int) (Frame, bool, error) {
	f, err := ParseWired(s.buf[:n])
	if err != nil {
		s.drop()
		if protoerr.CodeOf(err) == protoerr.CodeUnknownFrameKind {
			return nil, false, nil
		}
		return nil, false, err
	}
	s.consume(n)
	return f, false, nil
}

func (s *Scanner) drop() {
	s.skipped++
	s.consume(1)
}

func (s *Scanner) consume(n int) {
	s.buf = append(s.buf[:0], s.buf[n:]...)
}
