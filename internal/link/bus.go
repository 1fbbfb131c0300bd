// Package link drives the wired M-Bus master side: it writes request frames,
// waits for validated responses and retries within a bounded budget.
package link

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/metrics"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
)

const (
	DefaultTimeout      = 500 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultMaxTelegrams = 16

	frameBuffer = 16
)

// Config bounds one session.
type Config struct {
	// Timeout is the wait for a response to a single attempt.
	Timeout time.Duration
	// MaxRetries is the number of re-sends after the first attempt.
	MaxRetries int
	// MaxTelegrams caps ReadAll.
	MaxTelegrams int
}

// DefaultConfig returns the defaults used for zero Config fields.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries, MaxTelegrams: DefaultMaxTelegrams}
}

func (c Config) normalize() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxTelegrams <= 0 {
		c.MaxTelegrams = DefaultMaxTelegrams
	}
	return c
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(b *Bus) { b.log = log }
}

// WithObserver registers a callback receiving every finished session.
func WithObserver(fn func(Session)) Option {
	return func(b *Bus) { b.observe = fn }
}

type scanned struct {
	f   frame.Frame
	err error
}

type expectFunc func(frame.Frame) error

// Bus owns a half-duplex transport. Commands are serialised: one session
// holds the bus at a time.
type Bus struct {
	mu      sync.Mutex
	port    io.ReadWriter
	cfg     Config
	log     logrus.FieldLogger
	observe func(Session)

	frames    chan scanned
	done      chan struct{}
	closeOnce sync.Once

	// fcb holds the frame count bit to use for the next request per address.
	fcb map[byte]bool
}

// NewBus starts reading frames from port. Close stops the reader and closes
// port when it implements io.Closer.
func NewBus(port io.ReadWriter, cfg Config, opts ...Option) *Bus {
	b := &Bus{
		port:   port,
		cfg:    cfg.normalize(),
		log:    logrus.StandardLogger(),
		frames: make(chan scanned, frameBuffer),
		done:   make(chan struct{}),
		fcb:    make(map[byte]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.readLoop(frame.NewScanner(port))
	return b
}

// Config returns the effective configuration.
func (b *Bus) Config() Config {
	return b.cfg
}

// Close stops the bus.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if c, ok := b.port.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (b *Bus) readLoop(sc *frame.Scanner) {
	defer close(b.frames)
	for {
		f, err := sc.Next()
		item := scanned{f: f, err: err}
		fatal := err != nil && protoerr.CodeOf(err) == protoerr.CodeUnknown
		if fatal {
			item.err = protoerr.Wrap(protoerr.CodeTransportClosed, err, "read")
		}
		select {
		case b.frames <- item:
		case <-b.done:
			return
		}
		if fatal {
			return
		}
	}
}

// drain discards frames that arrived outside a session.
func (b *Bus) drain() {
	for {
		select {
		case item, ok := <-b.frames:
			if !ok {
				return
			}
			if item.err != nil {
				b.log.WithError(item.err).Debug("discarding stale bus error")
				continue
			}
			b.log.WithField("kind", item.f.Kind().String()).Debug("discarding stale frame")
		default:
			return
		}
	}
}

func (b *Bus) session(command string, target byte) *Session {
	return newSession(command, target, b.cfg.Timeout)
}

// exchange runs the session state machine for one request. A nil expect
// means no reply is expected.
func (b *Bus) exchange(ctx context.Context, s *Session, req frame.Frame, expect expectFunc) (frame.Frame, error) {
	raw, err := frame.EncodeWired(req)
	if err != nil {
		return nil, err
	}
	log := b.log.WithFields(logrus.Fields{
		"session": s.ID.String(),
		"command": s.Command,
		"address": s.Target,
	})
	defer b.finish(s, log)

	for {
		if err := ctx.Err(); err != nil {
			_ = s.transition(StateFailed)
			return nil, err
		}
		if err := s.transition(StateSending); err != nil {
			return nil, err
		}
		b.drain()
		s.Attempts++
		s.LastSent = raw
		metrics.LinkAttempts.Inc()
		if _, err := b.port.Write(raw); err != nil {
			_ = s.transition(StateFailed)
			return nil, protoerr.Wrap(protoerr.CodeTransportClosed, err, "write to address %d", s.Target)
		}
		if expect == nil {
			_ = s.transition(StateSuccess)
			return nil, nil
		}
		_ = s.transition(StateAwaitingResponse)
		f, err := b.await(ctx, s.Timeout, expect)
		if err == nil {
			_ = s.transition(StateSuccess)
			return f, nil
		}
		if !retryable(err) {
			_ = s.transition(StateFailed)
			return nil, err
		}
		_ = s.transition(StateRetrying)
		log.WithError(err).WithField("attempt", s.Attempts).Debug("attempt failed")
		if s.Retries() >= b.cfg.MaxRetries {
			_ = s.transition(StateFailed)
			return nil, protoerr.Wrap(protoerr.CodeLinkExhausted, err, "address %d after %d attempts", s.Target, s.Attempts)
		}
	}
}

func (b *Bus) await(ctx context.Context, timeout time.Duration, expect expectFunc) (frame.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, protoerr.New(protoerr.CodeLinkTimeout, "no response within %s", timeout)
	case item, ok := <-b.frames:
		if !ok {
			return nil, protoerr.New(protoerr.CodeTransportClosed, "bus reader stopped")
		}
		if item.err != nil {
			return nil, item.err
		}
		if err := expect(item.f); err != nil {
			return nil, err
		}
		return item.f, nil
	}
}

func retryable(err error) bool {
	switch protoerr.CodeOf(err) {
	case protoerr.CodeLinkTimeout, protoerr.CodeIntegrity, protoerr.CodeUnexpectedResponse:
		return true
	}
	return false
}

func (b *Bus) finish(s *Session, log logrus.FieldLogger) {
	metrics.LinkSessions.WithLabelValues(s.Command, s.State.String()).Inc()
	entry := log.WithFields(logrus.Fields{
		"state":    s.State.String(),
		"attempts": s.Attempts,
		"elapsed":  time.Since(s.Started).String(),
	})
	if s.State == StateSuccess {
		entry.Debug("session finished")
	} else {
		entry.Warn("session failed")
	}
	if b.observe != nil {
		b.observe(*s)
	}
}

