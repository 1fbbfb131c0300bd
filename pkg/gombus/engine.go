// Package gombus decodes wired M-Bus and wireless M-Bus telegrams into
// typed meter records.
//
// An Engine runs one telegram at a time through frame validation, security
// (decryption and authentication), compact frame expansion and record
// decoding. Engines are safe for concurrent use; the compact frame cache is
// the only shared mutable state.
package gombus

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/d21d3q/gombus/internal/compact"
	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/metrics"
	"gitlab.com/d21d3q/gombus/internal/options"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
	"gitlab.com/d21d3q/gombus/internal/records"
	"gitlab.com/d21d3q/gombus/internal/security"
)

const filler = 0x2F

// Option configures an Engine.
type Option func(*Engine)

// WithKeys sets the key lookup used for encrypted telegrams.
func WithKeys(keys security.KeyLookup) Option {
	return func(e *Engine) { e.keys = keys }
}

// WithCache shares a compact frame cache. Without one, compact telegrams
// fail with a cache miss and full telegrams are not remembered.
func WithCache(c *compact.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithLowConfidence releases records of Mode 5/7 telegrams whose decrypted
// filler did not match, flagged with ConfidenceLow.
func WithLowConfidence(enabled bool) Option {
	return func(e *Engine) { e.lowConfidence = enabled }
}

// AllowStrippedCRC accepts wireless telegrams whose block CRCs were already
// removed by the receiver. Their integrity is not checked.
func AllowStrippedCRC(enabled bool) Option {
	return func(e *Engine) { e.allowStripped = enabled }
}

// WithDirection sets the direction used in the Mode 9 nonce.
func WithDirection(dir security.Direction) Option {
	return func(e *Engine) { e.dir = dir }
}

// WithMode5Cipher selects CBC (the default) or CTR for security mode 5.
func WithMode5Cipher(c security.Mode5Cipher) Option {
	return func(e *Engine) { e.mode5 = c }
}

// AcceptDecrypted treats Mode 5/7 payloads that already start with the
// 0x2F 0x2F filler as decrypted by the receiver. Nothing verifies that, so
// such results carry ConfidenceLow and never teach the compact cache.
func AcceptDecrypted(enabled bool) Option {
	return func(e *Engine) { e.acceptDecrypted = enabled }
}

// Engine decodes telegrams.
type Engine struct {
	keys            security.KeyLookup
	cache           *compact.Cache
	log             logrus.FieldLogger
	dir             security.Direction
	mode5           security.Mode5Cipher
	lowConfidence   bool
	allowStripped   bool
	acceptDecrypted bool
}

// NewEngine returns an Engine. Without WithKeys, keys are taken from the
// context (see options.WithSecurityKey).
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		keys: options.ContextKeys{},
		log:  logrus.StandardLogger(),
		dir:  security.FromMeter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache returns the compact frame cache, or nil.
func (e *Engine) Cache() *compact.Cache {
	return e.cache
}

// DecodeWireless validates and decodes one wireless telegram. On errors
// after the frame itself validated, the returned Result carries the frame
// metadata without records.
func (e *Engine) DecodeWireless(ctx context.Context, raw []byte, meta frame.Meta) (*Result, error) {
	start := time.Now()
	var opts []frame.ParseOption
	if e.allowStripped {
		opts = append(opts, frame.AllowStrippedCRC())
	}
	w, err := frame.ParseWireless(raw, opts...)
	if err != nil {
		return nil, e.fail(frame.KindWireless, err)
	}
	w.Meta = meta
	return e.finish(ctx, wirelessResult(w), w.App, start)
}

func wirelessResult(w *frame.Wireless) *Result {
	return &Result{
		Frame:        w,
		Device:       w.Device(),
		SecurityMode: w.App.Header.SecurityMode(),
		Compact:      w.App.Compact(),
		Meta:         w.Meta,
	}
}

// DecodeFrame decodes an already validated frame. Ack, Short and Control
// frames carry no application data and produce an empty Result.
func (e *Engine) DecodeFrame(ctx context.Context, f frame.Frame) (*Result, error) {
	switch v := f.(type) {
	case *frame.Wireless:
		return e.finish(ctx, wirelessResult(v), v.App, time.Now())
	case *frame.Long:
		return e.DecodeLong(ctx, v)
	case nil:
		return nil, protoerr.New(protoerr.CodeUnknownFrameKind, "nil frame")
	}
	return &Result{Frame: f}, nil
}

// DecodeLong decodes the application layer of a wired RSP_UD.
func (e *Engine) DecodeLong(ctx context.Context, l *frame.Long) (*Result, error) {
	start := time.Now()
	res := &Result{
		Frame:          l,
		PrimaryAddress: l.Address,
		SecurityMode:   l.App.Header.SecurityMode(),
		Compact:        l.App.Compact(),
	}
	if l.App.Header.Type == frame.HeaderLong {
		res.Device = l.App.Header.Address
	}
	if !frame.IsResponse(l.App.CI) {
		return res, nil
	}
	return e.finish(ctx, res, l.App, start)
}

func (e *Engine) finish(ctx context.Context, res *Result, app frame.Application, start time.Time) (*Result, error) {
	kind := res.Frame.Kind()
	if err := e.decode(ctx, res, app); err != nil {
		return res, e.fail(kind, err)
	}
	metrics.FramesDecoded.WithLabelValues(kind.String(), strconv.Itoa(res.SecurityMode)).Inc()
	metrics.DecodeDuration.Observe(time.Since(start).Seconds())
	metrics.RecordsDecoded.Add(float64(len(res.Records)))
	for _, r := range res.Records {
		if r.Unparsed {
			metrics.UnparsedRecords.Inc()
		}
	}
	e.log.WithFields(logrus.Fields{
		"device":     res.Device.String(),
		"kind":       kind.String(),
		"mode":       res.SecurityMode,
		"records":    len(res.Records),
		"compact":    res.Compact,
		"confidence": res.Confidence.String(),
	}).Debug("telegram decoded")
	return res, nil
}

func (e *Engine) decode(ctx context.Context, res *Result, app frame.Application) error {
	plain, err := e.open(ctx, res, app)
	if err != nil {
		return err
	}
	if res.Compact {
		return e.expand(res, plain)
	}
	dec, err := records.Decode(plain)
	if err != nil {
		return err
	}
	res.Records = dec.Records
	res.ManufacturerData = dec.ManufacturerData
	res.MoreRecordsFollow = dec.MoreRecordsFollow
	if e.cache != nil && len(dec.Layout) > 0 && res.Confidence == security.ConfidenceHigh {
		fp := compact.FingerprintOf(res.Device, records.Signature(dec.Layout))
		e.cache.Observe(fp, dec.Layout, dec.Tail)
	}
	return nil
}

// open returns the plaintext application data. A soft Mode 5/7 failure is
// swallowed when low confidence data was requested.
func (e *Engine) open(ctx context.Context, res *Result, app frame.Application) ([]byte, error) {
	params := security.ParamsFor(app, res.Device, e.dir)
	params.Mode5 = e.mode5
	mode, err := security.Derive(params)
	if err != nil {
		return nil, err
	}
	if _, ok := mode.(security.None); ok {
		res.Confidence = security.ConfidenceHigh
		return app.Payload, nil
	}
	preDecrypted := e.acceptDecrypted && mode.Number() != 9 && hasFiller(app.Payload)
	key, ok := e.keys.Key(ctx, res.Device)
	if !ok {
		if preDecrypted {
			return passDecrypted(res, app.Payload), nil
		}
		return nil, protoerr.New(protoerr.CodeKeyRequired, "no key for %s", res.Device)
	}
	opened, err := security.Context{Mode: mode, Key: key}.Open(app.Payload)
	res.Confidence = opened.Confidence
	res.Authenticated = opened.Authenticated
	if err != nil {
		if protoerr.CodeOf(err) != protoerr.CodeLikelyWrongKey {
			return nil, err
		}
		if preDecrypted {
			return passDecrypted(res, app.Payload), nil
		}
		if !e.lowConfidence {
			return nil, err
		}
		e.log.WithField("device", res.Device.String()).WithError(err).Warn("releasing low confidence data")
		return opened.Plaintext, nil
	}
	if mode.Number() != 9 {
		return opened.Plaintext[2:], nil
	}
	return opened.Plaintext, nil
}

// passDecrypted releases a payload the receiver already decrypted. Nothing
// verified it, so it is low confidence.
func passDecrypted(res *Result, payload []byte) []byte {
	res.Confidence = security.ConfidenceLow
	res.PreDecrypted = true
	return payload[2:]
}

func (e *Engine) expand(res *Result, plain []byte) error {
	hdr, err := compact.ParseHeader(plain)
	if err != nil {
		return err
	}
	if e.cache == nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return protoerr.New(protoerr.CodeCacheMiss, "no compact frame cache")
	}
	fp := compact.FingerprintOf(res.Device, hdr.Signature)
	fields, rest, err := e.cache.Expand(fp, hdr.Values)
	if err != nil {
		if protoerr.CodeOf(err) == protoerr.CodeCacheMiss {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
		return err
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	if err := hdr.Verify(fields); err != nil {
		return err
	}
	res.Records = records.DecodeFields(fields)
	res.ManufacturerData = rest
	if tpl, ok := e.cache.Lookup(fp); ok {
		res.MoreRecordsFollow = tpl.Tail == records.DIFMoreRecords
	}
	return nil
}

func (e *Engine) fail(kind frame.Kind, err error) error {
	code := protoerr.CodeOf(err)
	metrics.DecodeErrors.WithLabelValues(code.String()).Inc()
	e.log.WithFields(logrus.Fields{"kind": kind.String(), "reason": code.String()}).WithError(err).Debug("telegram rejected")
	return err
}

func hasFiller(b []byte) bool {
	return len(b) >= 2 && b[0] == filler && b[1] == filler
}
