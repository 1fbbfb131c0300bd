// Package compact keeps the record layouts of recently seen full telegrams
// so that compact telegrams, which carry values only, can be expanded.
package compact

import (
	"encoding/binary"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"gitlab.com/d21d3q/gombus/internal/crc"
	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/protoerr"
	"gitlab.com/d21d3q/gombus/internal/records"
)

// DefaultCapacity is the number of templates kept when no capacity is given.
const DefaultCapacity = 128

// headerLen is the format signature plus the full-frame data CRC.
const headerLen = 4

// Fingerprint identifies a record layout of one device.
type Fingerprint struct {
	Manufacturer uint16
	ID           uint32
	Version      byte
	DeviceType   byte
	Signature    uint16
}

// FingerprintOf combines a device address with a format signature.
func FingerprintOf(addr frame.Address, signature uint16) Fingerprint {
	return Fingerprint{
		Manufacturer: addr.Manufacturer,
		ID:           addr.IDValue(),
		Version:      addr.Version,
		DeviceType:   addr.DeviceType,
		Signature:    signature,
	}
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%04X.%08X.v%02X.t%02X/%04X", f.Manufacturer, f.ID, f.Version, f.DeviceType, f.Signature)
}

// Template is the cached layout of a full telegram.
type Template struct {
	Fingerprint Fingerprint
	Layout      []records.Descriptor
	Tail        byte
	LastSeen    time.Time
}

func (t *Template) clone() Template {
	out := *t
	out.Layout = make([]records.Descriptor, len(t.Layout))
	for i, d := range t.Layout {
		out.Layout[i] = d.Clone()
	}
	return out
}

// Header is the prefix of a compact application payload.
type Header struct {
	Signature uint16
	DataCRC   uint16
	Values    []byte
}

// ParseHeader splits a compact payload into its signature, full-frame CRC
// and value bytes.
func ParseHeader(payload []byte) (Header, error) {
	if len(payload) < headerLen {
		return Header{}, protoerr.Truncated(0, headerLen, len(payload))
	}
	return Header{
		Signature: binary.LittleEndian.Uint16(payload[0:2]),
		DataCRC:   binary.LittleEndian.Uint16(payload[2:4]),
		Values:    payload[headerLen:],
	}, nil
}

// Verify checks the full-frame CRC against fields expanded from a template.
// A mismatch means the template does not describe the frame the meter
// encoded, e.g. a signature collision.
func (h Header) Verify(fields []records.Field) error {
	if got := crc.CRC16(records.Encode(fields)); got != h.DataCRC {
		return protoerr.Integrity(0, "compact data CRC %04X, expanded record area has %04X", h.DataCRC, got)
	}
	return nil
}

// Encode builds the compact payload for fields: signature, CRC of the full
// record area, then the values. manufacturer is appended unchanged.
func Encode(fields []records.Field, manufacturer []byte) []byte {
	layout := make([]records.Descriptor, len(fields))
	for i, f := range fields {
		layout[i] = f.Descriptor
	}
	out := binary.LittleEndian.AppendUint16(nil, records.Signature(layout))
	out = binary.LittleEndian.AppendUint16(out, crc.CRC16(records.Encode(fields)))
	for _, f := range fields {
		out = append(out, f.Raw...)
	}
	return append(out, manufacturer...)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now for LastSeen stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithEvictHook registers a callback run for every capacity eviction.
func WithEvictHook(fn func(Fingerprint)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cache) { c.log = log }
}

// Cache is a bounded least-recently-used map from fingerprint to template.
// Stored templates are never modified in place: Observe replaces them and
// Expand hands out copies, so it is safe for concurrent use.
type Cache struct {
	lru     *lru.Cache[Fingerprint, *Template]
	now     func() time.Time
	onEvict func(Fingerprint)
	log     logrus.FieldLogger
}

// New returns a cache holding at most capacity templates. A capacity of zero
// or less selects DefaultCapacity.
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{now: time.Now, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	l, err := lru.NewWithEvict(capacity, func(fp Fingerprint, _ *Template) {
		c.log.WithField("fingerprint", fp.String()).Debug("compact template evicted")
		if c.onEvict != nil {
			c.onEvict(fp)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create template cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// Observe stores the layout of a full telegram, evicting the least recently
// used template when the cache is full. It reports whether an eviction
// happened.
func (c *Cache) Observe(fp Fingerprint, layout []records.Descriptor, tail byte) bool {
	tpl := &Template{Fingerprint: fp, Tail: tail, LastSeen: c.now()}
	tpl.Layout = make([]records.Descriptor, len(layout))
	for i, d := range layout {
		tpl.Layout[i] = d.Clone()
	}
	return c.lru.Add(fp, tpl)
}

// Lookup returns a copy of the template for fp.
func (c *Cache) Lookup(fp Fingerprint) (Template, bool) {
	tpl, ok := c.lru.Get(fp)
	if !ok {
		return Template{}, false
	}
	return tpl.clone(), true
}

// Expand binds values positionally to the cached layout for fp. It returns
// the bound fields and any bytes left after the last one, which belong to
// the manufacturer-specific area.
func (c *Cache) Expand(fp Fingerprint, values []byte) ([]records.Field, []byte, error) {
	tpl, ok := c.lru.Get(fp)
	if !ok {
		return nil, nil, protoerr.New(protoerr.CodeCacheMiss, "no template for %s", fp)
	}
	fields := make([]records.Field, 0, len(tpl.Layout))
	off := 0
	for _, d := range tpl.Layout {
		raw, next, err := records.ReadValue(d, values, off)
		if err != nil {
			return nil, nil, err
		}
		fields = append(fields, records.Field{Descriptor: d.Clone(), Raw: append([]byte(nil), raw...)})
		off = next
	}
	return fields, append([]byte(nil), values[off:]...), nil
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every template.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Snapshot returns copies of all templates, least recently used first.
func (c *Cache) Snapshot() []Template {
	keys := c.lru.Keys()
	out := make([]Template, 0, len(keys))
	for _, k := range keys {
		if tpl, ok := c.lru.Peek(k); ok {
			out = append(out, tpl.clone())
		}
	}
	return out
}

// Restore inserts templates in order, so a Snapshot restores to the same
// recency ordering.
func (c *Cache) Restore(tpls []Template) {
	for i := range tpls {
		tpl := tpls[i].clone()
		c.lru.Add(tpl.Fingerprint, &tpl)
	}
}
