// Package snapshot persists compact frame templates in Redis so a restarted
// collector can expand compact telegrams without waiting for full frames.
package snapshot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"gitlab.com/d21d3q/gombus/internal/compact"
	"gitlab.com/d21d3q/gombus/internal/records"
)

// DefaultKey is the Redis key holding the snapshot document.
const DefaultKey = "gombus:compact"

// Store reads and writes one snapshot document.
type Store struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    logrus.FieldLogger
}

// Options locate the Redis server.
type Options struct {
	Address  string
	Password string
	DB       int
	Key      string
	// TTL expires the snapshot; zero keeps it forever.
	TTL time.Duration
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options, log logrus.FieldLogger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Address, err)
	}
	return NewStore(client, opts.Key, opts.TTL, log), nil
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client, key string, ttl time.Duration, log logrus.FieldLogger) *Store {
	if key == "" {
		key = DefaultKey
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{client: client, key: key, ttl: ttl, log: log}
}

// Save replaces the stored snapshot with the cache contents.
func (s *Store) Save(ctx context.Context, c *compact.Cache) error {
	tpls := c.Snapshot()
	doc, err := Marshal(tpls)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, doc, s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.key, err)
	}
	s.log.WithFields(logrus.Fields{"key": s.key, "templates": len(tpls)}).Info("compact templates saved")
	return nil
}

// Load restores the stored snapshot into c. A missing snapshot is not an
// error.
func (s *Store) Load(ctx context.Context, c *compact.Cache) (int, error) {
	doc, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load snapshot %s: %w", s.key, err)
	}
	tpls, err := Unmarshal(doc)
	if err != nil {
		return 0, err
	}
	c.Restore(tpls)
	s.log.WithFields(logrus.Fields{"key": s.key, "templates": len(tpls)}).Info("compact templates restored")
	return len(tpls), nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

type template struct {
	Manufacturer uint16    `json:"manufacturer"`
	ID           uint32    `json:"id"`
	Version      byte      `json:"version"`
	DeviceType   byte      `json:"deviceType"`
	Signature    uint16    `json:"signature"`
	Layout       string    `json:"layout"`
	Tail         byte      `json:"tail,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Marshal encodes templates in order. Layouts are stored in wire form.
func Marshal(tpls []compact.Template) ([]byte, error) {
	out := make([]template, 0, len(tpls))
	for _, tpl := range tpls {
		var layout []byte
		for _, d := range tpl.Layout {
			layout = append(layout, d.Bytes()...)
		}
		fp := tpl.Fingerprint
		out = append(out, template{
			Manufacturer: fp.Manufacturer,
			ID:           fp.ID,
			Version:      fp.Version,
			DeviceType:   fp.DeviceType,
			Signature:    fp.Signature,
			Layout:       hex.EncodeToString(layout),
			Tail:         tpl.Tail,
			LastSeen:     tpl.LastSeen,
		})
	}
	return json.Marshal(out)
}

// Unmarshal decodes a document written by Marshal. A template whose layout no
// longer matches its signature is rejected.
func Unmarshal(doc []byte) ([]compact.Template, error) {
	var in []template
	if err := json.Unmarshal(doc, &in); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	out := make([]compact.Template, 0, len(in))
	for i, t := range in {
		raw, err := hex.DecodeString(t.Layout)
		if err != nil {
			return nil, fmt.Errorf("template %d: layout: %w", i, err)
		}
		var layout []records.Descriptor
		for off := 0; off < len(raw); {
			d, next, err := records.ParseDescriptor(raw, off)
			if err != nil {
				return nil, fmt.Errorf("template %d: %w", i, err)
			}
			layout = append(layout, d)
			off = next
		}
		fp := compact.Fingerprint{
			Manufacturer: t.Manufacturer,
			ID:           t.ID,
			Version:      t.Version,
			DeviceType:   t.DeviceType,
			Signature:    t.Signature,
		}
		if sig := records.Signature(layout); sig != fp.Signature {
			return nil, fmt.Errorf("template %d (%s): layout signature %04X", i, fp, sig)
		}
		out = append(out, compact.Template{Fingerprint: fp, Layout: layout, Tail: t.Tail, LastSeen: t.LastSeen})
	}
	return out, nil
}
