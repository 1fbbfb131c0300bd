package gombus

import (
	"context"

	"github.com/sirupsen/logrus"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/link"
)

// Poller reads meters on a wired bus and decodes their responses.
type Poller struct {
	bus    *link.Bus
	engine *Engine
	log    logrus.FieldLogger
}

// NewPoller pairs a bus with an engine.
func NewPoller(bus *link.Bus, engine *Engine, log logrus.FieldLogger) *Poller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Poller{bus: bus, engine: engine, log: log}
}

// Poll reads every telegram of the slave at a primary address. Whether
// another telegram follows is taken from the decoded records, so encrypted
// multi-telegram responses are read completely. Telegrams decoded before a
// link error are returned with it.
func (p *Poller) Poll(ctx context.Context, address byte) ([]*Result, error) {
	var results []*Result
	var decodeErr error
	_, err := p.bus.ReadWhile(ctx, address, func(l *frame.Long) bool {
		res, err := p.engine.DecodeLong(ctx, l)
		if err != nil {
			p.log.WithFields(logrus.Fields{"address": address, "telegram": len(results)}).WithError(err).Warn("telegram not decoded")
			if decodeErr == nil {
				decodeErr = err
			}
			return l.MoreRecordsFollow
		}
		results = append(results, res)
		return res.MoreRecordsFollow
	})
	if err != nil {
		return results, err
	}
	return results, decodeErr
}

// PollSecondary selects a slave by secondary address, then polls it.
func (p *Poller) PollSecondary(ctx context.Context, device frame.Address) ([]*Result, error) {
	if err := p.bus.SelectSecondary(ctx, device); err != nil {
		return nil, err
	}
	return p.Poll(ctx, frame.AddressSelected)
}

// Reset sends SND_NKE to address.
func (p *Poller) Reset(ctx context.Context, address byte) error {
	return p.bus.SelectPrimary(ctx, address)
}
