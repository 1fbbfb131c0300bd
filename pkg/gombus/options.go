package gombus

import (
	"context"

	"github.com/sirupsen/logrus"

	internalopts "gitlab.com/d21d3q/gombus/internal/options"
)

// AnalyzeOptions configures AnalyzeHexWithOptions.
type AnalyzeOptions struct {
	// KeyHex is an AES-128 key used for every encrypted telegram.
	KeyHex string
	// KeyFile is a YAML key file; its entries take precedence over KeyHex.
	KeyFile string
	// LowConfidence releases Mode 5/7 data whose filler check failed.
	LowConfidence bool
	// RequireCRC rejects wireless telegrams without block CRCs. By default
	// they are accepted, as receivers commonly strip them.
	RequireCRC bool
	Logger     logrus.FieldLogger
}

func (opts AnalyzeOptions) engine(ctx context.Context) (context.Context, *Engine, error) {
	key, err := internalopts.ParseKeyHex(opts.KeyHex)
	if err != nil {
		return ctx, nil, err
	}
	ctx = internalopts.WithSecurityKey(ctx, key)

	store := internalopts.NewKeyStore()
	if opts.KeyFile != "" {
		if store, err = internalopts.LoadKeyFile(opts.KeyFile); err != nil {
			return ctx, nil, err
		}
	}
	engineOpts := []Option{
		WithKeys(store),
		WithLowConfidence(opts.LowConfidence),
		AllowStrippedCRC(!opts.RequireCRC),
		AcceptDecrypted(true),
	}
	if opts.Logger != nil {
		engineOpts = append(engineOpts, WithLogger(opts.Logger))
	}
	return ctx, NewEngine(engineOpts...), nil
}
