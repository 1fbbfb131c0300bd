package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gitlab.com/d21d3q/gombus/internal/compact"
	"gitlab.com/d21d3q/gombus/internal/config"
	"gitlab.com/d21d3q/gombus/internal/logger"
	"gitlab.com/d21d3q/gombus/internal/metrics"
	"gitlab.com/d21d3q/gombus/internal/options"
	"gitlab.com/d21d3q/gombus/internal/security"
	"gitlab.com/d21d3q/gombus/internal/snapshot"
	"gitlab.com/d21d3q/gombus/pkg/gombus"
)

var (
	rootCmd = &cobra.Command{
		Use:           "gombus",
		Short:         "Decode and poll M-Bus and Wireless M-Bus meters",
		Long:          "gombus validates, decrypts and decodes wired M-Bus and Wireless M-Bus telegrams and polls meters on a serial bus.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup()
		},
	}

	configPath string
	keyHex     string
	keyFile    string
	logLevel   string
	lowConf    bool

	cfg *config.Config
	log *logrus.Logger
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVar(&keyHex, "key", "", "hex-encoded 16-byte AES key (32 hex chars) used when no key file entry matches")
	flags.StringVar(&keyFile, "key-file", "", "YAML file with per-meter keys")
	flags.StringVar(&logLevel, "log-level", "", "log level (overrides the configuration)")
	flags.BoolVar(&lowConf, "low-confidence", false, "print Mode 5/7 data even when the filler check fails")
	rootCmd.AddCommand(analyzeCmd, pollCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Fatal(err)
	}
}

func setup() error {
	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	if keyFile != "" {
		cfg.Security.KeyFile = keyFile
	}
	if keyHex != "" {
		cfg.Security.DefaultKey = keyHex
	}
	if lowConf {
		cfg.Security.LowConfidence = true
	}
	if log, err = logger.New(cfg.Logger); err != nil {
		return err
	}
	if cfg.Metrics.Listen != "" {
		metrics.Register(nil)
		metrics.Serve(cfg.Metrics.Listen, log)
	}
	return nil
}

// newEngine builds the decoding engine from the configuration; extra options
// are applied last. The returned cleanup saves the compact templates when a
// Redis snapshot is configured.
func newEngine(ctx context.Context, extra ...gombus.Option) (*gombus.Engine, func(), error) {
	keys := options.NewKeyStore()
	if cfg.Security.KeyFile != "" {
		var err error
		if keys, err = options.LoadKeyFile(cfg.Security.KeyFile); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Security.DefaultKey != "" {
		key, err := options.ParseKeyHex(cfg.Security.DefaultKey)
		if err != nil {
			return nil, nil, err
		}
		keys.SetDefault(key)
	}

	mode5, err := security.ParseMode5Cipher(cfg.Security.Mode5Cipher)
	if err != nil {
		return nil, nil, err
	}

	cache, err := compact.New(cfg.Cache.Capacity,
		compact.WithLogger(log),
		compact.WithEvictHook(func(compact.Fingerprint) { metrics.CacheEvictions.Inc() }))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {}
	if cfg.Redis.Address != "" {
		store, err := snapshot.Open(ctx, snapshot.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		if _, err := store.Load(ctx, cache); err != nil {
			log.WithError(err).Warn("compact templates not restored")
		}
		cleanup = func() {
			if err := store.Save(context.Background(), cache); err != nil {
				log.WithError(err).Error("compact templates not saved")
			}
			_ = store.Close()
		}
	}

	opts := []gombus.Option{
		gombus.WithKeys(keys),
		gombus.WithCache(cache),
		gombus.WithLogger(log),
		gombus.WithLowConfidence(cfg.Security.LowConfidence),
		gombus.AllowStrippedCRC(cfg.Security.AllowStrippedCRC),
		gombus.WithMode5Cipher(mode5),
	}
	engine := gombus.NewEngine(append(opts, extra...)...)
	log.WithFields(logrus.Fields{
		"keys":     keys.Len(),
		"capacity": cfg.Cache.Capacity,
	}).Debug("engine ready")
	return engine, cleanup, nil
}

func printResult(res *gombus.Result) {
	fmt.Println(res.String())
}
