package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gitlab.com/d21d3q/gombus/pkg/gombus"
)

var (
	analyzeCmd = &cobra.Command{
		Use:   "analyze [hex]",
		Short: "Decode one telegram, or read telegrams from stdin line by line",
		Long: "analyze decodes wired or wireless telegrams given as hex. Without an argument it reads " +
			"one telegram per line, so compact frames can be expanded from earlier full frames.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, cleanup, err := newEngine(ctx,
				gombus.AllowStrippedCRC(!analyzeRequireCRC),
				gombus.AcceptDecrypted(true))
			if err != nil {
				return err
			}
			defer cleanup()
			if len(args) == 0 {
				return runInteractive(ctx, engine)
			}
			return runAnalyze(ctx, engine, args[0])
		},
	}

	analyzeRequireCRC bool
)

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeRequireCRC, "require-crc", false, "reject wireless telegrams without block CRCs")
}

func runInteractive(ctx context.Context, engine *gombus.Engine) error {
	scanner := bufio.NewScanner(os.Stdin)
	log.Info("gombus analyze mode. Paste a hex telegram and press Enter (Ctrl+D to exit).")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := runAnalyze(ctx, engine, line); err != nil {
			log.WithError(err).Error("failed to decode telegram")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func runAnalyze(ctx context.Context, engine *gombus.Engine, hex string) error {
	data, err := gombus.DecodeHex(hex)
	if err != nil {
		return err
	}
	res, err := engine.Analyze(ctx, data)
	if err != nil {
		if res != nil {
			printResult(res)
		}
		return err
	}
	printResult(res)
	return nil
}
