package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gitlab.com/d21d3q/gombus/internal/frame"
	"gitlab.com/d21d3q/gombus/internal/link"
	"gitlab.com/d21d3q/gombus/internal/transport"
	"gitlab.com/d21d3q/gombus/pkg/gombus"
)

var (
	pollCmd = &cobra.Command{
		Use:   "poll",
		Short: "Read meters on a wired M-Bus line",
		Long: "poll resets and reads the meters at the given primary addresses, or selects one meter " +
			"by secondary address, and prints every decoded telegram.",
		RunE: runPoll,
	}

	pollPort      string
	pollBaud      int
	pollAddresses []uint
	pollSecondary string
	pollInterval  time.Duration
	pollList      bool
)

func init() {
	flags := pollCmd.Flags()
	flags.StringVar(&pollPort, "port", "", "serial device of the M-Bus level converter (overrides serial.port)")
	flags.IntVar(&pollBaud, "baud", 0, "baud rate (overrides serial.baudRate)")
	flags.UintSliceVar(&pollAddresses, "address", nil, "primary addresses to poll (1-250)")
	flags.StringVar(&pollSecondary, "secondary", "", "secondary address to select, as MAN.ID (e.g. KAM.12345678)")
	flags.DurationVar(&pollInterval, "interval", 0, "repeat the poll at this interval until interrupted")
	flags.BoolVar(&pollList, "list-ports", false, "print the serial ports present on this host and exit")
}

func runPoll(cmd *cobra.Command, _ []string) error {
	if pollList {
		ports, err := transport.List()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}
	ctx := cmd.Context()
	if pollPort != "" {
		cfg.Serial.Port = pollPort
	}
	if pollBaud > 0 {
		cfg.Serial.BaudRate = pollBaud
	}
	targets, err := pollTargets()
	if err != nil {
		return err
	}

	port, err := transport.Open(transport.Config{
		Path:        cfg.Serial.Port,
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
	})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"port": port.Path(), "baud": cfg.Serial.BaudRate}).Info("serial port open")
	bus := link.NewBus(port, link.Config{
		Timeout:      cfg.Link.Timeout,
		MaxRetries:   cfg.Link.MaxRetries,
		MaxTelegrams: cfg.Link.MaxTelegrams,
	}, link.WithLogger(log))
	defer bus.Close()

	engine, cleanup, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	poller := gombus.NewPoller(bus, engine, log)

	for {
		for _, target := range targets {
			results, err := target.poll(ctx, poller)
			for _, res := range results {
				printResult(res)
			}
			if err != nil {
				log.WithFields(logrus.Fields{"target": target.name}).WithError(err).Error("poll failed")
			}
		}
		if pollInterval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollInterval):
		}
	}
}

type pollTarget struct {
	name string
	poll func(context.Context, *gombus.Poller) ([]*gombus.Result, error)
}

func pollTargets() ([]pollTarget, error) {
	var targets []pollTarget
	for _, a := range pollAddresses {
		if a == 0 || a > frame.AddressMaxPrimary {
			return nil, fmt.Errorf("primary address %d out of range 1-%d", a, frame.AddressMaxPrimary)
		}
		address := byte(a)
		targets = append(targets, pollTarget{
			name: fmt.Sprintf("%d", address),
			poll: func(ctx context.Context, p *gombus.Poller) ([]*gombus.Result, error) {
				if err := p.Reset(ctx, address); err != nil {
					return nil, err
				}
				return p.Poll(ctx, address)
			},
		})
	}
	if pollSecondary != "" {
		device, err := parseSecondary(pollSecondary)
		if err != nil {
			return nil, err
		}
		targets = append(targets, pollTarget{
			name: pollSecondary,
			poll: func(ctx context.Context, p *gombus.Poller) ([]*gombus.Result, error) {
				return p.PollSecondary(ctx, device)
			},
		})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("nothing to poll: pass --address or --secondary")
	}
	return targets, nil
}

// parseSecondary accepts MAN.ID with optional .VERSION.TYPE in hex.
func parseSecondary(s string) (frame.Address, error) {
	var man, id string
	var version, devType byte
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 2, 4:
		man, id = parts[0], parts[1]
	default:
		return frame.Address{}, fmt.Errorf("secondary address %q: want MAN.ID or MAN.ID.VV.TT", s)
	}
	if len(parts) == 4 {
		if _, err := fmt.Sscanf(parts[2]+" "+parts[3], "%x %x", &version, &devType); err != nil {
			return frame.Address{}, fmt.Errorf("secondary address %q: %w", s, err)
		}
	}
	m, err := frame.ManufacturerFromCode(man)
	if err != nil {
		return frame.Address{}, err
	}
	raw, err := frame.ParseID(id)
	if err != nil {
		return frame.Address{}, err
	}
	return frame.Address{Manufacturer: m, ID: raw, Version: version, DeviceType: devType}, nil
}
