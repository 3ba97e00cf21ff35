// Command isotap sits between two ends of an ISO-TP conversation on a CAN
// bus, decodes the transport layer in flight, and lets a configured rule
// rewrite units transparently before they continue on their way.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/cantools/isotap/bus"
	"github.com/cantools/isotap/logging"
	"github.com/cantools/isotap/metrics"
	"github.com/cantools/isotap/mqttpub"
	"github.com/cantools/isotap/tap"
	"github.com/cantools/isotap/tp"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("isotap %s (%s)\n", version, commit)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}

	l := logging.New(cfg.logFormat, os.Stderr)
	if lvl, err := zerolog.ParseLevel(cfg.logLevel); err == nil {
		l = l.Level(lvl)
	}
	logging.Set(l)

	if err := run(cfg); err != nil && err != context.Canceled {
		logging.L().Error().Err(err).Msg("isotap exited with error")
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	adapter, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.backend, err)
	}
	defer adapter.Close()

	opts := tap.Options{
		Tick:     cfg.tick,
		AllowIDs: cfg.allowIDs,
		TxDL:     uint8(cfg.txDL),
	}

	if cfg.rewriteSID != "" {
		from, to, err := parseRewriteSID(cfg.rewriteSID)
		if err != nil {
			return err
		}
		opts.Handler = sidRewriter(from, to)
		logging.L().Info().
			Str("from", fmt.Sprintf("%#02x", from)).
			Str("to", fmt.Sprintf("%#02x", to)).
			Msg("service byte rewrite active")
	}

	if cfg.mqttBroker != "" {
		pub, err := mqttpub.Connect(cfg.mqttBroker, cfg.mqttClient, cfg.mqttTopic)
		if err != nil {
			return fmt.Errorf("mqtt mirror: %w", err)
		}
		defer pub.Close()
		opts.Publisher = pub
	}

	if cfg.secocKeyHex != "" {
		key, err := hex.DecodeString(cfg.secocKeyHex)
		if err != nil {
			return err
		}
		auth, err := tap.NewAuthenticator(key, cfg.secocTagLen)
		if err != nil {
			return fmt.Errorf("authenticator: %w", err)
		}
		opts.Auth = auth
	}

	t, err := tap.New(adapter, opts)
	if err != nil {
		return err
	}

	if cfg.metricsAddr != "" {
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer srv.Close()
		metrics.SetReadinessFunc(func() bool { return true })
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.L().Info().
		Str("version", version).
		Str("backend", cfg.backend).
		Msg("isotap running")
	return t.Run(ctx)
}

func openBackend(cfg *appConfig) (bus.Adapter, error) {
	switch cfg.backend {
	case "socketcan":
		return bus.OpenSocketCAN(cfg.canIf, 0)
	case "slcan":
		return bus.OpenSLCAN(cfg.serialDev, cfg.baud, 0)
	case "loop":
		// Dry-run mode: frames sent by the tap land on the peer end, which
		// nothing drains. Useful for config and metrics smoke checks.
		a, _ := bus.NewLoopback(0)
		return a, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.backend)
}

// sidRewriter swaps the first payload byte of single-frame units, the
// service identifier in a diagnostic conversation.
func sidRewriter(from, to byte) tap.Handler {
	return func(_ tp.CanFrame, pdu *tp.PDU) tap.Verdict {
		if pdu.PCI.Type != tp.PCISingleFrame || pdu.PCI.SFDataLen == 0 {
			return tap.Pass
		}
		if pdu.Data[0] != from {
			return tap.Pass
		}
		pdu.Data[0] = to
		return tap.Rewrite
	}
}
