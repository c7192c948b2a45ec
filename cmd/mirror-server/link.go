package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-mirror-server/internal/serial"
	"github.com/kstaniek/go-mirror-server/internal/session"
	"github.com/kstaniek/go-mirror-server/internal/transport"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = func(name string, baud int, readTimeout time.Duration) (transport.Link, error) {
	return serial.Open(name, baud, readTimeout)
}

// resolveDevice is a hook for tests.
var resolveDevice = serial.Resolve

// newOpener returns the session link opener: resolve the device (discovering
// it when configured as auto), then lock and open it. Repeated identical
// failures are logged once.
func newOpener(cfg *appConfig, l *slog.Logger) session.Opener {
	var lastErr string
	return func(ctx context.Context) (transport.Link, error) {
		link, name, err := openLink(cfg)
		if err != nil {
			if msg := err.Error(); msg != lastErr {
				lastErr = msg
				l.Warn("serial_open_failed", "device", cfg.serialDev, "error", err)
			}
			return nil, err
		}
		lastErr = ""
		l.Info("serial_open", "device", name, "baud", cfg.baud)
		return link, nil
	}
}

func openLink(cfg *appConfig) (transport.Link, string, error) {
	name, err := resolveDevice(cfg.serialDev)
	if err != nil {
		return nil, "", err
	}
	link, err := openSerialPort(name, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, name, err
	}
	return link, name, nil
}
