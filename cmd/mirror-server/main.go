package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-mirror-server/internal/metrics"
	"github.com/kstaniek/go-mirror-server/internal/session"
	"github.com/kstaniek/go-mirror-server/internal/viewer"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()
	run := func(cmd *cobra.Command, _ []string) error {
		if err := loadConfig(cmd.Flags(), cfg); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	}
	root := &cobra.Command{
		Use:           "mirror-server",
		Short:         "Mirror a handheld's display and audio over USB serial to websocket viewers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	bindFlags(root.PersistentFlags(), cfg)
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the mirror server (default)",
			Args:  cobra.NoArgs,
			RunE:  run,
		},
		devicesCmd(),
		versionCmd(),
	)
	return root
}

// runServer wires the session, viewer server and ambient services and blocks
// until ctx is done.
func runServer(ctx context.Context, cfg *appConfig) error {
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	metrics.InitBuildInfo(version, commit, date)
	h := initHub(cfg, l)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	var sess *session.Session
	vs := viewer.NewServer(
		viewer.WithHub(h),
		viewer.WithListenAddr(cfg.listenAddr),
		viewer.WithReadDeadline(cfg.clientReadTO),
		viewer.WithLogger(l.With("component", "viewer")),
		viewer.WithStatus(func() viewer.Status {
			snap := metrics.Snap()
			return viewer.Status{
				LinkUp:    sess.LinkUp(),
				Streaming: sess.Streaming(),
				Audio:     sess.AudioConfig().String(),
				Frames:    snap.Frames,
				Desyncs:   snap.Desyncs,
			}
		}),
	)
	sess, err := session.New(session.Config{
		IngestSize:     cfg.ingestSize,
		TxQueue:        cfg.txQueue,
		TickInterval:   cfg.tickInterval,
		PokeInterval:   cfg.pokeInterval,
		ReconnectDelay: cfg.reconnectDelay,
		AudioConfig:    cfg.audioConfig(),
		Mute:           cfg.mute,
	}, vs, func() { l.Debug("audio_resumed") })
	if err != nil {
		return err
	}
	vs.Control = sess

	metrics.SetReadinessFunc(func() bool { return sess.LinkUp() && sess.Streaming() })
	if cfg.metricsAddr != "" {
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := vs.Serve(ctx); err != nil {
			l.Error("viewer_server_error", "error", err)
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		viewer.RunAudioPump(ctx, sess.Audio(), h)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sess.Run(ctx, newOpener(cfg, l))
		l.Info("session_end")
	}()
	go advertise(ctx, cfg, vs, l)

	<-ctx.Done()
	l.Info("shutdown")
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		l.Warn("shutdown_timeout")
	}
	logSnapshot(l, metrics.Snap())
	return nil
}

// advertise starts mDNS once the viewer listener is bound.
func advertise(ctx context.Context, cfg *appConfig, vs *viewer.Server, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-vs.Ready():
	case <-ctx.Done():
		return
	}
	port := listenPort(vs.Addr())
	cleanupMDNS, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
	<-ctx.Done()
	cleanupMDNS()
}

func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 0
}
