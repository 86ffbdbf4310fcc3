package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/parley/internal/audio"
	"github.com/antoniostano/parley/internal/logging"
	"github.com/antoniostano/parley/internal/media"
	"github.com/antoniostano/parley/internal/observability"
	"github.com/antoniostano/parley/internal/pubsub"
	"github.com/antoniostano/parley/internal/rtc"
	"github.com/antoniostano/parley/internal/session"
	"github.com/antoniostano/parley/internal/soundcard"
	"github.com/antoniostano/parley/internal/viz"
	"github.com/antoniostano/parley/internal/voice"
)

var (
	callVoice     string
	callViz       string
	callAutostart bool
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Start an interactive voice conversation",
	Long: `Start an interactive voice conversation using the default microphone
and speaker.

Commands are read from stdin and run in the background, so "stop" can
interrupt a start that is still negotiating. Changing the voice during a
conversation restarts it with the new voice.

Examples:
  parley call
  parley call --voice sage --autostart
  parley call --viz 127.0.0.1:7070`,
	Args: cobra.NoArgs,
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callVoice, "voice", "", "initial voice id (default REALTIME_VOICE)")
	callCmd.Flags().StringVar(&callViz, "viz", "", "visualization server address (default VIZ_BIND_ADDR; empty disables)")
	callCmd.Flags().BoolVar(&callAutostart, "autostart", false, "start the conversation immediately")
}

func runCall(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)
	bus := pubsub.NewBus()
	defer bus.Close()

	negotiator := rtc.NewNegotiator(rtc.Config{
		Model:       cfg.RealtimeModel,
		ICEServers:  cfg.ICEServers,
		Constraints: media.DefaultConstraints(),
	},
		soundcard.New(logging.Component(logger, "soundcard")),
		&rtc.PionFactory{GatherTimeout: cfg.ICEGatherTimeout, Logger: logging.Component(logger, "transport")},
		rtc.NewCredentialClient(cfg.ServerBaseURL, cfg.ProviderTimeout, logging.Component(logger, "credentials")),
		rtc.NewProviderClient(cfg.RealtimeURL, cfg.ProviderTimeout, logging.Component(logger, "provider"), metrics),
		rtc.WithLogger(logging.Component(logger, "negotiator")),
		rtc.WithMetrics(metrics),
		rtc.WithSignalHub(bus.Signal),
	)

	monitor := audio.DefaultMonitor()
	monitor.FFTSize = cfg.LevelFFTSize
	monitor.Interval = cfg.LevelFrameInterval

	catalog := voice.DefaultCatalog()
	manager := session.NewManager(negotiator, catalog, bus,
		session.WithLogger(logging.Component(logger, "conversation")),
		session.WithMetrics(metrics),
		session.WithMonitor(monitor),
	)
	initial := callVoice
	if initial == "" {
		initial = cfg.RealtimeVoice
	}
	if catalog.Index(initial) < 0 {
		return fmt.Errorf("unknown voice %q", initial)
	}
	manager.LoadVoices(catalog, initial)

	vizAddr := callViz
	if vizAddr == "" {
		vizAddr = cfg.VizBindAddr
	}

	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	runCtx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	con := newConsole(manager, cmd.OutOrStdout())
	g, gctx := errgroup.WithContext(runCtx)

	if vizAddr != "" {
		srv := viz.New(viz.Options{
			AllowAnyOrigin:  cfg.AllowAnyOrigin,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, manager, bus, metrics, logging.Component(logger, "viz"))
		g.Go(func() error { return srv.Serve(gctx, vizAddr) })
		con.printf("%s ws://%s/ws\n", styles.help.Render("visualization on"), vizAddr)
	}
	g.Go(func() error { return con.watch(gctx, bus) })
	g.Go(func() error {
		defer cancel()
		if callAutostart {
			con.dispatch(gctx, "start", nil)
		}
		return con.run(gctx, cmd.InOrStdin())
	})

	err = g.Wait()
	_ = manager.Stop()
	con.wait()
	return err
}
