package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/HerbHall/wakewatch/internal/config"
	"github.com/HerbHall/wakewatch/internal/event"
	"github.com/HerbHall/wakewatch/internal/monitor"
	"github.com/HerbHall/wakewatch/internal/power"
	"github.com/HerbHall/wakewatch/internal/presence"
	"github.com/HerbHall/wakewatch/internal/ratelimit"
	"github.com/HerbHall/wakewatch/internal/server"
	"github.com/HerbHall/wakewatch/internal/settings"
	"github.com/HerbHall/wakewatch/internal/smartthings"
	"github.com/HerbHall/wakewatch/internal/version"
	"github.com/HerbHall/wakewatch/internal/wake"
	"github.com/HerbHall/wakewatch/internal/ws"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring in the foreground",
	Long: `Start the presence probe loop, listen for resume-from-sleep signals,
and serve the status and control API.

Signals:
  SIGINT, SIGTERM  shut down
  SIGHUP           reload the config file and restart monitoring
  SIGUSR1          inject a manual wake event`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDaemon(cmd.Context())
	},
}

// daemon holds the long-lived components shared by the run loop and the
// config reload path.
type daemon struct {
	store   *config.Store
	logger  *zap.Logger
	bus     *event.Bus
	power   *power.Controller
	prober  *presence.Prober
	monitor *monitor.Monitor
	manual  *wake.ManualSource

	reloadMu sync.Mutex
}

func newDaemon(ctx context.Context, store *config.Store, logger *zap.Logger) *daemon {
	st := store.Settings()
	d := &daemon{
		store:  store,
		logger: logger,
		bus:    event.NewBus(logger.Named("event")),
		manual: wake.NewManualSource(),
	}

	limiter := ratelimit.New(st.MinRequestInterval, nil)
	d.power = power.NewController(newAPI(st), st.DeviceID, limiter, logger.Named("power"))

	d.prober = presence.NewProber(probeConfig(st),
		presence.NewICMPPinger(st.Privileged),
		presence.SystemAdapters{},
		logger.Named("presence"),
		presence.WithChangeFunc(d.publishPresence(ctx)),
	)

	sources := []wake.Source{d.manual}
	if st.ResumeSignal {
		sources = append(sources, wake.NewLogindSource(logger.Named("logind")))
	}
	d.monitor = monitor.New(monitorSettings(st), d.prober, d.power, d.bus,
		logger.Named("monitor"), monitor.WithSources(sources...))

	if !st.Configured() {
		logger.Warn("SmartThings access token or device id not configured; wake events will not power on the TV")
	}
	return d
}

func (d *daemon) publishPresence(ctx context.Context) presence.ChangeFunc {
	return func(previous, current presence.DeviceState) {
		d.bus.PublishAsync(ctx, event.Event{
			Topic:     presence.TopicChanged,
			Source:    "presence",
			Timestamp: time.Now(),
			Payload: presence.Change{
				Target:   d.prober.Config().Target,
				Previous: previous.String(),
				Current:  current.String(),
			},
		})
	}
}

// reload applies the current store contents. A running monitor is
// restarted so the new probe interval takes effect; a paused one stays
// paused.
func (d *daemon) reload() {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	st := d.store.Settings()
	d.prober.SetConfig(probeConfig(st))
	d.power.Configure(newAPI(st), st.DeviceID)
	d.monitor.Reconfigure(monitorSettings(st))

	switch d.monitor.State() {
	case monitor.Running:
		d.logger.Info("configuration reloaded, restarting monitoring")
		d.monitor.Restart()
	default:
		d.logger.Info("configuration reloaded", zap.Stringer("state", d.monitor.State()))
	}
}

// reloadFile re-reads the config file and applies it.
func (d *daemon) reloadFile() error {
	if err := d.store.Reload(); err != nil {
		return err
	}
	d.reload()
	return nil
}

// ready reports whether monitoring is active, for /readyz.
func (d *daemon) ready(context.Context) error {
	if s := d.monitor.State(); s != monitor.Running {
		return fmt.Errorf("monitoring is %s", s)
	}
	return nil
}

// newAPI returns nil without a token so the controller reports
// power.ErrNotConfigured instead of calling out.
func newAPI(st config.Settings) power.API {
	if st.AccessToken == "" {
		return nil
	}
	return smartthings.NewClient(st.AccessToken, st.BaseURL, st.RequestTimeout)
}

func probeConfig(st config.Settings) presence.Config {
	return presence.Config{Target: st.DeviceIP, Timeout: st.PingTimeout}
}

func monitorSettings(st config.Settings) monitor.Settings {
	return monitor.Settings{
		CheckInterval:  st.CheckInterval,
		MaxAttempts:    st.MaxAttempts,
		RetryDelay:     st.RetryDelay,
		DebounceWindow: st.DebounceWindow,
		SettleDelay:    st.SettleDelay,
	}
}

func runDaemon(parent context.Context) error {
	// Load configuration (before logger, so log level/format can be configured).
	store, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := config.NewLogger(store.Viper())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("wakewatch starting", zap.String("version", version.Short()))
	if f := store.ConfigFile(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	var srvCfg server.Config
	if err := store.UnmarshalKey(config.SectionServer, &srvCfg); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	d := newDaemon(ctx, store, logger)

	wsHandler := ws.NewHandler(d.bus, func() any { return d.monitor.Status() }, logger.Named("ws"))
	defer wsHandler.Close()

	srv := server.New(srvCfg, logger.Named("server"), d.ready,
		monitor.NewHandler(d.monitor, d.manual, logger.Named("api")),
		settings.NewHandler(store, d.reloadFile, logger.Named("settings")),
		wsHandler,
	)

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	d.monitor.Start(ctx)
	if err := store.Watch(ctx, logger.Named("config"), d.reload); err != nil {
		logger.Warn("config file changes will not be picked up", zap.Error(err))
	}

	signals := []os.Signal{os.Interrupt, syscall.SIGTERM}
	for _, sig := range []os.Signal{reloadSignal, wakeSignal} {
		if sig != nil {
			signals = append(signals, sig)
		}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	runErr := waitForShutdown(ctx, d, sigCh, srvErr)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	d.monitor.Stop()
	cancel()

	// Feed connections are hijacked, so Shutdown does not wait for them.
	wsHandler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// Let an in-flight power-on sequence finish, within the shutdown budget.
	drained := make(chan struct{})
	go func() {
		d.bus.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out waiting for event handlers")
	}

	logger.Info("wakewatch stopped")
	return runErr
}

func waitForShutdown(ctx context.Context, d *daemon, sigCh <-chan os.Signal, srvErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-srvErr:
			if err != nil {
				d.logger.Error("server error", zap.Error(err))
				return err
			}
			return errors.New("HTTP server stopped unexpectedly")
		case sig := <-sigCh:
			switch sig {
			case reloadSignal:
				d.logger.Info("received reload signal", zap.String("signal", sig.String()))
				if err := d.reloadFile(); err != nil {
					d.logger.Warn("config reload failed, keeping current settings", zap.Error(err))
				}
			case wakeSignal:
				if !d.manual.Trigger("signal") {
					d.logger.Info("manual wake ignored, monitoring not running")
				}
			default:
				d.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
				return nil
			}
		}
	}
}
