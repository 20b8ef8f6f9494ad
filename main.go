package main

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/n0needt0/go-goodies/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/n0needt0/goodies/rollbar-agent/alerts"
	"github.com/n0needt0/goodies/rollbar-agent/api"
	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/notifier"
	"github.com/n0needt0/goodies/rollbar-agent/services"
	"github.com/n0needt0/goodies/rollbar-agent/udp"
	"github.com/n0needt0/goodies/rollbar-agent/webhook"
)

var (
	conf      = config.Config{}
	envPrefix = "ROLLBAR_"
)

// Run executes the root command.
func Run() error {
	rootCmd := &cobra.Command{
		Use:           "rollbar-agent",
		Short:         "Relay local log events to the Rollbar ingestion API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFilePath, _ := cmd.Flags().GetString("config")

			err := config.LoadConfig(cfgFilePath, envPrefix, &conf)
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			if err := config.LoadFlags(cmd); err != nil {
				return errors.Wrap(err, "failed to load flags")
			}
			if err := conf.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			setLogLevel(conf.Logging.Level)
			return runAgent()
		},
	}
	rootCmd.Flags().String("config", "config.yaml", "--config <FILE>")

	return rootCmd.Execute()
}

func runAgent() error {
	var otelshutdown func()

	if conf.Otel.Enabled {
		//this initializes global otel provider
		otelshutdown = InitOtelProvider(&conf)
	}

	// Business logic: shared pipeline services plus the notifier
	svcs := services.NewServices(&conf)

	rollbarNotifier, err := notifier.New(conf.Rollbar, svcs.Controller, svcs.Telemetry, svcs.Bus, svcs.Stats)
	if err != nil {
		return errors.Wrap(err, "failed to construct notifier")
	}
	svcs.Notifier = rollbarNotifier

	// Ops alerting watches delivery outcomes on the event bus
	opsAlerts := alerts.NewOpsAlertClient(alerts.AlertClientConfig{
		Ops: alerts.OpsConfig{
			Enabled:          conf.Alerts.Enabled,
			Endpoint:         conf.Alerts.Endpoint,
			Timeout:          conf.Alerts.Timeout,
			FailureThreshold: conf.Alerts.FailureThreshold,
		},
		App: alerts.AppConfig{
			Name:    conf.App.Name,
			Version: conf.App.Version,
		},
		Dev: conf.Dev,
	})
	opsAlerts.Watch(svcs.Bus)

	server := NewServer(svcs, &conf)

	server.HttpApi = api.NewAPIServer(svcs, &conf)
	server.UdpListener = udp.NewListener(svcs, &conf)
	server.WebhookListener = webhook.NewListener(svcs, &conf)

	//start listeners
	if err := server.UdpListener.Start(); err != nil {
		return errors.Wrap(err, "failed to start UDP listener")
	}
	if err := server.WebhookListener.Start(); err != nil {
		return errors.Wrap(err, "failed to start webhook listener")
	}

	//start server
	go server.Start(nil, nil)

	//start api server
	server.HttpApi.Serve(":"+strconv.Itoa(conf.Server.ApiPort), server.HttpApi.NewRouter())

	if conf.Otel.Enabled {
		//cleanup otel
		otelshutdown()
	}

	return nil
}

func setLogLevel(levelStr string) {
	switch strings.ToLower(levelStr) {
	case "debug":
		log.SetMinLogLevel(log.MinLevelDebug)
	case "info":
		log.SetMinLogLevel(log.MinLevelInfo)
	case "warn":
		log.SetMinLogLevel(log.MinLevelWarn)
	case "error":
		log.SetMinLogLevel(log.MinLevelError)
	}
}

// Server provides basic service functions and state common to all service types
type Server struct {
	Config          *config.Config
	Name            string
	quitterC        chan time.Duration // also internal-only
	HttpApi         *api.APIServer
	UdpListener     *udp.Listener
	WebhookListener *webhook.Listener
	Services        *services.Services
}

// NewServer creates a new Server
func NewServer(svcs *services.Services, conf *config.Config) *Server {
	return &Server{
		Config:   conf,
		Name:     conf.App.Name,
		quitterC: make(chan time.Duration),
		Services: svcs,
	}
}

func (svc *Server) Start(housekeepingFn func(), quitterFn func(time.Duration)) {

	// exit cleanly on signal
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGTERM)
	go func() {
		sig := <-signalC
		log.Debugf("Received signal %v", sig)

		if err := svc.Stop(2 * time.Second); err != nil {
			log.Fatalf("error stopping service: %v", err)
		}
	}()

	interval := time.Duration(svc.Config.Housekeeping.IntervalSeconds) * time.Second

	if interval <= 0 {
		interval = 10 * time.Second
		log.Errorf("invalid housekeeping-interval: %d", interval)
	}

	ticker := time.NewTicker(interval)

	// wait for quit, run housekeeping (if any)
	for {
		select {
		case <-ticker.C:
			if svc.Config.Dev {
				stats := svc.Services.GetStats()
				log.Debugf("pipeline: received=%d enqueued=%d delivered=%d queue=%d",
					stats.EventsReceived.Load(), stats.PayloadsEnqueued.Load(),
					stats.ItemsDelivered.Load(), svc.Services.Notifier.Queue().Len())
			}

			if housekeepingFn != nil && svc.Config.Housekeeping.Enabled {
				housekeepingFn()
			}
		case timeout := <-svc.quitterC:
			log.Debug("shutting down")

			if quitterFn != nil {
				quitterFn(timeout)
			}

			//lets bring em down one by one: sources first, then the
			//notifier (deregisters its queue), then the controller
			svc.UdpListener.Stop()
			svc.WebhookListener.Stop()

			svc.Services.Notifier.Close()
			svc.Services.Controller.Stop()

			svc.HttpApi.Stop()

			return
		}
	}
}

func (svc *Server) Stop(timeout time.Duration) error {
	defer close(svc.quitterC)

	log.Debugf("sending timeout %s to quitterC:", timeout)

	select {
	case svc.quitterC <- timeout:
		log.Debug("sent")
	case <-time.After(timeout + (100 * time.Millisecond)):
		log.Debug("timed out")
	default:
		log.Debug("must have already closed")
	}
	return nil
}

func main() {

	err := Run()
	if err != nil {
		log.Fatalf("failed to start: %s\n", err.Error())
		os.Exit(11)
	}
}
