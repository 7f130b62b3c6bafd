// Command broker runs the Pusher-protocol-compatible WebSocket
// broker: the gateway, the broadcast control socket, the restart
// ticker, and the admin API, tied together by a suture supervision
// tree.
//
// Usage:
//
//	broker start [--config path.yaml] [--listen :8080]
//	broker restart [--soft] [--marker-path path]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/automattic/pusherbroker/internal/adminapi"
	"github.com/automattic/pusherbroker/internal/app"
	"github.com/automattic/pusherbroker/internal/broadcastctl"
	"github.com/automattic/pusherbroker/internal/channel"
	"github.com/automattic/pusherbroker/internal/config"
	"github.com/automattic/pusherbroker/internal/controllers"
	"github.com/automattic/pusherbroker/internal/dispatch"
	"github.com/automattic/pusherbroker/internal/gateway"
	"github.com/automattic/pusherbroker/internal/handler"
	"github.com/automattic/pusherbroker/internal/logging"
	"github.com/automattic/pusherbroker/internal/metrics"
	"github.com/automattic/pusherbroker/internal/replication"
	"github.com/automattic/pusherbroker/internal/restart"
	"github.com/automattic/pusherbroker/internal/supervisor"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: broker <start|restart> [flags]")
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "start":
		err = runStart(args)
	case "restart":
		err = runRestart(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(args []string) error {
	flags := pflag.NewFlagSet("start", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	flags.String("listen", "", "gateway listen address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.Component("main")

	apps := make([]*app.App, 0, len(cfg.Apps))
	for _, a := range cfg.Apps {
		apps = append(apps, &app.App{
			ID:                    a.ID,
			Key:                   a.Key,
			Secret:                a.Secret,
			Name:                  a.Name,
			Capacity:              a.Capacity,
			ClientMessagesEnabled: a.ClientMessagesEnabled,
			StatisticsEnabled:     a.StatisticsEnabled,
			AllowedOrigins:        a.AllowedOrigins,
		})
	}
	registry := app.NewStaticRegistry(apps)

	channels := channel.New()

	if cfg.Replication.Enabled {
		rep, err := replication.Connect(cfg.Replication.URLs, cfg.Replication.NodeID, channels)
		if err != nil {
			return fmt.Errorf("connecting replication: %w", err)
		}
		channels.SetReplicator(rep)
		for _, a := range apps {
			if err := rep.Subscribe(a.ID); err != nil {
				log.Warn().Err(err).Str("app_id", a.ID).Msg("replication subscribe failed")
			}
		}
		defer rep.Close()
	}

	resolver := handler.NewResolver(cfg.HandlerResolver.DisableCache)
	resolver.Register("ping", func() handler.Controller { return controllers.Ping{} })
	resolver.Register("whoami", func() handler.Controller { return controllers.Whoami{} })
	resolver.Register("echo", func() handler.Controller { return controllers.Echo{} })
	resolver.Register("admin/tools", func() handler.Controller { return controllers.AdminTools{} })
	resolver.Preload()

	dispatcher := dispatch.New(resolver, channels)

	var stats metrics.Sink = metrics.Noop()
	if cfg.Statistics.Enabled {
		registrySink := metrics.New()
		stats = registrySink
		if cfg.Statistics.JSONPath != "" {
			w, err := os.OpenFile(cfg.Statistics.JSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("opening statistics output: %w", err)
			}
			registrySink.StartJSONWriter(cfg.Statistics.Interval, w)
		}
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.SendQueueDepth = cfg.Gateway.SendQueueDepth
	gwCfg.PingPeriod = cfg.Gateway.PingPeriod
	gwCfg.PongWait = cfg.Gateway.PongWait
	gwCfg.RateLimitRPS = cfg.Gateway.RateLimitRPS
	gwCfg.RateLimitBurst = cfg.Gateway.RateLimitBurst
	gwCfg.MaxMessageBytes = cfg.Gateway.MaxMessageBytes

	gw := gateway.New(gwCfg, registry, channels, dispatcher, stats)

	sup := supervisor.New()
	supervisor.AddHTTPServer(sup, "gateway", cfg.Listen, gw.Router())

	if cfg.BroadcastControl.Enabled {
		ln := broadcastctl.New(cfg.BroadcastControl.SocketPath, channels)
		supervisor.AddBroadcastControl(sup, ln)
	}

	var restartStore *restart.Store
	if cfg.RestartMarker.Enabled {
		restartStore, err = restart.Open(cfg.RestartMarker.Path)
		if err != nil {
			return fmt.Errorf("opening restart marker store: %w", err)
		}
		defer restartStore.Close()
		ticker := restart.New(restartStore, channels, cfg.RestartMarker.CheckEvery)
		supervisor.AddRestartTicker(sup, ticker)
	}

	if cfg.AdminAPI.Enabled {
		admin := adminapi.New(registry, channels)
		supervisor.AddHTTPServer(sup, "admin-api", cfg.AdminAPI.Listen, admin.Router())
	}

	log.Info().Str("listen", cfg.Listen).Int("apps", len(apps)).Msg("starting broker")
	return sup.Serve(context.Background())
}

func runRestart(args []string) error {
	flags := pflag.NewFlagSet("restart", pflag.ContinueOnError)
	markerPath := flags.String("marker-path", "/var/lib/pusherbroker/restart.marker", "path to the restart marker store")
	soft := flags.Bool("soft", false, "also send local connections an error frame and close them; without it the drain only declines new connections")
	if err := flags.Parse(args); err != nil {
		return err
	}

	store, err := restart.Open(*markerPath)
	if err != nil {
		return fmt.Errorf("opening restart marker store: %w", err)
	}
	defer store.Close()

	if err := store.Request(*soft); err != nil {
		return fmt.Errorf("requesting restart: %w", err)
	}

	fmt.Printf("restart requested (soft=%v) at %s\n", *soft, time.Now().Format(time.RFC3339))
	return nil
}
