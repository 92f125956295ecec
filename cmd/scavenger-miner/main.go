// Command scavenger-miner mines a window of addresses against a scavenger-style
// proof-of-work reward scheme, submitting solutions through a failover-protected
// gateway and exposing start/stop/status/update_config over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/windrift/scavenger-miner/internal/api"
	"github.com/windrift/scavenger-miner/internal/config"
	"github.com/windrift/scavenger-miner/internal/configstore"
	"github.com/windrift/scavenger-miner/internal/eventbus"
	"github.com/windrift/scavenger-miner/internal/gateway"
	"github.com/windrift/scavenger-miner/internal/hashservice"
	"github.com/windrift/scavenger-miner/internal/newrelic"
	"github.com/windrift/scavenger-miner/internal/notify"
	"github.com/windrift/scavenger-miner/internal/orchestrator"
	"github.com/windrift/scavenger-miner/internal/profiling"
	"github.com/windrift/scavenger-miner/internal/registry"
	"github.com/windrift/scavenger-miner/internal/storage"
	"github.com/windrift/scavenger-miner/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scavenger-miner v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("scavenger-miner v%s starting", version)

	store, err := configstore.Load(cfg.Wallet.ConfigStorePath)
	if err != nil {
		util.Fatalf("failed to load configstore: %v", err)
	}

	bus := eventbus.New()
	hs := hashservice.New(bus, store.Read().BatchSize)
	reg := registry.New()

	endpoints := make([]gateway.EndpointConfig, len(cfg.Gateway.Endpoints))
	for i, ep := range cfg.Gateway.Endpoints {
		endpoints[i] = gateway.EndpointConfig{Name: ep.Name, URL: ep.URL, Weight: ep.Weight, Timeout: ep.Timeout}
	}
	remote := gateway.NewFailoverGateway(endpoints)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote.Start(ctx)
	defer remote.Stop()

	signer := gateway.NewRPCSigner(cfg.Wallet.SignerURL, cfg.Wallet.SignerTimeout)

	core := orchestrator.New(store, bus, hs, reg, remote, signer, remote, remote,
		cfg.Wallet.AddressSeed, cfg.Wallet.WindowSize)

	if store.Read().AutoResume && store.Read().WasMiningActive {
		util.Info("auto-resume: starting mining without waiting for an explicit start call")
		go func() {
			if err := core.Start(ctx, ""); err != nil {
				util.Errorf("auto-resume start failed: %v", err)
			}
		}()
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, cfg.Security, core, bus)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("failed to start api server: %v", err)
		}
	}

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("failed to start pprof server: %v", err)
		}
	}

	var nrAgent *newrelic.Agent
	if cfg.NewRelic.Enabled {
		nrAgent = newrelic.NewAgent(&cfg.NewRelic)
		if err := nrAgent.Start(); err != nil {
			util.Errorf("failed to start new relic agent: %v", err)
		}
		go nrAgent.Observe(ctx, bus)
	}

	if cfg.Notify.Enabled {
		webhookCfg := &notify.WebhookConfig{
			DiscordURL:   cfg.Notify.DiscordURL,
			TelegramBot:  cfg.Notify.TelegramBot,
			TelegramChat: cfg.Notify.TelegramChat,
			Enabled:      cfg.Notify.Enabled,
			MinerName:    cfg.Notify.MinerName,
		}
		notifier := notify.NewNotifier(webhookCfg, bus)
		go notifier.Run(ctx)
	}

	var historyStore *storage.Store
	if cfg.Redis.Enabled {
		historyStore, err = storage.NewStore(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			util.Errorf("failed to connect to redis, history store disabled: %v", err)
		} else {
			defer historyStore.Close()
			writer := storage.NewWriter(historyStore, bus, core.TotalHashes)
			go writer.Run(ctx)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("scavenger-miner started. Press Ctrl+C to stop.")
	<-sigChan
	util.Info("shutting down...")

	if err := core.Stop(); err != nil {
		util.Errorf("orchestrator stop failed: %v", err)
	}
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			util.Errorf("api server stop failed: %v", err)
		}
	}
	if pprofServer != nil {
		pprofServer.Stop()
	}
	if nrAgent != nil {
		nrAgent.Stop()
	}

	util.Info("scavenger-miner stopped")
}
