// Package main is the orchestrator daemon. It loads the config, wires
// the plugin registry, and runs the lifecycle poll loop until the
// process is signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/agent"
	"github.com/agentorch/orchestrator/internal/common/config"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/common/tracing"
	"github.com/agentorch/orchestrator/internal/events/bus"
	"github.com/agentorch/orchestrator/internal/identity"
	"github.com/agentorch/orchestrator/internal/lifecycle"
	"github.com/agentorch/orchestrator/internal/notify"
	"github.com/agentorch/orchestrator/internal/plugin"
	"github.com/agentorch/orchestrator/internal/runtime/dockerrt"
	"github.com/agentorch/orchestrator/internal/runtime/procrt"
	"github.com/agentorch/orchestrator/internal/runtime/tmuxrt"
	scmgithub "github.com/agentorch/orchestrator/internal/scm/github"
	"github.com/agentorch/orchestrator/internal/session"
	trackergithub "github.com/agentorch/orchestrator/internal/tracker/github"
	"github.com/agentorch/orchestrator/internal/workspace/worktree"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the orchestrator config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting ao",
		zap.String("config", cfg.ConfigPath),
		zap.Int("projects", len(cfg.Projects)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		if err := tracing.Init(ctx, cfg.Tracing.Endpoint); err != nil {
			log.Warn("tracing disabled", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = tracing.Shutdown(shutdownCtx)
			}()
		}
	}

	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.Events.NATSURL))
	} else {
		memBus := bus.NewMemoryEventBus(log)
		defer memBus.Close()
		eventBus = memBus
	}

	registry := plugin.NewRegistry()
	if err := registerPlugins(ctx, registry, cfg, log); err != nil {
		log.Fatal("failed to register plugins", zap.Error(err))
	}
	resolver := plugin.NewResolver(registry, cfg)

	root, err := identity.DefaultRoot()
	if err != nil {
		log.Fatal("failed to resolve state root", zap.Error(err))
	}
	sessions := session.NewManager(cfg, root, resolver, eventBus, log)
	lifecycleMgr := lifecycle.NewManager(cfg, sessions, resolver, eventBus, log)

	done := make(chan error, 1)
	go func() { done <- lifecycleMgr.Run(ctx) }()
	log.Info("lifecycle loop running",
		zap.Duration("tick_interval", cfg.Lifecycle.TickInterval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
		<-done
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			log.Fatal("lifecycle loop failed", zap.Error(err))
		}
	}

	log.Info("ao stopped")
}

// registerPlugins wires every built-in plugin. Runtimes whose backing
// daemon is unreachable register anyway and fail per-call; projects
// that never select them are unaffected.
func registerPlugins(ctx context.Context, registry *plugin.Registry, cfg *config.Config, log *logger.Logger) error {
	if err := registry.Register(plugin.SlotRuntime, "tmux", tmuxrt.New(log)); err != nil {
		return err
	}
	if err := registry.Register(plugin.SlotRuntime, "proc", procrt.New(log)); err != nil {
		return err
	}
	if docker, err := dockerrt.New(log); err != nil {
		log.Warn("docker runtime unavailable", zap.Error(err))
	} else if err := docker.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable, docker runtime not registered", zap.Error(err))
		_ = docker.Close()
	} else if err := registry.Register(plugin.SlotRuntime, "docker", docker); err != nil {
		return err
	}

	if err := registry.Register(plugin.SlotAgent, "claude", agent.NewClaude()); err != nil {
		return err
	}
	if err := registry.Register(plugin.SlotAgent, "aider", agent.NewAider()); err != nil {
		return err
	}

	if err := registry.Register(plugin.SlotWorkspace, "worktree", worktree.New(log)); err != nil {
		return err
	}

	if !scmgithub.Available() {
		log.Warn("gh CLI not found; PR detection and issue lookups will fail")
	}
	if err := registry.Register(plugin.SlotSCM, "github", scmgithub.New(log)); err != nil {
		return err
	}
	if err := registry.Register(plugin.SlotTracker, "github", trackergithub.New(log)); err != nil {
		return err
	}

	for name, ncfg := range cfg.Notifiers {
		notifier, err := notify.New(name, ncfg, log)
		if err != nil {
			return err
		}
		if err := registry.Register(plugin.SlotNotifier, name, notifier); err != nil {
			return err
		}
	}
	return nil
}

func defaultConfigPath() string {
	if p := os.Getenv("AO_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "ao.yaml"
	}
	return home + "/.config/ao/config.yaml"
}
