package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/redbco/redb-swarm/internal/engine"
	"github.com/redbco/redb-swarm/internal/routing"
	"github.com/redbco/redb-swarm/pkg/config"
	"github.com/redbco/redb-swarm/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return err
	}
	settings, err := engine.SettingsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New("swarmd", Version)
	log.SetLevel(logger.ParseLevel(cfg.GetString("log.level", "info")))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	node, err := engine.New(ctx, settings, engine.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		node.Stop()
		return err
	}

	failed := make(chan error, 1)
	go func() { failed <- node.Wait() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reload(log, cfg, node)
				continue
			}
			log.Info("Received shutdown signal: (signal: %s)", sig)
			return node.Stop()
		case err := <-failed:
			log.Error("Node task failed: (error: %v)", err)
			if stopErr := node.Stop(); stopErr != nil {
				log.Warn("Shutdown after failure was not clean: (error: %v)", stopErr)
			}
			return err
		case <-ctx.Done():
			return node.Stop()
		}
	}
}

// reload re-reads the config file and applies the settings that can change
// at runtime. Changes to restart keys are reported and otherwise ignored.
func reload(log *logger.Logger, current *config.Config, node *engine.Node) {
	next, err := config.Load(configFile, envFile)
	if err != nil {
		log.Warn("Config reload failed: (error: %v)", err)
		return
	}
	if next.RequiresRestart(current.GetAll()) {
		log.Warn("Config change requires a restart; keeping running settings")
		return
	}

	log.SetLevel(logger.ParseLevel(next.GetString("log.level", "info")))
	if next.Has("router.strategy") {
		strategy, err := routing.ParseStrategy(next.Get("router.strategy"))
		if err != nil {
			log.Warn("Config reload failed: (error: %v)", err)
			return
		}
		if err := node.Router().SetStrategy(strategy); err != nil {
			log.Warn("Config reload failed: (error: %v)", err)
			return
		}
	}
	current.Update(next.GetAll())
	log.Info("Config reloaded: (node: %s, strategy: %s)", node.ID(), node.Router().Strategy())
}
